package monitor

import (
	"context"
	"fmt"
)

// dispatchOrders fires one quick-order call per (datacenter × quantity) for
// a qualifying availability transition.  Each call is independent: failures
// are logged and never abort sibling orders or revert monitor state.
// Success/failure counts are logged in aggregate per subscription per tick.
func (m *Monitor) dispatchOrders(ctx context.Context, set settings, info *ConfigInfo, dcs []string) {
	quantity := set.quantity
	if quantity < 1 {
		quantity = 1
	}
	total := len(dcs) * quantity

	m.log.Info(ctx, fmt.Sprintf(
		"[monitor->order] starting batch order: %s, datacenters=%d, quantity=%d, total=%d",
		set.planCode, len(dcs), quantity, total), "monitor")

	success, failed := 0, 0
	for _, dc := range dcs {
		for i := 1; i <= quantity; i++ {
			m.log.Info(ctx, fmt.Sprintf("[monitor->order] quick order (%d/%d): %s@%s options=%v",
				i, quantity, set.planCode, dc, info.Options), "monitor")
			if err := m.deps.PlaceOrder(ctx, set.planCode, dc, info.Options); err != nil {
				failed++
				m.log.Warn(ctx, fmt.Sprintf("[monitor->order] quick order failed (%d/%d): %s@%s: %v",
					i, quantity, set.planCode, dc, err), "monitor")
			} else {
				success++
				m.log.Info(ctx, fmt.Sprintf("[monitor->order] quick order placed (%d/%d): %s@%s",
					i, quantity, set.planCode, dc), "monitor")
			}
		}
	}

	m.log.Info(ctx, fmt.Sprintf("[monitor->order] batch finished: success=%d, failed=%d, total=%d",
		success, failed, total), "monitor")
}
