package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/whisper-darkly/sniper-backend/clock"
	"github.com/whisper-darkly/sniper-backend/trace"
)

// emission is one notification intent produced by the evaluator: a
// lastStatus cell changed this tick and the subscription's flags say so.
type emission struct {
	dc         string
	old        Status
	change     Status
	reason     string // verifier rejection reason, for price_check_failed
	detectedAt time.Time
	duration   string // formatted elapsed text, when computable
}

// checkSubscription evaluates one subscription against fresh availability.
// The user-editable fields are snapshotted once up front; the live struct is
// touched only under its lock for lastStatus and history.  Nothing here may
// panic past runSubscriptionCheck's barrier; all failures degrade to log
// lines.
func (m *Monitor) checkSubscription(ctx context.Context, sub *Subscription) {
	set := sub.settings()
	plan := set.planCode

	avail, err := m.deps.FetchAvailability(ctx, plan)
	if err != nil {
		m.log.Warn(ctx, fmt.Sprintf("cannot fetch availability for %s: %v", plan, err), "monitor")
		return
	}
	if avail.Empty() {
		m.log.Warn(ctx, fmt.Sprintf("no availability information for %s", plan), "monitor")
		return
	}

	m.log.Info(ctx, fmt.Sprintf("subscription %s: %d configuration row(s), %d simple row(s)",
		plan, len(avail.Configured), len(avail.Simple)), "monitor")

	for dc, raw := range avail.Simple {
		m.checkSimpleRow(ctx, sub, set, dc, raw)
	}
	for configKey, row := range avail.Configured {
		m.checkConfigRow(ctx, sub, set, configKey, row)
	}
}

// checkSimpleRow handles a legacy datacenter → status row.  Price
// verification is optional here (config verify_simple_rows) because the
// historical behaviour is plain change-and-notify.
func (m *Monitor) checkSimpleRow(ctx context.Context, sub *Subscription, set settings, dc, raw string) {
	if !set.watchesDC(dc) {
		return
	}

	var effective Status
	var reason string
	switch {
	case !ListedAvailable(raw):
		effective = StatusUnavailable
	case m.cfg.Get().VerifySimpleRows:
		ok, why := m.deps.VerifyPrice(ctx, set.planCode, dc, nil)
		if ok {
			effective = StatusAvailable
		} else {
			effective, reason = StatusPriceCheckFailed, why
		}
	default:
		effective = StatusAvailable
	}

	sub.mu.Lock()
	old := sub.LastStatus[dc]
	sub.LastStatus[dc] = effective
	sub.mu.Unlock()

	change, notify := Classify(old, effective, set.notifyAvailable, set.notifyUnavailable)
	if !notify {
		return
	}

	e := emission{dc: dc, old: old, change: change, reason: reason, detectedAt: m.now()}
	if change == StatusUnavailable && old != "" && old != StatusUnavailable {
		if d, ok := lastAvailableSince(sub.historySnapshot(), dc, "", m.now()); ok {
			e.duration = clock.FormatElapsed(d)
		}
	}
	if change == StatusAvailable && old == StatusUnavailable {
		if d, ok := lastUnavailableSince(sub.historySnapshot(), dc, "", m.now()); ok {
			e.duration = clock.FormatElapsed(d)
		}
	}

	m.log.Info(ctx, fmt.Sprintf("%s@%s %s → %s", set.planCode, dc, orFirstSight(old), effective), "monitor")
	m.notifySimple(ctx, set, e)
	m.recordHistory(sub, nil, []emission{e})
}

// checkConfigRow handles one configured availability row: nested parallel
// price verification, effective-status derivation, transition
// classification, grouped notification and the auto-order gate.
func (m *Monitor) checkConfigRow(ctx context.Context, sub *Subscription, set settings, configKey string, row ConfigRow) {
	configTrace := trace.NewID()
	ctx = trace.WithConfigID(ctx, configTrace)

	info := row.configInfo()
	m.log.Info(ctx, fmt.Sprintf("checking configuration: %s", info.Display), "monitor")

	// Watched datacenters and verification candidates for this row.
	watched := make(map[string]string) // dc → raw listed status
	var candidates []string
	for dc, raw := range row.Datacenters {
		if !set.watchesDC(dc) {
			continue
		}
		watched[dc] = raw
		if ListedAvailable(raw) {
			candidates = append(candidates, dc)
		}
	}
	if len(watched) == 0 {
		return
	}

	results := m.verifyCandidates(ctx, set.planCode, info, candidates)

	detectedAt := m.now()
	history := sub.historySnapshot()

	var available, unavailable, failed []emission
	for dc, raw := range watched {
		key := statusKey(dc, configKey)

		effective := StatusUnavailable
		reason := ""
		if ListedAvailable(raw) {
			res, consulted := results[dc]
			switch {
			case !consulted:
				// Should not happen for an available listing; treat as a
				// rejection rather than trusting the raw status.
				effective, reason = StatusPriceCheckFailed, "price check not executed"
			case res.orderable:
				effective = StatusAvailable
			default:
				effective, reason = StatusPriceCheckFailed, res.reason
			}
		}

		sub.mu.Lock()
		old := sub.LastStatus[key]
		sub.LastStatus[key] = effective
		sub.mu.Unlock()

		change, notify := Classify(old, effective, set.notifyAvailable, set.notifyUnavailable)
		if !notify {
			continue
		}

		e := emission{dc: dc, old: old, change: change, reason: reason, detectedAt: detectedAt}
		switch change {
		case StatusAvailable:
			if old == StatusUnavailable {
				if d, ok := lastUnavailableSince(history, dc, info.Display, detectedAt); ok {
					e.duration = clock.FormatElapsed(d)
				}
			}
			available = append(available, e)
		case StatusUnavailable:
			if old != "" && old != StatusUnavailable {
				if d, ok := lastAvailableSince(history, dc, info.Display, detectedAt); ok {
					e.duration = clock.FormatElapsed(d)
				}
			}
			unavailable = append(unavailable, e)
		case StatusPriceCheckFailed:
			failed = append(failed, e)
		}
		m.log.Info(ctx, fmt.Sprintf("%s@%s [%s] %s → %s",
			set.planCode, dc, info.Display, orFirstSight(old), effective), "monitor")
	}

	if len(available) == 0 && len(unavailable) == 0 && len(failed) == 0 {
		return
	}

	// One price lookup per configuration, reused across the whole group.
	priceText, priceErr := "", ""
	if len(available) > 0 {
		var err error
		priceText, err = m.deps.PriceText(ctx, set.planCode, available[0].dc, info.Options)
		if err != nil {
			priceErr = err.Error()
			m.log.Warn(ctx, fmt.Sprintf("price lookup for %s [%s]: %v",
				set.planCode, info.Display, err), "monitor")
		}
	}

	// Auto-order gate: only transitions from none/unavailable into verified
	// availability qualify; recovery out of price_check_failed never orders.
	if set.autoOrder {
		var orderDCs []string
		for _, e := range available {
			if e.old == "" || e.old == StatusUnavailable {
				orderDCs = append(orderDCs, e.dc)
			}
		}
		if len(orderDCs) > 0 {
			m.dispatchOrders(ctx, set, info, orderDCs)
		}
	}

	if len(available) > 0 {
		text, markup := m.formatAvailableGrouped(ctx, set, info, available, priceText, priceErr)
		m.send(ctx, set.planCode, text, markup)
	}
	for _, e := range failed {
		// Even a rejected configuration may still have a quotable price.
		pt, err := m.deps.PriceText(ctx, set.planCode, e.dc, info.Options)
		if err != nil {
			pt = ""
		}
		text := m.formatPriceCheckFailed(ctx, set, info, e, pt)
		m.send(ctx, set.planCode, text, nil)
	}
	if len(unavailable) > 0 {
		text := m.formatUnavailableGrouped(ctx, set, info, unavailable)
		m.send(ctx, set.planCode, text, nil)
	}

	m.recordHistory(sub, info, append(append(available, failed...), unavailable...))
}

type verifyResult struct {
	orderable bool
	reason    string
}

// verifyCandidates runs the price probe in parallel across at most
// priceCheckWorkers workers and collects per-datacenter results.
func (m *Monitor) verifyCandidates(ctx context.Context, plan string, info *ConfigInfo, candidates []string) map[string]verifyResult {
	results := make(map[string]verifyResult, len(candidates))
	if len(candidates) == 0 {
		return results
	}

	workers := priceCheckWorkers
	if workers > len(candidates) {
		workers = len(candidates)
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(workers)
	for _, dc := range candidates {
		g.Go(func() error {
			ok, reason := m.deps.VerifyPrice(ctx, plan, dc, info.Options)
			mu.Lock()
			results[dc] = verifyResult{orderable: ok, reason: reason}
			mu.Unlock()
			if ok {
				m.log.Info(ctx, fmt.Sprintf("%s@%s [%s] price check passed", plan, dc, info.Display), "monitor")
			} else {
				m.log.Info(ctx, fmt.Sprintf("%s@%s [%s] price check failed: %s", plan, dc, info.Display, reason), "monitor")
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// recordHistory appends one record per emission and trims the ring.
func (m *Monitor) recordHistory(sub *Subscription, info *ConfigInfo, emissions []emission) {
	if len(emissions) == 0 {
		return
	}
	now := m.now()
	sub.mu.Lock()
	defer sub.mu.Unlock()
	for _, e := range emissions {
		entry := HistoryEntry{
			Timestamp:  clock.FormatISO(now),
			Datacenter: e.dc,
			Status:     e.change,
			ChangeType: e.change,
			OldStatus:  e.old,
			Config:     info,
		}
		sub.appendHistory(entry)
	}
}

// lastUnavailableSince scans history backward for the most recent entry for
// the same datacenter (and same configuration display, when given) whose
// change was unavailable or price_check_failed, and returns the elapsed time
// since it.  Used for "last unavailable → now available" durations.
func lastUnavailableSince(history []HistoryEntry, dc, display string, now time.Time) (time.Duration, bool) {
	return scanHistory(history, dc, display, now, func(t Status) bool {
		return t == StatusUnavailable || t == StatusPriceCheckFailed
	})
}

// lastAvailableSince scans history backward for the most recent available
// entry for the same datacenter (and same configuration display, when
// given).  Used for "uptime this availability" durations.
func lastAvailableSince(history []HistoryEntry, dc, display string, now time.Time) (time.Duration, bool) {
	return scanHistory(history, dc, display, now, func(t Status) bool {
		return t == StatusAvailable
	})
}

func scanHistory(history []HistoryEntry, dc, display string, now time.Time, match func(Status) bool) (time.Duration, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		e := history[i]
		if e.Datacenter != dc || !match(e.ChangeType) {
			continue
		}
		// A configured-row scan must not borrow durations from simple-row
		// records (Config nil) or from a different configuration.
		if display != "" && (e.Config == nil || e.Config.Display != display) {
			continue
		}
		t, err := clock.ParseISO(e.Timestamp)
		if err != nil {
			return 0, false
		}
		d := now.Sub(t)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

func orFirstSight(old Status) string {
	if old == "" {
		return "first sight"
	}
	return string(old)
}
