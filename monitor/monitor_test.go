package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper-darkly/sniper-backend/clock"
	"github.com/whisper-darkly/sniper-backend/config"
	"github.com/whisper-darkly/sniper-backend/notifier"
	"github.com/whisper-darkly/sniper-backend/tokencache"
)

// fakeGateway is a scriptable stand-in for the injected collaborators.
type fakeGateway struct {
	mu sync.Mutex

	avail    Availability
	availErr error

	// verify maps datacenter → (orderable, reason); unlisted datacenters pass.
	verify map[string]string

	sends  []sentMessage
	orders []placedOrder

	orderErr error
}

type sentMessage struct {
	text   string
	markup *notifier.ReplyMarkup
}

type placedOrder struct {
	planCode   string
	datacenter string
	options    []string
}

func (f *fakeGateway) deps() Deps {
	return Deps{
		FetchAvailability: func(ctx context.Context, planCode string) (Availability, error) {
			return f.avail, f.availErr
		},
		VerifyPrice: func(ctx context.Context, planCode, dc string, options []string) (bool, string) {
			f.mu.Lock()
			reason, rejected := f.verify[dc]
			f.mu.Unlock()
			if rejected {
				return false, reason
			}
			return true, ""
		},
		PriceText: func(ctx context.Context, planCode, dc string, options []string) (string, error) {
			return "€42.00/月", nil
		},
		PlaceOrder: func(ctx context.Context, planCode, dc string, options []string) error {
			f.mu.Lock()
			defer f.mu.Unlock()
			if f.orderErr != nil {
				return f.orderErr
			}
			f.orders = append(f.orders, placedOrder{planCode, dc, options})
			return nil
		},
		Send: func(text string, markup *notifier.ReplyMarkup) bool {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.sends = append(f.sends, sentMessage{text, markup})
			return true
		},
	}
}

func (f *fakeGateway) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func (f *fakeGateway) orderCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.orders)
}

func newTestMonitor(t *testing.T, f *fakeGateway) *Monitor {
	t.Helper()
	cfg, err := config.Load(t.TempDir())
	require.NoError(t, err)
	return New(cfg, f.deps())
}

func configuredAvail(configKey string, dcStatus map[string]string) Availability {
	return Availability{
		Simple: map[string]string{},
		Configured: map[string]ConfigRow{
			configKey: {
				Datacenters: dcStatus,
				Memory:      "32GB DDR4",
				Storage:     "2x512GB NVMe",
				Options:     []string{"ram-32g", "ssd-2x512"},
			},
		},
	}
}

func TestAvailableTransitionNotifiesWithButtons(t *testing.T) {
	f := &fakeGateway{avail: configuredAvail("cfg1", map[string]string{"gra": "72H", "rbx": "unavailable"})}
	m := newTestMonitor(t, f)

	sub, _ := m.Store().Add(Spec{PlanCode: "24ska01", NotifyAvailable: true})
	m.checkSubscription(context.Background(), sub)

	require.Equal(t, 1, f.sentCount())
	msg := f.sends[0]
	assert.Contains(t, msg.text, "🎉 服务器上架通知！")
	assert.Contains(t, msg.text, "型号: 24ska01")
	assert.Contains(t, msg.text, "配置: 32GB DDR4 + 2x512GB NVMe")
	assert.Contains(t, msg.text, "💰 价格: €42.00/月")
	assert.Contains(t, msg.text, "有货的机房 (1个)")
	assert.Contains(t, msg.text, "法国·格拉沃利讷")

	require.NotNil(t, msg.markup)
	require.Len(t, msg.markup.InlineKeyboard, 1)
	btn := msg.markup.InlineKeyboard[0][0]
	assert.Contains(t, btn.Text, "一键下单")
	assert.LessOrEqual(t, len(btn.CallbackData), 64)

	// The unavailable sibling is recorded even though its flag is off.
	assert.Equal(t, StatusAvailable, sub.LastStatus["gra|cfg1"])
	assert.Equal(t, StatusUnavailable, sub.LastStatus["rbx|cfg1"])
}

func TestStableStatusDoesNotRenotify(t *testing.T) {
	f := &fakeGateway{avail: configuredAvail("cfg1", map[string]string{"gra": "1H-high"})}
	m := newTestMonitor(t, f)

	sub, _ := m.Store().Add(Spec{PlanCode: "24ska01", NotifyAvailable: true})
	m.checkSubscription(context.Background(), sub)
	m.checkSubscription(context.Background(), sub)
	m.checkSubscription(context.Background(), sub)

	assert.Equal(t, 1, f.sentCount())
}

func TestPriceCheckFailedBlocksOrderAndButtons(t *testing.T) {
	f := &fakeGateway{
		avail:  configuredAvail("cfg1", map[string]string{"gra": "available"}),
		verify: map[string]string{"gra": "withTax invalid (0)"},
	}
	m := newTestMonitor(t, f)

	sub, _ := m.Store().Add(Spec{PlanCode: "24ska01", NotifyAvailable: true, AutoOrder: true})
	m.checkSubscription(context.Background(), sub)

	assert.Equal(t, 0, f.orderCount())
	require.Equal(t, 1, f.sentCount())
	msg := f.sends[0]
	assert.Contains(t, msg.text, "价格校验未通过")
	assert.Contains(t, msg.text, "withTax invalid (0)")
	assert.Contains(t, msg.text, "已跳过自动下单")
	assert.Nil(t, msg.markup)
	assert.Equal(t, StatusPriceCheckFailed, sub.LastStatus["gra|cfg1"])
}

func TestRecoveryFromPriceCheckFailedNeverOrders(t *testing.T) {
	f := &fakeGateway{
		avail:  configuredAvail("cfg1", map[string]string{"gra": "available"}),
		verify: map[string]string{"gra": "no price"},
	}
	m := newTestMonitor(t, f)

	sub, _ := m.Store().Add(Spec{PlanCode: "24ska01", NotifyAvailable: true, AutoOrder: true})
	m.checkSubscription(context.Background(), sub)
	require.Equal(t, StatusPriceCheckFailed, sub.LastStatus["gra|cfg1"])

	// Probe starts passing: the pair becomes available, notifies, but the
	// auto-order gate only fires out of none/unavailable.
	f.mu.Lock()
	f.verify = nil
	f.mu.Unlock()
	m.checkSubscription(context.Background(), sub)

	assert.Equal(t, StatusAvailable, sub.LastStatus["gra|cfg1"])
	assert.Equal(t, 0, f.orderCount())
	assert.Equal(t, 2, f.sentCount())
}

func TestAutoOrderQuantityAndOrderBeforeNotify(t *testing.T) {
	var order0Sends int
	f := &fakeGateway{avail: configuredAvail("cfg1", map[string]string{"gra": "available"})}
	m := newTestMonitor(t, f)

	deps := f.deps()
	innerOrder := deps.PlaceOrder
	deps.PlaceOrder = func(ctx context.Context, planCode, dc string, options []string) error {
		order0Sends = f.sentCount()
		return innerOrder(ctx, planCode, dc, options)
	}
	m.deps = deps

	sub, _ := m.Store().Add(Spec{PlanCode: "24ska01", NotifyAvailable: true, AutoOrder: true, Quantity: 2})
	m.checkSubscription(context.Background(), sub)

	require.Equal(t, 2, f.orderCount())
	assert.Equal(t, "gra", f.orders[0].datacenter)
	assert.Equal(t, []string{"ram-32g", "ssd-2x512"}, f.orders[0].options)
	assert.Equal(t, 0, order0Sends, "orders must be dispatched before notifications")

	// Stable availability must not re-order.
	m.checkSubscription(context.Background(), sub)
	assert.Equal(t, 2, f.orderCount())
}

func TestUnavailableTransitionReportsUptime(t *testing.T) {
	f := &fakeGateway{avail: configuredAvail("cfg1", map[string]string{"gra": "unavailable"})}
	m := newTestMonitor(t, f)

	now := time.Date(2026, 8, 25, 12, 0, 0, 0, clock.Zone())
	m.now = func() time.Time { return now }

	sub, _ := m.Store().Add(Spec{PlanCode: "24ska01", NotifyAvailable: true, NotifyUnavailable: true})
	sub.LastStatus["gra|cfg1"] = StatusAvailable
	sub.appendHistory(HistoryEntry{
		Timestamp:  clock.FormatISO(now.Add(-5 * time.Minute)),
		Datacenter: "gra",
		Status:     StatusAvailable,
		ChangeType: StatusAvailable,
		Config:     &ConfigInfo{Display: "32GB DDR4 + 2x512GB NVMe"},
	})

	m.checkSubscription(context.Background(), sub)

	require.Equal(t, 1, f.sentCount())
	msg := f.sends[0]
	assert.Contains(t, msg.text, "📦 服务器下架通知")
	assert.Contains(t, msg.text, "已下架机房 (1 个)")
	assert.Contains(t, msg.text, "本次上架持续: 5m0s")
	assert.Nil(t, msg.markup)
}

func TestAvailableTransitionReportsDowntime(t *testing.T) {
	f := &fakeGateway{avail: configuredAvail("cfg1", map[string]string{"gra": "available"})}
	m := newTestMonitor(t, f)

	now := time.Date(2026, 8, 25, 12, 0, 0, 0, clock.Zone())
	m.now = func() time.Time { return now }

	sub, _ := m.Store().Add(Spec{PlanCode: "24ska01", NotifyAvailable: true})
	sub.LastStatus["gra|cfg1"] = StatusUnavailable
	sub.appendHistory(HistoryEntry{
		Timestamp:  clock.FormatISO(now.Add(-(2*time.Hour + 3*time.Minute + 4*time.Second))),
		Datacenter: "gra",
		Status:     StatusUnavailable,
		ChangeType: StatusUnavailable,
		Config:     &ConfigInfo{Display: "32GB DDR4 + 2x512GB NVMe"},
	})

	m.checkSubscription(context.Background(), sub)

	require.Equal(t, 1, f.sentCount())
	assert.Contains(t, f.sends[0].text, "上次无货→本次有货: 2h3m4s")
}

func TestNotifyFlagsGateEmissions(t *testing.T) {
	f := &fakeGateway{avail: configuredAvail("cfg1", map[string]string{"gra": "available"})}
	m := newTestMonitor(t, f)

	// notifyAvailable off: the transition is recorded silently.
	sub, _ := m.Store().Add(Spec{PlanCode: "24ska01", NotifyUnavailable: true})
	m.checkSubscription(context.Background(), sub)

	assert.Equal(t, 0, f.sentCount())
	assert.Equal(t, StatusAvailable, sub.LastStatus["gra|cfg1"])
}

func TestUnwatchedDatacentersAreIgnored(t *testing.T) {
	f := &fakeGateway{avail: configuredAvail("cfg1", map[string]string{"gra": "available", "syd": "available"})}
	m := newTestMonitor(t, f)

	sub, _ := m.Store().Add(Spec{PlanCode: "24ska01", Datacenters: []string{"syd"}, NotifyAvailable: true})
	m.checkSubscription(context.Background(), sub)

	_, graSeen := sub.LastStatus["gra|cfg1"]
	assert.False(t, graSeen)
	assert.Equal(t, StatusAvailable, sub.LastStatus["syd|cfg1"])
}

func TestFetchErrorLeavesStateUntouched(t *testing.T) {
	f := &fakeGateway{availErr: fmt.Errorf("gateway down")}
	m := newTestMonitor(t, f)

	sub, _ := m.Store().Add(Spec{PlanCode: "24ska01", NotifyAvailable: true})
	sub.LastStatus["gra|cfg1"] = StatusAvailable
	m.checkSubscription(context.Background(), sub)

	assert.Equal(t, 0, f.sentCount())
	assert.Equal(t, StatusAvailable, sub.LastStatus["gra|cfg1"])
	assert.Empty(t, sub.historySnapshot())
}

func TestSimpleRowLegacyFlow(t *testing.T) {
	f := &fakeGateway{avail: Availability{
		Simple:     map[string]string{"gra": "available"},
		Configured: map[string]ConfigRow{},
	}}
	m := newTestMonitor(t, f)

	sub, _ := m.Store().Add(Spec{PlanCode: "24ska01", NotifyAvailable: true})
	m.checkSubscription(context.Background(), sub)

	require.Equal(t, 1, f.sentCount())
	msg := f.sends[0]
	assert.Contains(t, msg.text, "数据中心: gra")
	assert.Nil(t, msg.markup)
	assert.Equal(t, StatusAvailable, sub.LastStatus["gra"])
}

func TestCallbackConsumesToken(t *testing.T) {
	f := &fakeGateway{}
	m := newTestMonitor(t, f)

	token := m.Tokens().Put(tokencache.Entry{
		PlanCode:   "24ska01",
		Datacenter: "gra",
		Options:    []string{"ram-32g"},
	})
	data, err := json.Marshal(callbackPayload{A: callbackAction, U: token})
	require.NoError(t, err)

	require.NoError(t, m.HandleCallback(context.Background(), string(data)))
	require.Equal(t, 1, f.orderCount())
	assert.Equal(t, "24ska01", f.orders[0].planCode)
	assert.Equal(t, "gra", f.orders[0].datacenter)

	// The token is consumed on success; a replay must fail.
	err = m.HandleCallback(context.Background(), string(data))
	assert.ErrorIs(t, err, tokencache.ErrNotFound)
	assert.Equal(t, 1, f.orderCount())
}

func TestCallbackKeepsTokenOnOrderFailure(t *testing.T) {
	f := &fakeGateway{orderErr: fmt.Errorf("order rejected")}
	m := newTestMonitor(t, f)

	token := m.Tokens().Put(tokencache.Entry{PlanCode: "24ska01", Datacenter: "gra"})
	data, _ := json.Marshal(callbackPayload{A: callbackAction, U: token})

	require.Error(t, m.HandleCallback(context.Background(), string(data)))

	// A failed order leaves the token resolvable for a retry tap.
	_, err := m.Tokens().Get(token)
	assert.NoError(t, err)
}

func TestCallbackRejectsBadPayloads(t *testing.T) {
	m := newTestMonitor(t, &fakeGateway{})

	assert.Error(t, m.HandleCallback(context.Background(), "not json"))
	assert.Error(t, m.HandleCallback(context.Background(), `{"a":"something_else","u":"x"}`))
	assert.ErrorIs(t,
		m.HandleCallback(context.Background(), `{"a":"add_to_queue","u":"unknown"}`),
		tokencache.ErrNotFound)
}

func TestButtonsResolveToOrderIntents(t *testing.T) {
	f := &fakeGateway{avail: configuredAvail("cfg1", map[string]string{"gra": "available", "rbx": "available", "sbg": "available"})}
	m := newTestMonitor(t, f)

	sub, _ := m.Store().Add(Spec{PlanCode: "24ska01", NotifyAvailable: true})
	m.checkSubscription(context.Background(), sub)

	require.Equal(t, 1, f.sentCount())
	markup := f.sends[0].markup
	require.NotNil(t, markup)

	// Three buttons at most two per row.
	require.Len(t, markup.InlineKeyboard, 2)
	assert.Len(t, markup.InlineKeyboard[0], 2)
	assert.Len(t, markup.InlineKeyboard[1], 1)

	// Every button resolves to the right plan and carries the option codes.
	for _, row := range markup.InlineKeyboard {
		for _, btn := range row {
			var p callbackPayload
			require.NoError(t, json.Unmarshal([]byte(btn.CallbackData), &p))
			assert.Equal(t, callbackAction, p.A)
			entry, err := m.Tokens().Get(p.U)
			require.NoError(t, err)
			assert.Equal(t, "24ska01", entry.PlanCode)
			assert.Equal(t, []string{"ram-32g", "ssd-2x512"}, entry.Options)
		}
	}
}

func TestConcurrentUpsertDuringCheck(t *testing.T) {
	f := &fakeGateway{avail: configuredAvail("cfg1", map[string]string{"gra": "available", "rbx": "unavailable"})}
	m := newTestMonitor(t, f)

	sub, _ := m.Store().Add(Spec{PlanCode: "24ska01", Datacenters: []string{"gra", "rbx"}, NotifyAvailable: true, AutoOrder: true, Quantity: 2})

	// Hammer the upsert path while the evaluator is mid-tick.  The evaluator
	// works from a settings snapshot, so this must be race-free and must
	// never observe a half-updated datacenter list or quantity.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			m.Store().Add(Spec{
				PlanCode:        "24ska01",
				Datacenters:     []string{"gra"},
				NotifyAvailable: i%2 == 0,
				AutoOrder:       i%2 == 0,
				Quantity:        i%5 + 1,
				ServerName:      fmt.Sprintf("KS-%d", i),
			})
		}
	}()
	for i := 0; i < 20; i++ {
		m.checkSubscription(context.Background(), sub)
	}
	<-done

	// Effective statuses only; no torn or invented keys.
	sub.mu.Lock()
	defer sub.mu.Unlock()
	for key, status := range sub.LastStatus {
		assert.Contains(t, []Status{StatusAvailable, StatusUnavailable, StatusPriceCheckFailed}, status, "key=%s", key)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	m := newTestMonitor(t, &fakeGateway{})

	assert.True(t, m.Start())
	assert.False(t, m.Start(), "double start must be refused")
	assert.True(t, m.State().Running)

	assert.True(t, m.Stop())
	assert.False(t, m.Stop(), "double stop must be refused")
	assert.False(t, m.State().Running)
}

func TestConfiguredDurationIgnoresSimpleRowHistory(t *testing.T) {
	f := &fakeGateway{avail: configuredAvail("cfg1", map[string]string{"gra": "available"})}
	m := newTestMonitor(t, f)

	now := time.Date(2026, 8, 25, 12, 0, 0, 0, clock.Zone())
	m.now = func() time.Time { return now }

	sub, _ := m.Store().Add(Spec{PlanCode: "24ska01", NotifyAvailable: true})
	sub.LastStatus["gra|cfg1"] = StatusUnavailable
	// A legacy simple-row record for the same datacenter (no Config) must not
	// supply the downtime for a configured-row transition.
	sub.appendHistory(HistoryEntry{
		Timestamp:  clock.FormatISO(now.Add(-10 * time.Minute)),
		Datacenter: "gra",
		Status:     StatusUnavailable,
		ChangeType: StatusUnavailable,
	})

	m.checkSubscription(context.Background(), sub)

	require.Equal(t, 1, f.sentCount())
	assert.NotContains(t, f.sends[0].text, "上次无货→本次有货")

	// With a matching configured record the duration appears.
	_, ok := lastUnavailableSince([]HistoryEntry{
		{
			Timestamp:  clock.FormatISO(now.Add(-10 * time.Minute)),
			Datacenter: "gra",
			ChangeType: StatusUnavailable,
		},
	}, "gra", "32GB DDR4 + 2x512GB NVMe", now)
	assert.False(t, ok, "nil-Config record must not match a display-scoped scan")

	d, ok := lastUnavailableSince([]HistoryEntry{
		{
			Timestamp:  clock.FormatISO(now.Add(-10 * time.Minute)),
			Datacenter: "gra",
			ChangeType: StatusUnavailable,
			Config:     &ConfigInfo{Display: "32GB DDR4 + 2x512GB NVMe"},
		},
	}, "gra", "32GB DDR4 + 2x512GB NVMe", now)
	require.True(t, ok)
	assert.Equal(t, 10*time.Minute, d)
}

func TestHistoryRecordsTransitions(t *testing.T) {
	f := &fakeGateway{avail: configuredAvail("cfg1", map[string]string{"gra": "available"})}
	m := newTestMonitor(t, f)

	sub, _ := m.Store().Add(Spec{PlanCode: "24ska01", NotifyAvailable: true, NotifyUnavailable: true})
	m.checkSubscription(context.Background(), sub)

	f.avail = configuredAvail("cfg1", map[string]string{"gra": "unavailable"})
	m.checkSubscription(context.Background(), sub)

	history := sub.historySnapshot()
	require.Len(t, history, 2)
	assert.Equal(t, StatusAvailable, history[0].ChangeType)
	assert.Equal(t, StatusUnavailable, history[1].ChangeType)
	assert.Equal(t, StatusAvailable, history[1].OldStatus)
	assert.Equal(t, "gra", history[1].Datacenter)
	require.NotNil(t, history[1].Config)
	assert.Equal(t, "32GB DDR4 + 2x512GB NVMe", history[1].Config.Display)

	_, err := clock.ParseISO(history[0].Timestamp)
	assert.NoError(t, err)

	if !strings.Contains(f.sends[1].text, "下架") {
		t.Fatalf("second message should announce delisting, got: %s", f.sends[1].text)
	}
}
