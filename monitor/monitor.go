// Package monitor implements the availability-monitoring and auto-ordering
// engine.  A periodic loop fans subscriptions out to a bounded worker pool;
// each worker fetches current availability, verifies orderability with a
// price probe, classifies effective-status transitions, emits deduplicated
// notifications with interactive order buttons, and fires auto-order
// requests exactly once per qualifying transition.
//
// The engine consumes injected function-shaped dependencies (availability
// fetch, price probe, order placement, notification send, logging) and owns
// no transport of its own.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/whisper-darkly/sniper-backend/clock"
	"github.com/whisper-darkly/sniper-backend/config"
	"github.com/whisper-darkly/sniper-backend/notifier"
	"github.com/whisper-darkly/sniper-backend/tokencache"
	"github.com/whisper-darkly/sniper-backend/trace"
)

const (
	// priceCheckWorkers caps the nested per-configuration verification pool.
	priceCheckWorkers = 10

	// stopWait is how long Stop waits for the loop to exit.
	stopWait = 3 * time.Second
)

// Deps are the injected collaborators.  All of them may block; each call is
// independently bounded by its own deadline on the implementation side.
type Deps struct {
	// FetchAvailability returns the catalog's current availability document
	// for a plan.  A nil/empty document or an error skips the subscription
	// for this tick without mutating state.
	FetchAvailability func(ctx context.Context, planCode string) (Availability, error)

	// VerifyPrice reports whether the configuration is actually orderable,
	// with a human-readable reason on rejection.
	VerifyPrice func(ctx context.Context, planCode, datacenter string, options []string) (bool, string)

	// PriceText returns a display price line for notifications.
	PriceText func(ctx context.Context, planCode, datacenter string, options []string) (string, error)

	// PlaceOrder issues one order request.
	PlaceOrder func(ctx context.Context, planCode, datacenter string, options []string) error

	// Send delivers one notification, optionally with a button grid, and
	// reports delivery success.
	Send func(text string, markup *notifier.ReplyMarkup) bool

	// Log is the external logging sink.
	Log trace.LogFunc
}

// Monitor is the engine.  Create with New, then Start.
type Monitor struct {
	deps   Deps
	cfg    *config.Global
	store  *Store
	tokens *tokencache.Cache
	log    *trace.Logger

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}

	// now is swappable in tests.
	now func() time.Time
}

// New creates a Monitor.  The store and token cache are owned by the
// monitor but exposed for the API surface.
func New(cfg *config.Global, deps Deps) *Monitor {
	m := &Monitor{
		deps:   deps,
		cfg:    cfg,
		store:  NewStore(),
		tokens: tokencache.New(tokencache.TTL),
		log:    trace.NewLogger(deps.Log),
		now:    clock.Now,
	}
	m.log.Info(context.Background(), "server monitor initialised", "monitor")
	return m
}

// Store exposes the subscription store for the API surface.
func (m *Monitor) Store() *Store { return m.store }

// Tokens exposes the callback-token cache for the API surface.
func (m *Monitor) Tokens() *tokencache.Cache { return m.tokens }

// State is the externally visible scheduler state.
type State struct {
	Running       bool `json:"running"`
	Subscriptions int  `json:"subscriptions_count"`
	CheckInterval int  `json:"check_interval"`
	PendingTokens int  `json:"pending_tokens"`
}

// State reports the current scheduler state.
func (m *Monitor) State() State {
	m.mu.Lock()
	running := m.running
	m.mu.Unlock()
	return State{
		Running:       running,
		Subscriptions: m.store.Len(),
		CheckInterval: m.cfg.Get().CheckInterval,
		PendingTokens: m.tokens.Len(),
	}
}

// Start launches the monitor loop.  Starting an already-running monitor is
// refused.
func (m *Monitor) Start() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		m.log.Warn(context.Background(), "monitor already running", "monitor")
		return false
	}
	m.running = true
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.loop(m.stop, m.done)
	m.log.Info(context.Background(),
		fmt.Sprintf("server monitor started (check interval: %ds)", m.cfg.Get().CheckInterval), "monitor")
	return true
}

// Stop asks the loop to exit and waits up to 3 s.  In-flight subscription
// checks finish naturally.
func (m *Monitor) Stop() bool {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		m.log.Warn(context.Background(), "monitor not running", "monitor")
		return false
	}
	m.running = false
	close(m.stop)
	done := m.done
	m.mu.Unlock()

	select {
	case <-done:
	case <-time.After(stopWait):
	}
	m.log.Info(context.Background(), "server monitor stopped", "monitor")
	return true
}

func (m *Monitor) loop(stop, done chan struct{}) {
	defer close(done)
	ctx := context.Background()
	m.log.Info(ctx, "monitor loop started", "monitor")

	for {
		select {
		case <-stop:
			m.log.Info(ctx, "monitor loop stopped", "monitor")
			return
		default:
		}

		m.runTick(ctx, stop)

		// Interruptible sleep: the interval is re-read every tick so config
		// updates apply live, and the stop flag is honoured at 1 s granularity.
		interval := m.cfg.Get().CheckInterval
		m.log.Debug(ctx, fmt.Sprintf("sleeping %ds until next check", interval), "monitor")
		for i := 0; i < interval; i++ {
			select {
			case <-stop:
				m.log.Info(ctx, "monitor loop stopped", "monitor")
				return
			case <-time.After(time.Second):
			}
		}
	}
}

// runTick performs one scheduler iteration: token sweep, store snapshot,
// bounded fan-out, join.
func (m *Monitor) runTick(ctx context.Context, stop chan struct{}) {
	m.tokens.Sweep()

	snap := m.store.Snapshot()
	if len(snap) == 0 {
		m.log.Debug(ctx, "no subscriptions, skipping check", "monitor")
		return
	}
	m.log.Info(ctx, fmt.Sprintf("checking %d subscription(s)", len(snap)), "monitor")

	workers := m.cfg.Get().MaxWorkers
	if workers > len(snap) {
		workers = len(snap)
	}
	if workers < 1 {
		workers = 1
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for _, sub := range snap {
		if stopRequested(stop) {
			break
		}
		g.Go(func() error {
			m.runSubscriptionCheck(ctx, sub)
			return nil
		})
	}
	_ = g.Wait()
}

func stopRequested(stop chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

// runSubscriptionCheck wraps one evaluator invocation with its trace scope
// and a panic barrier: nothing outside a single subscription's evaluator is
// allowed to crash the scheduler.
func (m *Monitor) runSubscriptionCheck(ctx context.Context, sub *Subscription) {
	if !m.store.Contains(sub.PlanCode) {
		m.log.Debug(ctx, fmt.Sprintf("subscription %s removed mid-tick, skipping", sub.PlanCode), "monitor")
		return
	}

	traceID := trace.NewID()
	ctx = trace.WithSubscriptionID(ctx, traceID)

	defer func() {
		if r := recover(); r != nil {
			m.log.Error(ctx, fmt.Sprintf("subscription %s check panicked: %v\n%s",
				sub.PlanCode, r, debug.Stack()), "monitor")
		}
	}()

	m.log.Info(ctx, fmt.Sprintf("processing subscription: %s", sub.PlanCode), "monitor")
	m.checkSubscription(ctx, sub)
	m.log.Info(ctx, fmt.Sprintf("finished subscription: %s", sub.PlanCode), "monitor")
}

// callbackPayload is the interactive button payload; it must stay within
// the 64-byte transport limit, which a UUID token keeps comfortable.
type callbackPayload struct {
	A string `json:"a"`
	U string `json:"u"`
}

const callbackAction = "add_to_queue"

// HandleCallback resolves a button's callback payload against the token
// cache and places the stored order intent.  A resolved token is consumed so
// the button cannot be replayed.
func (m *Monitor) HandleCallback(ctx context.Context, data string) error {
	var p callbackPayload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return fmt.Errorf("parse callback payload: %w", err)
	}
	if p.A != callbackAction {
		return fmt.Errorf("unknown callback action %q", p.A)
	}

	entry, err := m.tokens.Get(p.U)
	if err != nil {
		m.log.Warn(ctx, fmt.Sprintf("callback token %s: %v", p.U, err), "monitor")
		return err
	}

	m.log.Info(ctx, fmt.Sprintf("[callback->order] %s@%s options=%v",
		entry.PlanCode, entry.Datacenter, entry.Options), "monitor")

	if err := m.deps.PlaceOrder(ctx, entry.PlanCode, entry.Datacenter, entry.Options); err != nil {
		m.log.Warn(ctx, fmt.Sprintf("[callback->order] order failed for %s@%s: %v",
			entry.PlanCode, entry.Datacenter, err), "monitor")
		return err
	}

	m.tokens.Delete(p.U)
	m.log.Info(ctx, fmt.Sprintf("[callback->order] order accepted for %s@%s",
		entry.PlanCode, entry.Datacenter), "monitor")
	return nil
}
