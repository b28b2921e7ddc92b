package monitor

import (
	"sync"
	"time"
)

// Status is the effective availability of one (datacenter, configuration)
// pair after price verification has spoken.  Raw listed statuses from the
// catalog are plain strings; only effective statuses are ever stored in a
// subscription's lastStatus map.
type Status string

const (
	// StatusAvailable means listed available and the price probe passed.
	StatusAvailable Status = "available"

	// StatusUnavailable means listed unavailable.
	StatusUnavailable Status = "unavailable"

	// StatusPriceCheckFailed means listed available but the price probe
	// rejected the configuration: visible in the catalog, not orderable.
	StatusPriceCheckFailed Status = "price_check_failed"
)

// ListedAvailable reports whether a raw catalog status counts as available.
// The catalog uses many positive values ("available", "72H", "1H-high", …);
// only the literal "unavailable" means out of stock.
func ListedAvailable(raw string) bool {
	return raw != string(StatusUnavailable)
}

// Classify decides whether a transition from old to next should notify and
// with which change type.  old == "" means the pair has never been seen.
// The table is pure so it can be property-tested in isolation.
func Classify(old, next Status, notifyAvailable, notifyUnavailable bool) (Status, bool) {
	if old == next {
		return "", false
	}
	switch next {
	case StatusUnavailable:
		return StatusUnavailable, notifyUnavailable
	case StatusAvailable:
		return StatusAvailable, notifyAvailable
	case StatusPriceCheckFailed:
		return StatusPriceCheckFailed, notifyAvailable
	}
	return "", false
}

// ConfigInfo describes one orderable variant of a plan for a single tick.
// Options carries the option codes needed to re-issue the exact order.
type ConfigInfo struct {
	Memory  string   `json:"memory"`
	Storage string   `json:"storage"`
	Display string   `json:"display"`
	Options []string `json:"options"`
}

// HistoryEntry records one effective-status transition.  Timestamp is the
// display-zone ISO-8601 textual form.
type HistoryEntry struct {
	Timestamp  string      `json:"timestamp"`
	Datacenter string      `json:"datacenter"`
	Status     Status      `json:"status"`
	ChangeType Status      `json:"changeType"`
	OldStatus  Status      `json:"oldStatus,omitempty"`
	Config     *ConfigInfo `json:"config,omitempty"`
}

// historyLimit caps the per-subscription transition history.
const historyLimit = 100

// Subscription is a standing interest in one plan, optionally narrowed to a
// set of datacenters.  PlanCode is the identity; there is at most one
// subscription per plan in the store.
//
// LastStatus and History are mutated only by the evaluator worker processing
// this subscription (at most one per tick); mu additionally guards them so
// API handlers can take consistent read snapshots while a tick is running.
type Subscription struct {
	mu sync.Mutex

	PlanCode          string            `json:"planCode"`
	Datacenters       []string          `json:"datacenters"`
	NotifyAvailable   bool              `json:"notifyAvailable"`
	NotifyUnavailable bool              `json:"notifyUnavailable"`
	AutoOrder         bool              `json:"autoOrder,omitempty"`
	Quantity          int               `json:"quantity,omitempty"`
	ServerName        string            `json:"serverName,omitempty"`
	LastStatus        map[string]Status `json:"lastStatus"`
	History           []HistoryEntry    `json:"history"`
	CreatedAt         time.Time         `json:"createdAt"`
}

// settings is a consistent copy of a subscription's user-editable fields.
// The evaluator takes one at the start of a tick so an upsert landing
// mid-check cannot tear reads of the flags or the datacenter slice.
type settings struct {
	planCode          string
	datacenters       []string
	notifyAvailable   bool
	notifyUnavailable bool
	autoOrder         bool
	quantity          int
	serverName        string
}

func (s *Subscription) settings() settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	dcs := make([]string, len(s.Datacenters))
	copy(dcs, s.Datacenters)
	return settings{
		planCode:          s.PlanCode,
		datacenters:       dcs,
		notifyAvailable:   s.NotifyAvailable,
		notifyUnavailable: s.NotifyUnavailable,
		autoOrder:         s.AutoOrder,
		quantity:          s.Quantity,
		serverName:        s.ServerName,
	}
}

// watchesDC reports whether dc is in the watch set.  An empty set watches
// every datacenter that appears.
func (st settings) watchesDC(dc string) bool {
	if len(st.datacenters) == 0 {
		return true
	}
	for _, d := range st.datacenters {
		if d == dc {
			return true
		}
	}
	return false
}

// statusKey builds the lastStatus key for a (datacenter, configuration)
// pair.  Legacy simple rows use the bare datacenter code.
func statusKey(dc, configKey string) string {
	if configKey == "" {
		return dc
	}
	return dc + "|" + configKey
}

// appendHistory adds one record and trims to the bound.  Caller holds s.mu.
func (s *Subscription) appendHistory(e HistoryEntry) {
	s.History = append(s.History, e)
	if len(s.History) > historyLimit {
		s.History = s.History[len(s.History)-historyLimit:]
	}
}

// View is a deep-copied, lock-free snapshot of a subscription for API
// responses.
type View struct {
	PlanCode          string            `json:"planCode"`
	Datacenters       []string          `json:"datacenters"`
	NotifyAvailable   bool              `json:"notifyAvailable"`
	NotifyUnavailable bool              `json:"notifyUnavailable"`
	AutoOrder         bool              `json:"autoOrder,omitempty"`
	Quantity          int               `json:"quantity,omitempty"`
	ServerName        string            `json:"serverName,omitempty"`
	LastStatus        map[string]Status `json:"lastStatus"`
	HistoryLen        int               `json:"historyLen"`
	CreatedAt         time.Time         `json:"createdAt"`
}

// View takes a consistent snapshot under the subscription's lock.
func (s *Subscription) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	ls := make(map[string]Status, len(s.LastStatus))
	for k, v := range s.LastStatus {
		ls[k] = v
	}
	dcs := make([]string, len(s.Datacenters))
	copy(dcs, s.Datacenters)
	return View{
		PlanCode:          s.PlanCode,
		Datacenters:       dcs,
		NotifyAvailable:   s.NotifyAvailable,
		NotifyUnavailable: s.NotifyUnavailable,
		AutoOrder:         s.AutoOrder,
		Quantity:          s.Quantity,
		ServerName:        s.ServerName,
		LastStatus:        ls,
		HistoryLen:        len(s.History),
		CreatedAt:         s.CreatedAt,
	}
}

// historySnapshot returns a copy of the history ring, newest last.
func (s *Subscription) historySnapshot() []HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]HistoryEntry, len(s.History))
	copy(out, s.History)
	return out
}
