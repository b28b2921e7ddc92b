package monitor

import (
	"sync"
	"time"
)

// Spec is the caller-supplied shape for adding or updating a subscription.
type Spec struct {
	PlanCode          string   `json:"planCode"`
	Datacenters       []string `json:"datacenters"`
	NotifyAvailable   bool     `json:"notifyAvailable"`
	NotifyUnavailable bool     `json:"notifyUnavailable"`
	AutoOrder         bool     `json:"autoOrder"`
	Quantity          int      `json:"quantity"`
	ServerName        string   `json:"serverName"`
}

// Store is the in-memory subscription set, keyed by plan code.
// The scheduler never iterates the live slice; it takes a Snapshot and
// re-checks membership per subscription before processing.
type Store struct {
	mu   sync.RWMutex
	subs []*Subscription
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{}
}

// Add inserts a subscription, or updates flags, datacenters, quantity and
// server name when one with the same plan code already exists.  An update
// never resets lastStatus or history: re-adding must not replay
// notifications for states the user has already seen.
// Returns the subscription and whether an existing one was updated.
func (st *Store) Add(spec Spec) (*Subscription, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	quantity := spec.Quantity
	if quantity < 1 {
		quantity = 1
	}

	for _, s := range st.subs {
		if s.PlanCode != spec.PlanCode {
			continue
		}
		s.mu.Lock()
		s.Datacenters = spec.Datacenters
		s.NotifyAvailable = spec.NotifyAvailable
		s.NotifyUnavailable = spec.NotifyUnavailable
		s.AutoOrder = spec.AutoOrder
		if spec.AutoOrder {
			s.Quantity = quantity
		} else {
			s.Quantity = 0
		}
		s.ServerName = spec.ServerName
		s.mu.Unlock()
		return s, true
	}

	sub := &Subscription{
		PlanCode:          spec.PlanCode,
		Datacenters:       spec.Datacenters,
		NotifyAvailable:   spec.NotifyAvailable,
		NotifyUnavailable: spec.NotifyUnavailable,
		ServerName:        spec.ServerName,
		LastStatus:        make(map[string]Status),
		History:           []HistoryEntry{},
		CreatedAt:         time.Now(),
	}
	if spec.AutoOrder {
		sub.AutoOrder = true
		sub.Quantity = quantity
	}
	st.subs = append(st.subs, sub)
	return sub, false
}

// Remove deletes the subscription for planCode, reporting whether anything
// was removed.
func (st *Store) Remove(planCode string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	for i, s := range st.subs {
		if s.PlanCode == planCode {
			st.subs = append(st.subs[:i], st.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Clear wipes all subscriptions and returns how many were removed.
func (st *Store) Clear() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	n := len(st.subs)
	st.subs = nil
	return n
}

// Get returns the live subscription for planCode, or nil.
func (st *Store) Get(planCode string) *Subscription {
	st.mu.RLock()
	defer st.mu.RUnlock()
	for _, s := range st.subs {
		if s.PlanCode == planCode {
			return s
		}
	}
	return nil
}

// Contains reports whether planCode is still subscribed.  The scheduler
// calls this between snapshot and processing so a subscription removed
// mid-tick is skipped.
func (st *Store) Contains(planCode string) bool {
	return st.Get(planCode) != nil
}

// Snapshot returns a copy of the subscription list for iteration.
func (st *Store) Snapshot() []*Subscription {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]*Subscription, len(st.subs))
	copy(out, st.subs)
	return out
}

// Len returns the number of subscriptions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.subs)
}

// History returns a copy of a subscription's transition history, newest
// last, and whether the subscription exists.
func (st *Store) History(planCode string) ([]HistoryEntry, bool) {
	s := st.Get(planCode)
	if s == nil {
		return nil, false
	}
	return s.historySnapshot(), true
}

// Views returns deep-copied API views of all subscriptions.
func (st *Store) Views() []View {
	snap := st.Snapshot()
	out := make([]View, 0, len(snap))
	for _, s := range snap {
		out = append(out, s.View())
	}
	return out
}
