// Package tokencache maps opaque callback tokens to stored order intents.
// Tokens are minted at notification time, embedded in message buttons, and
// resolved when the user taps one.  Entries expire after 24 hours; the
// scheduler sweeps expired entries at each tick boundary.
package tokencache

import (
	"errors"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
)

// TTL is how long a token stays resolvable after it is minted.
const TTL = 24 * time.Hour

// ErrNotFound is returned when a token is unknown or has expired.
// This is a recoverable condition: the user tapped a stale button.
var ErrNotFound = errors.New("token not found or expired")

// Entry is the order intent stored behind a token: everything needed to
// re-issue the exact order the notification was about.
type Entry struct {
	PlanCode   string         `json:"planCode"`
	Datacenter string         `json:"datacenter"`
	Options    []string       `json:"options"`
	ConfigInfo map[string]any `json:"configInfo,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// Cache is a concurrency-safe token → Entry mapping with per-entry TTL.
// The zero value is not usable; call New.
type Cache struct {
	c   *gocache.Cache
	ttl time.Duration
}

// New returns a Cache with the given TTL.  No background janitor runs;
// callers are expected to invoke Sweep periodically (the scheduler does
// this once per tick).
func New(ttl time.Duration) *Cache {
	return &Cache{
		c:   gocache.New(ttl, 0),
		ttl: ttl,
	}
}

// Put stores the entry under a freshly minted token and returns the token.
// Tokens are UUID strings (36 bytes), which keeps the interactive callback
// payload well under the 64-byte transport limit.
func (tc *Cache) Put(e Entry) string {
	token := uuid.NewString()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	tc.c.Set(token, e, gocache.DefaultExpiration)
	return token
}

// Get resolves a token.  Returns ErrNotFound for unknown or expired tokens.
func (tc *Cache) Get(token string) (Entry, error) {
	v, ok := tc.c.Get(token)
	if !ok {
		return Entry{}, ErrNotFound
	}
	return v.(Entry), nil
}

// Delete removes a token after it has been accepted so it cannot be replayed.
func (tc *Cache) Delete(token string) {
	tc.c.Delete(token)
}

// Sweep evicts all expired entries and returns how many remain.
func (tc *Cache) Sweep() int {
	tc.c.DeleteExpired()
	return tc.c.ItemCount()
}

// Len returns the number of entries, including any not yet swept but expired.
func (tc *Cache) Len() int {
	return tc.c.ItemCount()
}
