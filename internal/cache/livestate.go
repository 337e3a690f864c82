// Package cache holds the process-local hot cache of most-recent aircraft
// states. It serves the read API's first lookup tier; the durable store
// remains the source of truth.
//
// The cache is written by the ingestion worker only, after the conditional
// upsert has accepted a record, and applies the same acceptance rules on
// Put so a slower worker can never roll an entry backwards. It may lag the
// store but never lead it.
package cache

import (
	"sync"
	"time"

	"github.com/dhightnm/fly-overhead/internal/model"
)

// LiveState is a bounded icao24→state map with TTL expiry and
// drop-oldest-by-last_contact eviction.
type LiveState struct {
	mu         sync.RWMutex
	entries    map[string]model.StateRecord
	maxEntries int
	ttl        time.Duration
	staleAfter time.Duration
}

// New creates a cache bounded to maxEntries. Entries expire ttl after
// their last_contact; staleAfter feeds the acceptance predicate used on
// Put.
func New(maxEntries int, ttl, staleAfter time.Duration) *LiveState {
	return &LiveState{
		entries:    make(map[string]model.StateRecord),
		maxEntries: maxEntries,
		ttl:        ttl,
		staleAfter: staleAfter,
	}
}

// Put stores rec if it wins against the cached entry under the acceptance
// rules. Returns whether the entry was updated.
func (c *LiveState) Put(rec model.StateRecord) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[rec.Icao24]; ok {
		if !model.ShouldAccept(&rec, &existing, time.Now(), c.staleAfter) {
			return false
		}
	} else if len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}
	c.entries[rec.Icao24] = rec
	return true
}

// Get returns the cached record for an aircraft if present and unexpired.
func (c *LiveState) Get(icao24 string) (model.StateRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rec, ok := c.entries[icao24]
	if !ok || c.expired(rec) {
		return model.StateRecord{}, false
	}
	return rec, true
}

// InBounds snapshots all unexpired entries whose position falls inside the
// box. Reads never block writers beyond the map copy.
func (c *LiveState) InBounds(b model.Bounds) []model.StateRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []model.StateRecord
	for _, rec := range c.entries {
		if c.expired(rec) || !rec.HasPosition() {
			continue
		}
		if b.Contains(*rec.Latitude, *rec.Longitude) {
			out = append(out, rec)
		}
	}
	return out
}

// Len returns the current entry count, expired entries included until the
// next sweep.
func (c *LiveState) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Sweep removes expired entries and returns how many were dropped. Run it
// periodically; Get and InBounds already filter expired entries, so the
// sweep only reclaims memory.
func (c *LiveState) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := 0
	for icao, rec := range c.entries {
		if c.expired(rec) {
			delete(c.entries, icao)
			dropped++
		}
	}
	return dropped
}

func (c *LiveState) expired(rec model.StateRecord) bool {
	return time.Since(time.Unix(rec.LastContact, 0)) > c.ttl
}

// evictOldestLocked drops the entry with the smallest last_contact. The
// linear scan only runs when the cache is full and a new aircraft appears.
func (c *LiveState) evictOldestLocked() {
	var (
		oldestKey string
		oldest    int64
	)
	for icao, rec := range c.entries {
		if oldestKey == "" || rec.LastContact < oldest {
			oldestKey = icao
			oldest = rec.LastContact
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}
