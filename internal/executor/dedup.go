package executor

import (
	"sync"
	"time"
)

// Dedup keeps a signal from being executed more than once within a
// time-to-live window. A signal ID is claimed before execution; a signal
// whose execution failed on every path is released again so the producer
// can republish it under the same ID. It is safe for concurrent use.
type Dedup struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	claimed map[string]time.Time // signal ID -> claim time
}

// NewDedup creates a Dedup that treats a signal as a duplicate while its
// claim is younger than ttl.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		ttl:     ttl,
		now:     time.Now,
		claimed: make(map[string]time.Time),
	}
}

// Claim records id and reports true when the caller may execute it. It
// returns false if id was claimed within the TTL and not released since,
// which covers a second copy arriving while the first is still executing.
func (d *Dedup) Claim(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if at, ok := d.claimed[id]; ok && now.Sub(at) < d.ttl {
		return false
	}
	d.claimed[id] = now
	return true
}

// Release forgets a claim so the next copy of id is executed. Releasing an
// unknown id is a no-op.
func (d *Dedup) Release(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.claimed, id)
}

// Cleanup removes claims older than the TTL. The consumer calls it once per
// TTL so the map does not grow without bound.
func (d *Dedup) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for id, at := range d.claimed {
		if now.Sub(at) >= d.ttl {
			delete(d.claimed, id)
		}
	}
}

// Len returns the number of live claims.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.claimed)
}
