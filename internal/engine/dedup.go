package engine

import (
	"sync"
	"time"
)

// dedupSweepEvery is how many admissions pass between expiry sweeps.
const dedupSweepEvery = 100

// dedupCache remembers recently admitted message IDs so redelivered
// messages are processed exactly once within the TTL.
type dedupCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	seen    map[string]time.Time
	admits  int
	nowFunc func() time.Time
}

func newDedupCache(ttl time.Duration) *dedupCache {
	return &dedupCache{
		ttl:     ttl,
		seen:    make(map[string]time.Time),
		nowFunc: time.Now,
	}
}

// Admit records the ID and reports whether the message should be
// processed. A second call with the same ID within the TTL returns
// false. Empty IDs are always admitted.
func (d *dedupCache) Admit(id string) bool {
	if id == "" {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.nowFunc()
	if at, ok := d.seen[id]; ok && now.Sub(at) < d.ttl {
		return false
	}
	d.seen[id] = now
	d.admits++
	if d.admits%dedupSweepEvery == 0 {
		for k, at := range d.seen {
			if now.Sub(at) >= d.ttl {
				delete(d.seen, k)
			}
		}
	}
	return true
}

func (d *dedupCache) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
