package hook

import (
	"sync"
	"time"

	"github.com/geniustep/hookbridge"
)

// Now is the time source, overridable in tests.
var Now = time.Now

// debounceKey buckets events per record. Creates and writes share a bucket
// so a create followed by a burst of writes collapses into the create;
// deletes use their own so a tombstone is never suppressed by prior writes.
type debounceKey struct {
	model    string
	recordID int64
	bucket   string
}

func bucketFor(op hookbridge.Operation) string {
	if op == hookbridge.OperationDelete {
		return "delete"
	}
	return "create_write"
}

// Debouncer suppresses repeated events on the same record inside a window.
// State is process-local: two engine instances may each emit once per window,
// which the dispatch layer tolerates.
type Debouncer struct {
	mu         sync.Mutex
	seen       map[debounceKey]time.Time
	evictAfter time.Duration
	suppressed int64
}

func NewDebouncer(evictAfter time.Duration) *Debouncer {
	if evictAfter <= 0 {
		evictAfter = 60 * time.Second
	}
	return &Debouncer{
		seen:       make(map[debounceKey]time.Time),
		evictAfter: evictAfter,
	}
}

// Allow reports whether an event for the record may proceed and stamps the
// bucket when it does. A zero or negative window disables debouncing for the
// call. Stale entries are evicted opportunistically on each touch.
func (d *Debouncer) Allow(model string, recordID int64, op hookbridge.Operation, window time.Duration) bool {
	now := Now()
	key := debounceKey{model: model, recordID: recordID, bucket: bucketFor(op)}

	d.mu.Lock()
	defer d.mu.Unlock()

	for k, at := range d.seen {
		if now.Sub(at) > d.evictAfter {
			delete(d.seen, k)
		}
	}

	if window > 0 {
		if last, ok := d.seen[key]; ok && now.Sub(last) < window {
			d.suppressed++
			return false
		}
	}
	d.seen[key] = now
	return true
}

// Suppressed returns how many events the debouncer has swallowed.
func (d *Debouncer) Suppressed() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.suppressed
}

// Len returns the live bucket count, for tests and stats.
func (d *Debouncer) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
