package runtime

import (
	"os"
	"sync"
	"time"
)

// ProactiveThreshold is the gap between the end of initialization and the
// first invocation above which the sandbox counts as initialized ahead of
// demand.
const ProactiveThreshold = 100 * time.Millisecond

// ColdStartTracker detects the first invocation of a sandbox. The marker
// file outlives recycled runtime processes, so only the first process of a
// sandbox reports a cold start.
type ColdStartTracker struct {
	marker string

	mu       sync.Mutex
	initEnd  time.Time
	observed bool
}

// NewColdStartTracker returns a tracker using the marker file at path. An
// empty path disables tracking.
func NewColdStartTracker(path string) *ColdStartTracker {
	return &ColdStartTracker{marker: path}
}

// InitFinished records the end of the initialization phase.
func (t *ColdStartTracker) InitFinished(at time.Time) {
	t.mu.Lock()
	t.initEnd = at
	t.mu.Unlock()
}

// Observe is called at the start of every invocation. It reports whether
// this is the cold start of the sandbox, and if so whether initialization
// happened proactively.
func (t *ColdStartTracker) Observe(now time.Time) (cold, proactive bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.observed || t.marker == "" {
		return false, false
	}
	t.observed = true

	f, err := os.OpenFile(t.marker, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		// ErrExist means an earlier process in this sandbox already served.
		return false, false
	}
	f.Close()

	proactive = !t.initEnd.IsZero() && now.Sub(t.initEnd) > ProactiveThreshold
	return true, proactive
}
