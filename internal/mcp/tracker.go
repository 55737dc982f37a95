package mcp

import (
	"sync"
	"time"
)

// maxTrackedChecks bounds the tracker before a lazy purge runs.
const maxTrackedChecks = 1000

// statusTracker records recent consensus_status calls so handleVote can nudge
// callers that vote without having read the current state of the process.
//
// Keys are (operatorID, consensusID). The tracker is in-memory and advisory;
// a restart simply forgets who looked at what.
type statusTracker struct {
	mu     sync.Mutex
	checks map[statusKey]time.Time
	window time.Duration
	now    func() time.Time
}

type statusKey struct {
	operatorID  string
	consensusID string
}

func newStatusTracker(window time.Duration) *statusTracker {
	return &statusTracker{
		checks: make(map[statusKey]time.Time),
		window: window,
		now:    time.Now,
	}
}

// Record notes that operatorID read the status of consensusID.
func (t *statusTracker) Record(operatorID, consensusID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checks[statusKey{operatorID, consensusID}] = t.now()
	if len(t.checks) > maxTrackedChecks {
		t.purgeStale()
	}
}

// WasChecked reports whether operatorID read consensusID within the window.
func (t *statusTracker) WasChecked(operatorID, consensusID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := statusKey{operatorID, consensusID}
	ts, ok := t.checks[k]
	if !ok {
		return false
	}
	if t.now().Sub(ts) > t.window {
		delete(t.checks, k)
		return false
	}
	return true
}

// purgeStale removes entries older than the window. Must be called with mu held.
func (t *statusTracker) purgeStale() {
	now := t.now()
	for k, ts := range t.checks {
		if now.Sub(ts) > t.window {
			delete(t.checks, k)
		}
	}
}

func (t *statusTracker) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.checks)
}
