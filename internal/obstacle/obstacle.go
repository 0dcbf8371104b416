// Package obstacle holds the shared view of the most salient obstacle.
package obstacle

import (
	"sync"
	"time"

	"roverpilot/internal/decision"
)

// State is the latest obstacle verdict. CenterX, VeryClose and Closeness
// describe the last front-close detection, the one stamped at LastSeenAt.
type State struct {
	FrontClose bool
	VeryClose  bool
	InCenter   bool
	CenterX    float64
	Closeness  float64
	LastSeenAt time.Time
}

// Tracker guards the single State instance. The control loop is its only writer.
type Tracker struct {
	mu    sync.RWMutex
	state State
}

// NewTracker creates a tracker whose last sighting is at since, so the clear-hold
// window starts counting from process start.
func NewTracker(since time.Time) *Tracker {
	return &Tracker{state: State{LastSeenAt: since}}
}

// Update records one frame's verdict and returns the resulting state.
// Position data is only replaced when the obstacle is front-close.
func (t *Tracker) Update(v decision.Verdict, now time.Time) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.FrontClose = v.Found && v.FrontClose
	t.state.VeryClose = false
	if t.state.FrontClose {
		t.state.VeryClose = v.VeryClose
		t.state.InCenter = v.InCenter
		t.state.CenterX = v.CenterX
		t.state.Closeness = v.Primary.Score
		t.state.LastSeenAt = now
	}
	return t.state
}

// Snapshot returns a copy of the current state.
func (t *Tracker) Snapshot() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// ClearFor reports whether nothing front-close has been seen for longer than d.
func (t *Tracker) ClearFor(now time.Time, d time.Duration) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return now.Sub(t.state.LastSeenAt) > d
}

// FrontClose reports whether the last processed frame had a front-close obstacle.
func (t *Tracker) FrontClose() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state.FrontClose
}
