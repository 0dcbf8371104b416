package obstacle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"roverpilot/internal/decision"
)

func TestTrackerUpdate(t *testing.T) {
	t0 := time.Unix(100, 0)
	tr := NewTracker(t0)
	assert.False(t, tr.ClearFor(t0.Add(160*time.Millisecond), 160*time.Millisecond))
	assert.True(t, tr.ClearFor(t0.Add(161*time.Millisecond), 160*time.Millisecond))

	seen := t0.Add(time.Second)
	st := tr.Update(decision.Verdict{
		Found:   true,
		Primary: decision.Primary{Score: 0.42},
		Classification: decision.Classification{
			FrontClose: true, VeryClose: true, InCenter: true, CenterX: 0.3,
		},
	}, seen)
	assert.True(t, st.FrontClose)
	assert.True(t, st.VeryClose)
	assert.Equal(t, 0.3, st.CenterX)
	assert.Equal(t, 0.42, st.Closeness)
	assert.Equal(t, seen, st.LastSeenAt)

	// A frame without a front-close obstacle clears the flags but keeps the last sighting.
	later := seen.Add(50 * time.Millisecond)
	st = tr.Update(decision.Verdict{Found: true, Classification: decision.Classification{CenterX: 0.9}}, later)
	assert.False(t, st.FrontClose)
	assert.False(t, st.VeryClose)
	assert.Equal(t, 0.3, st.CenterX)
	assert.Equal(t, seen, st.LastSeenAt)
	assert.Equal(t, st, tr.Snapshot())
	assert.False(t, tr.FrontClose())
}
