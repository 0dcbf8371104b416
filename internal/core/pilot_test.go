package core

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roverpilot/internal/clock"
	"roverpilot/internal/decision"
	"roverpilot/internal/framesource"
	"roverpilot/internal/link"
	"roverpilot/internal/maneuver"
	"roverpilot/internal/model"
	"roverpilot/internal/obstacle"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

// fakeFrames hands out one fresh 100x100 frame per Latest call while enabled.
type fakeFrames struct {
	mu       sync.Mutex
	seq      uint64
	enabled  bool
	startErr error
	started  bool
	stopped  bool
}

func (f *fakeFrames) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return f.startErr
}

func (f *fakeFrames) Latest() *model.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.enabled {
		return nil
	}
	f.seq++
	return &model.Frame{Image: image.NewGray(image.Rect(0, 0, 100, 100)), Seq: f.seq}
}

func (f *fakeFrames) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeFrames) Stats() framesource.Stats { return framesource.Stats{} }

// fakeDetector returns the configured boxes for every frame.
type fakeDetector struct {
	mu    sync.Mutex
	boxes []model.DetectionBox
	err   error
	calls int
	opts  model.DetectOptions
}

func (d *fakeDetector) set(boxes ...model.DetectionBox) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.boxes = boxes
}

func (d *fakeDetector) Detect(_ *model.Frame, opts model.DetectOptions) ([]model.DetectionBox, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.opts = opts
	return d.boxes, d.err
}

// fakeTransport records commands and lets tests drop the connection. With
// block set, every Connect after the first waits until block is closed.
type fakeTransport struct {
	mu          sync.Mutex
	cmds        []model.Command
	connects    int
	failFirst   int
	done        chan struct{}
	down        bool
	closed      bool
	block       chan struct{}
	connectedCh chan struct{}
}

func newFakeTransport() *fakeTransport {
	done := make(chan struct{})
	close(done)
	return &fakeTransport{done: done, connectedCh: make(chan struct{}, 8)}
}

func (t *fakeTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	t.connects++
	n, block := t.connects, t.block
	t.mu.Unlock()
	if block != nil && n > 1 {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if n <= t.failFirst {
		return errors.New("relay unreachable")
	}
	t.done = make(chan struct{})
	t.down = false
	t.connectedCh <- struct{}{}
	return nil
}

func (t *fakeTransport) connectCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}

func (t *fakeTransport) Send(cmd model.Command) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return link.ErrClosed
	}
	if t.down {
		return link.ErrNotConnected
	}
	t.cmds = append(t.cmds, cmd)
	return nil
}

func (t *fakeTransport) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) drop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.down = true
	close(t.done)
}

func (t *fakeTransport) sent() []model.Command {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]model.Command(nil), t.cmds...)
}

type fakeViz struct{ shown atomic.Int32 }

func (v *fakeViz) Show(*model.Frame, decision.Verdict) { v.shown.Add(1) }

func testConfig() *model.Config {
	cfg := model.DefaultConfig()
	cfg.Detector.TargetFPS = 0
	cfg.Control.StatsIntervalMs = 0
	cfg.Link.ConnectRetryMs = 5
	cfg.Link.ReconnectDelayMs = 5
	return cfg
}

func box(x0, y0, x1, y1 int) model.DetectionBox {
	return model.DetectionBox{Confidence: 0.9, Rect: image.Rect(x0, y0, x1, y1)}
}

type harness struct {
	pilot *Pilot
	det   *fakeDetector
	tr    *fakeTransport
	clk   *clock.Mock
}

func newHarness(cfg *model.Config) *harness {
	clk := clock.NewMock(t0)
	det := &fakeDetector{}
	tr := newFakeTransport()
	frames := &fakeFrames{enabled: true}
	return &harness{pilot: NewPilot(cfg, frames, det, tr, clk), det: det, tr: tr, clk: clk}
}

func indexOf(cmds []model.Command, c model.Command) int {
	for i, x := range cmds {
		if x == c {
			return i
		}
	}
	return -1
}

func TestVeryCloseObstacleBacksUpBeforeTurning(t *testing.T) {
	cfg := testConfig()
	cfg.Maneuver.ClearBrakeMs = 60000
	h := newHarness(cfg)
	viz := &fakeViz{}
	h.pilot.SetVisualizer(viz)

	// area .25, bottom .9, centre .5, height .5
	h.det.set(box(25, 40, 75, 90))
	require.NoError(t, h.pilot.step(context.Background()))
	h.pilot.Sequencer().Wait()

	cmds := h.tr.sent()
	require.NotEmpty(t, cmds)
	assert.Equal(t, model.Stop, cmds[0])
	back, turn := indexOf(cmds, model.Back), indexOf(cmds, model.Left)
	require.NotEqual(t, -1, back)
	require.NotEqual(t, -1, turn)
	assert.Less(t, back, turn)
	assert.Equal(t, uint64(1), h.pilot.Stats().ManeuversStarted)
	assert.Equal(t, int32(1), viz.shown.Load())
	assert.Equal(t, 320, h.det.opts.MaxSize)
	assert.Nil(t, h.det.opts.Classes)
}

func TestDistantObstacleIdlesOnce(t *testing.T) {
	h := newHarness(testConfig())
	ctx := context.Background()

	// area .05, centre .5, height .1, bottom .3
	h.det.set(box(25, 20, 75, 30))
	require.NoError(t, h.pilot.step(ctx))
	assert.Empty(t, h.tr.sent(), "clear-hold has not elapsed yet")

	h.clk.Advance(161 * time.Millisecond)
	for i := 0; i < 5; i++ {
		require.NoError(t, h.pilot.step(ctx))
		h.clk.Advance(30 * time.Millisecond)
	}
	h.det.set()
	for i := 0; i < 5; i++ {
		require.NoError(t, h.pilot.step(ctx))
	}

	assert.Equal(t, []model.Command{model.Stop}, h.tr.sent())
	assert.Equal(t, uint64(0), h.pilot.Sequencer().Token())
	assert.Equal(t, uint64(1), h.pilot.Stats().IdleCommands)
}

func TestIdleCommandIsConfigurable(t *testing.T) {
	cfg := testConfig()
	cfg.Control.IdleCommand = "F"
	h := newHarness(cfg)
	h.clk.Advance(time.Second)
	require.NoError(t, h.pilot.step(context.Background()))
	require.NoError(t, h.pilot.step(context.Background()))
	assert.Equal(t, []model.Command{model.Forward}, h.tr.sent())
}

func TestAdvanceCeilingThenCooldown(t *testing.T) {
	cfg := testConfig()
	cfg.Maneuver.ClearBrakeMs = 3600000
	h := newHarness(cfg)
	ctx := context.Background()

	// once turning, the obstacle leaves the path but the view never fully clears
	var cleared atomic.Bool
	h.clk.OnSleep(func(now time.Time) {
		if h.pilot.Sequencer().Phase(now) == maneuver.Turning && cleared.CompareAndSwap(false, true) {
			h.pilot.tracker.Update(decision.Verdict{}, now)
		}
	})

	centredLow := box(40, 70, 60, 85) // front-close by bottom edge, not very close
	h.det.set(centredLow)
	require.NoError(t, h.pilot.step(ctx))
	h.pilot.Sequencer().Wait()

	assert.Equal(t, []model.Command{model.Stop, model.Left, model.Stop, model.Forward, model.Stop}, h.tr.sent())
	assert.Equal(t, uint64(1), h.pilot.Stats().ManeuversCompleted)

	now := h.clk.Now()
	assert.Equal(t, maneuver.Cooldown, h.pilot.Sequencer().Phase(now))

	// a marginal obstacle reappears before the deadline: no restart
	h.clk.Advance(150 * time.Millisecond)
	require.NoError(t, h.pilot.step(ctx))
	assert.Equal(t, uint64(1), h.pilot.Sequencer().Token())
	assert.Len(t, h.tr.sent(), 5)

	// once the deadline passes it may start again
	h.clk.Advance(50 * time.Millisecond)
	h.clk.OnSleep(nil)
	require.NoError(t, h.pilot.step(ctx))
	assert.Equal(t, uint64(2), h.pilot.Sequencer().Token())
	h.pilot.Sequencer().Wait()
}

func TestCloserObstacleWhileTurningPreempts(t *testing.T) {
	cfg := testConfig()
	cfg.Maneuver.ClearBrakeMs = 60000
	h := newHarness(cfg)
	ctx := context.Background()

	closer := box(30, 60, 70, 95) // score .383, not very close
	var bumped atomic.Bool
	var atBump []model.Command
	h.clk.OnSleep(func(now time.Time) {
		snap, live := h.pilot.Sequencer().Active()
		if !live || snap.Token != 1 || snap.Phase != maneuver.Turning {
			return
		}
		if now.Sub(snap.StartedAt) < 120*time.Millisecond || !bumped.CompareAndSwap(false, true) {
			return
		}
		atBump = h.tr.sent()
		h.pilot.decide(ctx, []model.DetectionBox{closer}, 100, 100)
	})

	h.det.set(box(40, 70, 60, 85)) // score .276
	require.NoError(t, h.pilot.step(ctx))
	h.pilot.Sequencer().Wait()

	require.True(t, bumped.Load())
	assert.Equal(t, []model.Command{model.Stop, model.Left}, atBump)
	// run 1 never sends its post-turn Stop; run 2 opens with Stop
	assert.Equal(t, []model.Command{
		model.Stop, model.Left,
		model.Stop, model.Left, model.Stop, model.Forward, model.Stop,
	}, h.tr.sent())
	st := h.pilot.Stats()
	assert.Equal(t, uint64(2), st.ManeuversStarted)
	assert.Equal(t, uint64(1), st.ManeuversPreempted)
}

type stateArg struct {
	closeness float64
	centred   bool
}

func (s stateArg) state() obstacle.State {
	return obstacle.State{FrontClose: true, InCenter: s.centred, Closeness: s.closeness, CenterX: 0.5}
}

func TestPreemptRules(t *testing.T) {
	p := newHarness(testConfig()).pilot
	now := t0.Add(time.Second)
	run := maneuver.Snapshot{Token: 1, Phase: maneuver.Turning, StartedAt: t0, Closeness: 0.3}
	closer := func(c float64, centred bool) stateArg { return stateArg{c, centred} }

	cases := []struct {
		name  string
		run   func(maneuver.Snapshot) maneuver.Snapshot
		st    stateArg
		at    time.Time
		allow bool
	}{
		{"closer and centred while turning", nil, closer(0.36, true), now, true},
		{"within margin", nil, closer(0.35, true), now, false},
		{"off centre", nil, closer(0.9, false), now, false},
		{"steer cooldown", nil, closer(0.9, true), t0.Add(100 * time.Millisecond), false},
		{"while backing up", func(s maneuver.Snapshot) maneuver.Snapshot { s.Phase = maneuver.BackingUp; return s }, closer(0.9, true), now, true},
		{"while advancing", func(s maneuver.Snapshot) maneuver.Snapshot { s.Phase = maneuver.Advancing; return s }, closer(0.9, true), now, false},
		{"while stopping", func(s maneuver.Snapshot) maneuver.Snapshot { s.Phase = maneuver.Stopping; return s }, closer(0.9, true), now, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := run
			if tc.run != nil {
				r = tc.run(r)
			}
			assert.Equal(t, tc.allow, p.shouldPreempt(r, tc.st.state(), tc.at))
		})
	}
}

func TestFrameSkipAndPacing(t *testing.T) {
	t.Run("every nth frame", func(t *testing.T) {
		cfg := testConfig()
		cfg.Detector.FrameSkip = 3
		h := newHarness(cfg)
		for i := 0; i < 9; i++ {
			require.NoError(t, h.pilot.step(context.Background()))
		}
		assert.Equal(t, 3, h.det.calls)
		assert.Equal(t, uint64(6), h.pilot.Stats().FramesSkipped)
	})
	t.Run("target fps", func(t *testing.T) {
		cfg := testConfig()
		cfg.Detector.TargetFPS = 10
		h := newHarness(cfg)
		for i := 0; i < 10; i++ {
			require.NoError(t, h.pilot.step(context.Background()))
			h.clk.Advance(25 * time.Millisecond)
		}
		// 250ms at 10fps: frames at 0, 100 and 200ms
		assert.Equal(t, 3, h.det.calls)
	})
}

func TestDetectorErrorIsReturned(t *testing.T) {
	h := newHarness(testConfig())
	h.det.err = errors.New("inference failed")
	err := h.pilot.step(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inference failed")
	assert.Equal(t, uint64(1), h.pilot.Stats().DetectorErrors)
}

func TestRunLifecycle(t *testing.T) {
	cfg := testConfig()
	cfg.Control.ClearHoldMs = 10
	frames := &fakeFrames{enabled: true}
	det := &fakeDetector{}
	tr := newFakeTransport()
	tr.failFirst = 2
	p := NewPilot(cfg, frames, det, tr, clock.Real{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	<-tr.connectedCh
	require.Eventually(t, func() bool { return len(tr.sent()) >= 1 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, model.Stop, tr.sent()[0], "idle command once the view stays clear")

	tr.drop()
	select {
	case <-tr.connectedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("no reconnect after drop")
	}
	assert.Equal(t, uint64(1), p.Stats().Reconnects)

	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, 4, tr.connects)
	assert.True(t, tr.closed)
	assert.True(t, frames.stopped)
	cmds := tr.sent()
	assert.Equal(t, model.Stop, cmds[len(cmds)-1], "final stop on shutdown")
	assert.Positive(t, det.calls)
}

func TestRunFailsWhenCameraCannotOpen(t *testing.T) {
	frames := &fakeFrames{startErr: errors.New("rtsp 404")}
	p := NewPilot(testConfig(), frames, &fakeDetector{}, newFakeTransport(), clock.Real{})
	err := p.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rtsp 404")
}

func TestRunStopsWhileConnecting(t *testing.T) {
	frames := &fakeFrames{}
	tr := newFakeTransport()
	tr.failFirst = 1 << 30
	p := NewPilot(testConfig(), frames, &fakeDetector{}, tr, clock.Real{})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.NoError(t, p.Run(ctx))
	assert.True(t, frames.stopped)
	assert.True(t, tr.closed)
	assert.Greater(t, tr.connects, 1)
}

func TestDetectionAndManeuversContinueDuringSlowReconnect(t *testing.T) {
	cfg := testConfig()
	cfg.Maneuver.ClearBrakeMs = 60000
	cfg.Control.ClearHoldMs = 10
	frames := &fakeFrames{enabled: true}
	det := &fakeDetector{}
	tr := newFakeTransport()
	tr.block = make(chan struct{})
	p := NewPilot(cfg, frames, det, tr, clock.Real{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	<-tr.connectedCh
	require.Eventually(t, func() bool { return len(tr.sent()) >= 1 }, 2*time.Second, time.Millisecond)

	tr.drop()
	require.Eventually(t, func() bool { return tr.connectCalls() >= 2 }, 2*time.Second, time.Millisecond, "supervisor is stuck in Connect")
	sentWhileDown := len(tr.sent())

	// frames keep flowing through detection
	processed := p.Stats().FramesProcessed
	require.Eventually(t, func() bool { return p.Stats().FramesProcessed > processed+10 }, 2*time.Second, time.Millisecond)

	// a very close obstacle starts a maneuver that walks its phases
	det.set(box(25, 40, 75, 90))
	seen := map[maneuver.Phase]bool{}
	require.Eventually(t, func() bool {
		if snap, live := p.Sequencer().Active(); live {
			seen[snap.Phase] = true
		}
		return seen[maneuver.BackingUp] && seen[maneuver.Turning]
	}, 3*time.Second, time.Millisecond)

	assert.Equal(t, sentWhileDown, len(tr.sent()), "nothing reaches a dropped link")
	assert.Positive(t, p.Commands().Stats().Failed)

	close(tr.block)
	select {
	case <-tr.connectedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("no reconnect after release")
	}
	require.Eventually(t, func() bool { return len(tr.sent()) > sentWhileDown }, 3*time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
