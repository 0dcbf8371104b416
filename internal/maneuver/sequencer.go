// Package maneuver runs the obstacle avoidance sequence:
//
//	Idle -> Stopping -> (BackingUp) -> Turning -> Advancing -> Cooldown -> Idle
//
// Each run is identified by a token. Starting a new run bumps the token; an
// older run notices the mismatch at its next check and returns without sending
// anything, so only the newest run ever drives the vehicle.
package maneuver

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"roverpilot/internal/clock"
	"roverpilot/internal/decision"
	"roverpilot/internal/model"
	"roverpilot/internal/obstacle"
	"roverpilot/internal/util"
)

// Phase is a step of the avoidance sequence.
type Phase int

const (
	Idle Phase = iota
	Stopping
	BackingUp
	Turning
	Advancing
	Cooldown
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Stopping:
		return "stopping"
	case BackingUp:
		return "backing-up"
	case Turning:
		return "turning"
	case Advancing:
		return "advancing"
	case Cooldown:
		return "cooldown"
	}
	return "unknown"
}

// Outcome tells how a run or a single wait ended.
type Outcome int

const (
	// Completed means every wait ran to its full duration.
	Completed Outcome = iota
	// Cleared means the obstacle view cleared; the run stopped the vehicle.
	Cleared
	// Blocked means an obstacle reappeared ahead while advancing.
	Blocked
	// Superseded means a newer run took over; nothing more was sent.
	Superseded
	// Cancelled means the process is shutting down; nothing more was sent.
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case Cleared:
		return "cleared"
	case Blocked:
		return "blocked"
	case Superseded:
		return "superseded"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// Emitter sends commands to the vehicle. command.Channel satisfies it.
type Emitter interface {
	Send(cmd model.Command) bool
}

// View exposes the current obstacle state. obstacle.Tracker satisfies it.
type View interface {
	Snapshot() obstacle.State
}

// Timing holds the durations of the sequence.
type Timing struct {
	Stop           time.Duration
	Back           time.Duration
	Turn           time.Duration
	ForwardCeiling time.Duration
	PostCooldown   time.Duration
	ClearBrake     time.Duration
	Poll           time.Duration
}

// TimingFrom converts the maneuver config.
func TimingFrom(c model.ManeuverConfig) Timing {
	return Timing{
		Stop:           model.Ms(c.StopMs),
		Back:           model.Ms(c.BackMs),
		Turn:           c.TurnDuration(),
		ForwardCeiling: model.Ms(c.ForwardAfterAvoidMs),
		PostCooldown:   model.Ms(c.PostAvoidCooldownMs),
		ClearBrake:     model.Ms(c.ClearBrakeMs),
		Poll:           model.Ms(c.PollMs),
	}
}

// Snapshot describes the active run.
type Snapshot struct {
	Token     uint64
	Phase     Phase
	StartedAt time.Time
	Closeness float64 // closeness of the obstacle that triggered the run
	CenterX   float64
	VeryClose bool
	TurnDir   model.Command
}

// Result is reported once per finished run.
type Result struct {
	Token   uint64
	Outcome Outcome
	Phase   Phase // phase the run was in when it ended
}

// Sequencer starts and tracks avoidance runs.
type Sequencer struct {
	timing Timing
	out    Emitter
	view   View
	clock  clock.Clock

	// OnFinish, when set before the first Start, is called after every run.
	OnFinish func(Result)

	token atomic.Uint64

	// sendMu serialises sends against token changes; mu only guards state.
	sendMu sync.Mutex

	mu            sync.Mutex
	active        Snapshot
	live          bool
	cooldownUntil time.Time

	wg sync.WaitGroup
}

// New creates an idle Sequencer.
func New(t Timing, out Emitter, view View, clk clock.Clock) *Sequencer {
	if t.Poll <= 0 {
		t.Poll = 15 * time.Millisecond
	}
	return &Sequencer{timing: t, out: out, view: view, clock: clk}
}

// Start issues a new token, invalidating any run still in flight, and launches
// a run for the obstacle described by st. It returns the new token.
func (s *Sequencer) Start(ctx context.Context, st obstacle.State) uint64 {
	s.sendMu.Lock()
	s.mu.Lock()
	tok := s.token.Add(1)
	snap := Snapshot{
		Token:     tok,
		Phase:     Stopping,
		StartedAt: s.clock.Now(),
		Closeness: st.Closeness,
		CenterX:   st.CenterX,
		VeryClose: st.VeryClose,
		TurnDir:   decision.ChooseTurnAway(st.CenterX),
	}
	s.active = snap
	s.live = true
	s.mu.Unlock()
	s.sendMu.Unlock()

	util.Debug("[Maneuver] #%d start: cx=%.2f veryClose=%v turn=%s", tok, st.CenterX, st.VeryClose, snap.TurnDir)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		outcome := s.execute(ctx, snap)
		s.finish(tok, outcome)
	}()
	return tok
}

// execute walks the phases for one run.
func (s *Sequencer) execute(ctx context.Context, run Snapshot) Outcome {
	tok := run.Token

	// Stopping: a clear view here means the obstacle is gone, so the run ends.
	if !s.enter(tok, Stopping) {
		return Superseded
	}
	s.emit(tok, model.Stop)
	switch o := s.wait(ctx, tok, s.timing.Stop, false); o {
	case Superseded, Cancelled:
		return o
	case Cleared:
		s.emit(tok, model.Stop)
		return Cleared
	}

	if run.VeryClose {
		if o, done := s.step(ctx, tok, BackingUp, model.Back, s.timing.Back); done {
			return o
		}
	}

	if o, done := s.step(ctx, tok, Turning, run.TurnDir, s.timing.Turn); done {
		return o
	}

	if !s.enter(tok, Advancing) {
		return Superseded
	}
	s.emit(tok, model.Forward)
	o := s.wait(ctx, tok, s.timing.ForwardCeiling, true)
	if o == Superseded || o == Cancelled {
		return o
	}
	s.emit(tok, model.Stop)
	if o != Completed {
		return o
	}

	s.mu.Lock()
	if s.token.Load() == tok {
		s.active.Phase = Cooldown
		s.cooldownUntil = s.clock.Now().Add(s.timing.PostCooldown)
	}
	s.mu.Unlock()
	return Completed
}

// step runs one timed motion followed by Stop. done is true when the run must end.
func (s *Sequencer) step(ctx context.Context, tok uint64, p Phase, cmd model.Command, d time.Duration) (Outcome, bool) {
	if !s.enter(tok, p) {
		return Superseded, true
	}
	s.emit(tok, cmd)
	o := s.wait(ctx, tok, d, false)
	if o == Superseded || o == Cancelled {
		return o, true
	}
	s.emit(tok, model.Stop)
	return o, o != Completed
}

// wait sleeps in poll-sized steps for d. It returns early when the token
// changes, ctx ends, the view clears or, with brakeOnFront, an obstacle is
// front-close again.
func (s *Sequencer) wait(ctx context.Context, tok uint64, d time.Duration, brakeOnFront bool) Outcome {
	start := s.clock.Now()
	for {
		if s.token.Load() != tok {
			return Superseded
		}
		if ctx.Err() != nil {
			return Cancelled
		}
		now := s.clock.Now()
		elapsed := now.Sub(start)
		if elapsed >= d {
			return Completed
		}
		st := s.view.Snapshot()
		if now.Sub(st.LastSeenAt) > s.timing.ClearBrake {
			return Cleared
		}
		if brakeOnFront && st.FrontClose {
			return Blocked
		}
		s.clock.Sleep(min(s.timing.Poll, d-elapsed))
	}
}

// enter moves the active run to phase p if tok is still current.
func (s *Sequencer) enter(tok uint64, p Phase) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token.Load() != tok {
		return false
	}
	s.active.Phase = p
	return true
}

// emit sends cmd on behalf of run tok. The token check and the send happen
// under sendMu, which Start also takes, so a superseded run can never send
// after the newer run has started. State readers only use mu and are not
// held up by a slow transport.
func (s *Sequencer) emit(tok uint64, cmd model.Command) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.token.Load() != tok {
		return false
	}
	return s.out.Send(cmd)
}

func (s *Sequencer) finish(tok uint64, o Outcome) {
	s.mu.Lock()
	phase := Idle
	if s.active.Token == tok {
		phase = s.active.Phase
		s.live = false
		if s.active.Phase != Cooldown {
			s.active.Phase = Idle
		}
	}
	s.mu.Unlock()

	util.Debug("[Maneuver] #%d %s in %s", tok, o, phase)
	if s.OnFinish != nil {
		s.OnFinish(Result{Token: tok, Outcome: o, Phase: phase})
	}
}

// Running reports whether the newest run is still executing.
func (s *Sequencer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

// Active returns the newest run and whether it is still executing.
func (s *Sequencer) Active() (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, s.live
}

// Phase returns the phase of the newest run, Cooldown while the post-avoid
// deadline is pending, or Idle.
func (s *Sequencer) Phase(now time.Time) Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live {
		return s.active.Phase
	}
	if now.Before(s.cooldownUntil) {
		return Cooldown
	}
	return Idle
}

// CooldownPassed reports whether a new run may start at now.
func (s *Sequencer) CooldownPassed(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !now.Before(s.cooldownUntil)
}

// CooldownUntil returns the current cooldown deadline.
func (s *Sequencer) CooldownUntil() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cooldownUntil
}

// Token returns the newest token.
func (s *Sequencer) Token() uint64 { return s.token.Load() }

// Wait blocks until every run, superseded ones included, has returned.
func (s *Sequencer) Wait() { s.wg.Wait() }
