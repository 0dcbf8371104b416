// Package core contains the autopilot control loop. The Pilot pulls the freshest
// frame, runs detection, updates the shared obstacle state and decides whether
// an avoidance maneuver starts, preempts the running one, or the vehicle idles.
package core

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"roverpilot/internal/clock"
	"roverpilot/internal/command"
	"roverpilot/internal/decision"
	"roverpilot/internal/framesource"
	"roverpilot/internal/link"
	"roverpilot/internal/maneuver"
	"roverpilot/internal/model"
	"roverpilot/internal/obstacle"
	"roverpilot/internal/util"
)

// Detector maps a frame to bounding boxes.
type Detector interface {
	Detect(f *model.Frame, opts model.DetectOptions) ([]model.DetectionBox, error)
}

// Frames is the frame acquisition side. framesource.Source satisfies it.
type Frames interface {
	Start() error
	Latest() *model.Frame
	Stop()
	Stats() framesource.Stats
}

// Visualizer shows the primary obstacle of front-close frames.
type Visualizer interface {
	Show(f *model.Frame, v decision.Verdict)
}

// Stats is a snapshot of the pilot counters.
type Stats struct {
	FramesProcessed    uint64
	FramesSkipped      uint64
	DetectorErrors     uint64
	ManeuversStarted   uint64
	ManeuversPreempted uint64
	ManeuversCompleted uint64
	ManeuversAborted   uint64
	IdleCommands       uint64
	Reconnects         uint64
}

type counters struct {
	framesProcessed    atomic.Uint64
	framesSkipped      atomic.Uint64
	detectorErrors     atomic.Uint64
	maneuversStarted   atomic.Uint64
	maneuversPreempted atomic.Uint64
	maneuversCompleted atomic.Uint64
	maneuversAborted   atomic.Uint64
	idleCommands       atomic.Uint64
	reconnects         atomic.Uint64
}

// Pilot is the supervisor of one autopilot session.
type Pilot struct {
	cfg        *model.Config
	frames     Frames
	detector   Detector
	transport  link.Transport
	commands   *command.Channel
	tracker    *obstacle.Tracker
	seq        *maneuver.Sequencer
	clock      clock.Clock
	viz        Visualizer
	thresholds decision.Thresholds
	opts       model.DetectOptions
	idle       model.Command

	frameIdx    uint64
	lastProcess time.Time

	stats counters
}

// NewPilot wires the control loop. cfg must have been validated.
func NewPilot(cfg *model.Config, frames Frames, det Detector, tr link.Transport, clk clock.Clock) *Pilot {
	p := &Pilot{
		cfg:        cfg,
		frames:     frames,
		detector:   det,
		transport:  tr,
		commands:   command.New(tr),
		tracker:    obstacle.NewTracker(clk.Now()),
		clock:      clk,
		thresholds: decision.ThresholdsFrom(cfg.Decision),
		opts: model.DetectOptions{
			MaxSize:       cfg.Detector.ImgSize,
			MinConfidence: cfg.Detector.ConfMin,
			NMSIoU:        cfg.Detector.IoUNMS,
			Classes:       cfg.Detector.ClassIDs(),
		},
		idle: cfg.Control.IdleCmd(),
	}
	p.seq = maneuver.New(maneuver.TimingFrom(cfg.Maneuver), p.commands, p.tracker, clk)
	p.seq.OnFinish = p.onManeuverDone
	return p
}

// SetVisualizer enables the debug view.
func (p *Pilot) SetVisualizer(v Visualizer) { p.viz = v }

// Commands exposes the command channel.
func (p *Pilot) Commands() *command.Channel { return p.commands }

// Sequencer exposes the maneuver sequencer.
func (p *Pilot) Sequencer() *maneuver.Sequencer { return p.seq }

// Run starts acquisition, connects the transport and loops until ctx ends.
// Only a failure to open the camera is returned; everything else is logged.
func (p *Pilot) Run(ctx context.Context) error {
	if err := p.frames.Start(); err != nil {
		return fmt.Errorf("start frames: %w", err)
	}
	if err := p.connect(ctx); err != nil {
		p.shutdown()
		return nil
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.superviseLink(ctx)
	}()
	go func() {
		defer wg.Done()
		p.reportStats(ctx)
	}()

	util.Info("[Pilot] control loop running")
	for ctx.Err() == nil {
		if err := p.step(ctx); err != nil {
			util.Error("[Pilot] %v", err)
			p.clock.Sleep(model.Ms(p.cfg.Control.ErrorDelayMs))
		}
	}

	wg.Wait()
	p.shutdown()
	return nil
}

// connect retries the transport with a fixed delay until it succeeds or ctx ends.
func (p *Pilot) connect(ctx context.Context) error {
	delay := model.Ms(p.cfg.Link.ConnectRetryMs)
	for {
		err := p.transport.Connect(ctx)
		if err == nil {
			return nil
		}
		util.Warn("[Pilot] connect: %v, retrying in %s", err, delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// superviseLink reconnects whenever the transport reports a drop. Obstacle
// state, tokens and the last command survive the reconnect.
func (p *Pilot) superviseLink(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.transport.Done():
		}
		util.Warn("[Pilot] link lost, reconnecting")
		p.stats.reconnects.Add(1)
		select {
		case <-ctx.Done():
			return
		case <-time.After(model.Ms(p.cfg.Link.ReconnectDelayMs)):
		}
		if err := p.connect(ctx); err != nil {
			return
		}
		util.Info("[Pilot] link restored")
	}
}

func (p *Pilot) reportStats(ctx context.Context) {
	if p.cfg.Control.StatsIntervalMs <= 0 {
		return
	}
	t := time.NewTicker(model.Ms(p.cfg.Control.StatsIntervalMs))
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.logStats()
		}
	}
}

func (p *Pilot) logStats() {
	s := p.Stats()
	fs := p.frames.Stats()
	cs := p.commands.Stats()
	util.Info("[Pilot] frames=%d skipped=%d dropped=%d readErr=%d detErr=%d maneuvers=%d preempted=%d completed=%d aborted=%d idle=%d sent=%d failed=%d reconnects=%d",
		s.FramesProcessed, s.FramesSkipped, fs.Dropped, fs.ReadErrors, s.DetectorErrors,
		s.ManeuversStarted, s.ManeuversPreempted, s.ManeuversCompleted, s.ManeuversAborted,
		s.IdleCommands, cs.Sent, cs.Failed, s.Reconnects)
}

// shutdown joins maneuvers, stops the vehicle and releases the camera and link.
func (p *Pilot) shutdown() {
	p.seq.Wait()
	p.commands.Send(model.Stop)
	p.frames.Stop()
	if err := p.transport.Close(); err != nil {
		util.Warn("[Pilot] close link: %v", err)
	}
	p.logStats()
	util.Info("[Pilot] stopped")
}

// step processes at most one frame.
func (p *Pilot) step(ctx context.Context) error {
	f := p.frames.Latest()
	if f == nil {
		p.clock.Sleep(model.Ms(p.cfg.Control.IdleWaitMs))
		return nil
	}
	p.frameIdx++
	if p.frameIdx%uint64(p.cfg.Detector.FrameSkip) != 0 {
		p.stats.framesSkipped.Add(1)
		return nil
	}
	if fps := p.cfg.Detector.TargetFPS; fps > 0 {
		now := p.clock.Now()
		if !p.lastProcess.IsZero() && now.Sub(p.lastProcess) < time.Second/time.Duration(fps) {
			p.stats.framesSkipped.Add(1)
			return nil
		}
		p.lastProcess = now
	}

	boxes, err := p.detector.Detect(f, p.opts)
	if err != nil {
		p.stats.detectorErrors.Add(1)
		return fmt.Errorf("detect frame %d: %w", f.Seq, err)
	}
	p.stats.framesProcessed.Add(1)

	v := p.decide(ctx, boxes, f.Width(), f.Height())
	if p.viz != nil && v.Found && v.FrontClose {
		p.viz.Show(f, v)
	}
	return nil
}

// decide updates the obstacle state from one frame's boxes and acts on it.
func (p *Pilot) decide(ctx context.Context, boxes []model.DetectionBox, w, h int) decision.Verdict {
	v := decision.Evaluate(boxes, w, h, p.cfg.Detector.ConfMin, p.thresholds)
	now := p.clock.Now()
	st := p.tracker.Update(v, now)

	if st.FrontClose {
		snap, live := p.seq.Active()
		switch {
		case !live && p.seq.CooldownPassed(now):
			tok := p.seq.Start(ctx, st)
			p.stats.maneuversStarted.Add(1)
			util.Info("[Pilot] obstacle ahead (cx=%.2f score=%.3f very=%v), maneuver #%d", st.CenterX, st.Closeness, st.VeryClose, tok)
		case live && p.shouldPreempt(snap, st, now):
			tok := p.seq.Start(ctx, st)
			p.stats.maneuversStarted.Add(1)
			p.stats.maneuversPreempted.Add(1)
			util.Info("[Pilot] closer obstacle during %s (%.3f > %.3f), maneuver #%d replaces #%d", snap.Phase, st.Closeness, snap.Closeness, tok, snap.Token)
		}
		return v
	}

	if !p.seq.Running() && p.tracker.ClearFor(now, model.Ms(p.cfg.Control.ClearHoldMs)) && p.commands.Last() != p.idle {
		if p.commands.Send(p.idle) {
			p.stats.idleCommands.Add(1)
			util.Debug("[Pilot] view clear, idle %s", p.idle)
		}
	}
	return v
}

// shouldPreempt reports whether a new, closer, centred obstacle justifies
// replacing a maneuver that is still backing up or turning.
func (p *Pilot) shouldPreempt(run maneuver.Snapshot, st obstacle.State, now time.Time) bool {
	if run.Phase != maneuver.BackingUp && run.Phase != maneuver.Turning {
		return false
	}
	if !st.InCenter {
		return false
	}
	if now.Sub(run.StartedAt) < model.Ms(p.cfg.Maneuver.SteerCooldownMs) {
		return false
	}
	return st.Closeness > run.Closeness+p.cfg.Maneuver.PreemptMargin
}

func (p *Pilot) onManeuverDone(r maneuver.Result) {
	switch r.Outcome {
	case maneuver.Completed:
		p.stats.maneuversCompleted.Add(1)
	case maneuver.Cleared, maneuver.Blocked:
		p.stats.maneuversAborted.Add(1)
	}
}

// Stats returns the pilot counters.
func (p *Pilot) Stats() Stats {
	return Stats{
		FramesProcessed:    p.stats.framesProcessed.Load(),
		FramesSkipped:      p.stats.framesSkipped.Load(),
		DetectorErrors:     p.stats.detectorErrors.Load(),
		ManeuversStarted:   p.stats.maneuversStarted.Load(),
		ManeuversPreempted: p.stats.maneuversPreempted.Load(),
		ManeuversCompleted: p.stats.maneuversCompleted.Load(),
		ManeuversAborted:   p.stats.maneuversAborted.Load(),
		IdleCommands:       p.stats.idleCommands.Load(),
		Reconnects:         p.stats.reconnects.Load(),
	}
}
