// Package app assembles the autopilot process from its configuration: camera,
// detector, transport and control loop.
package app

import (
	"context"
	"fmt"
	"io"

	"roverpilot/internal/clock"
	"roverpilot/internal/core"
	"roverpilot/internal/framesource"
	"roverpilot/internal/link"
	"roverpilot/internal/model"
	"roverpilot/internal/util"
	"roverpilot/internal/vision"
)

// System owns one autopilot session and everything it opened.
type System struct {
	Config *model.Config
	Pilot  *core.Pilot

	closers []io.Closer
}

// NewSystem loads the configuration at cfgPath (plus optional .env files) and
// builds the session.
func NewSystem(cfgPath string, envFiles ...string) (*System, error) {
	cfg, err := model.LoadConfig(cfgPath, envFiles...)
	if err != nil {
		return nil, err
	}
	return Build(cfg)
}

// Build wires a session from an already validated configuration.
func Build(cfg *model.Config) (*System, error) {
	tr, err := link.New(cfg.Link)
	if err != nil {
		return nil, err
	}
	det, err := vision.NewYOLODetector(cfg.Detector.ModelPath, cfg.Detector.Backend)
	if err != nil {
		return nil, fmt.Errorf("load detector: %w", err)
	}
	util.Info("[App] model %s loaded (%s, imgsz=%d, conf=%.2f)", cfg.Detector.ModelPath, cfg.Detector.Backend, cfg.Detector.ImgSize, cfg.Detector.ConfMin)

	frames := framesource.New(cfg.Source.URL, vision.Grabber{}, cfg.Source.ResizeWidth, model.Ms(cfg.Source.ReadRetryMs))
	s := &System{
		Config:  cfg,
		Pilot:   core.NewPilot(cfg, frames, det, tr, clock.Real{}),
		closers: []io.Closer{det},
	}
	if cfg.Control.DebugVision {
		w := vision.NewWindow("autopilot")
		s.Pilot.SetVisualizer(w)
		s.closers = append(s.closers, w)
	}
	return s, nil
}

// Run drives the vehicle until ctx ends, then releases the detector and window.
func (s *System) Run(ctx context.Context) error {
	defer s.close()
	util.Info("[App] camera %s, link %s", s.Config.Source.URL, s.describeLink())
	return s.Pilot.Run(ctx)
}

func (s *System) describeLink() string {
	if s.Config.Link.Kind == model.LinkSerial {
		return fmt.Sprintf("serial %s@%d", s.Config.Link.SerialDevice, s.Config.Link.SerialBaud)
	}
	return s.Config.Link.URL
}

func (s *System) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			util.Warn("[App] release: %v", err)
		}
	}
}
