// Package framesource runs the camera decode loop and keeps only the freshest frame.
package framesource

import (
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/image/draw"

	"roverpilot/internal/model"
	"roverpilot/internal/util"
)

// Capture is an opened video stream.
type Capture interface {
	// Read decodes the next frame. Errors are transient.
	Read() (image.Image, error)
	Close() error
}

// Grabber opens video streams.
type Grabber interface {
	Open(uri string) (Capture, error)
}

// Stats counts acquisition outcomes.
type Stats struct {
	Published  uint64
	Dropped    uint64
	ReadErrors uint64
}

// Source owns the acquisition goroutine and the single-slot buffer.
type Source struct {
	uri        string
	grabber    Grabber
	width      int
	retryDelay time.Duration

	slot atomic.Pointer[model.Frame]
	seq  uint64

	published  atomic.Uint64
	dropped    atomic.Uint64
	readErrors atomic.Uint64

	capture Capture
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
}

// New creates a Source reading uri. Frames wider or narrower than width are
// rescaled to it; width 0 keeps the native size.
func New(uri string, g Grabber, width int, retryDelay time.Duration) *Source {
	return &Source{uri: uri, grabber: g, width: width, retryDelay: retryDelay, stop: make(chan struct{})}
}

// Start opens the stream and launches acquisition. An open failure is returned as is.
func (s *Source) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	c, err := s.grabber.Open(s.uri)
	if err != nil {
		return fmt.Errorf("open stream %s: %w", s.uri, err)
	}
	s.capture = c
	s.started = true
	s.wg.Add(1)
	go s.loop()
	util.Info("[FrameSource] capturing %s (width %d)", s.uri, s.width)
	return nil
}

func (s *Source) loop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		default:
		}
		img, err := s.capture.Read()
		if err != nil {
			s.readErrors.Add(1)
			util.Debug("[FrameSource] read: %v", err)
			select {
			case <-s.stop:
				return
			case <-time.After(s.retryDelay):
			}
			continue
		}
		s.publish(Resize(img, s.width))
	}
}

func (s *Source) publish(img image.Image) {
	s.seq++
	f := &model.Frame{Image: img, Seq: s.seq, CapturedAt: time.Now()}
	if old := s.slot.Swap(f); old != nil {
		s.dropped.Add(1)
	}
	s.published.Add(1)
}

// Latest takes the most recent frame, leaving the slot empty. It returns nil
// when no new frame arrived since the last call.
func (s *Source) Latest() *model.Frame {
	return s.slot.Swap(nil)
}

// Stop ends acquisition and closes the stream. It is safe to call more than once.
func (s *Source) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.stop:
		return
	default:
		close(s.stop)
	}
	s.wg.Wait()
	if s.capture != nil {
		if err := s.capture.Close(); err != nil {
			util.Warn("[FrameSource] close capture: %v", err)
		}
	}
}

// Stats returns the acquisition counters.
func (s *Source) Stats() Stats {
	return Stats{
		Published:  s.published.Load(),
		Dropped:    s.dropped.Load(),
		ReadErrors: s.readErrors.Load(),
	}
}

// Resize scales img to width, keeping the aspect ratio. Images already at
// width, or width <= 0, are returned unchanged.
func Resize(img image.Image, width int) image.Image {
	b := img.Bounds()
	if width <= 0 || b.Dx() == width || b.Dx() == 0 {
		return img
	}
	height := max(1, b.Dy()*width/b.Dx())
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}
