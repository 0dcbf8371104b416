package link

import (
	"context"
	"fmt"
	"sync"

	"roverpilot/internal/device"
	"roverpilot/internal/model"
	"roverpilot/internal/util"
)

// OpenFunc opens the device behind a Serial transport.
type OpenFunc func(path string, baud int) (device.Device, error)

// Serial drives the motor controller directly over a serial line.
type Serial struct {
	Path string
	Baud int

	open OpenFunc

	mu     sync.Mutex
	motor  *device.Motor
	done   chan struct{}
	closed bool
}

// NewSerial creates an unconnected serial transport.
func NewSerial(path string, baud int) *Serial {
	return NewSerialWith(path, baud, func(p string, b int) (device.Device, error) {
		return device.NewSerialDevice(p, b)
	})
}

// NewSerialWith creates a serial transport with a custom device opener.
func NewSerialWith(path string, baud int, open OpenFunc) *Serial {
	return &Serial{Path: path, Baud: baud, open: open, done: closedChan()}
}

// Connect opens the serial device.
func (s *Serial) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.motor != nil {
		return nil
	}
	dev, err := s.open(s.Path, s.Baud)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.Path, err)
	}
	s.motor = device.NewMotor(s.Path, dev)
	s.done = make(chan struct{})
	util.Info("[Link] serial motor controller on %s @%d", s.Path, s.Baud)
	return nil
}

// Send writes cmd as one line. A write failure drops the device so the
// supervisor reopens it.
func (s *Serial) Send(cmd model.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.motor == nil {
		return ErrNotConnected
	}
	if err := s.motor.Drive(cmd); err != nil {
		s.dropLocked()
		return fmt.Errorf("send %s: %w", cmd, err)
	}
	return nil
}

func (s *Serial) dropLocked() {
	if s.motor == nil {
		return
	}
	_ = s.motor.Close()
	s.motor = nil
	close(s.done)
}

// Done is closed when the device was dropped.
func (s *Serial) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Close closes the device.
func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.dropLocked()
	return nil
}
