package device

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	serial "go.bug.st/serial"
)

// ErrReadTimeout is returned by ReadLine when no line arrived in time.
var ErrReadTimeout = errors.New("read timeout")

type lineResult struct {
	line string
	err  error
}

// SerialDevice implements Device using go.bug.st/serial.
// A single reader goroutine feeds ReadLine so timed out reads never leak.
type SerialDevice struct {
	port      serial.Port
	path      string
	baud      int
	wmu       sync.Mutex
	once      sync.Once
	lines     chan lineResult
	closed    chan struct{}
	closeOnce sync.Once
}

// NewSerialDevice creates and opens a serial device with the given path and baudrate.
func NewSerialDevice(path string, baud int) (*SerialDevice, error) {
	p, err := serial.Open(path, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial %s: %w", path, err)
	}
	return &SerialDevice{port: p, path: path, baud: baud, lines: make(chan lineResult, 16), closed: make(chan struct{})}, nil
}

func (s *SerialDevice) startReader() {
	go func() {
		defer close(s.lines)
		r := bufio.NewReader(s.port)
		for {
			line, err := r.ReadString('\n')
			if line != "" || err != nil {
				select {
				case s.lines <- lineResult{line: line, err: err}:
				case <-s.closed:
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
}

// ReadLine reads a single line from the serial port, blocking until newline or timeout.
func (s *SerialDevice) ReadLine(timeout time.Duration) (string, error) {
	s.once.Do(s.startReader)
	var tc <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		tc = t.C
	}
	select {
	case res, ok := <-s.lines:
		if !ok {
			return "", io.EOF
		}
		return res.line, res.err
	case <-tc:
		return "", ErrReadTimeout
	}
}

// WriteLine writes a single line followed by '\n' to the serial port.
func (s *SerialDevice) WriteLine(line string) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if _, err := s.port.Write(append([]byte(line), '\n')); err != nil {
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	return nil
}

// Close closes the underlying serial connection and releases the reader.
func (s *SerialDevice) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return s.port.Close()
}
