package device

import (
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"roverpilot/internal/model"
)

// Motor is the vehicle's motor controller: it takes one command letter per line
// and may answer with "ACK,<letter>" lines.
type Motor struct {
	ID  string
	dev Device
}

// NewMotor wraps an opened device.
func NewMotor(id string, dev Device) *Motor {
	return &Motor{ID: id, dev: dev}
}

// Drive writes a single command to the controller.
func (m *Motor) Drive(cmd model.Command) error {
	if !cmd.Valid() {
		return fmt.Errorf("motor %s: %w: %q", m.ID, model.ErrUnknownCommand, cmd)
	}
	return m.dev.WriteLine(cmd.String())
}

// Feedback forwards non-empty lines read from the controller to out until stop is
// closed or the device reaches EOF. Transient read errors are retried.
func (m *Motor) Feedback(stop <-chan struct{}, out chan<- string) {
	defer close(out)
	for {
		select {
		case <-stop:
			return
		default:
		}
		line, err := m.dev.ReadLine(200 * time.Millisecond)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			if !errors.Is(err, ErrReadTimeout) {
				select {
				case <-stop:
					return
				case <-time.After(200 * time.Millisecond):
				}
			}
			continue
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		select {
		case out <- line:
		case <-stop:
			return
		}
	}
}

// Close closes the underlying device.
func (m *Motor) Close() error {
	return m.dev.Close()
}

// Simulate plays the controller side on dev: every valid command read is
// acknowledged and logged until stop is closed.
func Simulate(id string, dev Device, stop <-chan struct{}) error {
	log.Printf("[motor %s] simulator started", id)
	state := model.Stop
	for {
		select {
		case <-stop:
			log.Printf("[motor %s] simulation stopped", id)
			return nil
		default:
		}
		line, err := dev.ReadLine(200 * time.Millisecond)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return err
			}
			continue
		}
		cmd, err := model.ParseCommand(line)
		if err != nil {
			log.Printf("[motor %s] ignoring %q", id, strings.TrimSpace(line))
			continue
		}
		if cmd != state {
			log.Printf("[motor %s] %s -> %s", id, state, cmd)
			state = cmd
		}
		if err := dev.WriteLine("ACK," + cmd.String()); err != nil {
			log.Printf("[motor %s] ack write error: %v", id, err)
		}
	}
}
