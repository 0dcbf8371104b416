// Package link carries motion commands from the autopilot to the vehicle.
//
// Two transports exist: a WebSocket client that posts single-letter commands to
// the relay hub, and a serial transport that drives the motor controller directly.
package link

import (
	"context"
	"errors"
	"fmt"

	"roverpilot/internal/model"
)

var (
	// ErrNotConnected is returned by Send while no connection is up.
	ErrNotConnected = errors.New("link: not connected")
	// ErrClosed is returned once the transport has been closed for good.
	ErrClosed = errors.New("link: closed")
)

// Transport is a reconnectable command channel to the vehicle.
type Transport interface {
	// Connect establishes a connection. It is a no-op when already connected.
	Connect(ctx context.Context) error
	// Send transmits one command on the current connection.
	Send(cmd model.Command) error
	// Done is closed when the current connection drops or was never made.
	// Each successful Connect installs a fresh channel.
	Done() <-chan struct{}
	// Close tears the transport down; later calls fail with ErrClosed.
	Close() error
}

func closedChan() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}

// New builds the transport selected by cfg.Kind.
func New(cfg model.LinkConfig) (Transport, error) {
	switch cfg.Kind {
	case model.LinkWebSocket, "":
		return NewWebSocket(cfg.URL, model.Ms(cfg.WriteTimeoutMs)), nil
	case model.LinkSerial:
		return NewSerial(cfg.SerialDevice, cfg.SerialBaud), nil
	default:
		return nil, fmt.Errorf("link: unknown kind %q", cfg.Kind)
	}
}
