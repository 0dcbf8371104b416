// Package bridge joins the relay room on the vehicle side and hands every
// received command to the motor controller.
package bridge

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"roverpilot/internal/model"
	"roverpilot/internal/util"
)

// Driver executes motion commands. device.Motor satisfies it.
type Driver interface {
	Drive(cmd model.Command) error
}

// Stats counts bridge activity.
type Stats struct {
	Received  uint64
	Driven    uint64
	Rejected  uint64
	Reconnect uint64
}

// Bridge relays commands from the hub to a Driver.
type Bridge struct {
	URL   string
	Delay time.Duration

	driver Driver
	dialer *websocket.Dialer

	received  atomic.Uint64
	driven    atomic.Uint64
	rejected  atomic.Uint64
	reconnect atomic.Uint64
}

// New creates a bridge that reconnects to url after delay.
func New(url string, delay time.Duration, d Driver) *Bridge {
	return &Bridge{
		URL:    url,
		Delay:  delay,
		driver: d,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// Run keeps the bridge connected until ctx ends. The vehicle is stopped
// whenever the connection is lost so it never drives blind.
func (b *Bridge) Run(ctx context.Context) {
	for {
		err := b.session(ctx)
		if ctx.Err() != nil {
			return
		}
		util.Warn("[Bridge] %v, reconnecting in %s", err, b.Delay)
		b.drive(model.Stop)
		b.reconnect.Add(1)
		select {
		case <-ctx.Done():
			return
		case <-time.After(b.Delay):
		}
	}
}

// session serves one connection.
func (b *Bridge) session(ctx context.Context) error {
	conn, _, err := b.dialer.DialContext(ctx, b.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", b.URL, err)
	}
	util.Info("[Bridge] joined %s", b.URL)

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		stop()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		msg := strings.TrimSpace(string(data))
		if msg == "" || msg == "pong" {
			continue
		}
		b.received.Add(1)
		cmd, err := model.ParseCommand(msg)
		if err != nil {
			b.rejected.Add(1)
			util.Debug("[Bridge] ignoring %q", msg)
			continue
		}
		b.drive(cmd)
	}
}

func (b *Bridge) drive(cmd model.Command) {
	if err := b.driver.Drive(cmd); err != nil {
		util.Error("[Bridge] drive %s: %v", cmd, err)
		return
	}
	b.driven.Add(1)
	util.Debug("[Bridge] drive %s", cmd)
}

// Stats returns the bridge counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		Received:  b.received.Load(),
		Driven:    b.driven.Load(),
		Rejected:  b.rejected.Load(),
		Reconnect: b.reconnect.Load(),
	}
}
