// Package command implements the debounced command dispatch towards the vehicle.
package command

import (
	"errors"
	"sync"

	"roverpilot/internal/link"
	"roverpilot/internal/model"
	"roverpilot/internal/util"
)

// Sender transmits a single command. link.Transport satisfies it.
type Sender interface {
	Send(cmd model.Command) error
}

// Stats counts dispatch outcomes.
type Stats struct {
	Sent       uint64
	Suppressed uint64
	Failed     uint64
}

// Channel forwards commands to a Sender, dropping a non-Stop command that
// repeats the last one transmitted. Stop always goes out.
type Channel struct {
	mu    sync.Mutex
	tx    Sender
	last  model.Command
	stats Stats
}

// New creates a Channel over tx.
func New(tx Sender) *Channel {
	return &Channel{tx: tx}
}

// Send transmits cmd unless it repeats the last non-Stop command.
// It reports whether the command reached the transport. A transport error is
// logged and the command dropped; the last command is left unchanged.
func (c *Channel) Send(cmd model.Command) bool {
	if !cmd.Valid() {
		util.Warn("[Command] refusing unknown command %q", cmd)
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if cmd != model.Stop && cmd == c.last {
		c.stats.Suppressed++
		return false
	}
	if err := c.tx.Send(cmd); err != nil {
		c.stats.Failed++
		if errors.Is(err, link.ErrNotConnected) {
			util.Debug("[Command] %s dropped: %v", cmd, err)
		} else {
			util.Warn("[Command] send %s failed: %v", cmd, err)
		}
		return false
	}
	c.last = cmd
	c.stats.Sent++
	util.Debug("[Command] sent %s", cmd)
	return true
}

// Last returns the last command that reached the transport, or CommandNone.
func (c *Channel) Last() model.Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Stats returns a copy of the counters.
func (c *Channel) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
