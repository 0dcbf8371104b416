package model

import (
	"errors"
	"fmt"
	"strings"
)

// Command is a single-letter motion command understood by the vehicle.
type Command byte

// Motion commands. V, W and X are reserved codes the vehicle accepts but the
// autopilot never issues.
const (
	CommandNone Command = 0
	Forward     Command = 'F'
	Back        Command = 'B'
	Left        Command = 'L'
	Right       Command = 'R'
	Stop        Command = 'S'
	ReservedV   Command = 'V'
	ReservedW   Command = 'W'
	ReservedX   Command = 'X'
)

// ErrUnknownCommand is returned when a command letter is not part of the vocabulary.
var ErrUnknownCommand = errors.New("unknown command")

// Valid reports whether c belongs to the command vocabulary.
func (c Command) Valid() bool {
	switch c {
	case Forward, Back, Left, Right, Stop, ReservedV, ReservedW, ReservedX:
		return true
	}
	return false
}

func (c Command) String() string {
	if c == CommandNone {
		return "-"
	}
	return string(rune(c))
}

// ParseCommand parses a wire command. Surrounding whitespace is ignored,
// letters are case sensitive as on the wire.
func ParseCommand(s string) (Command, error) {
	s = strings.TrimSpace(s)
	if len(s) != 1 {
		return CommandNone, fmt.Errorf("%w: %q", ErrUnknownCommand, s)
	}
	c := Command(s[0])
	if !c.Valid() {
		return CommandNone, fmt.Errorf("%w: %q", ErrUnknownCommand, s)
	}
	return c, nil
}
