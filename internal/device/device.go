// Package device defines a line-oriented interface to the vehicle's motor controller
// and its serial implementation.
package device

import "time"

// Device defines an abstract interface for line based devices (motor controller, virtual tty).
type Device interface {
	// ReadLine reads a single line terminated by '\n'.
	// If timeout > 0, it must return after timeout even if no data available.
	ReadLine(timeout time.Duration) (string, error)

	// WriteLine writes s followed by '\n' to the device.
	WriteLine(s string) error

	// Close closes the device and releases underlying resources.
	Close() error
}
