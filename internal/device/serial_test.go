package device

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	serial "go.bug.st/serial"
)

// chattyPort produces lines forever, whether or not anybody reads them.
type chattyPort struct {
	serial.Port
}

func (chattyPort) Read(p []byte) (int, error) { return copy(p, "ACK,S\n"), nil }
func (chattyPort) Close() error                { return nil }

func TestSerialReaderExitsAfterClose(t *testing.T) {
	dev := &SerialDevice{port: chattyPort{}, path: "fake", lines: make(chan lineResult, 16), closed: make(chan struct{})}

	line, err := dev.ReadLine(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ACK,S\n", line)
	// nobody reads any more; the buffer fills up
	require.Eventually(t, func() bool { return len(dev.lines) == cap(dev.lines) }, time.Second, time.Millisecond)

	require.NoError(t, dev.Close())
	require.NoError(t, dev.Close(), "close is idempotent")

	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("reader goroutine still blocked after Close")
		default:
		}
		if _, err := dev.ReadLine(10 * time.Millisecond); errors.Is(err, io.EOF) {
			return
		}
	}
}
