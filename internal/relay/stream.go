package relay

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"roverpilot/internal/model"
	"roverpilot/internal/util"
)

const chunkSize = 32 * 1024

// Stream fans binary video chunks out to every connected viewer. Viewers only
// receive; anything they send is discarded.
type Stream struct {
	mu      sync.Mutex
	viewers map[*client]struct{}
	bytes   atomic.Uint64
}

// NewStream creates an empty viewer set.
func NewStream() *Stream {
	return &Stream{viewers: map[*client]struct{}{}}
}

// Viewers returns the number of connected viewers.
func (s *Stream) Viewers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.viewers)
}

// Bytes returns how many bytes were handed to Broadcast.
func (s *Stream) Bytes() uint64 { return s.bytes.Load() }

func (s *Stream) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.Warn("[Stream] upgrade: %v", err)
		return
	}
	c := &client{id: uuid.NewString(), conn: conn}
	s.mu.Lock()
	s.viewers[c] = struct{}{}
	s.mu.Unlock()
	util.Info("[Stream] viewer %s joined", c.id)

	defer func() {
		s.mu.Lock()
		delete(s.viewers, c)
		s.mu.Unlock()
		_ = conn.Close()
		util.Info("[Stream] viewer %s left", c.id)
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Broadcast sends chunk as one binary message to every viewer. A viewer whose
// write fails is disconnected.
func (s *Stream) Broadcast(chunk []byte) {
	s.bytes.Add(uint64(len(chunk)))
	s.mu.Lock()
	targets := make([]*client, 0, len(s.viewers))
	for c := range s.viewers {
		targets = append(targets, c)
	}
	s.mu.Unlock()

	for _, c := range targets {
		c.wmu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		err := c.conn.WriteMessage(websocket.BinaryMessage, chunk)
		c.wmu.Unlock()
		if err != nil {
			util.Debug("[Stream] drop viewer %s: %v", c.id, err)
			_ = c.conn.Close()
		}
	}
}

func (s *Stream) disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.viewers {
		_ = c.conn.Close()
	}
}

// Pump broadcasts everything read from r until EOF or a read error.
func (s *Stream) Pump(r io.Reader) error {
	buf := make([]byte, chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.Broadcast(chunk)
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// FFmpegArgs builds the ffmpeg command line that turns the RTSP camera into a
// low latency MPEG-1 transport stream on stdout.
func FFmpegArgs(url string, c model.StreamConfig) []string {
	fps := strconv.Itoa(c.FPS)
	return []string{
		"-rtsp_transport", c.Transport,
		"-i", url,
		"-an",
		"-f", "mpegts",
		"-codec:v", "mpeg1video",
		"-s", c.Resolution,
		"-b:v", c.Bitrate,
		"-r", fps,
		"-g", fps,
		"-bf", "0",
		"-tune", "zerolatency",
		"-preset", "ultrafast",
		"-",
	}
}

var progressRe = regexp.MustCompile(`frame=.*fps=|bitrate=`)

// isProgress reports whether an ffmpeg stderr line is a periodic progress report.
func isProgress(line string) bool { return progressRe.MatchString(line) }

// Feed runs ffmpeg and pumps its output into a Stream, restarting it after a
// delay whenever it exits.
type Feed struct {
	URL    string
	Config model.StreamConfig
	Out    *Stream

	// command builds the process; exec.CommandContext with "ffmpeg" by default.
	command func(ctx context.Context, args ...string) *exec.Cmd
}

// NewFeed creates a feed for the camera at url.
func NewFeed(url string, c model.StreamConfig, out *Stream) *Feed {
	return &Feed{
		URL:    url,
		Config: c,
		Out:    out,
		command: func(ctx context.Context, args ...string) *exec.Cmd {
			return exec.CommandContext(ctx, "ffmpeg", args...)
		},
	}
}

// Run keeps ffmpeg running until ctx ends.
func (f *Feed) Run(ctx context.Context) {
	delay := model.Ms(f.Config.RestartMs)
	for {
		if err := f.runOnce(ctx); err != nil && ctx.Err() == nil {
			util.Warn("[Stream] ffmpeg: %v", err)
		}
		if ctx.Err() != nil {
			return
		}
		util.Info("[Stream] ffmpeg exited, restarting in %s", delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (f *Feed) runOnce(ctx context.Context) error {
	cmd := f.command(ctx, FFmpegArgs(f.URL, f.Config)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	util.Info("[Stream] ffmpeg pid=%d streaming %s (%s, %s)", cmd.Process.Pid, f.URL, f.Config.Resolution, f.Config.Bitrate)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		logLines(stderr, func(line string) {
			if !isProgress(line) {
				util.Debug("[Stream] ffmpeg: %s", line)
			}
		})
	}()
	pumpErr := f.Out.Pump(stdout)
	wg.Wait()
	if err := cmd.Wait(); err != nil {
		return err
	}
	return pumpErr
}

// logLines calls fn for every non-empty line read from r.
func logLines(r io.Reader, fn func(string)) {
	buf := make([]byte, 4096)
	var pending string
	for {
		n, err := r.Read(buf)
		pending += string(buf[:n])
		for {
			i := strings.IndexAny(pending, "\r\n")
			if i < 0 {
				break
			}
			if line := strings.TrimSpace(pending[:i]); line != "" {
				fn(line)
			}
			pending = pending[i+1:]
		}
		if err != nil {
			if line := strings.TrimSpace(pending); line != "" {
				fn(line)
			}
			return
		}
	}
}
