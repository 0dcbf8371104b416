package relay

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"roverpilot/internal/util"
)

// Process is a running autopilot.
type Process interface {
	Wait() error
	Interrupt() error
}

// Launcher starts a new autopilot process.
type Launcher func() (Process, error)

// Supervisor keeps the autopilot alive while the control room has clients:
// the first client starts it, the last one leaving interrupts it, and a crash
// with clients still connected restarts it after a delay.
type Supervisor struct {
	launch  Launcher
	restart time.Duration

	mu      sync.Mutex
	proc    Process
	clients int
	stopped bool
	stop    chan struct{}
	wg      sync.WaitGroup

	starts atomic.Uint64
}

// NewSupervisor creates an idle supervisor.
func NewSupervisor(launch Launcher, restart time.Duration) *Supervisor {
	return &Supervisor{launch: launch, restart: restart, stop: make(chan struct{})}
}

// Ensure starts the autopilot if it is not running.
func (s *Supervisor) Ensure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startLocked()
}

// Occupancy is told the control room size after every join and leave.
func (s *Supervisor) Occupancy(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients = n
	if n > 0 {
		s.startLocked()
		return
	}
	if s.proc != nil {
		util.Info("[Supervisor] control room empty, stopping autopilot")
		if err := s.proc.Interrupt(); err != nil {
			util.Warn("[Supervisor] interrupt: %v", err)
		}
		s.proc = nil
	}
}

// Running reports whether an autopilot process is up.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc != nil
}

// Starts returns how many processes were launched.
func (s *Supervisor) Starts() uint64 { return s.starts.Load() }

// Stop interrupts the autopilot and waits for it to exit. No restart follows.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.stop)
	p := s.proc
	s.proc = nil
	s.mu.Unlock()

	if p != nil {
		_ = p.Interrupt()
	}
	s.wg.Wait()
}

func (s *Supervisor) startLocked() {
	if s.stopped || s.proc != nil {
		return
	}
	p, err := s.launch()
	if err != nil {
		util.Error("[Supervisor] start autopilot: %v", err)
		return
	}
	s.proc = p
	n := s.starts.Add(1)
	util.Info("[Supervisor] autopilot started (#%d)", n)
	s.wg.Add(1)
	go s.watch(p)
}

func (s *Supervisor) watch(p Process) {
	defer s.wg.Done()
	err := p.Wait()

	s.mu.Lock()
	crashed := s.proc == p
	if crashed {
		s.proc = nil
	}
	restart := crashed && !s.stopped && s.clients > 0
	s.mu.Unlock()

	if !crashed {
		return
	}
	util.Warn("[Supervisor] autopilot exited: %v", err)
	if !restart {
		return
	}
	util.Info("[Supervisor] clients still connected, restarting in %s", s.restart)
	select {
	case <-s.stop:
		return
	case <-time.After(s.restart):
	}
	s.mu.Lock()
	if s.clients > 0 {
		s.startLocked()
	}
	s.mu.Unlock()
}

// CommandLauncher runs argv with extra environment entries, forwarding its
// output to the relay log.
func CommandLauncher(argv []string, env ...string) Launcher {
	return func() (Process, error) {
		if len(argv) == 0 {
			return nil, fmt.Errorf("empty autopilot command")
		}
		stdout, stderr := logWriter(util.Info), logWriter(util.Warn)
		cmd := exec.Command(argv[0], argv[1:]...)
		cmd.Env = append(os.Environ(), env...)
		cmd.Stdout = stdout
		cmd.Stderr = stderr
		if err := cmd.Start(); err != nil {
			_ = stdout.Close()
			_ = stderr.Close()
			return nil, err
		}
		util.Info("[Supervisor] autopilot pid=%d: %v", cmd.Process.Pid, argv)
		return &cmdProcess{cmd: cmd, logs: []io.Closer{stdout, stderr}}, nil
	}
}

type cmdProcess struct {
	cmd  *exec.Cmd
	logs []io.Closer
}

func (p *cmdProcess) Wait() error {
	err := p.cmd.Wait()
	for _, c := range p.logs {
		_ = c.Close()
	}
	return err
}

func (p *cmdProcess) Interrupt() error { return p.cmd.Process.Signal(os.Interrupt) }

// logWriter forwards each written line to logf with an autopilot prefix.
func logWriter(logf func(string, ...any)) io.WriteCloser {
	pr, pw := io.Pipe()
	go logLines(pr, func(line string) { logf("[Autopilot] %s", line) })
	return pw
}
