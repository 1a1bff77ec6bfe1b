// Package export runs the multiplexing network block export server that
// serves the routing table, and checks the liveness of its process.
package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/bamsammich/chainmap/internal/platform"
)

const (
	DefaultBinary      = "nbdkit"
	DefaultPlugin      = "/usr/share/chainmap/chainmap-plugin.py"
	DefaultStartGrace  = 250 * time.Millisecond
	DefaultStopTimeout = 5 * time.Second
)

// Options configures the export server invocation.
type Options struct {
	Binary        string
	Plugin        string
	ExportName    string
	ListenAddress string
	Port          int
	Threads       int
	BlockSize     int
	ReadOnly      bool
	RoutingTable  string
	FullBackup    string
	Verbose       bool

	// StartGrace is how long Start watches for an immediate exit.
	StartGrace time.Duration
	// StopTimeout bounds the wait between SIGTERM and SIGKILL.
	StopTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Binary == "" {
		o.Binary = DefaultBinary
	}
	if o.Plugin == "" {
		o.Plugin = DefaultPlugin
	}
	if o.StartGrace == 0 {
		o.StartGrace = DefaultStartGrace
	}
	if o.StopTimeout == 0 {
		o.StopTimeout = DefaultStopTimeout
	}
	return o
}

// Endpoint is the host:port the server listens on.
func (o Options) Endpoint() string {
	return net.JoinHostPort(o.ListenAddress, strconv.Itoa(o.Port))
}

// URI is the NBD URI of the export.
func (o Options) URI() string {
	return "nbd://" + o.Endpoint() + "/" + o.ExportName
}

// Args builds the server command line. Writable exports stack a
// copy-on-write filter so the backup files are never modified.
func (o Options) Args() []string {
	args := []string{
		"--exit-with-parent",
		"-i", o.ListenAddress,
		"-p", strconv.Itoa(o.Port),
		"-e", o.ExportName,
		"--filter=blocksize",
	}
	if o.ReadOnly {
		args = append(args, "-r")
	} else {
		args = append(args, "--filter=cow")
	}
	args = append(args,
		"-t", strconv.Itoa(o.Threads),
		"python", o.Plugin,
		"maxlen="+strconv.Itoa(o.BlockSize),
		"blockmap="+o.RoutingTable,
		"disk="+o.FullBackup,
		"-f",
	)
	if o.Verbose {
		args = append(args, "-v")
	}
	return args
}

// Server manages one export server process. Stop is safe to call more than
// once and from any goroutine.
type Server struct {
	opts   Options
	log    *slog.Logger
	stderr TailBuffer

	mu      sync.Mutex
	cmd     *exec.Cmd
	done    chan struct{}
	waitErr error

	stopOnce sync.Once
	stopErr  error
}

// New prepares a server; nothing runs until Start.
func New(opts Options, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{opts: opts.withDefaults(), log: log}
}

// Options returns the effective options.
func (s *Server) Options() Options { return s.opts }

// Endpoint is the host:port clients attach to.
func (s *Server) Endpoint() string { return s.opts.Endpoint() }

// Start launches the server process. A process that exits within the
// start grace period is reported as a ProcessError.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cmd != nil {
		s.mu.Unlock()
		return errors.New("export server already started")
	}

	cmd := exec.Command(s.opts.Binary, s.opts.Args()...)
	cmd.Stderr = &s.stderr
	cmd.WaitDelay = time.Second
	cmd.SysProcAttr = &syscall.SysProcAttr{}
	platform.SetPdeathsig(cmd.SysProcAttr)

	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		return &ProcessError{Op: "start", Command: s.commandLine(), Err: err}
	}
	s.cmd = cmd
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.log.Info("started export server",
		"pid", cmd.Process.Pid,
		"endpoint", s.opts.Endpoint(),
		"export", s.opts.ExportName)

	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		s.waitErr = err
		s.mu.Unlock()
		close(s.done)
		s.log.Debug("export server exited", "pid", cmd.Process.Pid, "error", err)
	}()

	select {
	case <-s.done:
		return s.exitError("start")
	case <-time.After(s.opts.StartGrace):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pid returns the server process id, or 0 before Start.
func (s *Server) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Running reports whether the process has been started and not yet exited.
func (s *Server) Running() bool {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// Done is closed when the process exits. It is nil before Start.
func (s *Server) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Err describes how the process exited once Done is closed.
func (s *Server) Err() error {
	return s.exitError("run")
}

// Stop terminates the process with SIGTERM, escalating to SIGKILL after
// StopTimeout or when ctx ends, and waits for it to exit.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { s.stopErr = s.stop(ctx) })
	return s.stopErr
}

func (s *Server) stop(ctx context.Context) error {
	s.mu.Lock()
	cmd, done := s.cmd, s.done
	s.mu.Unlock()
	if cmd == nil {
		return nil
	}

	select {
	case <-done:
		return nil
	default:
	}

	pid := cmd.Process.Pid
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.log.Warn("signal export server", "pid", pid, "error", err)
	}

	timer := time.NewTimer(s.opts.StopTimeout)
	defer timer.Stop()

	select {
	case <-done:
		s.log.Info("stopped export server", "pid", pid)
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	s.log.Warn("export server ignored SIGTERM, killing", "pid", pid)
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return &ProcessError{Op: "kill", Command: s.commandLine(), Err: err}
	}
	<-done
	return nil
}

func (s *Server) exitError(op string) error {
	s.mu.Lock()
	err := s.waitErr
	s.mu.Unlock()

	pe := &ProcessError{
		Op:      op,
		Command: s.commandLine(),
		Stderr:  s.stderr.String(),
		Err:     err,
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		pe.ExitCode = exitErr.ExitCode()
	}
	if err == nil {
		pe.Err = errors.New("exited")
	}
	return pe
}

func (s *Server) commandLine() string {
	return s.opts.Binary + " " + strings.Join(s.opts.Args(), " ")
}

// String is used in log attributes.
func (s *Server) String() string {
	return fmt.Sprintf("%s(%s)", s.opts.Binary, s.opts.Endpoint())
}
