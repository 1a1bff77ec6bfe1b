// Package mapper runs the mapping pipeline: resolve a backup chain, export
// it through the block export server, attach it to a local device, replay
// incrementals and keep serving until interrupted.
package mapper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/bamsammich/chainmap/internal/attach"
	"github.com/bamsammich/chainmap/internal/blockmap"
	"github.com/bamsammich/chainmap/internal/chain"
	"github.com/bamsammich/chainmap/internal/config"
	"github.com/bamsammich/chainmap/internal/event"
	"github.com/bamsammich/chainmap/internal/export"
	"github.com/bamsammich/chainmap/internal/lifecycle"
	"github.com/bamsammich/chainmap/internal/platform"
	"github.com/bamsammich/chainmap/internal/replay"
	"github.com/bamsammich/chainmap/internal/stats"
)

// ExportServer is the export server port.
type ExportServer interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Pid() int
	Endpoint() string
	Done() <-chan struct{}
	Err() error
}

// Device is an attached device opened for replay.
type Device interface {
	replay.Target
	io.Closer
}

// Config describes one mapping session.
type Config struct {
	Files         []string
	Device        string
	ExportName    string
	ListenAddress string
	Port          int
	Threads       int
	BlockSize     int
	ReadOnly      bool
	AllowRegular  bool
	Verbose       bool

	AttachAttempts int
	AttachBackoff  time.Duration
	BWLimit        int64  // bytes per second, 0 = unlimited
	JournalPath    string // empty = no replay journal

	ExportBinary string
	ExportPlugin string
	AttachBinary string
	TempDir      string // where the routing table is written

	TeardownTimeout time.Duration

	Logger *slog.Logger
	Events chan<- event.Event
	Stats  *stats.Collector

	// Ready is called once the device is attached, replayed and serving.
	Ready func(Serving)

	// Hooks replaced in tests. Nil means the real implementation.
	NewServer  func(opts export.Options, log *slog.Logger) ExportServer
	Helper     attach.Helper
	Timer      backoff.Timer
	OpenDevice func(path string) (Device, error)
	LookPath   func(file string) (string, error)
}

// Serving describes a session that reached the serve stage.
type Serving struct {
	Session  config.Session
	Entries  int
	Replayed bool
	Stats    stats.Snapshot
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Stats == nil {
		c.Stats = stats.NewCollector()
	}
	if c.ExportBinary == "" {
		c.ExportBinary = export.DefaultBinary
	}
	if c.AttachBinary == "" {
		c.AttachBinary = attach.DefaultHelper
	}
	if c.NewServer == nil {
		c.NewServer = func(opts export.Options, log *slog.Logger) ExportServer { return export.New(opts, log) }
	}
	if c.Helper == nil {
		c.Helper = &attach.QemuNBD{Binary: c.AttachBinary, Log: c.Logger}
	}
	if c.OpenDevice == nil {
		c.OpenDevice = func(path string) (Device, error) { return replay.OpenDevice(path) }
	}
	if c.LookPath == nil {
		c.LookPath = exec.LookPath
	}
}

// Preflight rejects configurations that cannot work before anything is
// started.
func Preflight(cfg Config) error {
	if len(cfg.Files) == 0 {
		return &attach.PreconditionError{Reason: "no backup files given"}
	}
	if err := attach.CheckPreconditions(cfg.ReadOnly, len(cfg.Files)); err != nil {
		return err
	}
	if cfg.BlockSize <= 0 || cfg.BlockSize%512 != 0 {
		return &attach.PreconditionError{Reason: fmt.Sprintf("block size %d is not a positive multiple of 512", cfg.BlockSize)}
	}
	if cfg.Threads < 1 {
		return &attach.PreconditionError{Reason: fmt.Sprintf("thread count %d must be at least 1", cfg.Threads)}
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return &attach.PreconditionError{Reason: fmt.Sprintf("listen port %d out of range", cfg.Port)}
	}
	if cfg.ExportName == "" {
		return &attach.PreconditionError{Reason: "export name is empty"}
	}
	if err := platform.CheckDevice(cfg.Device, cfg.AllowRegular); err != nil {
		return &attach.PreconditionError{Reason: fmt.Sprintf("device: %v", err)}
	}
	for _, f := range cfg.Files {
		if _, err := os.Stat(f); err != nil {
			return &attach.PreconditionError{Reason: fmt.Sprintf("backup file: %v", err)}
		}
	}
	lookPath := cfg.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	for _, bin := range []string{cfg.ExportBinary, cfg.AttachBinary} {
		if bin == "" {
			continue
		}
		if _, err := lookPath(bin); err != nil {
			return &attach.PreconditionError{Reason: fmt.Sprintf("helper %s not found: %v", bin, err)}
		}
	}
	return nil
}

// Run executes the pipeline and blocks while the device is served. It
// returns when ctx is cancelled (an error wrapping ErrInterrupted) or when
// a stage fails (a *StageError). Every resource acquired along the way is
// released before Run returns.
func Run(ctx context.Context, cfg Config) error {
	cfg.setDefaults()
	log := cfg.Logger

	p := &pipeline{cfg: cfg, log: log}
	if err := p.stage(ctx, StagePreflight, func() error { return Preflight(cfg) }); err != nil {
		return err
	}

	var m *chain.Map
	var c *chain.Chain
	err := p.stage(ctx, StageResolve, func() error {
		var err error
		c, err = chain.Open(cfg.Files, log)
		if err != nil {
			return err
		}
		m, err = chain.Resolve(ctx, c)
		return err
	})
	if err != nil {
		return err
	}
	log.Info("chain resolved", "files", c.Len(), "entries", m.Len(), "disk_size", m.Size())

	guard := lifecycle.NewGuard(log, cfg.TeardownTimeout)
	err = guard.Run(ctx, func(ctx context.Context) error { return p.serve(ctx, guard, c, m) })
	if err != nil && ctx.Err() != nil && !errors.Is(err, ErrInterrupted) {
		err = fmt.Errorf("%w: %w", ErrInterrupted, err)
	}
	var se *StageError
	if err != nil && !errors.As(err, &se) {
		err = &StageError{Stage: StageTeardown, Err: err}
	}
	return err
}

type pipeline struct {
	cfg Config
	log *slog.Logger
}

// stage runs fn, emitting stage events and wrapping its error.
func (p *pipeline) stage(ctx context.Context, s Stage, fn func() error) error {
	event.Emit(p.cfg.Events, event.Event{Type: event.StageStarted, Stage: string(s)})
	start := time.Now()
	err := fn()
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, ErrInterrupted) {
			err = fmt.Errorf("%w: %w", ErrInterrupted, err)
		}
		return &StageError{Stage: s, Err: err}
	}
	event.Emit(p.cfg.Events, event.Event{Type: event.StageCompleted, Stage: string(s)})
	p.log.Debug("stage complete", "stage", s, "took", time.Since(start))
	return nil
}

func (p *pipeline) serve(ctx context.Context, guard *lifecycle.Guard, c *chain.Chain, m *chain.Map) error {
	cfg := p.cfg
	log := p.log

	var table *blockmap.File
	err := p.stage(ctx, StageRoutingTable, func() error {
		var err error
		table, err = blockmap.WriteTemp(m, cfg.TempDir)
		if err != nil {
			return err
		}
		guard.Add("routing table", func(context.Context) error { return table.Remove() })
		log.Info("routing table written", "path", table.Path, "records", table.Records, "digest", table.Digest)
		return nil
	})
	if err != nil {
		return err
	}

	srv := cfg.NewServer(export.Options{
		Binary:        cfg.ExportBinary,
		Plugin:        cfg.ExportPlugin,
		ExportName:    cfg.ExportName,
		ListenAddress: cfg.ListenAddress,
		Port:          cfg.Port,
		Threads:       cfg.Threads,
		BlockSize:     cfg.BlockSize,
		ReadOnly:      cfg.ReadOnly,
		RoutingTable:  table.Path,
		FullBackup:    c.Files()[0].Path,
		Verbose:       cfg.Verbose,
	}, log)
	guard.Add("export server", srv.Stop)
	if err := p.stage(ctx, StageExport, func() error { return srv.Start(ctx) }); err != nil {
		return err
	}

	ctrl := attach.NewController(cfg.Helper, log)
	if cfg.Timer != nil {
		ctrl.WithTimer(cfg.Timer)
	}
	var sess *attach.Session
	err = p.stage(ctx, StageAttach, func() error {
		var err error
		sess, err = ctrl.Attach(ctx, attach.Options{
			Device:      cfg.Device,
			Endpoint:    srv.Endpoint(),
			ExportName:  cfg.ExportName,
			ReadOnly:    cfg.ReadOnly,
			Files:       c.Len(),
			MaxAttempts: cfg.AttachAttempts,
			Backoff:     cfg.AttachBackoff,
		}, srv)
		if sess != nil && sess.Status == attach.StatusConnected {
			guard.Add("device", func(ctx context.Context) error { return ctrl.Detach(ctx, sess) })
		}
		return err
	})
	if err != nil {
		return err
	}

	record := config.Session{
		ID:            config.NewSessionID(),
		Device:        cfg.Device,
		Endpoint:      srv.Endpoint(),
		URI:           sess.URI,
		ServerPid:     srv.Pid(),
		ServerName:    filepath.Base(cfg.ExportBinary),
		OwnerPid:      os.Getpid(),
		RoutingTable:  table.Path,
		RoutingDigest: table.Digest,
		Files:         c.Paths(),
		ReadOnly:      cfg.ReadOnly,
		Started:       time.Now().UTC(),
	}

	replayed := false
	if c.HasIncrementals() {
		if err := p.stage(ctx, StageReplay, func() error { return p.replay(ctx, m, record) }); err != nil {
			return err
		}
		replayed = true
	}

	if path, err := config.WriteSession(record); err != nil {
		log.Warn("could not write session record", "error", err)
	} else {
		guard.Add("session record", func(context.Context) error { return config.RemoveSession(record.Device) })
		log.Debug("session record written", "path", path)
	}

	if cfg.Ready != nil {
		cfg.Ready(Serving{Session: record, Entries: m.Len(), Replayed: replayed, Stats: cfg.Stats.Snapshot()})
	}
	log.Info("serving", "device", cfg.Device, "uri", record.URI)

	select {
	case <-ctx.Done():
		log.Info("interrupted, tearing down", "device", cfg.Device)
		return &StageError{Stage: StageServe, Err: ErrInterrupted}
	case <-srv.Done():
		return &StageError{Stage: StageServe, Err: fmt.Errorf("export server exited: %w", srv.Err())}
	}
}

func (p *pipeline) replay(ctx context.Context, m *chain.Map, record config.Session) error {
	cfg := p.cfg

	dev, err := cfg.OpenDevice(cfg.Device)
	if err != nil {
		return &replay.ReplayError{Err: err}
	}
	defer dev.Close()

	rc := replay.Config{
		Logger: p.log,
		Stats:  cfg.Stats,
		Events: cfg.Events,
	}
	if cfg.BWLimit > 0 {
		rc.Limiter = replay.NewBWLimiter(cfg.BWLimit)
	}
	if cfg.JournalPath != "" {
		j, err := replay.OpenJournal(cfg.JournalPath, replay.RunInfo{
			SessionID:     record.ID,
			Device:        record.Device,
			DiskSize:      m.Size(),
			RoutingDigest: record.RoutingDigest,
			Started:       record.Started,
		})
		if err != nil {
			return err
		}
		defer func() {
			if err := j.Close(); err != nil {
				p.log.Warn("close replay journal", "error", err)
			}
		}()
		rc.Journal = j.WithLogger(p.log)
	}

	return replay.New(rc).Replay(ctx, m, dev)
}
