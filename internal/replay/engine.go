package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/time/rate"

	"github.com/bamsammich/chainmap/internal/chain"
	"github.com/bamsammich/chainmap/internal/event"
	"github.com/bamsammich/chainmap/internal/stats"
	"github.com/bamsammich/chainmap/internal/stream"
)

// Config holds the optional collaborators of a replay.
type Config struct {
	Logger  *slog.Logger
	Limiter *rate.Limiter // nil = unlimited
	Journal *Journal      // nil = no journal
	Stats   *stats.Collector
	Events  chan<- event.Event

	// OpenSource opens a backup file for reading. Defaults to os.Open.
	OpenSource func(path string) (*os.File, error)
}

// Engine writes the incremental portion of a resolved map onto an attached
// device. It is the device's only writer while Replay runs.
type Engine struct {
	cfg Config
}

// New creates an Engine. Missing collaborators get defaults.
func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Stats == nil {
		cfg.Stats = stats.NewCollector()
	}
	if cfg.OpenSource == nil {
		cfg.OpenSource = os.Open
	}
	return &Engine{cfg: cfg}
}

// Stats returns the collector the engine updates.
func (e *Engine) Stats() *stats.Collector { return e.cfg.Stats }

// Replay walks m in ascending offset order. Entries owned by the full backup
// are skipped and their source is never opened; incremental data entries are
// copied from their source file and incremental zero entries are zeroed on
// the target. The first failure aborts with a *ReplayError.
func (e *Engine) Replay(ctx context.Context, m *chain.Map, target Target) error {
	log := e.cfg.Logger.With("device", target.Name())

	size, err := target.Size()
	if err != nil {
		return &ReplayError{Err: fmt.Errorf("device size: %w", err)}
	}
	if size < 0 || uint64(size) < m.Size() {
		return &ReplayError{Err: fmt.Errorf("device %s holds %d bytes, disk needs %d", target.Name(), size, m.Size())}
	}

	var planned, plannedBytes int64
	for ent := range m.All() {
		if ent.Source.Kind == stream.Incremental {
			planned++
			plannedBytes += int64(ent.Length) //nolint:gosec // G115: bounded by disk size
		}
	}
	e.cfg.Stats.SetTotals(planned, plannedBytes)
	event.Emit(e.cfg.Events, event.Event{Type: event.ReplayStarted, Total: planned, TotalSize: plannedBytes})
	log.Info("replay started", "entries", planned, "bytes", plannedBytes)

	sources := make(map[string]*os.File)
	defer func() {
		for _, f := range sources {
			f.Close()
		}
	}()

	r := &run{
		engine:   e,
		target:   target,
		sources:  sources,
		throttle: throttle(ctx, e.cfg.Limiter),
	}
	if e.cfg.Journal != nil {
		r.hasher = xxhash.New()
	}

	for ent := range m.All() {
		if err := ctx.Err(); err != nil {
			return &ReplayError{Offset: ent.Offset, Err: err}
		}
		if ent.Source.Kind != stream.Incremental {
			e.cfg.Stats.AddEntriesSkipped(1)
			e.cfg.Stats.AddBytesSkipped(int64(ent.Length)) //nolint:gosec // G115: bounded by disk size
			event.Emit(e.cfg.Events, event.Event{
				Type: event.EntrySkipped, Path: ent.Source.Path, Offset: ent.Offset, Size: int64(ent.Length), //nolint:gosec // G115
			})
			continue
		}
		if err := r.apply(ent); err != nil {
			e.cfg.Stats.AddEntriesFailed(1)
			event.Emit(e.cfg.Events, event.Event{
				Type: event.EntryFailed, Path: ent.Source.Path, Offset: ent.Offset, Size: int64(ent.Length), Error: err, //nolint:gosec // G115
			})
			return err
		}
	}

	if err := target.Sync(); err != nil {
		return &ReplayError{Offset: m.Size(), Err: fmt.Errorf("sync: %w", err)}
	}
	if e.cfg.Journal != nil {
		if err := e.cfg.Journal.Flush(); err != nil {
			return &ReplayError{Offset: m.Size(), Err: fmt.Errorf("journal: %w", err)}
		}
	}

	snap := e.cfg.Stats.Snapshot()
	event.Emit(e.cfg.Events, event.Event{Type: event.ReplayComplete, Total: snap.EntriesReplayed, TotalSize: snap.Written()})
	log.Info("replay complete", "stats", snap.String())
	return nil
}

// run carries per-replay state.
type run struct {
	engine   *Engine
	target   Target
	sources  map[string]*os.File
	throttle func(int) error
	hasher   *xxhash.Digest
}

func (r *run) source(path string) (*os.File, error) {
	if f, ok := r.sources[path]; ok {
		return f, nil
	}
	f, err := r.engine.cfg.OpenSource(path)
	if err != nil {
		return nil, err
	}
	r.sources[path] = f
	return f, nil
}

//nolint:gosec // G115: entry offsets and lengths are bounded by disk size
func (r *run) apply(ent chain.Entry) error {
	cfg := r.engine.cfg
	off := int64(ent.Offset)
	length := int64(ent.Length)

	je := JournalEntry{
		Offset:       ent.Offset,
		Length:       ent.Length,
		Kind:         ent.Kind.String(),
		Source:       ent.Source.Path,
		SourceOffset: ent.SourceOffset,
	}
	ev := event.Event{Type: event.EntryReplayed, Path: ent.Source.Path, Offset: ent.Offset, Size: length}

	switch ent.Kind {
	case stream.KindData:
		src, err := r.source(ent.Source.Path)
		if err != nil {
			return &ReplayError{Offset: ent.Offset, Path: ent.Source.Path, Err: err}
		}
		var tee io.Writer
		if r.hasher != nil {
			r.hasher.Reset()
			tee = r.hasher
		}
		n, err := r.target.CopyRange(src, ent.SourceOffset, off, length, tee, r.throttle)
		if err == nil && n != length {
			err = fmt.Errorf("short copy: %d of %d bytes: %w", n, length, io.ErrUnexpectedEOF)
		}
		if err != nil {
			return &ReplayError{Offset: ent.Offset, Path: ent.Source.Path, Err: err}
		}
		cfg.Stats.AddBytesCopied(n)
		ev.Method = "copy"
		if r.hasher != nil {
			je.Hash = fmt.Sprintf("%016x", r.hasher.Sum64())
		}

	case stream.KindZero:
		if r.throttle != nil {
			if err := r.throttle(int(min(length, 1<<20))); err != nil {
				return &ReplayError{Offset: ent.Offset, Err: err}
			}
		}
		method, err := r.target.ZeroRange(off, length)
		if err != nil {
			return &ReplayError{Offset: ent.Offset, Err: fmt.Errorf("zero %d bytes: %w", length, err)}
		}
		cfg.Stats.AddBytesZeroed(length)
		ev.Method = method.String()

	default:
		return &ReplayError{Offset: ent.Offset, Path: ent.Source.Path, Err: errors.New("unexpected entry kind " + ent.Kind.String())}
	}

	if cfg.Journal != nil {
		if err := cfg.Journal.Record(je); err != nil {
			return &ReplayError{Offset: ent.Offset, Err: fmt.Errorf("journal: %w", err)}
		}
	}
	cfg.Stats.AddEntriesReplayed(1)
	event.Emit(cfg.Events, ev)
	cfg.Logger.Debug("entry replayed", "offset", ent.Offset, "length", ent.Length, "kind", ent.Kind, "method", ev.Method)
	return nil
}
