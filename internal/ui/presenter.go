package ui

import (
	"io"

	"golang.org/x/term"

	"github.com/bamsammich/chainmap/internal/event"
	"github.com/bamsammich/chainmap/internal/stats"
)

// Presenter consumes events and displays progress.
type Presenter interface {
	// Run consumes events until the channel closes. Blocks until done.
	Run(events <-chan event.Event) error
	// Summary returns the final summary line, or "" when there is nothing
	// left to report. Call it after Run returns.
	Summary() string
}

// Config configures a Presenter.
type Config struct {
	Writer    io.Writer
	ErrWriter io.Writer
	Stats     *stats.Collector
	Quiet     bool
	Verbose   bool
	// IsTTY shortens the progress interval for interactive terminals.
	IsTTY bool
}

// NewPresenter creates the appropriate presenter based on configuration.
//
//nolint:ireturn // callers only use the Presenter interface
func NewPresenter(cfg Config) Presenter {
	if cfg.Quiet {
		return &quietPresenter{stats: cfg.Stats}
	}
	p := &plainPresenter{
		w:        cfg.Writer,
		errW:     cfg.ErrWriter,
		stats:    cfg.Stats,
		verbose:  cfg.Verbose,
		interval: plainInterval,
	}
	if cfg.IsTTY {
		p.interval = ttyInterval
	}
	return p
}

// IsTTY reports whether fd is a terminal.
func IsTTY(fd uintptr) bool {
	return term.IsTerminal(int(fd))
}
