package ui

import (
	"fmt"
	"io"
	"time"

	"github.com/bamsammich/chainmap/internal/event"
	"github.com/bamsammich/chainmap/internal/stats"
)

const (
	plainInterval = 5 * time.Second
	ttyInterval   = time.Second
)

// plainPresenter prints pipeline stages and replay failures to w, one line
// per replayed entry when verbose, and periodic progress to errW.
type plainPresenter struct {
	w        io.Writer
	errW     io.Writer
	stats    *stats.Collector
	verbose  bool
	interval time.Duration
	replay   bool

	// started and summarized gate Summary: nothing to report before a
	// replay, and ReplayComplete already printed it.
	started    bool
	summarized bool
}

func (p *plainPresenter) Run(events <-chan event.Event) error {
	interval := p.interval
	if interval <= 0 {
		interval = plainInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			p.handleEvent(ev)
		case <-ticker.C:
			p.stats.Tick()
			if p.replay {
				p.printProgress()
			}
		}
	}
}

func (p *plainPresenter) handleEvent(ev event.Event) {
	switch ev.Type {
	case event.StageStarted:
		if p.verbose {
			fmt.Fprintf(p.w, "%s...\n", ev.Stage)
		}
	case event.ReplayStarted:
		p.replay = true
		p.started = true
		fmt.Fprintf(p.w, "replaying %s entries (%s)\n", FormatCount(ev.Total), FormatBytes(ev.TotalSize))
	case event.EntryReplayed:
		if p.verbose {
			fmt.Fprintf(p.w, "%#010x  %s  %s  %s\n", ev.Offset, FormatBytes(ev.Size), ev.Method, ev.Path)
		}
	case event.EntryFailed:
		errMsg := "error"
		if ev.Error != nil {
			errMsg = ev.Error.Error()
		}
		fmt.Fprintf(p.w, "FAILED %#010x  %s  %s\n", ev.Offset, FormatBytes(ev.Size), errMsg)
	case event.ReplayComplete:
		p.replay = false
		p.summarized = true
		fmt.Fprintln(p.w, CompletionSummary(p.stats.Snapshot()))
	case event.VerifyStarted:
		fmt.Fprintln(p.w, "verifying...")
	case event.VerifyFailed:
		fmt.Fprintf(p.w, "MISMATCH: %#010x  %s  %s\n", ev.Offset, FormatBytes(ev.Size), ev.Path)
	case event.EntrySkipped, event.StageCompleted, event.VerifyOK:
		// silent in plain mode
	}
}

func (p *plainPresenter) printProgress() {
	snap := p.stats.Snapshot()
	written := snap.Written()
	if snap.BytesTotal > 0 {
		pct := float64(written) / float64(snap.BytesTotal)
		fmt.Fprintf(p.errW, "progress: %s %.0f%% %s/%s %s/%s entries %s eta %s\n",
			ProgressBar(pct, 20),
			pct*100,
			FormatBytes(written), FormatBytes(snap.BytesTotal),
			FormatCount(snap.EntriesReplayed), FormatCount(snap.EntriesTotal),
			FormatRate(p.stats.RollingSpeed(10)),
			FormatETA(p.stats.ETA()),
		)
		return
	}
	fmt.Fprintf(p.errW, "progress: %s written %s entries\n",
		FormatBytes(written),
		FormatCount(snap.EntriesReplayed),
	)
}

func (p *plainPresenter) Summary() string {
	if !p.started || p.summarized {
		return ""
	}
	return CompletionSummary(p.stats.Snapshot())
}
