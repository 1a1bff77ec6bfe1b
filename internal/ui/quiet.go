package ui

import (
	"github.com/bamsammich/chainmap/internal/event"
	"github.com/bamsammich/chainmap/internal/stats"
)

// quietPresenter drains events and prints only failures in its summary.
type quietPresenter struct {
	stats *stats.Collector
}

func (p *quietPresenter) Run(events <-chan event.Event) error {
	for range events {
		// Counters live on the collector; nothing to render.
	}
	return nil
}

func (p *quietPresenter) Summary() string {
	if p.stats == nil {
		return ""
	}
	snap := p.stats.Snapshot()
	if snap.EntriesFailed == 0 && snap.VerifyFailed == 0 {
		return ""
	}
	return CompletionSummary(snap)
}
