package ui

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/chainmap/internal/event"
	"github.com/bamsammich/chainmap/internal/stats"
)

func newPlain(verbose bool) (*plainPresenter, *bytes.Buffer, *bytes.Buffer) {
	var out, errOut bytes.Buffer
	return &plainPresenter{w: &out, errW: &errOut, stats: stats.NewCollector(), verbose: verbose}, &out, &errOut
}

func runEvents(t *testing.T, p Presenter, evs ...event.Event) {
	t.Helper()
	events := make(chan event.Event, len(evs))
	for _, ev := range evs {
		events <- ev
	}
	close(events)
	require.NoError(t, p.Run(events))
}

func TestPlainPresenterReplay(t *testing.T) {
	p, out, _ := newPlain(false)
	runEvents(t, p,
		event.Event{Type: event.ReplayStarted, Total: 1204, TotalSize: 1 << 30},
		event.Event{Type: event.EntryReplayed, Offset: 4096, Size: 4096, Method: "copy", Path: "inc.data"},
		event.Event{Type: event.EntrySkipped, Offset: 0, Size: 4096, Path: "full.data"},
		event.Event{Type: event.ReplayComplete},
	)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "replaying 1,204 entries (1.0 GiB)", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "done ✓"))
}

func TestPlainPresenterVerboseEntries(t *testing.T) {
	p, out, _ := newPlain(true)
	runEvents(t, p,
		event.Event{Type: event.StageStarted, Stage: "resolve"},
		event.Event{Type: event.EntryReplayed, Offset: 0x10000, Size: 2048, Method: "fallocate", Path: "inc.data"},
	)

	assert.Contains(t, out.String(), "resolve...")
	assert.Contains(t, out.String(), "0x0000010000  2.0 KiB  fallocate  inc.data")
}

func TestPlainPresenterEntryFailed(t *testing.T) {
	p, out, _ := newPlain(false)
	runEvents(t, p, event.Event{Type: event.EntryFailed, Offset: 512, Size: 512, Error: assert.AnError})

	assert.Contains(t, out.String(), "FAILED 0x0000000200")
	assert.Contains(t, out.String(), assert.AnError.Error())
}

func TestPlainPresenterVerify(t *testing.T) {
	p, out, _ := newPlain(false)
	runEvents(t, p,
		event.Event{Type: event.VerifyStarted},
		event.Event{Type: event.VerifyOK, Offset: 0},
		event.Event{Type: event.VerifyFailed, Offset: 8192, Size: 4096, Path: "inc.data"},
	)

	assert.Contains(t, out.String(), "verifying...")
	assert.Contains(t, out.String(), "MISMATCH: 0x0000002000  4.0 KiB  inc.data")
}

func TestPlainPresenterProgress(t *testing.T) {
	p, _, errOut := newPlain(false)
	p.interval = 10 * time.Millisecond
	p.stats.SetTotals(2, 2048)
	p.stats.AddBytesCopied(1024)

	events := make(chan event.Event, 1)
	events <- event.Event{Type: event.ReplayStarted, Total: 2, TotalSize: 2048}
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(events)
	}()
	require.NoError(t, p.Run(events))

	assert.Contains(t, errOut.String(), "progress:")
	assert.Contains(t, errOut.String(), "50%")
}

func TestPlainPresenterSummary(t *testing.T) {
	t.Run("interrupted replay", func(t *testing.T) {
		p, out, _ := newPlain(false)
		p.stats.AddEntriesReplayed(100)
		p.stats.AddBytesCopied(1024 * 1024)
		runEvents(t, p, event.Event{Type: event.ReplayStarted, Total: 200, TotalSize: 2 << 20})

		assert.NotContains(t, out.String(), "done")
		s := p.Summary()
		assert.Contains(t, s, "entries 100")
		assert.Contains(t, s, "written 1.0 MiB")
		assert.Contains(t, s, "errors 0")
	})

	t.Run("printed once after replay completes", func(t *testing.T) {
		p, out, _ := newPlain(false)
		runEvents(t, p,
			event.Event{Type: event.ReplayStarted, Total: 1, TotalSize: 512},
			event.Event{Type: event.ReplayComplete},
		)
		assert.Equal(t, 1, strings.Count(out.String(), "done ✓"))
		assert.Empty(t, p.Summary())
	})

	t.Run("no replay", func(t *testing.T) {
		p, _, _ := newPlain(false)
		runEvents(t, p,
			event.Event{Type: event.StageStarted, Stage: "resolve"},
			event.Event{Type: event.StageCompleted, Stage: "resolve"},
		)
		assert.Empty(t, p.Summary())
	})
}

func TestQuietPresenter(t *testing.T) {
	collector := stats.NewCollector()
	p := NewPresenter(Config{Quiet: true, Stats: collector})
	runEvents(t, p, event.Event{Type: event.ReplayStarted}, event.Event{Type: event.ReplayComplete})
	assert.Empty(t, p.Summary())

	collector.AddEntriesFailed(1)
	assert.Contains(t, p.Summary(), "errors 1")
}

func TestNewPresenterPlain(t *testing.T) {
	p := NewPresenter(Config{Stats: stats.NewCollector(), IsTTY: true})
	plain, ok := p.(*plainPresenter)
	require.True(t, ok)
	assert.Equal(t, ttyInterval, plain.interval)
}
