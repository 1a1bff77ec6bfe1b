package ui

import (
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/bamsammich/chainmap/internal/chain"
	"github.com/bamsammich/chainmap/internal/config"
	"github.com/bamsammich/chainmap/internal/replay"
)

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	return t
}

func bytesCol(n uint64) string {
	return FormatBytes(int64(n)) //nolint:gosec // G115: display only
}

// RenderChain prints the metadata of every file in c.
func RenderChain(w io.Writer, c *chain.Chain) {
	t := newTable(w)
	t.SetTitle("backup chain")
	t.AppendHeader(table.Row{"#", "File", "Kind", "Checkpoint", "Parent", "Virtual size", "Data size", "Date"})
	for i, ref := range c.Files() {
		md := c.Metadata(i)
		t.AppendRow(table.Row{
			ref.Sequence,
			filepath.Base(ref.Path),
			ref.Kind,
			md.CheckpointName,
			md.ParentCheckpoint,
			bytesCol(md.VirtualSize),
			bytesCol(md.DataSize),
			md.Date,
		})
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 6, Align: text.AlignRight},
		{Number: 7, Align: text.AlignRight},
	})
	t.Render()
}

// RenderSummary prints how many bytes each file owns in m.
func RenderSummary(w io.Writer, m *chain.Map) {
	t := newTable(w)
	t.SetTitle(fmt.Sprintf("resolved map: %s entries over %s", FormatCount(int64(m.Len())), bytesCol(m.Size())))
	t.AppendHeader(table.Row{"#", "Source", "Entries", "Data", "Zero"})
	for _, s := range m.Summary() {
		t.AppendRow(table.Row{
			s.Source.Sequence,
			filepath.Base(s.Source.Path),
			FormatCount(int64(s.Entries)),
			bytesCol(s.DataBytes),
			bytesCol(s.ZeroBytes),
		})
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 3, Align: text.AlignRight},
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
	})
	t.Render()
}

// RenderMap prints every entry of m.
func RenderMap(w io.Writer, m *chain.Map) {
	t := newTable(w)
	t.AppendHeader(table.Row{"Offset", "Length", "Kind", "Source", "Source offset"})
	for e := range m.All() {
		t.AppendRow(table.Row{
			fmt.Sprintf("%#x", e.Offset),
			e.Length,
			e.Kind,
			filepath.Base(e.Source.Path),
			e.SourceOffset,
		})
	}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignRight},
		{Number: 2, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
	})
	t.Render()
}

// SessionRow is a session record with the liveness of its export server.
type SessionRow struct {
	Session config.Session
	Alive   bool
}

// RenderSessions prints the active session table.
func RenderSessions(w io.Writer, rows []SessionRow, now time.Time) {
	t := newTable(w)
	t.AppendHeader(table.Row{"Device", "URI", "Server PID", "State", "Files", "Uptime", "Session"})
	for _, r := range rows {
		state := "serving"
		if !r.Alive {
			state = "stale"
		}
		t.AppendRow(table.Row{
			r.Session.Device,
			r.Session.URI,
			r.Session.ServerPid,
			state,
			len(r.Session.Files),
			FormatDuration(now.Sub(r.Session.Started)),
			r.Session.ID,
		})
	}
	t.Render()
}

// RenderVerifyErrors prints the mismatches of a verify pass.
func RenderVerifyErrors(w io.Writer, errs []replay.VerifyError) {
	t := newTable(w)
	t.AppendHeader(table.Row{"Offset", "Length", "Kind", "Expected", "Found", "Source"})
	for _, e := range errs {
		found := e.Got
		if e.ReadErr != nil {
			found = e.ReadErr.Error()
		}
		t.AppendRow(table.Row{
			fmt.Sprintf("%#x", e.Offset),
			e.Length,
			e.Kind,
			e.Want,
			found,
			filepath.Base(e.Source),
		})
	}
	t.Render()
}
