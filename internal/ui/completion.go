package ui

import (
	"fmt"

	"github.com/bamsammich/chainmap/internal/stats"
)

// CompletionSummary builds a final summary line from a snapshot.
// Format: done ✓  entries 1,204  written 2.1 GiB  zeroed 512.0 MiB  avg 641 MiB/s  time 3m 17s  errors 0
func CompletionSummary(snap stats.Snapshot) string {
	avgSpeed := 0.0
	if snap.Elapsed.Seconds() > 0 {
		avgSpeed = float64(snap.Written()) / snap.Elapsed.Seconds()
	}

	icon := "✓"
	if snap.EntriesFailed > 0 || snap.VerifyFailed > 0 {
		icon = "✗"
	}

	base := fmt.Sprintf("done %s  entries %s  written %s  zeroed %s  avg %s  time %s",
		icon,
		FormatCount(snap.EntriesReplayed),
		FormatBytes(snap.BytesCopied),
		FormatBytes(snap.BytesZeroed),
		FormatRate(avgSpeed),
		FormatDuration(snap.Elapsed),
	)

	if snap.EntriesVerified > 0 || snap.VerifyFailed > 0 {
		base += fmt.Sprintf("  verified %s", FormatCount(snap.EntriesVerified))
	}

	base += fmt.Sprintf("  errors %d", snap.EntriesFailed+snap.VerifyFailed)

	return base
}
