package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/bamsammich/chainmap/internal/config"
	"github.com/bamsammich/chainmap/internal/export"
	"github.com/bamsammich/chainmap/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List mapped devices and whether their export server is still running",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().Bool("prune", false, "remove records of stale sessions")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	prune, _ := cmd.Flags().GetBool("prune") //nolint:errcheck // flag name is hardcoded

	sessions, listErr := config.ListSessions()
	if len(sessions) == 0 {
		if listErr != nil {
			return listErr
		}
		fmt.Fprintln(cmd.OutOrStdout(), "no active sessions")
		return nil
	}

	ctx := cmd.Context()
	rows := make([]ui.SessionRow, 0, len(sessions))
	var pruneErr error
	for _, s := range sessions {
		alive := export.Alive(ctx, s.ServerPid, s.ServerName)
		if !alive && prune {
			pruneErr = errors.Join(pruneErr, config.RemoveSession(s.Device))
			continue
		}
		rows = append(rows, ui.SessionRow{Session: s, Alive: alive})
	}

	ui.RenderSessions(cmd.OutOrStdout(), rows, time.Now())
	return errors.Join(listErr, pruneErr)
}
