package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/bamsammich/chainmap/internal/blockmap"
	"github.com/bamsammich/chainmap/internal/chain"
	"github.com/bamsammich/chainmap/internal/ui"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect -f FULL[,INC...]",
	Short: "Decode and resolve a backup chain without mapping it",
	Args:  cobra.NoArgs,
	RunE:  runInspect,
}

func init() {
	inspectCmd.Flags().StringSliceP("file", "f", nil, "comma-separated backup files, full backup first")
	inspectCmd.Flags().Bool("json", false, "write the routing table as JSON to stdout")
	inspectCmd.Flags().Bool("entries", false, "list every resolved entry")
	if err := inspectCmd.MarkFlagRequired("file"); err != nil {
		panic(fmt.Sprintf("mark flag required: %v", err))
	}
}

func runInspect(cmd *cobra.Command, _ []string) error {
	files, _ := cmd.Flags().GetStringSlice("file") //nolint:errcheck // flag name is hardcoded
	asJSON, _ := cmd.Flags().GetBool("json")        //nolint:errcheck // flag name is hardcoded
	entries, _ := cmd.Flags().GetBool("entries")    //nolint:errcheck // flag name is hardcoded

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	c, err := chain.Open(files, log)
	if err != nil {
		return err
	}
	m, err := chain.Resolve(context.Background(), c)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON {
		_, err := blockmap.Write(out, m)
		return err
	}

	ui.RenderChain(out, c)
	ui.RenderSummary(out, m)
	if entries {
		ui.RenderMap(out, m)
	}
	digest, err := blockmap.Write(io.Discard, m)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "routing table digest: %s\n", digest)
	return nil
}
