package main

import (
	"fmt"
	"os"
	"sync"

	"github.com/spf13/cobra"

	"github.com/bamsammich/chainmap/internal/event"
	"github.com/bamsammich/chainmap/internal/lifecycle"
	"github.com/bamsammich/chainmap/internal/replay"
	"github.com/bamsammich/chainmap/internal/stats"
	"github.com/bamsammich/chainmap/internal/ui"
)

var verifyCmd = &cobra.Command{
	Use:   "verify --journal FILE --device DEV",
	Short: "Check a device against the entries recorded in a replay journal",
	Args:  cobra.NoArgs,
	RunE:  runVerify,
}

func init() {
	verifyCmd.Flags().String("journal", "", "replay journal written by --journal")
	verifyCmd.Flags().StringP("device", "d", "", "device to check (default: the journal's device)")
	verifyCmd.Flags().BoolP("quiet", "q", false, "only report mismatches")
	if err := verifyCmd.MarkFlagRequired("journal"); err != nil {
		panic(fmt.Sprintf("mark flag required: %v", err))
	}
}

func runVerify(cmd *cobra.Command, _ []string) error {
	journal, _ := cmd.Flags().GetString("journal") //nolint:errcheck // flag name is hardcoded
	device, _ := cmd.Flags().GetString("device")   //nolint:errcheck // flag name is hardcoded
	quiet, _ := cmd.Flags().GetBool("quiet")       //nolint:errcheck // flag name is hardcoded

	if device == "" {
		info, _, err := replay.ReadJournal(journal)
		if err != nil {
			return err
		}
		device = info.Device
	}

	dev, err := os.Open(device)
	if err != nil {
		return fmt.Errorf("open device: %w", err)
	}
	defer dev.Close()

	collector := stats.NewCollector()
	events := make(chan event.Event, 256)
	presenter := ui.NewPresenter(ui.Config{
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Stats:     collector,
		Quiet:     quiet,
		IsTTY:     ui.IsTTY(os.Stderr.Fd()),
	})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = presenter.Run(events) //nolint:errcheck // presenter error is non-fatal
	}()

	ctx, stop := lifecycle.NotifyContext(cmd.Context())
	defer stop()

	res, err := replay.Verify(ctx, replay.VerifyConfig{
		Journal: journal,
		Device:  dev,
		Events:  events,
		Stats:   collector,
	})
	close(events)
	wg.Wait()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(res.Errors) > 0 {
		ui.RenderVerifyErrors(out, res.Errors)
	}
	if !quiet {
		fmt.Fprintf(out, "%s: %d entries verified, %d mismatched (session %s)\n",
			device, res.Verified, res.Failed, res.Info.SessionID)
	}
	if res.Failed > 0 {
		return &exitError{code: exitFatal}
	}
	return nil
}
