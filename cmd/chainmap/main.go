package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/bamsammich/chainmap/internal/config"
	"github.com/bamsammich/chainmap/internal/event"
	"github.com/bamsammich/chainmap/internal/lifecycle"
	"github.com/bamsammich/chainmap/internal/mapper"
	"github.com/bamsammich/chainmap/internal/stats"
	"github.com/bamsammich/chainmap/internal/ui"
)

var version = "dev"

const (
	exitFatal       = 1
	exitInterrupted = 130
)

func main() {
	os.Exit(run())
}

// sizeValue is a pflag.Value accepting human sizes such as 4K or 200M.
type sizeValue struct {
	n   *int64
	raw string
}

var _ pflag.Value = (*sizeValue)(nil)

func newSizeValue(def int64, p *int64) *sizeValue {
	*p = def
	v := &sizeValue{n: p}
	if def > 0 {
		v.raw = strconv.FormatInt(def, 10)
	}
	return v
}

func (v *sizeValue) String() string { return v.raw }
func (*sizeValue) Type() string     { return "size" }

func (v *sizeValue) Set(s string) error {
	n, err := ui.ParseSize(s)
	if err != nil {
		return err
	}
	*v.n = n
	v.raw = s
	return nil
}

// mapFlags holds the root command's flag values.
type mapFlags struct {
	files          []string
	device         string
	exportName     string
	listen         string
	port           int
	threads        int
	blockSize      int64
	readOnly       bool
	attachAttempts int
	attachBackoff  time.Duration
	bwLimit        int64
	journal        string
	allowRegular   bool
	logFile        string
	verbose        bool
	quiet          bool
	showVersion    bool
}

func run() int {
	var f mapFlags

	rootCmd := &cobra.Command{
		Use:   "chainmap -f FULL[,INC...] [flags]",
		Short: "Map a VM backup chain onto a local block device",
		Long: "chainmap resolves a full backup and its incrementals into one virtual disk,\n" +
			"exports it over NBD and attaches it to a local device. Incremental data is\n" +
			"replayed onto the device and the export stays up until interrupted.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if f.showVersion {
				fmt.Fprintf(os.Stdout, "chainmap %s\n", version)
				return nil
			}
			if len(f.files) == 0 {
				return errors.New("required flag \"file\" not set")
			}
			return runMap(cmd, &f)
		},
	}

	registerMapFlags(rootCmd.Flags(), &f)
	rootCmd.MarkFlagsMutuallyExclusive("verbose", "quiet")

	rootCmd.AddCommand(inspectCmd, statusCmd, verifyCmd, docsCmd)

	if err := rootCmd.Execute(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			return exitErr.code
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitFatal
	}
	return 0
}

// registerMapFlags binds the root command's flags to f.
func registerMapFlags(fl *pflag.FlagSet, f *mapFlags) {
	fl.BoolVar(&f.showVersion, "version", false, "print version and exit")
	fl.StringSliceVarP(&f.files, "file", "f", nil, "comma-separated backup files, full backup first")
	fl.StringVarP(&f.device, "device", "d", "/dev/nbd0", "device to attach the export to")
	fl.StringVarP(&f.exportName, "export-name", "e", "sda", "NBD export name")
	fl.StringVarP(&f.listen, "listen-address", "l", "127.0.0.1", "export server listen address")
	fl.IntVarP(&f.port, "listen-port", "p", 10809, "export server listen port")
	fl.IntVarP(&f.threads, "threads", "t", 1, "export server threads")
	fl.VarP(newSizeValue(4096, &f.blockSize), "blocksize", "b", "export block size (multiple of 512)")
	fl.BoolVarP(&f.readOnly, "readonly", "r", false, "attach read-only (full backup only)")
	fl.IntVar(&f.attachAttempts, "attach-attempts", 10, "attach attempts before giving up")
	fl.DurationVar(&f.attachBackoff, "attach-backoff", time.Second, "delay between attach attempts")
	fl.Var(newSizeValue(0, &f.bwLimit), "bwlimit", "replay bandwidth limit (e.g. 100M, 1G)")
	fl.StringVar(&f.journal, "journal", "", "record replayed entries to a journal FILE")
	fl.BoolVar(&f.allowRegular, "allow-regular", false, "accept a regular file as the device")
	fl.StringVarP(&f.logFile, "log-file", "L", "", "write structured JSON log to FILE")
	fl.BoolVarP(&f.verbose, "verbose", "v", false, "verbose output")
	fl.BoolVarP(&f.quiet, "quiet", "q", false, "suppress all output except errors")
}

func runMap(cmd *cobra.Command, f *mapFlags) error {
	cfg, err := config.Load()
	if err != nil {
		slog.Warn("failed to load config", "error", err)
	}
	if err := applyConfigDefaults(cmd.Flags(), cfg.Defaults, f); err != nil {
		return fmt.Errorf("config %s: %w", config.Path(), err)
	}

	logger, closeLog := newLogger(f.logFile, f.verbose, f.quiet)
	defer closeLog()
	slog.SetDefault(logger)

	ctx, stop := lifecycle.NotifyContext(context.Background())
	defer stop()

	collector := stats.NewCollector()
	events := make(chan event.Event, 256)
	presenterEvents := (<-chan event.Event)(events)
	if f.logFile != "" {
		presenterEvents = teeEvents(events)
	}

	presenter := ui.NewPresenter(ui.Config{
		Writer:    os.Stdout,
		ErrWriter: os.Stderr,
		Stats:     collector,
		Quiet:     f.quiet,
		Verbose:   f.verbose,
		IsTTY:     ui.IsTTY(os.Stderr.Fd()),
	})

	var presenterErr error
	var presenterWg sync.WaitGroup
	presenterWg.Add(1)
	go func() {
		defer presenterWg.Done()
		presenterErr = presenter.Run(presenterEvents)
	}()

	mcfg := mapper.Config{
		Files:          f.files,
		Device:         f.device,
		ExportName:     f.exportName,
		ListenAddress:  f.listen,
		Port:           f.port,
		Threads:        f.threads,
		BlockSize:      int(f.blockSize),
		ReadOnly:       f.readOnly,
		AllowRegular:   f.allowRegular,
		Verbose:        f.verbose,
		AttachAttempts: f.attachAttempts,
		AttachBackoff:  f.attachBackoff,
		BWLimit:        f.bwLimit,
		JournalPath:    f.journal,
		Logger:         logger,
		Events:         events,
		Stats:          collector,
		Ready: func(s mapper.Serving) {
			if f.quiet {
				return
			}
			fmt.Fprintf(os.Stdout, "serving %s on %s (%d entries, %d files)\n",
				s.Session.URI, s.Session.Device, s.Entries, len(s.Session.Files))
		},
	}
	applyHelpers(&mcfg, cfg.Helpers)

	slog.Debug("starting map",
		"files", f.files,
		"device", f.device,
		"export", f.exportName,
		"readonly", f.readOnly,
	)

	runErr := mapper.Run(ctx, mcfg)
	stop()
	close(events)
	presenterWg.Wait()
	if presenterErr != nil {
		fmt.Fprintf(os.Stderr, "presenter: %v\n", presenterErr)
	}
	if summary := presenter.Summary(); summary != "" && !f.quiet {
		fmt.Fprintln(os.Stderr, summary)
	}

	return exitFor(runErr)
}

// exitFor logs a pipeline failure once and maps it to an exit code.
func exitFor(err error) error {
	if err == nil {
		return nil
	}
	stage := ""
	var se *mapper.StageError
	if errors.As(err, &se) {
		stage = string(se.Stage)
	}
	if errors.Is(err, mapper.ErrInterrupted) {
		slog.Info("interrupted", "stage", stage)
		return &exitError{code: exitInterrupted}
	}
	slog.Error("map failed", "stage", stage, "error", err)
	return &exitError{code: exitFatal}
}

// newLogger builds the stderr text logger, fanned out to a rotating JSON
// log file when path is set.
func newLogger(path string, verbose, quiet bool) (*slog.Logger, func()) {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	} else if !quiet {
		level = slog.LevelInfo
	}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	if path == "" {
		return slog.New(h), func() {}
	}
	lf := ui.OpenLogFile(path)
	jsonHandler := slog.NewJSONHandler(lf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(ui.NewMultiHandler(h, jsonHandler)), func() { _ = lf.Close() }
}

// teeEvents logs every event as a structured record before forwarding it.
func teeEvents(events <-chan event.Event) <-chan event.Event {
	teed := make(chan event.Event, 256)
	go func() {
		for ev := range events {
			attrs := []slog.Attr{
				slog.String("type", ev.Type.String()),
				slog.String("stage", ev.Stage),
				slog.String("path", ev.Path),
				slog.Uint64("offset", ev.Offset),
				slog.Int64("size", ev.Size),
			}
			if ev.Method != "" {
				attrs = append(attrs, slog.String("method", ev.Method))
			}
			if ev.Error != nil {
				attrs = append(attrs, slog.String("error", ev.Error.Error()))
			}
			slog.LogAttrs(context.Background(), slog.LevelDebug, "chainmap.event", attrs...)
			teed <- ev
		}
		close(teed)
	}()
	return teed
}

// applyConfigDefaults applies config file defaults for flags not explicitly
// set on the command line.
func applyConfigDefaults(fs *pflag.FlagSet, d config.DefaultsConfig, f *mapFlags) error {
	if !fs.Changed("device") && d.Device != nil {
		f.device = *d.Device
	}
	if !fs.Changed("export-name") && d.ExportName != nil {
		f.exportName = *d.ExportName
	}
	if !fs.Changed("listen-address") && d.Listen != nil {
		f.listen = *d.Listen
	}
	if !fs.Changed("listen-port") && d.Port != nil {
		f.port = *d.Port
	}
	if !fs.Changed("threads") && d.Threads != nil {
		f.threads = *d.Threads
	}
	if !fs.Changed("attach-attempts") && d.AttachAttempts != nil {
		f.attachAttempts = *d.AttachAttempts
	}
	if !fs.Changed("blocksize") && d.BlockSize != nil {
		if err := fs.Set("blocksize", *d.BlockSize); err != nil {
			return fmt.Errorf("block_size: %w", err)
		}
	}
	if !fs.Changed("bwlimit") && d.BWLimit != nil {
		if err := fs.Set("bwlimit", *d.BWLimit); err != nil {
			return fmt.Errorf("bwlimit: %w", err)
		}
	}
	if !fs.Changed("attach-backoff") && d.AttachBackoff != nil {
		dur, err := time.ParseDuration(*d.AttachBackoff)
		if err != nil {
			return fmt.Errorf("attach_backoff: %w", err)
		}
		f.attachBackoff = dur
	}
	return nil
}

func applyHelpers(mcfg *mapper.Config, h config.HelpersConfig) {
	if h.ExportServer != nil {
		mcfg.ExportBinary = *h.ExportServer
	}
	if h.ExportPlugin != nil {
		mcfg.ExportPlugin = *h.ExportPlugin
	}
	if h.AttachHelper != nil {
		mcfg.AttachBinary = *h.AttachHelper
	}
}

type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}
