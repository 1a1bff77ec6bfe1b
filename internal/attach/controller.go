// Package attach connects a local block device to a running network block
// export, retrying while the export is not yet listening.
package attach

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultMaxAttempts = 10
	DefaultBackoff     = time.Second
)

var (
	// ErrNotReady marks an attempt that failed because the export is not
	// listening yet.
	ErrNotReady = errors.New("export not ready")
	// ErrRetriesExhausted is returned when every attempt was refused.
	ErrRetriesExhausted = errors.New("attach retries exhausted")
)

// PreconditionError reports an option combination rejected before any
// connection is attempted.
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string { return "precondition failed: " + e.Reason }

// Status is the attach state machine state.
type Status int

const (
	StatusPending Status = iota
	StatusConnected
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConnected:
		return "connected"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Session is the state of one attach run. Only the controller's retry loop
// mutates it.
type Session struct {
	Device      string
	Endpoint    string
	URI         string
	ReadOnly    bool
	RetriesUsed uint
	Attempts    uint
	Status      Status
}

// Helper is the device attach port.
type Helper interface {
	Connect(ctx context.Context, device, uri string, readOnly bool) error
	Disconnect(ctx context.Context, device string) error
}

// Terminator stops the export server when attaching fails.
type Terminator interface {
	Stop(ctx context.Context) error
}

// Options describes one attach request.
type Options struct {
	Device     string
	Endpoint   string
	ExportName string
	ReadOnly   bool
	// Files is the length of the backup chain being served.
	Files       int
	MaxAttempts int
	Backoff     time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.Backoff <= 0 {
		o.Backoff = DefaultBackoff
	}
	return o
}

// URI is the NBD URI of the requested export.
func (o Options) URI() string {
	return "nbd://" + o.Endpoint + "/" + o.ExportName
}

// CheckPreconditions rejects read-only attaches of multi-file chains, which
// need write access for replay.
func CheckPreconditions(readOnly bool, files int) error {
	if readOnly && files > 1 {
		return &PreconditionError{Reason: fmt.Sprintf(
			"read-only mode cannot be used with %d backup files: replaying incrementals needs write access", files)}
	}
	return nil
}

// Controller drives the Pending -> Connected | Failed state machine.
type Controller struct {
	helper Helper
	log    *slog.Logger
	timer  backoff.Timer
}

// NewController returns a controller attaching through h.
func NewController(h Helper, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{helper: h, log: log}
}

// WithTimer replaces the retry timer; tests use it to avoid sleeping.
func (c *Controller) WithTimer(t backoff.Timer) *Controller {
	c.timer = t
	return c
}

// Attach connects opts.Device to the export. Refused connections are
// retried every opts.Backoff up to opts.MaxAttempts attempts; any other
// failure ends the loop at once. On failure term is stopped. The returned
// session is never nil.
func (c *Controller) Attach(ctx context.Context, opts Options, term Terminator) (*Session, error) {
	opts = opts.withDefaults()
	s := &Session{
		Device:   opts.Device,
		Endpoint: opts.Endpoint,
		URI:      opts.URI(),
		ReadOnly: opts.ReadOnly,
		Status:   StatusPending,
	}

	if err := CheckPreconditions(opts.ReadOnly, opts.Files); err != nil {
		s.Status = StatusFailed
		return s, err
	}

	err := backoff.RetryNotifyWithTimer(
		func() error { return c.attempt(ctx, s) },
		c.policy(ctx, opts),
		func(err error, next time.Duration) {
			s.RetriesUsed++
			c.log.Info("export not ready, retrying",
				"device", s.Device,
				"endpoint", s.Endpoint,
				"attempt", s.Attempts,
				"max_attempts", opts.MaxAttempts,
				"retry_in", next)
		},
		c.timer,
	)
	if err == nil {
		s.Status = StatusConnected
		c.log.Info("device attached", "device", s.Device, "uri", s.URI, "attempts", s.Attempts)
		return s, nil
	}

	s.Status = StatusFailed
	switch {
	case ctx.Err() != nil:
		err = ctx.Err()
	case ClassifyAttachError(err) == AttemptNotReady:
		err = fmt.Errorf("%w: %d attempts to %s: %w", ErrRetriesExhausted, s.Attempts, s.Endpoint, err)
	default:
		err = fmt.Errorf("attach %s to %s: %w", s.Device, s.URI, err)
	}

	if term != nil {
		if stopErr := term.Stop(context.WithoutCancel(ctx)); stopErr != nil {
			c.log.Warn("stop export server after attach failure", "error", stopErr)
		}
	}
	return s, err
}

func (c *Controller) attempt(ctx context.Context, s *Session) error {
	s.Attempts++
	err := c.helper.Connect(ctx, s.Device, s.URI, s.ReadOnly)
	switch ClassifyAttachError(err) {
	case AttemptOK:
		return nil
	case AttemptNotReady:
		return err
	default:
		c.log.Debug("attach failed permanently", "device", s.Device, "attempt", s.Attempts, "error", err)
		return backoff.Permanent(err)
	}
}

func (c *Controller) policy(ctx context.Context, opts Options) backoff.BackOff {
	var b backoff.BackOff = &backoff.StopBackOff{}
	if opts.MaxAttempts > 1 {
		b = backoff.WithMaxRetries(backoff.NewConstantBackOff(opts.Backoff), uint64(opts.MaxAttempts-1)) //nolint:gosec // G115: positive
	}
	return backoff.WithContext(b, ctx)
}

// Detach disconnects a connected session's device. Sessions that never
// connected are left alone.
func (c *Controller) Detach(ctx context.Context, s *Session) error {
	if s == nil || s.Status != StatusConnected {
		return nil
	}
	if err := c.helper.Disconnect(ctx, s.Device); err != nil {
		return fmt.Errorf("detach %s: %w", s.Device, err)
	}
	c.log.Info("device detached", "device", s.Device)
	return nil
}
