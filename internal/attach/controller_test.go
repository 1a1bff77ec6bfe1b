package attach_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/bamsammich/chainmap/internal/attach"
	"github.com/bamsammich/chainmap/internal/export"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHelper returns the scripted results in order, repeating the last one.
type fakeHelper struct {
	results     []error
	connects    []string
	disconnects []string
	readOnly    []bool
}

func (f *fakeHelper) Connect(_ context.Context, device, uri string, readOnly bool) error {
	f.connects = append(f.connects, device+" "+uri)
	f.readOnly = append(f.readOnly, readOnly)
	i := min(len(f.connects)-1, len(f.results)-1)
	if i < 0 {
		return nil
	}
	return f.results[i]
}

func (f *fakeHelper) Disconnect(_ context.Context, device string) error {
	f.disconnects = append(f.disconnects, device)
	return nil
}

type fakeTerminator struct{ stops int }

func (f *fakeTerminator) Stop(context.Context) error {
	f.stops++
	return nil
}

// fakeTimer fires immediately and records every requested wait.
type fakeTimer struct {
	waits   []time.Duration
	c       chan time.Time
	onStart func()
}

func newFakeTimer() *fakeTimer { return &fakeTimer{c: make(chan time.Time, 1)} }

func (f *fakeTimer) Start(d time.Duration) {
	f.waits = append(f.waits, d)
	if f.onStart != nil {
		f.onStart()
		return
	}
	f.c <- time.Now()
}

func (f *fakeTimer) Stop()               {}
func (f *fakeTimer) C() <-chan time.Time { return f.c }

func refused() error {
	return &export.ProcessError{
		Op:       "connect",
		Command:  "qemu-nbd -c /dev/nbd0 nbd://127.0.0.1:10809/sda",
		ExitCode: 1,
		Stderr:   "qemu-nbd: Failed to connect to '127.0.0.1:10809': Connection refused\n",
	}
}

func baseOptions() attach.Options {
	return attach.Options{
		Device:     "/dev/nbd0",
		Endpoint:   "127.0.0.1:10809",
		ExportName: "sda",
		Files:      1,
	}
}

func newController(h attach.Helper, timer *fakeTimer) *attach.Controller {
	return attach.NewController(h, slog.New(slog.DiscardHandler)).WithTimer(timer)
}

func TestAttachAlwaysRefusedExhaustsAttempts(t *testing.T) {
	t.Parallel()

	helper := &fakeHelper{results: []error{refused()}}
	timer := newFakeTimer()
	term := &fakeTerminator{}

	s, err := newController(helper, timer).Attach(context.Background(), baseOptions(), term)
	require.ErrorIs(t, err, attach.ErrRetriesExhausted)

	assert.Len(t, helper.connects, attach.DefaultMaxAttempts)
	assert.Equal(t, uint(attach.DefaultMaxAttempts), s.Attempts)
	assert.Equal(t, uint(attach.DefaultMaxAttempts-1), s.RetriesUsed)
	assert.Equal(t, attach.StatusFailed, s.Status)

	require.Len(t, timer.waits, attach.DefaultMaxAttempts-1)
	for _, d := range timer.waits {
		assert.Equal(t, time.Second, d)
	}
	assert.Equal(t, 1, term.stops)
}

func TestAttachCustomBound(t *testing.T) {
	t.Parallel()

	helper := &fakeHelper{results: []error{refused()}}
	timer := newFakeTimer()
	opts := baseOptions()
	opts.MaxAttempts = 3
	opts.Backoff = 250 * time.Millisecond

	s, err := newController(helper, timer).Attach(context.Background(), opts, nil)
	require.ErrorIs(t, err, attach.ErrRetriesExhausted)
	assert.Equal(t, uint(3), s.Attempts)
	assert.Equal(t, []time.Duration{250 * time.Millisecond, 250 * time.Millisecond}, timer.waits)
}

func TestAttachSingleAttempt(t *testing.T) {
	t.Parallel()

	helper := &fakeHelper{results: []error{refused()}}
	timer := newFakeTimer()
	opts := baseOptions()
	opts.MaxAttempts = 1

	s, err := newController(helper, timer).Attach(context.Background(), opts, nil)
	require.ErrorIs(t, err, attach.ErrRetriesExhausted)
	assert.Equal(t, uint(1), s.Attempts)
	assert.Empty(t, timer.waits)
}

func TestAttachSucceedsAfterRefusals(t *testing.T) {
	t.Parallel()

	helper := &fakeHelper{results: []error{refused(), refused(), nil}}
	timer := newFakeTimer()
	term := &fakeTerminator{}

	s, err := newController(helper, timer).Attach(context.Background(), baseOptions(), term)
	require.NoError(t, err)
	assert.Equal(t, attach.StatusConnected, s.Status)
	assert.Equal(t, uint(3), s.Attempts)
	assert.Equal(t, uint(2), s.RetriesUsed)
	assert.Equal(t, "nbd://127.0.0.1:10809/sda", s.URI)
	assert.Equal(t, []string{
		"/dev/nbd0 nbd://127.0.0.1:10809/sda",
		"/dev/nbd0 nbd://127.0.0.1:10809/sda",
		"/dev/nbd0 nbd://127.0.0.1:10809/sda",
	}, helper.connects)
	assert.Zero(t, term.stops)
}

func TestAttachFatalStopsImmediately(t *testing.T) {
	t.Parallel()

	fatal := &export.ProcessError{
		Op:       "connect",
		Command:  "qemu-nbd",
		ExitCode: 1,
		Stderr:   "qemu-nbd: Failed to open /dev/nbd0: Device or resource busy",
	}
	helper := &fakeHelper{results: []error{fatal}}
	timer := newFakeTimer()
	term := &fakeTerminator{}

	s, err := newController(helper, timer).Attach(context.Background(), baseOptions(), term)
	require.Error(t, err)
	require.NotErrorIs(t, err, attach.ErrRetriesExhausted)

	var pe *export.ProcessError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, uint(1), s.Attempts)
	assert.Zero(t, s.RetriesUsed)
	assert.Empty(t, timer.waits)
	assert.Equal(t, attach.StatusFailed, s.Status)
	assert.Equal(t, 1, term.stops)
}

func TestAttachReadOnlyMultiFileRejected(t *testing.T) {
	t.Parallel()

	helper := &fakeHelper{}
	term := &fakeTerminator{}
	opts := baseOptions()
	opts.ReadOnly = true
	opts.Files = 3

	s, err := newController(helper, newFakeTimer()).Attach(context.Background(), opts, term)
	var pre *attach.PreconditionError
	require.ErrorAs(t, err, &pre)
	assert.Empty(t, helper.connects)
	assert.Equal(t, attach.StatusFailed, s.Status)
}

func TestAttachReadOnlySingleFile(t *testing.T) {
	t.Parallel()

	helper := &fakeHelper{}
	opts := baseOptions()
	opts.ReadOnly = true

	_, err := newController(helper, newFakeTimer()).Attach(context.Background(), opts, nil)
	require.NoError(t, err)
	assert.Equal(t, []bool{true}, helper.readOnly)
}

func TestAttachObservesCancelDuringBackoff(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	helper := &fakeHelper{results: []error{refused()}}
	timer := newFakeTimer()
	timer.onStart = cancel
	term := &fakeTerminator{}

	s, err := newController(helper, timer).Attach(ctx, baseOptions(), term)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, uint(1), s.Attempts)
	assert.Equal(t, attach.StatusFailed, s.Status)
	assert.Equal(t, 1, term.stops)
}

func TestDetachOnlyConnected(t *testing.T) {
	t.Parallel()

	helper := &fakeHelper{}
	c := newController(helper, newFakeTimer())

	require.NoError(t, c.Detach(context.Background(), nil))
	require.NoError(t, c.Detach(context.Background(), &attach.Session{Device: "/dev/nbd1", Status: attach.StatusFailed}))
	assert.Empty(t, helper.disconnects)

	s, err := c.Attach(context.Background(), baseOptions(), nil)
	require.NoError(t, err)
	require.NoError(t, c.Detach(context.Background(), s))
	assert.Equal(t, []string{"/dev/nbd0"}, helper.disconnects)
}

func TestClassifyAttachError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want attach.Class
	}{
		{name: "success", err: nil, want: attach.AttemptOK},
		{name: "helper refused text", err: refused(), want: attach.AttemptNotReady},
		{name: "structured refusal", err: fmt.Errorf("dial: %w", syscall.ECONNREFUSED), want: attach.AttemptNotReady},
		{name: "not ready sentinel", err: fmt.Errorf("nbd-client check: %w", attach.ErrNotReady), want: attach.AttemptNotReady},
		{name: "permission", err: errors.New("qemu-nbd: Failed to open /dev/nbd0: Permission denied"), want: attach.AttemptFatal},
		{name: "bad export", err: errors.New("server reported: export 'sdb' not present"), want: attach.AttemptFatal},
		{name: "lowercase refusal is not matched", err: errors.New("connection refused"), want: attach.AttemptFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, attach.ClassifyAttachError(tt.err))
		})
	}
}

func fakeQemuNBD(t *testing.T, body string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	log := filepath.Join(dir, "args.log")
	path := filepath.Join(dir, "qemu-nbd")
	script := fmt.Sprintf("#!/bin/sh\necho \"$@\" >> %s\n%s\n", log, body)
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path, log
}

func TestQemuNBDArgs(t *testing.T) {
	t.Parallel()

	bin, log := fakeQemuNBD(t, "exit 0")
	q := &attach.QemuNBD{Binary: bin, Log: slog.New(slog.DiscardHandler)}

	require.NoError(t, q.Connect(context.Background(), "/dev/nbd0", "nbd://127.0.0.1:10809/sda", false))
	require.NoError(t, q.Connect(context.Background(), "/dev/nbd1", "nbd://127.0.0.1:10810/sda", true))
	require.NoError(t, q.Disconnect(context.Background(), "/dev/nbd0"))

	raw, err := os.ReadFile(log)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"-c /dev/nbd0 nbd://127.0.0.1:10809/sda",
		"-c /dev/nbd1 nbd://127.0.0.1:10810/sda --read-only",
		"-d /dev/nbd0",
	}, strings.Split(strings.TrimSpace(string(raw)), "\n"))
}

func TestQemuNBDRefusalIsRetryable(t *testing.T) {
	t.Parallel()

	bin, _ := fakeQemuNBD(t, "echo \"qemu-nbd: Failed to connect to '127.0.0.1:10809': Connection refused\" >&2\nexit 1")
	q := &attach.QemuNBD{Binary: bin}

	err := q.Connect(context.Background(), "/dev/nbd0", "nbd://127.0.0.1:10809/sda", false)
	var pe *export.ProcessError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 1, pe.ExitCode)
	assert.Equal(t, attach.AttemptNotReady, attach.ClassifyAttachError(err))
}
