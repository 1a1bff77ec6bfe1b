package attach

import (
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/bamsammich/chainmap/internal/export"
)

// DefaultHelper is the attach helper binary.
const DefaultHelper = "qemu-nbd"

// QemuNBD attaches NBD devices by running qemu-nbd.
type QemuNBD struct {
	Binary string
	Log    *slog.Logger
}

// Connect runs `qemu-nbd -c device uri`. Failures carry the helper's
// stderr so ClassifyAttachError can inspect it.
func (q *QemuNBD) Connect(ctx context.Context, device, uri string, readOnly bool) error {
	args := []string{"-c", device, uri}
	if readOnly {
		args = append(args, "--read-only")
	}
	return q.run(ctx, "connect", args)
}

// Disconnect runs `qemu-nbd -d device`.
func (q *QemuNBD) Disconnect(ctx context.Context, device string) error {
	return q.run(ctx, "disconnect", []string{"-d", device})
}

func (q *QemuNBD) run(ctx context.Context, op string, args []string) error {
	bin := q.Binary
	if bin == "" {
		bin = DefaultHelper
	}
	log := q.Log
	if log == nil {
		log = slog.Default()
	}

	var stderr export.TailBuffer
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stderr = &stderr

	log.Debug("running attach helper", "command", bin, "args", args)
	err := cmd.Run()
	if err == nil {
		return nil
	}

	pe := &export.ProcessError{
		Op:      op,
		Command: bin + " " + strings.Join(args, " "),
		Stderr:  stderr.String(),
		Err:     err,
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		pe.ExitCode = exitErr.ExitCode()
	}
	return pe
}
