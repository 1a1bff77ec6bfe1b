package export

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ProcInfo describes a process found by pid.
type ProcInfo struct {
	Pid     int
	Alive   bool
	Name    string
	Started time.Time
}

// Inspect looks up pid. A missing process is reported as not alive rather
// than as an error.
func Inspect(ctx context.Context, pid int) (ProcInfo, error) {
	info := ProcInfo{Pid: pid}
	if pid <= 0 {
		return info, nil
	}

	exists, err := process.PidExistsWithContext(ctx, int32(pid)) //nolint:gosec // G115: pids fit in int32
	if err != nil || !exists {
		return info, err
	}

	p, err := process.NewProcessWithContext(ctx, int32(pid)) //nolint:gosec // G115: pids fit in int32
	if err != nil {
		return info, nil
	}
	running, err := p.IsRunningWithContext(ctx)
	if err != nil {
		return info, err
	}
	info.Alive = running

	if name, err := p.NameWithContext(ctx); err == nil {
		info.Name = name
	}
	if ms, err := p.CreateTimeWithContext(ctx); err == nil {
		info.Started = time.UnixMilli(ms)
	}
	return info, nil
}

// Alive reports whether pid is a running process whose name matches want.
// An empty want matches any name.
func Alive(ctx context.Context, pid int, want string) bool {
	info, err := Inspect(ctx, pid)
	if err != nil || !info.Alive {
		return false
	}
	return want == "" || info.Name == want
}
