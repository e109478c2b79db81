package handoff

import (
	"context"
	"os"

	"github.com/shirou/gopsutil/v4/process"
)

type osIface interface {
	Getpid() int
	// PidAlive reports whether a process with the given pid exists. Errors
	// are treated as alive, so a failed check never aborts a handshake.
	PidAlive(ctx context.Context, pid int) bool
}

type realOS struct{}

func (realOS) Getpid() int {
	return os.Getpid()
}

func (realOS) PidAlive(ctx context.Context, pid int) bool {
	if pid <= 0 {
		return true
	}
	alive, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil {
		return true
	}
	return alive
}
