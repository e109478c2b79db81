package handoff

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/stretchr/testify/require"
)

var l = log15.New()

func tmpDir(t *testing.T) string {
	dir, err := os.MkdirTemp("", "handoff_test")
	if err != nil {
		panic(err)
	}
	t.Cleanup(func() {
		os.RemoveAll(dir)
	})
	return dir
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

// testOptions points the lock and the segment at dir, so that tests neither
// touch /dev/shm nor see each other.
func testOptions(dir string, opts ...Option) []Option {
	return append([]Option{
		WithShmDir(dir),
		WithLockDir(dir),
		WithLogger(l),
		WithPresenceTimeout(20 * time.Millisecond),
		WithOpenTimeout(0),
	}, opts...)
}

func testConfig(t *testing.T, dir string, pid int, opts ...Option) *config {
	cfg, err := newConfig(mockOS{pid: pid}, testOptions(dir, opts...)...)
	require.NoError(t, err)
	return cfg
}

// testInstance constructs an instance whose process id is pid.
func testInstance(t *testing.T, dir string, pid int, opts ...Option) *Instance {
	inst, err := newInstance(mockOS{pid: pid}, testOptions(dir, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		inst.Close()
	})
	return inst
}

// testLeader returns an instance that holds the leader lock and has created
// the channel.
func testLeader(t *testing.T, dir string, opts ...Option) *Instance {
	leader := testInstance(t, dir, 1, opts...)
	require.NoError(t, leader.Open(testCtx(t)))
	return leader
}

func mustReadFile(t *testing.T, path string) Request {
	req, err := ReadFileRequest(path)
	require.NoError(t, err)
	return req
}

// awaitPending blocks until a follower has placed a request in inst's channel.
func awaitPending(t *testing.T, inst *Instance) {
	ch := inst.conn.ch
	require.Eventually(t, func() bool {
		return loadFlag(&ch.hdr.pending)
	}, 5*time.Second, 5*time.Millisecond)
}
