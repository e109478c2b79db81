package handoff

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"
)

// notifyClock closes called the first time the time is read, which the
// channel does on entering a wait.
type notifyClock struct {
	clock.Clock
	once   sync.Once
	called chan struct{}
}

func (c *notifyClock) Now() time.Time {
	c.once.Do(func() { close(c.called) })
	return c.Clock.Now()
}

type leaderResult struct {
	outcome Outcome
	err     error
}

// runLeaderAsync runs a single leader handshake in the background.
func runLeaderAsync(ctx context.Context, leader *Instance, decide func(Request) bool, onAccepted func()) <-chan leaderResult {
	done := make(chan leaderResult, 1)
	go func() {
		outcome, err := leader.RunAsLeader(ctx, decide, onAccepted)
		done <- leaderResult{outcome, err}
	}()
	return done
}

func awaitLeader(t *testing.T, done <-chan leaderResult) leaderResult {
	select {
	case res := <-done:
		return res
	case <-time.After(10 * time.Second):
		t.Fatal("leader did not finish its handshake")
		return leaderResult{}
	}
}

func TestHandshakeAccepted(t *testing.T) {
	dir := tmpDir(t)
	ctx := testCtx(t)
	leader := testLeader(t, dir)
	follower := testInstance(t, dir, 2)

	var decided Request
	var accepted int32
	done := runLeaderAsync(ctx, leader, func(req Request) bool {
		decided = req
		return true
	}, func() {
		atomic.AddInt32(&accepted, 1)
	})

	var denied int32
	req := mustReadFile(t, "a.txt")
	outcome, err := follower.RunAsFollower(ctx, req, func() { atomic.AddInt32(&denied, 1) })
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, outcome)

	res := awaitLeader(t, done)
	require.NoError(t, res.err)
	require.Equal(t, OutcomeAccepted, res.outcome)
	require.True(t, req.Equal(decided), "%v != %v", req, decided)
	require.EqualValues(t, 1, atomic.LoadInt32(&accepted))
	require.EqualValues(t, 0, atomic.LoadInt32(&denied))
}

func TestHandshakeDenied(t *testing.T) {
	dir := tmpDir(t)
	ctx := testCtx(t)
	leader := testLeader(t, dir)
	follower := testInstance(t, dir, 2)

	var accepted int32
	done := runLeaderAsync(ctx, leader, func(Request) bool { return false }, func() {
		atomic.AddInt32(&accepted, 1)
	})

	var denied int32
	outcome, err := follower.RunAsFollower(ctx, mustReadFile(t, "b.txt"), func() { atomic.AddInt32(&denied, 1) })
	require.NoError(t, err)
	require.Equal(t, OutcomeDenied, outcome)

	res := awaitLeader(t, done)
	require.NoError(t, res.err)
	require.Equal(t, OutcomeDenied, res.outcome)
	require.EqualValues(t, 0, atomic.LoadInt32(&accepted))
	require.EqualValues(t, 1, atomic.LoadInt32(&denied))
}

func TestHandshakeServerUnavailable(t *testing.T) {
	dir := tmpDir(t)
	ctx := testCtx(t)
	leader := testLeader(t, dir)
	follower := testInstance(t, dir, 2)
	leader.SetServerAvailable(false)
	require.False(t, leader.ServerAvailable())

	var decided int32
	done := runLeaderAsync(ctx, leader, func(Request) bool {
		atomic.AddInt32(&decided, 1)
		return true
	}, nil)

	outcome, err := follower.RunAsFollower(ctx, mustReadFile(t, "c.txt"), nil)
	require.NoError(t, err)
	require.Equal(t, OutcomeDenied, outcome)
	require.Equal(t, OutcomeDenied, awaitLeader(t, done).outcome)
	require.EqualValues(t, 0, atomic.LoadInt32(&decided), "an unavailable leader does not consult decide")
}

func TestFollowerWithoutLeader(t *testing.T) {
	follower := testInstance(t, tmpDir(t), 2)

	var denied int32
	outcome, err := follower.RunAsFollower(testCtx(t), mustReadFile(t, "a.txt"), func() { atomic.AddInt32(&denied, 1) })
	require.Equal(t, ErrSegmentNotFound, errors.Cause(err))
	require.Equal(t, OutcomeAborted, outcome)
	require.EqualValues(t, 1, atomic.LoadInt32(&denied), "the fallback runs when nobody could be asked")
}

func TestFollowerPayloadTooLargeForChannel(t *testing.T) {
	dir := tmpDir(t)
	testLeader(t, dir, WithMaxPayload(8))
	follower := testInstance(t, dir, 2)

	var denied int32
	outcome, err := follower.RunAsFollower(testCtx(t), mustReadFile(t, "much-longer-than-eight.txt"), func() { atomic.AddInt32(&denied, 1) })
	require.Equal(t, ErrPayloadTooLarge, errors.Cause(err))
	require.Equal(t, OutcomeAborted, outcome)
	require.EqualValues(t, 1, atomic.LoadInt32(&denied))
}

// TestForceTeardownWakesFollower has a leader that never answers; tearing the
// channel down must release the follower waiting for the reply.
func TestForceTeardownWakesFollower(t *testing.T) {
	dir := tmpDir(t)
	ctx := testCtx(t)
	leader := testLeader(t, dir)
	follower := testInstance(t, dir, 2)

	var denied int32
	done := make(chan leaderResult, 1)
	go func() {
		outcome, err := follower.RunAsFollower(ctx, mustReadFile(t, "a.txt"), func() { atomic.AddInt32(&denied, 1) })
		done <- leaderResult{outcome, err}
	}()

	awaitPending(t, leader)
	require.NoError(t, leader.ForceTeardown())

	res := awaitLeader(t, done)
	require.NoError(t, res.err)
	require.Equal(t, OutcomeAborted, res.outcome)
	require.EqualValues(t, 1, atomic.LoadInt32(&denied))
}

func TestLeaderCloseWakesFollower(t *testing.T) {
	dir := tmpDir(t)
	ctx := testCtx(t)
	leader := testLeader(t, dir)
	follower := testInstance(t, dir, 2)

	done := make(chan leaderResult, 1)
	go func() {
		outcome, err := follower.RunAsFollower(ctx, mustReadFile(t, "a.txt"), nil)
		done <- leaderResult{outcome, err}
	}()

	awaitPending(t, leader)
	require.NoError(t, leader.Close())

	res := awaitLeader(t, done)
	require.NoError(t, res.err)
	require.Equal(t, OutcomeAborted, res.outcome)
}

func TestFollowerReplyTimeout(t *testing.T) {
	dir := tmpDir(t)
	leader := testLeader(t, dir)
	follower := testInstance(t, dir, 2, WithReplyTimeout(100*time.Millisecond))

	var denied int32
	outcome, err := follower.RunAsFollower(testCtx(t), mustReadFile(t, "a.txt"), func() { atomic.AddInt32(&denied, 1) })
	require.Equal(t, ErrReplyTimeout, errors.Cause(err))
	require.Equal(t, OutcomeAborted, outcome)
	require.EqualValues(t, 1, atomic.LoadInt32(&denied))

	// the follower withdrew, so the channel is free for the next one
	hdr := leader.conn.ch.hdr
	require.False(t, loadFlag(&hdr.present))
	require.False(t, loadFlag(&hdr.pending))
	require.EqualValues(t, 0, load(&hdr.followerPID))
	require.False(t, leader.conn.ch.aborted())
}

func TestFollowerContextCanceled(t *testing.T) {
	dir := tmpDir(t)
	leader := testLeader(t, dir)
	follower := testInstance(t, dir, 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan leaderResult, 1)
	go func() {
		outcome, err := follower.RunAsFollower(ctx, mustReadFile(t, "a.txt"), nil)
		done <- leaderResult{outcome, err}
	}()
	awaitPending(t, leader)
	cancel()

	res := awaitLeader(t, done)
	require.Equal(t, context.Canceled, errors.Cause(res.err))
	require.Equal(t, OutcomeAborted, res.outcome)
	require.False(t, loadFlag(&leader.conn.ch.hdr.present))
}

// TestLeaderCanceledAbortsChannel checks that a leader giving up tells
// followers so, instead of leaving them waiting.
func TestLeaderCanceledAbortsChannel(t *testing.T) {
	dir := tmpDir(t)
	leader := testLeader(t, dir)
	follower := testInstance(t, dir, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	outcome, err := leader.RunAsLeader(ctx, func(Request) bool { return true }, nil)
	require.Equal(t, context.DeadlineExceeded, errors.Cause(err))
	require.Equal(t, OutcomeAborted, outcome)

	outcome, err = follower.RunAsFollower(testCtx(t), mustReadFile(t, "a.txt"), nil)
	require.NoError(t, err)
	require.Equal(t, OutcomeAborted, outcome)
}

func TestLeaderDetectsDeadFollower(t *testing.T) {
	dir := tmpDir(t)
	inst, err := newInstance(mockOS{pid: 1, dead: []int{2}}, testOptions(dir, WithLivenessInterval(10*time.Millisecond))...)
	require.NoError(t, err)
	defer inst.Close()
	require.NoError(t, inst.Open(testCtx(t)))

	// a follower announces itself and dies before sending its request
	ch := inst.conn.ch
	ch.mu.lock()
	storeFlag(&ch.hdr.present, true)
	store(&ch.hdr.followerPID, 2)
	ch.notify()
	ch.unlock()

	res := awaitLeader(t, runLeaderAsync(testCtx(t), inst, func(Request) bool { return true }, nil))
	require.NoError(t, res.err)
	require.Equal(t, OutcomeAborted, res.outcome)
	require.False(t, ch.aborted(), "a dead follower does not abort the channel")
}

func TestFollowerDetectsDeadLeader(t *testing.T) {
	dir := tmpDir(t)
	testLeader(t, dir)
	follower, err := newInstance(mockOS{pid: 2, dead: []int{1}}, testOptions(dir, WithLivenessInterval(10*time.Millisecond))...)
	require.NoError(t, err)
	defer follower.Close()

	var denied int32
	outcome, err := follower.RunAsFollower(testCtx(t), mustReadFile(t, "a.txt"), func() { atomic.AddInt32(&denied, 1) })
	require.NoError(t, err)
	require.Equal(t, OutcomeAborted, outcome)
	require.EqualValues(t, 1, atomic.LoadInt32(&denied))
}

func TestLeaderRejectsMalformedRequest(t *testing.T) {
	dir := tmpDir(t)
	leader := testLeader(t, dir)
	ch := leader.conn.ch

	ch.mu.lock()
	storeFlag(&ch.hdr.present, true)
	store(&ch.hdr.followerPID, 2)
	copy(ch.buffer, []byte{0xee, 0, 1, 'x'})
	store(&ch.hdr.length, 4)
	storeFlag(&ch.hdr.pending, true)
	ch.notify()
	ch.unlock()

	res := awaitLeader(t, runLeaderAsync(testCtx(t), leader, func(Request) bool { return true }, nil))
	require.Equal(t, ErrProtocolDesync, errors.Cause(res.err))
	require.Equal(t, OutcomeAborted, res.outcome)
	require.True(t, ch.aborted())
}

func TestServeSequentialFollowers(t *testing.T) {
	dir := tmpDir(t)
	leader := testLeader(t, dir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var mu sync.Mutex
	var served []string
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- leader.Serve(ctx, func(req Request) bool {
			name, err := req.Filename()
			if err != nil {
				return false
			}
			mu.Lock()
			served = append(served, name)
			mu.Unlock()
			return name != "deny.txt"
		}, nil)
	}()

	expected := map[string]Outcome{
		"one.txt":   OutcomeAccepted,
		"deny.txt":  OutcomeDenied,
		"three.txt": OutcomeAccepted,
	}
	for i, name := range []string{"one.txt", "deny.txt", "three.txt"} {
		follower := testInstance(t, dir, 10+i)
		outcome, err := follower.RunAsFollower(ctx, mustReadFile(t, name), nil)
		require.NoError(t, err)
		require.Equal(t, expected[name], outcome, name)
	}

	cancel()
	select {
	case err := <-serveErr:
		require.Equal(t, context.Canceled, errors.Cause(err))
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
	require.Equal(t, []string{"one.txt", "deny.txt", "three.txt"}, served)
}

// TestServeConcurrentFollowers starts followers at once; they must queue and
// each get exactly one answer.
func TestServeConcurrentFollowers(t *testing.T) {
	dir := tmpDir(t)
	leader := testLeader(t, dir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var accepted int32
	go leader.Serve(ctx, func(Request) bool { return true }, func() {
		atomic.AddInt32(&accepted, 1)
	})

	const followers = 5
	var g errgroup.Group
	for i := 0; i < followers; i++ {
		follower := testInstance(t, dir, 100+i)
		name := fmt.Sprintf("%d.txt", i)
		g.Go(func() error {
			outcome, err := follower.RunAsFollower(ctx, mustReadFile(t, name), nil)
			if err != nil {
				return err
			}
			if outcome != OutcomeAccepted {
				return errors.Errorf("%s: %v", name, outcome)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&accepted) == followers
	}, 5*time.Second, 5*time.Millisecond)
}

func TestServeStopsOnAbort(t *testing.T) {
	dir := tmpDir(t)
	leader := testLeader(t, dir)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- leader.Serve(testCtx(t), func(Request) bool { return true }, nil)
	}()

	require.NoError(t, ForceTeardown(testOptions(dir)...))
	select {
	case err := <-serveErr:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not stop after the channel was aborted")
	}
}

func TestCoordinate(t *testing.T) {
	dir := tmpDir(t)
	ctx := testCtx(t)
	first := testInstance(t, dir, 1)
	second := testInstance(t, dir, 2)

	role, outcome, err := first.Coordinate(ctx, mustReadFile(t, "first.txt"), func() {
		t.Error("the leader never runs the fallback")
	})
	require.NoError(t, err)
	require.Equal(t, RoleLeader, role)
	require.Equal(t, OutcomeAccepted, outcome)
	require.True(t, first.IsLeader())

	done := runLeaderAsync(ctx, first, func(Request) bool { return true }, nil)
	role, outcome, err = second.Coordinate(ctx, mustReadFile(t, "second.txt"), nil)
	require.NoError(t, err)
	require.Equal(t, RoleFollower, role)
	require.Equal(t, OutcomeAccepted, outcome)
	require.False(t, second.IsLeader())
	require.Equal(t, OutcomeAccepted, awaitLeader(t, done).outcome)
}

func TestRunAsLeaderRequiresLock(t *testing.T) {
	dir := tmpDir(t)
	testLeader(t, dir)
	other := testInstance(t, dir, 2)

	outcome, err := other.RunAsLeader(testCtx(t), func(Request) bool { return true }, nil)
	require.Equal(t, ErrNotLeader, errors.Cause(err))
	require.Equal(t, OutcomeAborted, outcome)
}

func TestClosedInstance(t *testing.T) {
	inst := testInstance(t, tmpDir(t), 1)
	require.NoError(t, inst.Close())
	require.NoError(t, inst.Close())

	_, err := inst.RunAsLeader(testCtx(t), nil, nil)
	require.Equal(t, ErrClosed, errors.Cause(err))
	_, err = inst.RunAsFollower(testCtx(t), mustReadFile(t, "a.txt"), nil)
	require.Equal(t, ErrClosed, errors.Cause(err))
}

func TestHandshakeInvalidTransitionPanics(t *testing.T) {
	h := &handshake{state: stateWaitingForSignal, l: l}
	require.Panics(t, func() {
		h.mustTransitionTo(stateDone)
	})
	h.mustTransitionTo(stateWaitingForRequest)
	require.Equal(t, stateWaitingForRequest, h.state)
}

// TestCancelledLeaderRejectsFollower cancels a leader that is already waiting:
// the wait goes on, but the next follower is turned away with an abort.
func TestCancelledLeaderRejectsFollower(t *testing.T) {
	dir := tmpDir(t)
	ctx := testCtx(t)
	leader := testLeader(t, dir)
	follower := testInstance(t, dir, 2)

	cfg := leader.cfg
	waiting := &notifyClock{Clock: cfg.clock, called: make(chan struct{})}
	leader.conn.ch.clock = waiting
	h := newHandshake(leader.conn.ch, RoleLeader, cfg.timeouts(), cfg.os, cfg.clock, l)
	done := make(chan leaderResult, 1)
	go func() {
		outcome, _, err := h.runLeader(ctx, func(Request) bool { return true }, nil)
		done <- leaderResult{outcome, err}
	}()
	<-waiting.called
	h.Cancel()

	var denied int32
	outcome, err := follower.RunAsFollower(ctx, mustReadFile(t, "a.txt"), func() { atomic.AddInt32(&denied, 1) })
	require.NoError(t, err)
	require.Equal(t, OutcomeAborted, outcome)
	require.EqualValues(t, 1, atomic.LoadInt32(&denied))

	res := awaitLeader(t, done)
	require.NoError(t, res.err)
	require.Equal(t, OutcomeAborted, res.outcome)
	require.Equal(t, stateAborted, h.state)

	// a cancelled handshake starts no new wait
	h2 := newHandshake(leader.conn.ch, RoleLeader, cfg.timeouts(), cfg.os, cfg.clock, l)
	h2.Cancel()
	outcome, _, err = h2.runLeader(ctx, nil, nil)
	require.NoError(t, err)
	require.Equal(t, OutcomeAborted, outcome)
}
