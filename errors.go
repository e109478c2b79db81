package handoff

import "github.com/pkg/errors"

var (
	// ErrLockUnavailable indicates another process already holds the leader
	// lock. It is expected: the caller should act as a follower instead.
	ErrLockUnavailable = errors.New("leader lock is held by another process")
	// ErrSegmentAlreadyExists indicates a channel segment with the configured
	// name is already present. It may be stale; see Connection.Destroy.
	ErrSegmentAlreadyExists = errors.New("channel segment already exists")
	// ErrSegmentNotFound indicates no channel segment with the configured name
	// exists, usually because no leader has created one yet.
	ErrSegmentNotFound = errors.New("channel segment not found")
	// ErrProtocolDesync indicates the channel's contents could not be
	// understood. The two processes were built from different definitions of
	// the channel layout or request encoding. It is never recovered from.
	ErrProtocolDesync = errors.New("channel protocol desync")
	// ErrReplyTimeout indicates the follower gave up waiting for the leader's
	// reply. It does not mean the request was denied.
	ErrReplyTimeout = errors.New("timed out awaiting the leader's reply")
	// ErrNotLeader is returned when a leader-only operation is attempted by a
	// process that does not hold the leader lock.
	ErrNotLeader = errors.New("this process is not the leader")
	// ErrTearingDown is returned by leader operations started while the
	// instance is tearing down its channel.
	ErrTearingDown = errors.New("channel is being torn down")
	// ErrClosed is returned by operations on a closed Instance or Connection.
	ErrClosed = errors.New("closed")

	// errSegmentNotReady is a segment that exists but whose creator has not
	// finished initializing it.
	errSegmentNotReady = errors.Wrap(ErrSegmentNotFound, "segment is not initialized yet")
)
