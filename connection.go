package handoff

import (
	"context"
	"sync"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
)

// closeLockTimeout bounds how long a closing leader waits for the channel lock
// before assuming its holder died inside a critical section.
const closeLockTimeout = time.Second

// Connection is one process's attachment to the channel: the leader's created
// channel, or a follower's opened one.
type Connection struct {
	cfg  *config
	lock *LeaderLock
	ch   *Channel
	role Role

	closeOnce sync.Once
	l         log15.Logger
}

// openConnection creates the channel as the leader or opens it as a follower.
// A leader must hold the leader lock; if it does not, ErrLockUnavailable is
// returned. Acquisition is attempted once and never retried here.
func openConnection(ctx context.Context, cfg *config, lock *LeaderLock, asLeader bool) (*Connection, error) {
	conn := &Connection{cfg: cfg, lock: lock}
	if !asLeader {
		conn.role = RoleFollower
		conn.l = cfg.l.New("role", conn.role)
		ch, err := openChannelWait(ctx, cfg)
		if err != nil {
			return nil, err
		}
		conn.ch = ch
		return conn, nil
	}

	conn.role = RoleLeader
	conn.l = cfg.l.New("role", conn.role)
	leader, err := lock.TryAcquire()
	if err != nil {
		return nil, err
	}
	if !leader {
		return nil, ErrLockUnavailable
	}
	ch, err := createChannel(cfg)
	if errors.Cause(err) == ErrSegmentAlreadyExists && cfg.reclaimStale {
		// We hold the leader lock, so whoever created this segment is no
		// longer the leader: it is left over from a run that did not clean up.
		conn.l.Warn("reclaiming stale channel segment", "segment", cfg.segmentName)
		if err := forceTeardown(cfg); err != nil {
			return nil, errors.Wrap(err, "reclaiming stale segment")
		}
		cfg.metrics.observeForcedAbort()
		ch, err = createChannel(cfg)
	}
	if err != nil {
		return nil, err
	}
	conn.ch = ch
	return conn, nil
}

// Channel returns the connection's mapped channel.
func (c *Connection) Channel() *Channel {
	return c.ch
}

// Close tears down this side of the connection. The leader aborts the channel
// so that nobody is left waiting on it, removes the segment and then releases
// the leader lock; the segment is removed first so a new leader cannot have
// created its own in between. A follower only unmaps the channel.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.close()
	})
	return err
}

func (c *Connection) close() error {
	if c.role == RoleFollower {
		c.l.Debug("connection closed")
		return c.ch.Close()
	}

	c.abort()

	var firstErr error
	if err := removeSegment(c.cfg.shmDir, c.cfg.segmentName); err != nil {
		firstErr = err
	}
	if err := c.ch.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := c.lock.Release(); err != nil && firstErr == nil {
		firstErr = err
	}
	c.l.Info("connection closed")
	return firstErr
}

// abort sets the channel's abort flag and wakes everybody waiting on it. If the
// channel lock is not released in time its holder is assumed dead and the
// abort is forced.
func (c *Connection) abort() {
	if c.ch.abort(closeLockTimeout) {
		c.l.Warn("channel lock not released in time, forced abort", "timeout", closeLockTimeout)
	}
}

// Destroy tears down the connection. If forceRemoteDisconnections is set,
// every process blocked on the channel is woken and told to abort first, and
// the segment is removed whichever side this is.
func (c *Connection) Destroy(forceRemoteDisconnections bool) error {
	var err error
	c.closeOnce.Do(func() {
		if forceRemoteDisconnections {
			c.l.Info("forcing remote disconnections")
			c.abort()
			c.cfg.metrics.observeForcedAbort()
			if rmErr := removeSegment(c.cfg.shmDir, c.cfg.segmentName); rmErr != nil {
				err = rmErr
			}
		}
		if closeErr := c.close(); closeErr != nil && err == nil {
			err = closeErr
		}
	})
	return err
}

// forceTeardown aborts and removes the configured segment without needing a
// connection to it. A missing segment is not an error. A segment that cannot be
// understood is removed without being touched.
func forceTeardown(cfg *config) error {
	ch, err := openChannel(cfg)
	switch {
	case err == nil:
		cfg.l.Info("aborting channel", "segment", cfg.segmentName)
		if ch.abort(closeLockTimeout) {
			cfg.l.Warn("channel lock not released in time, forced abort", "timeout", closeLockTimeout)
		}
		if err := ch.Close(); err != nil {
			cfg.l.Warn("unable to unmap channel", "err", err)
		}
	case errors.Cause(err) == ErrSegmentNotFound:
		// missing, or never initialized; nobody can be waiting on it
	case errors.Cause(err) == ErrProtocolDesync:
		cfg.l.Warn("removing channel with an unknown layout", "err", err)
	default:
		return err
	}
	return removeSegment(cfg.shmDir, cfg.segmentName)
}
