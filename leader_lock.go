package handoff

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
)

// LeaderLock is a system-wide named lock deciding which process is the leader.
// It is implemented with an exclusive flock on a file in a well-known
// directory, so the kernel releases it when the holding process exits, however
// it exits.
//
// Any unrelated program taking a flock on the same path is indistinguishable
// from a leader. Choose a lock name specific to the application.
type LeaderLock struct {
	mu     sync.Mutex
	flock  *flock.Flock
	leader bool
	l      log15.Logger
}

// NewLeaderLock returns an unheld lock named name inside dir. The directory is
// created if it does not exist.
func NewLeaderLock(l log15.Logger, dir, name string) (*LeaderLock, error) {
	if name == "" || strings.ContainsRune(name, '/') {
		return nil, errors.Errorf("invalid lock name %q", name)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "creating lock dir %s", dir)
	}
	path := filepath.Join(dir, name+".lock")
	return &LeaderLock{
		flock: flock.New(path),
		l:     l.New("lock", path),
	}, nil
}

// TryAcquire attempts to take the lock without blocking. It returns true if
// this call, or an earlier one whose hold has not been released, holds it.
func (ll *LeaderLock) TryAcquire() (bool, error) {
	ll.mu.Lock()
	defer ll.mu.Unlock()
	return ll.tryAcquireLocked()
}

func (ll *LeaderLock) tryAcquireLocked() (bool, error) {
	if ll.leader {
		return true, nil
	}
	locked, err := ll.flock.TryLock()
	if err != nil {
		return false, errors.Wrap(err, "trying leader lock")
	}
	if locked {
		ll.l.Info("acquired leader lock")
		ll.leader = true
	}
	return locked, nil
}

// IsLeader returns whether this process holds the lock. Once true, the answer
// is remembered and the lock is not checked again; while false, every call
// makes a new non-blocking attempt.
func (ll *LeaderLock) IsLeader() bool {
	ll.mu.Lock()
	defer ll.mu.Unlock()
	leader, err := ll.tryAcquireLocked()
	if err != nil {
		ll.l.Warn("unable to check leader lock", "err", err)
		return false
	}
	return leader
}

// Release gives up the lock. Releasing a lock that is not held is a no-op.
func (ll *LeaderLock) Release() error {
	ll.mu.Lock()
	defer ll.mu.Unlock()
	if !ll.leader {
		return nil
	}
	ll.l.Info("releasing leader lock")
	ll.leader = false
	if err := ll.flock.Unlock(); err != nil {
		return errors.Wrap(err, "releasing leader lock")
	}
	return nil
}

// Path is the file the lock is taken on.
func (ll *LeaderLock) Path() string {
	return ll.flock.Path()
}
