package handoff

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/ngrok/handoff/internal/proto"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"
)

const (
	// DefaultSegmentName is the channel segment used when none is configured.
	DefaultSegmentName = "InstanceCommunication"
	// DefaultLockName is the leader lock used when none is configured.
	DefaultLockName = "InstanceMutex"
	// DefaultShmDir is where channel segments are created. On Linux it is the
	// tmpfs backing POSIX shared memory.
	DefaultShmDir = "/dev/shm"

	// DefaultPresenceTimeout is how long a follower waits for the leader to
	// acknowledge it before sending its request anyway.
	DefaultPresenceTimeout = 500 * time.Millisecond
	// DefaultGraceTimeout is how long the leader waits for the follower to read
	// its reply before returning.
	DefaultGraceTimeout = 500 * time.Millisecond
	// DefaultOpenTimeout is how long a follower waits for the leader's channel
	// to appear.
	DefaultOpenTimeout = time.Second
	// DefaultLivenessInterval is how often a waiting side checks that its peer
	// process still exists.
	DefaultLivenessInterval = 250 * time.Millisecond
)

type config struct {
	segmentName string
	lockName    string
	lockDir     string
	shmDir      string
	maxPayload  int

	presenceTimeout  time.Duration
	graceTimeout     time.Duration
	replyTimeout     time.Duration
	openTimeout      time.Duration
	livenessInterval time.Duration
	reclaimStale     bool

	l       log15.Logger
	clock   clock.Clock
	metrics *Metrics
	os      osIface
}

func (c *config) timeouts() handshakeTimeouts {
	return handshakeTimeouts{
		presence: c.presenceTimeout,
		grace:    c.graceTimeout,
		reply:    c.replyTimeout,
		liveness: c.livenessInterval,
	}
}

func newConfig(osi osIface, opts ...Option) (*config, error) {
	noopLogger := log15.New()
	noopLogger.SetHandler(log15.DiscardHandler())
	cfg := &config{
		segmentName:      DefaultSegmentName,
		lockName:         DefaultLockName,
		lockDir:          os.TempDir(),
		shmDir:           DefaultShmDir,
		maxPayload:       proto.DefaultMaxPayload,
		presenceTimeout:  DefaultPresenceTimeout,
		graceTimeout:     DefaultGraceTimeout,
		openTimeout:      DefaultOpenTimeout,
		livenessInterval: DefaultLivenessInterval,
		reclaimStale:     true,
		l:                noopLogger,
		clock:            clock.RealClock{},
		os:               osi,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.maxPayload <= 0 || cfg.maxPayload > proto.MaxPayloadLimit {
		return nil, errors.Errorf("max payload must be between 1 and %d, got %d", proto.MaxPayloadLimit, cfg.maxPayload)
	}
	if _, err := segmentPath(cfg.shmDir, cfg.segmentName); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Option is an option function for Instance.
// See Rob Pike's post on the topic for more information on this pattern:
// https://commandcenter.blogspot.com/2014/01/self-referential-functions-and-design.html
type Option func(c *config)

// WithSegmentName sets the name of the shared memory segment carrying the
// channel. All processes of an application must use the same name.
func WithSegmentName(name string) Option {
	return func(c *config) {
		c.segmentName = name
	}
}

// WithLockName sets the name of the leader lock. It lives in a namespace
// independent of the segment name.
func WithLockName(name string) Option {
	return func(c *config) {
		c.lockName = name
	}
}

// WithLockDir sets the directory holding the leader lock file. It defaults to
// os.TempDir(). All processes of an application must use the same directory.
func WithLockDir(dir string) Option {
	return func(c *config) {
		c.lockDir = dir
	}
}

// WithShmDir sets the directory segments are created in. It defaults to
// /dev/shm. Any directory works as long as every process uses the same one,
// but a tmpfs avoids writing the channel back to disk.
func WithShmDir(dir string) Option {
	return func(c *config) {
		c.shmDir = dir
	}
}

// WithMaxPayload sets the request payload capacity of channels created by this
// instance. Followers adopt the capacity of the channel they open.
func WithMaxPayload(n int) Option {
	return func(c *config) {
		c.maxPayload = n
	}
}

// WithPresenceTimeout configures how long a follower waits for the leader to
// acknowledge it. If a time of 0 is specified, the default will be used.
func WithPresenceTimeout(t time.Duration) Option {
	return func(c *config) {
		c.presenceTimeout = t
		if c.presenceTimeout <= 0 {
			c.presenceTimeout = DefaultPresenceTimeout
		}
	}
}

// WithGraceTimeout configures how long the leader waits for the follower to
// read its reply. A negative value disables the wait; 0 selects the default.
func WithGraceTimeout(t time.Duration) Option {
	return func(c *config) {
		switch {
		case t == 0:
			c.graceTimeout = DefaultGraceTimeout
		case t < 0:
			c.graceTimeout = 0
		default:
			c.graceTimeout = t
		}
	}
}

// WithReplyTimeout bounds how long a follower waits for the leader's reply.
// By default it waits until the reply arrives, the channel is aborted, the
// leader exits or the context is done.
func WithReplyTimeout(t time.Duration) Option {
	return func(c *config) {
		c.replyTimeout = t
	}
}

// WithOpenTimeout configures how long a follower waits for the leader's
// channel to be created. A value of 0 disables waiting.
func WithOpenTimeout(t time.Duration) Option {
	return func(c *config) {
		c.openTimeout = t
	}
}

// WithLivenessInterval configures how often a waiting side checks whether its
// peer process still exists. A value of 0 disables the check.
func WithLivenessInterval(t time.Duration) Option {
	return func(c *config) {
		c.livenessInterval = t
	}
}

// WithReclaimStale controls whether a new leader that finds a segment left
// behind by a previous run aborts and removes it. It is enabled by default.
func WithReclaimStale(reclaim bool) Option {
	return func(c *config) {
		c.reclaimStale = reclaim
	}
}

// WithLogger configures the logger to use for handoff operations.
// By default, nothing will be logged.
func WithLogger(l log15.Logger) Option {
	return func(c *config) {
		c.l = l
	}
}

// WithClock configures the clock used for timeouts.
func WithClock(clk clock.Clock) Option {
	return func(c *config) {
		c.clock = clk
	}
}

// WithMetrics configures where handshake metrics are recorded.
func WithMetrics(m *Metrics) Option {
	return func(c *config) {
		c.metrics = m
	}
}

// Instance coordinates one launch of an application with every other launch
// using the same lock and segment names. At most one instance system-wide is
// the leader; the others are followers that delegate a request to it.
type Instance struct {
	cfg  *config
	lock *LeaderLock

	stateLock sync.Mutex
	conn      *Connection
	available bool
	// unsettled is the last handshake on conn if it ended with its reply
	// still unread; it must be finished before the next one starts.
	unsettled *handshake
	closed    bool
	// detaching counts teardowns in progress. No connection is created and
	// active is not added to while it is non-zero.
	detaching int
	// active counts leader operations using conn; it must drain before conn
	// is unmapped.
	active sync.WaitGroup

	l log15.Logger
}

// New constructs an Instance. Any number of options may be provided.
func New(opts ...Option) (*Instance, error) {
	return newInstance(realOS{}, opts...)
}

func newInstance(osi osIface, opts ...Option) (*Instance, error) {
	cfg, err := newConfig(osi, opts...)
	if err != nil {
		return nil, err
	}
	lock, err := NewLeaderLock(cfg.l, cfg.lockDir, cfg.lockName)
	if err != nil {
		return nil, err
	}
	return &Instance{
		cfg:       cfg,
		lock:      lock,
		available: true,
		l:         cfg.l,
	}, nil
}

// TryBecomeLeader attempts, without blocking, to become the leader. It returns
// true if this instance is the leader. A false result is expected whenever
// another launch is already running; it is never retried here.
func (i *Instance) TryBecomeLeader() (bool, error) {
	leader, err := i.lock.TryAcquire()
	if err != nil {
		return false, err
	}
	i.cfg.metrics.setLeader(leader)
	return leader, nil
}

// IsLeader reports whether this instance is the leader, trying to become it if
// it is not yet.
func (i *Instance) IsLeader() bool {
	leader := i.lock.IsLeader()
	i.cfg.metrics.setLeader(leader)
	return leader
}

// acquireConn returns the leader's connection, creating the channel on first
// use, and registers the caller as using it until it calls active.Done. It
// also returns the previous handshake if that one has yet to be finished.
func (i *Instance) acquireConn(ctx context.Context) (*Connection, *handshake, error) {
	i.stateLock.Lock()
	defer i.stateLock.Unlock()
	if i.closed {
		return nil, nil, ErrClosed
	}
	if i.detaching > 0 {
		return nil, nil, ErrTearingDown
	}
	if i.conn == nil {
		leader, err := i.TryBecomeLeader()
		if err != nil {
			return nil, nil, err
		}
		if !leader {
			return nil, nil, errors.Wrap(ErrNotLeader, ErrLockUnavailable.Error())
		}
		conn, err := openConnection(ctx, i.cfg, i.lock, true)
		if err != nil {
			return nil, nil, err
		}
		i.conn = conn
		i.unsettled = nil
		i.l.Info("connection initialized as leader")
		if !i.available {
			i.setChannelAvailability(false)
		}
	}
	i.active.Add(1)
	return i.conn, i.unsettled, nil
}

func (i *Instance) setUnsettled(conn *Connection, h *handshake) {
	i.stateLock.Lock()
	defer i.stateLock.Unlock()
	if i.conn == conn {
		i.unsettled = h
	}
}

// detach takes the leader's connection away from the instance, aborts its
// channel so no handshake stays blocked on it, waits for handshakes still
// using it to return, and then passes it, or nil if there was none, to fn. No
// new connection is created until fn returns.
func (i *Instance) detach(fn func(conn *Connection) error) error {
	i.stateLock.Lock()
	conn := i.conn
	i.conn = nil
	i.unsettled = nil
	i.detaching++
	i.stateLock.Unlock()
	defer func() {
		i.stateLock.Lock()
		i.detaching--
		i.stateLock.Unlock()
	}()

	if conn != nil {
		conn.abort()
		i.active.Wait()
	}
	return fn(conn)
}

// Open creates the leader's channel without waiting for a follower, so
// followers started from now on find it. It fails with ErrNotLeader if another
// process is the leader.
func (i *Instance) Open(ctx context.Context) error {
	if _, _, err := i.acquireConn(ctx); err != nil {
		return err
	}
	i.active.Done()
	return nil
}

// RunAsLeader serves exactly one follower: it waits for a request, accepts it
// if the leader is available and decide returns true, replies, and then runs
// onAccepted if it accepted. decide and onAccepted run without the channel
// lock held. The returned outcome is OutcomeAborted if the channel was
// aborted, the follower went away, or ctx was done first. A leader whose ctx
// is done aborts the channel, so waiting followers fall back at once.
//
// Handshakes are run one at a time; RunAsLeader must not be called
// concurrently on the same instance.
func (i *Instance) RunAsLeader(ctx context.Context, decide func(proto.Request) bool, onAccepted func()) (Outcome, error) {
	outcome, _, err := i.runLeader(ctx, decide, onAccepted)
	return outcome, err
}

// runLeader is RunAsLeader that also reports whether the channel was found
// aborted.
func (i *Instance) runLeader(ctx context.Context, decide func(proto.Request) bool, onAccepted func()) (Outcome, bool, error) {
	conn, unsettled, err := i.acquireConn(ctx)
	if err != nil {
		return OutcomeAborted, false, err
	}
	defer i.active.Done()

	if unsettled != nil {
		// An aborted channel is left as it is; the handshake below reports it.
		if _, err := unsettled.finishLeader(ctx); err != nil {
			return OutcomeAborted, conn.ch.aborted(), err
		}
		i.setUnsettled(conn, nil)
	}

	start := i.cfg.clock.Now()
	h := newHandshake(conn.ch, RoleLeader, i.cfg.timeouts(), i.cfg.os, i.cfg.clock, i.l)
	outcome, _, err := h.runLeader(ctx, decide, onAccepted)
	if h.unsettled {
		i.setUnsettled(conn, h)
	}
	i.cfg.metrics.observeHandshake(RoleLeader, outcome, i.cfg.clock.Since(start))
	return outcome, conn.ch.aborted(), err
}

// Serve runs handshakes one follower at a time until ctx is done or the
// channel is aborted. It returns ctx's error in the former case and nil in the
// latter. A handshake ending in a decoding error stops serving and returns it.
func (i *Instance) Serve(ctx context.Context, decide func(proto.Request) bool, onAccepted func()) error {
	for {
		outcome, aborted, err := i.runLeader(ctx, decide, onAccepted)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			return err
		}
		if outcome == OutcomeAborted && aborted {
			i.l.Info("channel aborted, no longer serving followers")
			return nil
		}
	}
}

// RunAsFollower delegates req to the leader and returns its answer. onDenied
// runs exactly once, after the channel has been released, unless the leader
// accepted: for a denial, an abort, and also when the request could not be
// delivered at all, in which case the error says why.
func (i *Instance) RunAsFollower(ctx context.Context, req proto.Request, onDenied func()) (Outcome, error) {
	outcome, err := i.runFollower(ctx, req)
	if outcome != OutcomeAccepted && onDenied != nil {
		onDenied()
	}
	return outcome, err
}

func (i *Instance) runFollower(ctx context.Context, req proto.Request) (Outcome, error) {
	i.stateLock.Lock()
	closed := i.closed
	i.stateLock.Unlock()
	if closed {
		return OutcomeAborted, ErrClosed
	}

	start := i.cfg.clock.Now()
	conn, err := openConnection(ctx, i.cfg, i.lock, false)
	if err != nil {
		i.l.Info("connection failed: unable to open the channel", "err", err)
		i.cfg.metrics.observeHandshake(RoleFollower, OutcomeAborted, i.cfg.clock.Since(start))
		return OutcomeAborted, err
	}
	defer conn.Close()
	i.l.Info("connection initialized as follower")

	h := newHandshake(conn.ch, RoleFollower, i.cfg.timeouts(), i.cfg.os, i.cfg.clock, i.l)
	outcome, err := h.runFollower(ctx, req)
	i.cfg.metrics.observeHandshake(RoleFollower, outcome, i.cfg.clock.Since(start))
	return outcome, err
}

// Coordinate decides this launch's role. If it can become the leader it opens
// the channel and returns RoleLeader with OutcomeAccepted: this process owns
// its own work and should call Serve to take over work from later launches.
// Otherwise it delegates req as a follower, running onDenied exactly once
// unless the leader accepted.
func (i *Instance) Coordinate(ctx context.Context, req proto.Request, onDenied func()) (Role, Outcome, error) {
	leader, err := i.TryBecomeLeader()
	if err != nil {
		return RoleFollower, OutcomeAborted, err
	}
	if leader {
		if err := i.Open(ctx); err != nil {
			return RoleLeader, OutcomeAborted, err
		}
		return RoleLeader, OutcomeAccepted, nil
	}
	outcome, err := i.RunAsFollower(ctx, req, onDenied)
	return RoleFollower, outcome, err
}

// NewRequest builds a request that fits into channels created by this
// instance.
func (i *Instance) NewRequest(op proto.Operation, payload []byte) (proto.Request, error) {
	return proto.NewWithLimit(op, payload, i.cfg.maxPayload)
}

// SetServerAvailable sets whether the leader accepts delegated work. While
// unavailable, every request is denied without consulting decide.
func (i *Instance) SetServerAvailable(available bool) {
	i.stateLock.Lock()
	defer i.stateLock.Unlock()
	i.available = available
	if i.conn != nil {
		i.setChannelAvailability(available)
	}
}

// ServerAvailable reports the value last set with SetServerAvailable.
func (i *Instance) ServerAvailable() bool {
	i.stateLock.Lock()
	defer i.stateLock.Unlock()
	return i.available
}

func (i *Instance) setChannelAvailability(available bool) {
	ch := i.conn.ch
	ch.mu.lock()
	storeFlag(&ch.hdr.serverAvailable, available)
	ch.notify()
	ch.unlock()
}

// ForceTeardown aborts the channel, waking every process blocked on it, and
// removes it. A leader also releases the leader lock and closes its
// connection. It is safe to call when no channel exists.
func (i *Instance) ForceTeardown() error {
	return i.detach(func(conn *Connection) error {
		if conn != nil {
			err := conn.Destroy(true)
			i.cfg.metrics.setLeader(false)
			return err
		}
		i.cfg.metrics.observeForcedAbort()
		return forceTeardown(i.cfg)
	})
}

// ForceTeardown aborts and removes the channel configured by opts without
// joining it. Use it to clear a channel left behind by a crashed run.
func ForceTeardown(opts ...Option) error {
	cfg, err := newConfig(realOS{}, opts...)
	if err != nil {
		return err
	}
	cfg.metrics.observeForcedAbort()
	return forceTeardown(cfg)
}

// Close closes the leader's connection, if any, removing the channel and
// releasing the leader lock. Leader handshakes in progress are aborted and
// waited for.
func (i *Instance) Close() error {
	i.stateLock.Lock()
	if i.closed {
		i.stateLock.Unlock()
		return nil
	}
	i.closed = true
	i.stateLock.Unlock()

	err := i.detach(func(conn *Connection) error {
		if conn == nil {
			return nil
		}
		return conn.Close()
	})
	if relErr := i.lock.Release(); relErr != nil && err == nil {
		err = relErr
	}
	i.cfg.metrics.setLeader(false)
	return err
}
