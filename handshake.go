package handoff

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/ngrok/handoff/internal/proto"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"
)

// Outcome is the result of one handshake, as seen by either side.
type Outcome int

const (
	// OutcomeAborted means the handshake did not produce an answer: the channel
	// was aborted, the peer went away or gave up, or this side was canceled.
	OutcomeAborted Outcome = iota
	// OutcomeAccepted means the leader took over the request.
	OutcomeAccepted
	// OutcomeDenied means the leader refused the request.
	OutcomeDenied
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeDenied:
		return "denied"
	case OutcomeAborted:
		return "aborted"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Role is the part a process plays in a handshake.
type Role string

const (
	RoleLeader   Role = "leader"
	RoleFollower Role = "follower"
)

// errPeerGone is returned from a wait whose peer process no longer exists.
var errPeerGone = errors.New("peer process exited")

type handshakeTimeouts struct {
	presence time.Duration
	grace    time.Duration
	reply    time.Duration
	liveness time.Duration
}

// handshake runs one side of the two-phase exchange over a channel. A
// handshake value is used for a single exchange.
type handshake struct {
	ch       *Channel
	role     Role
	state    handshakeState
	timeouts handshakeTimeouts

	// cancelled is local: this side no longer wants to continue. It is
	// distinct from the channel's shared abort flag.
	cancelled int32

	// generation and followerPID identify the exchange a leader took part
	// in, so that it only ever clears its own.
	generation  uint32
	followerPID uint32
	// unsettled is set when a leader returned with its reply still unread;
	// finishLeader then completes the exchange.
	unsettled bool

	os    osIface
	clock clock.Clock
	l     log15.Logger
}

func newHandshake(ch *Channel, role Role, t handshakeTimeouts, osi osIface, clk clock.Clock, l log15.Logger) *handshake {
	h := &handshake{
		ch:       ch,
		role:     role,
		timeouts: t,
		os:       osi,
		clock:    clk,
		l:        l.New("role", role, "generation", load(&ch.hdr.generation)),
	}
	if role == RoleLeader {
		h.state = stateWaitingForSignal
	} else {
		h.state = stateSignalingPresence
	}
	return h
}

// Cancel marks this side as no longer wanting to continue. A wait already in
// progress is not interrupted, but no new wait is started.
func (h *handshake) Cancel() {
	atomic.StoreInt32(&h.cancelled, 1)
}

func (h *handshake) isCancelled() bool {
	return atomic.LoadInt32(&h.cancelled) == 1
}

func (h *handshake) mustTransitionTo(state handshakeState) {
	if err := h.state.transitionTo(state); err != nil {
		panic(fmt.Sprintf("BUG: error transitioning to %q: %v", state, err))
	}
	h.l.Debug("handshake state", "state", state)
}

// peerCheck returns a wait check that fails with errPeerGone once the process
// recorded in pidField has exited. The process is looked up at most once per
// liveness interval.
func (h *handshake) peerCheck(ctx context.Context, pidField *uint32) func() error {
	var last time.Time
	return func() error {
		if h.timeouts.liveness <= 0 || h.clock.Since(last) < h.timeouts.liveness {
			return nil
		}
		last = h.clock.Now()
		pid := load(pidField)
		if pid == 0 || h.peerAlive(ctx, pid) {
			return nil
		}
		h.l.Warn("peer process is gone", "pid", pid)
		return errPeerGone
	}
}

func (h *handshake) peerAlive(ctx context.Context, pid uint32) bool {
	return int(pid) == h.os.Getpid() || h.os.PidAlive(ctx, int(pid))
}

// nextExchange clears the per-handshake fields and moves the channel to the
// next generation. The caller must hold the channel lock.
func (h *handshake) nextExchange() {
	hdr := h.ch.hdr
	hdr.resetHandshake()
	store(&hdr.generation, load(&hdr.generation)+1)
	h.ch.notify()
}

// settle leaves the channel ready for the next follower once the leader's
// exchange is over. Nothing is touched if the channel was aborted, the
// exchange was already cleared, or another follower has taken its place. A
// reply the follower is still alive to read is left in place and the
// handshake marked unsettled. The caller must hold the channel lock.
func (h *handshake) settle(ctx context.Context) {
	hdr := h.ch.hdr
	h.unsettled = false
	if h.followerPID == 0 || h.ch.aborted() || load(&hdr.generation) != h.generation {
		return
	}
	present := loadFlag(&hdr.present)
	if present && load(&hdr.followerPID) != h.followerPID {
		return
	}
	if present && load(&hdr.reply) != proto.ReplyNone && !loadFlag(&hdr.consumed) && h.peerAlive(ctx, h.followerPID) {
		h.unsettled = true
		return
	}
	h.nextExchange()
}

// setAbort sets the shared abort flag and wakes every waiter. The caller must
// hold the channel lock.
func (h *handshake) setAbort() {
	storeFlag(&h.ch.hdr.abort, true)
	h.ch.notify()
}

// runLeader waits for one follower, decides on its request and replies. The
// accepted task runs after the channel lock has been released, and only if the
// request was accepted and the reply was published.
func (h *handshake) runLeader(ctx context.Context, decide func(proto.Request) bool, onAccepted func()) (Outcome, proto.Request, error) {
	hdr := h.ch.hdr
	if h.isCancelled() {
		h.mustTransitionTo(stateAborted)
		return OutcomeAborted, proto.Request{}, nil
	}
	if err := h.ch.lock(ctx); err != nil {
		h.mustTransitionTo(stateAborted)
		return OutcomeAborted, proto.Request{}, err
	}
	locked := true
	defer func() {
		if locked {
			h.settle(ctx)
			h.ch.unlock()
		}
	}()
	h.generation = load(&hdr.generation)

	// abort is sticky: the leader tells followers it is going away, and a
	// forced teardown tells the leader the same.
	abortOnCtx := func(err error) (Outcome, proto.Request, error) {
		h.mustTransitionTo(stateAborted)
		if errors.Cause(err) == context.Canceled || errors.Cause(err) == context.DeadlineExceeded {
			h.l.Info("leader canceled, aborting connection")
			h.setAbort()
		}
		return OutcomeAborted, proto.Request{}, err
	}

	h.l.Info("waiting for a follower")
	if _, err := h.ch.wait(ctx, func() bool {
		return h.ch.aborted() || loadFlag(&hdr.present)
	}, 0, nil); err != nil {
		return abortOnCtx(err)
	}
	if h.ch.aborted() {
		h.l.Info("connection was terminated remotely")
		h.mustTransitionTo(stateAborted)
		return OutcomeAborted, proto.Request{}, nil
	}
	followerPID := load(&hdr.followerPID)
	h.followerPID = followerPID
	if h.isCancelled() {
		h.l.Info("rejecting follower, leader was canceled", "follower", followerPID)
		h.setAbort()
		h.mustTransitionTo(stateAborted)
		return OutcomeAborted, proto.Request{}, nil
	}
	storeFlag(&hdr.ack, true)
	h.ch.notify()
	h.mustTransitionTo(stateWaitingForRequest)

	withdrawn := func() bool {
		return !loadFlag(&hdr.present) || load(&hdr.followerPID) != followerPID
	}
	_, err := h.ch.wait(ctx, func() bool {
		return h.ch.aborted() || loadFlag(&hdr.pending) || withdrawn()
	}, 0, h.peerCheck(ctx, &hdr.followerPID))
	if err == errPeerGone {
		h.mustTransitionTo(stateAborted)
		return OutcomeAborted, proto.Request{}, nil
	}
	if err != nil {
		return abortOnCtx(err)
	}
	if h.ch.aborted() {
		h.l.Info("connection lost before a request was received")
		h.mustTransitionTo(stateAborted)
		return OutcomeAborted, proto.Request{}, nil
	}
	if withdrawn() {
		h.l.Info("follower withdrew before sending a request", "follower", followerPID)
		h.mustTransitionTo(stateAborted)
		return OutcomeAborted, proto.Request{}, nil
	}

	req, err := h.ch.readRequest()
	if err != nil {
		h.l.Error("unable to decode request, aborting connection", "err", err)
		h.setAbort()
		h.mustTransitionTo(stateAborted)
		return OutcomeAborted, proto.Request{}, err
	}
	storeFlag(&hdr.pending, false)
	available := loadFlag(&hdr.serverAvailable)
	h.l.Info("request received from follower", "request", req, "available", available)
	h.mustTransitionTo(stateDeciding)

	h.ch.unlock()
	locked = false
	accepted := available && decide != nil && decide(req)
	h.ch.mu.lock()
	locked = true

	if h.ch.aborted() {
		h.l.Info("connection was terminated while deciding")
		h.mustTransitionTo(stateAborted)
		return OutcomeAborted, req, nil
	}
	if withdrawn() {
		h.l.Info("follower withdrew while the request was decided", "follower", followerPID)
		h.mustTransitionTo(stateAborted)
		return OutcomeAborted, req, nil
	}
	h.mustTransitionTo(stateReplying)
	outcome := OutcomeDenied
	token := proto.ReplyDenied
	if accepted {
		outcome = OutcomeAccepted
		token = proto.ReplyAccepted
	}
	h.l.Info("sending result to follower", "outcome", outcome)
	store(&hdr.reply, token)
	h.ch.notify()

	// The reply is published; from here on the decision stands whatever
	// happens to the channel. Give the follower a chance to read it before
	// the caller tears anything down.
	if h.timeouts.grace > 0 {
		consumed, err := h.ch.wait(ctx, func() bool {
			return h.ch.aborted() || loadFlag(&hdr.consumed) || load(&hdr.generation) != h.generation
		}, h.timeouts.grace, nil)
		switch {
		case err != nil:
			h.l.Debug("stopped waiting for the follower to confirm the reply", "err", err)
		case !consumed:
			h.l.Debug("follower did not confirm the reply within the grace period")
		}
	}
	h.mustTransitionTo(stateDone)
	h.settle(ctx)
	h.ch.unlock()
	locked = false

	if accepted && onAccepted != nil {
		onAccepted()
	}
	return outcome, req, nil
}

// runFollower announces itself, sends req and waits for the leader's answer.
// It does not run any task itself.
func (h *handshake) runFollower(ctx context.Context, req proto.Request) (Outcome, error) {
	hdr := h.ch.hdr
	if len(req.Payload) > h.ch.maxPayload {
		h.mustTransitionTo(stateAborted)
		return OutcomeAborted, errors.Wrapf(proto.ErrPayloadTooLarge, "%d byte payload, channel holds %d", len(req.Payload), h.ch.maxPayload)
	}
	if h.isCancelled() {
		h.mustTransitionTo(stateAborted)
		return OutcomeAborted, nil
	}
	if err := h.ch.lock(ctx); err != nil {
		h.mustTransitionTo(stateAborted)
		return OutcomeAborted, err
	}
	defer h.ch.unlock()

	pid := uint32(h.os.Getpid())
	leaderGone := h.peerCheck(ctx, &hdr.leaderPID)
	occupantGone := h.peerCheck(ctx, &hdr.followerPID)

	// Only one follower talks to the leader at a time; queue behind any
	// handshake already in progress. A follower that exited mid-handshake
	// is cleared out of the way.
	free, err := h.ch.wait(ctx, func() bool {
		return h.ch.aborted() || !loadFlag(&hdr.present)
	}, h.timeouts.reply, func() error {
		if err := leaderGone(); err != nil {
			return err
		}
		if loadFlag(&hdr.present) && occupantGone() == errPeerGone {
			h.l.Info("clearing the handshake of a follower that exited", "follower", load(&hdr.followerPID))
			h.nextExchange()
		}
		return nil
	})
	if err != nil {
		return h.followerFailed(err)
	}
	if !free {
		return h.followerFailed(errors.Wrapf(ErrReplyTimeout, "waiting %v for an earlier handshake to finish", h.timeouts.reply))
	}
	if h.ch.aborted() {
		h.l.Info("connection failed: channel was aborted")
		h.mustTransitionTo(stateAborted)
		return OutcomeAborted, nil
	}

	generation := load(&hdr.generation)
	storeFlag(&hdr.present, true)
	store(&hdr.followerPID, pid)
	h.ch.notify()
	h.mustTransitionTo(stateAwaitingAck)

	// The leader normally acknowledges right away. A timeout is not an
	// error: it only means the leader had no reason to reject us early.
	acked, err := h.ch.wait(ctx, func() bool {
		return h.ch.aborted() || loadFlag(&hdr.ack) || load(&hdr.generation) != generation
	}, h.timeouts.presence, nil)
	if err != nil {
		return h.withdraw(generation, err)
	}
	if h.ch.aborted() || load(&hdr.generation) != generation {
		h.l.Info("connection failed: unable to establish a connection")
		h.mustTransitionTo(stateAborted)
		return OutcomeAborted, nil
	}
	if !acked {
		h.l.Debug("no acknowledgement within the presence timeout, sending request anyway")
	}
	if h.isCancelled() {
		return h.withdraw(generation, nil)
	}
	h.mustTransitionTo(stateSendingRequest)

	if err := h.ch.writeRequest(req); err != nil {
		return h.withdraw(generation, err)
	}
	storeFlag(&hdr.pending, true)
	h.ch.notify()
	h.l.Info("sent request to leader", "request", req)
	h.mustTransitionTo(stateAwaitingReply)

	_, err = h.ch.wait(ctx, func() bool {
		return h.ch.aborted() || load(&hdr.reply) != proto.ReplyNone || load(&hdr.generation) != generation
	}, h.timeouts.reply, leaderGone)
	if err != nil {
		return h.withdraw(generation, err)
	}

	if load(&hdr.generation) != generation {
		h.l.Info("connection failed: leader moved on to another handshake")
		h.mustTransitionTo(stateAborted)
		return OutcomeAborted, nil
	}
	// A published reply stands even if the channel was aborted afterwards;
	// the leader has already committed to it.
	switch reply := load(&hdr.reply); reply {
	case proto.ReplyAccepted, proto.ReplyDenied:
		// Reading the reply ends the exchange; the channel is handed on to
		// the next follower whether or not the leader is still waiting.
		storeFlag(&hdr.consumed, true)
		h.nextExchange()
		h.mustTransitionTo(stateDone)
		outcome := OutcomeDenied
		if reply == proto.ReplyAccepted {
			outcome = OutcomeAccepted
		}
		h.l.Info("reply received from leader", "outcome", outcome)
		return outcome, nil
	case proto.ReplyNone:
	default:
		h.mustTransitionTo(stateAborted)
		return OutcomeAborted, errors.Wrapf(ErrProtocolDesync, "unknown reply token %d", reply)
	}
	if h.ch.aborted() {
		h.l.Info("connection failed: connection was terminated remotely")
		h.mustTransitionTo(stateAborted)
		return OutcomeAborted, nil
	}
	return h.withdraw(generation, errors.Wrapf(ErrReplyTimeout, "after %v", h.timeouts.reply))
}

// followerFailed handles a failed wait before the follower announced itself.
func (h *handshake) followerFailed(err error) (Outcome, error) {
	h.mustTransitionTo(stateAborted)
	if err == errPeerGone {
		h.l.Info("connection failed: leader is gone")
		return OutcomeAborted, nil
	}
	return OutcomeAborted, err
}

// withdraw takes back this follower's presence so the leader abandons the
// handshake rather than waiting for it, then reports the handshake aborted.
// The caller must hold the channel lock.
func (h *handshake) withdraw(generation uint32, err error) (Outcome, error) {
	hdr := h.ch.hdr
	if load(&hdr.generation) == generation && load(&hdr.followerPID) == uint32(h.os.Getpid()) {
		storeFlag(&hdr.present, false)
		storeFlag(&hdr.pending, false)
		store(&hdr.followerPID, 0)
		h.ch.notify()
	}
	h.mustTransitionTo(stateAborted)
	if err == errPeerGone {
		h.l.Info("connection failed: leader is gone")
		return OutcomeAborted, nil
	}
	if err != nil {
		h.l.Info("follower giving up on the handshake", "err", err)
	}
	return OutcomeAborted, err
}

// finishLeader completes an unsettled leader handshake before the next one
// starts. It waits until the follower read the reply, withdrew or exited, so
// the reply is never cleared under it. It reports false if the channel was
// aborted.
func (h *handshake) finishLeader(ctx context.Context) (bool, error) {
	hdr := h.ch.hdr
	h.ch.mu.lock()
	defer h.ch.unlock()

	_, err := h.ch.wait(ctx, func() bool {
		return h.ch.aborted() || load(&hdr.generation) != h.generation || loadFlag(&hdr.consumed) ||
			!loadFlag(&hdr.present) || load(&hdr.followerPID) != h.followerPID
	}, 0, h.peerCheck(ctx, &hdr.followerPID))
	if err != nil && err != errPeerGone {
		return false, err
	}
	if h.ch.aborted() {
		return false, nil
	}
	if err == errPeerGone {
		h.nextExchange()
		return true, nil
	}
	h.settle(ctx)
	return true, nil
}
