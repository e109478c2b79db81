package handoff

import "fmt"

// handshakeState represents the small finite state machine each side of a
// handshake walks through. The leader's transitions are:
// ∅                   → WaitingForSignal
// WaitingForSignal    → WaitingForRequest
// WaitingForRequest   → Deciding
// Deciding            → Replying
// Replying            → Done
//
// The follower's transitions are:
// ∅                   → SignalingPresence
// SignalingPresence   → AwaitingAck
// AwaitingAck         → SendingRequest
// SendingRequest      → AwaitingReply
// AwaitingReply       → Done
//
// Every state except Done may also move to Aborted.
type handshakeState string

const (
	// WaitingForSignal is the leader's initial state. It is blocked until a
	// follower announces itself.
	stateWaitingForSignal handshakeState = "waiting-for-signal"
	// WaitingForRequest is the leader waiting for the follower to place its
	// request into the channel buffer.
	stateWaitingForRequest handshakeState = "waiting-for-request"
	// Deciding is the leader running its admission decision. The channel lock
	// is not held in this state.
	stateDeciding handshakeState = "deciding"
	// Replying is the leader publishing its answer and giving the follower a
	// chance to observe it.
	stateReplying handshakeState = "replying"

	// SignalingPresence is the follower's initial state: it waits for the
	// channel to be idle and announces itself.
	stateSignalingPresence handshakeState = "signaling-presence"
	// AwaitingAck is the follower giving the leader a bounded chance to reject
	// the connection before a request is sent.
	stateAwaitingAck handshakeState = "awaiting-ack"
	// SendingRequest is the follower writing its request into the buffer.
	stateSendingRequest handshakeState = "sending-request"
	// AwaitingReply is the follower blocked until the leader answers.
	stateAwaitingReply handshakeState = "awaiting-reply"

	// Done is the terminal state of a handshake that produced an answer.
	stateDone handshakeState = "done"
	// Aborted is the terminal state of a handshake that was told to stop, or
	// whose peer went away.
	stateAborted handshakeState = "aborted"
)

var validTransitions = map[handshakeState][]handshakeState{
	stateWaitingForSignal: []handshakeState{
		stateWaitingForRequest,
		stateAborted,
	},
	stateWaitingForRequest: []handshakeState{
		stateDeciding,
		stateAborted,
	},
	stateDeciding: []handshakeState{
		stateReplying,
		stateAborted,
	},
	stateReplying: []handshakeState{
		stateDone,
		stateAborted,
	},
	stateSignalingPresence: []handshakeState{
		stateAwaitingAck,
		stateAborted,
	},
	stateAwaitingAck: []handshakeState{
		stateSendingRequest,
		stateAborted,
	},
	stateSendingRequest: []handshakeState{
		stateAwaitingReply,
		stateAborted,
	},
	stateAwaitingReply: []handshakeState{
		stateDone,
		stateAborted,
	},
	stateDone:    []handshakeState{},
	stateAborted: []handshakeState{},
}

func (s *handshakeState) canTransitionTo(state handshakeState) error {
	validTargets := validTransitions[*s]

	for _, target := range validTargets {
		if target == state {
			return nil
		}
	}
	return fmt.Errorf("unable to transition from %s to %s", *s, state)
}

func (s *handshakeState) transitionTo(state handshakeState) error {
	if err := s.canTransitionTo(state); err != nil {
		return err
	}
	*s = state
	return nil
}
