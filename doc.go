// Package handoff lets a program run as a single instance per host: the first
// launch becomes the leader, and every later launch hands its work to the
// leader and steps aside.
//
// The leader is chosen with an exclusive lock on a file in a well-known
// directory, so leadership is released by the kernel however the leader
// exits. The leader then creates a small shared memory channel. A later launch
// fails to take the lock, opens the channel and runs a handshake over it:
//
//  1. the follower signals its presence and the leader acknowledges it,
//  2. the follower writes one request into the channel,
//  3. the leader decides whether to take over the request and replies.
//
// If the leader accepts, it runs the work and the follower exits. If it
// denies, is unavailable, or the channel is aborted, the follower handles the
// request itself. Every wait on the channel is bounded or interruptible, and
// either side can abort the channel to wake everybody blocked on it.
//
// Only processes on the same host that agree on the lock and segment names,
// and were built with the same channel layout, can coordinate.
package handoff
