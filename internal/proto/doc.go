// Package proto encapsulates the values exchanged between a leader and a
// follower over a handoff channel, as well as the functions for writing them
// into and reading them out of the channel's fixed-size buffer.
//
// A request is a tagged value: an operation kind and an inline payload. It is
// encoded as
//
//	[op uint8][payload length uint16, big endian][payload]
//
// and copied byte-for-byte into the shared buffer. The receiving side decodes
// the buffer and switches on the operation rather than expecting a particular
// concrete type.
//
// The encoding is only guaranteed to be understood by processes built from the
// same definition. LayoutVersion is stamped into every channel so that a
// mismatched build is detected when it opens the channel, rather than when it
// misreads a request.
//
// The reply is not encoded into the buffer. The leader writes one of the Reply*
// tokens into a dedicated field of the channel, so a reply can never be
// confused with a request that was not consumed.
package proto
