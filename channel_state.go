package handoff

import (
	"sync/atomic"
	"unsafe"
)

// channelMagic marks a fully initialized channel. It is written last by the
// creator and checked first by everyone else.
const channelMagic uint32 = 0x68616e64 // "hand"

// channelHeader is the fixed layout at the start of every channel segment. The
// request buffer immediately follows it.
//
// Every field is a 32-bit word so that it is naturally aligned and can be
// accessed atomically from any process mapping the segment. Apart from magic,
// fields are only read or written while holding mutex; abort is additionally
// read by waiters between wait slices.
type channelHeader struct {
	magic         uint32
	layoutVersion uint32
	maxPayload    uint32

	mutex uint32
	cond  uint32

	// generation is bumped by the leader each time it resets the channel for
	// the next follower.
	generation  uint32
	leaderPID   uint32
	followerPID uint32

	serverAvailable uint32
	abort           uint32

	// present is set by a follower that has started a handshake.
	present uint32
	// ack is set by the leader once it has seen present.
	ack uint32
	// pending is set while the buffer holds a request the leader has not read.
	pending uint32
	// reply holds one of the proto.Reply* tokens.
	reply uint32
	// consumed is set by the follower once it has read reply.
	consumed uint32
	// length is the number of encoded bytes in the buffer.
	length uint32
}

var headerSize = int(unsafe.Sizeof(channelHeader{}))

// attachHeader returns a typed view of the start of region. The view is only
// meaningful after the creator has initialized it (see initHeader) or a reader
// has validated the magic.
func attachHeader(region []byte) *channelHeader {
	return (*channelHeader)(unsafe.Pointer(&region[0]))
}

func load(p *uint32) uint32 {
	return atomic.LoadUint32(p)
}

func store(p *uint32, v uint32) {
	atomic.StoreUint32(p, v)
}

func loadFlag(p *uint32) bool {
	return atomic.LoadUint32(p) != 0
}

func storeFlag(p *uint32, v bool) {
	if v {
		atomic.StoreUint32(p, 1)
	} else {
		atomic.StoreUint32(p, 0)
	}
}

// initHeader zeroes a freshly created header, fills in its fields and finally
// publishes it by writing the magic.
func initHeader(h *channelHeader, layoutVersion uint32, maxPayload int, leaderPID int) {
	store(&h.magic, 0)
	store(&h.layoutVersion, layoutVersion)
	store(&h.maxPayload, uint32(maxPayload))
	store(&h.mutex, 0)
	store(&h.cond, 0)
	store(&h.generation, 0)
	store(&h.leaderPID, uint32(leaderPID))
	store(&h.followerPID, 0)
	storeFlag(&h.serverAvailable, true)
	storeFlag(&h.abort, false)
	h.resetHandshake()
	store(&h.magic, channelMagic)
}

// resetHandshake clears the per-handshake fields so the next follower starts
// from a clean channel.
func (h *channelHeader) resetHandshake() {
	store(&h.followerPID, 0)
	storeFlag(&h.present, false)
	storeFlag(&h.ack, false)
	storeFlag(&h.pending, false)
	store(&h.reply, 0)
	storeFlag(&h.consumed, false)
	store(&h.length, 0)
}
