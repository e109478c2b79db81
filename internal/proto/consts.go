package proto

const (
	// LayoutVersion is the current version of the channel layout and request
	// encoding. Processes built with a different version refuse to talk to each
	// other.
	LayoutVersion = 1

	// DefaultMaxPayload is the payload capacity used when none is configured.
	DefaultMaxPayload = 100
	// MaxPayloadLimit is the largest payload capacity a channel may be built
	// with. It is bounded by the uint16 length prefix, and kept well under it.
	MaxPayloadLimit = 2048

	// HeaderLen is the number of bytes an encoded request uses in addition to
	// its payload.
	HeaderLen = 3
)

// Reply tokens, written by the leader into the channel's reply field.
const (
	ReplyNone     uint32 = 0
	ReplyAccepted uint32 = 1
	ReplyDenied   uint32 = 2
)

// EncodedLen returns the buffer size required to hold any request whose
// payload is at most maxPayload bytes.
func EncodedLen(maxPayload int) int {
	return HeaderLen + maxPayload
}
