package handoff

import "github.com/ngrok/handoff/internal/proto"

// Request is the work a follower asks the leader to take over.
type Request = proto.Request

// Operation says what a Request's payload means.
type Operation = proto.Operation

const (
	OperationNone     = proto.OperationNone
	OperationReadFile = proto.OperationReadFile
	OperationOpen     = proto.OperationOpen
	OperationCommand  = proto.OperationCommand
)

var (
	// ErrPayloadTooLarge is returned when a request payload does not fit into
	// a channel's buffer.
	ErrPayloadTooLarge = proto.ErrPayloadTooLarge
	// ErrMalformed is returned when an encoded request cannot be decoded.
	ErrMalformed = proto.ErrMalformed
)

// NewRequest builds a request fitting the default payload capacity.
func NewRequest(op Operation, payload []byte) (Request, error) {
	return proto.New(op, payload)
}

// ReadFileRequest builds a request asking the leader to read path.
func ReadFileRequest(path string) (Request, error) {
	return proto.ReadFile(path)
}
