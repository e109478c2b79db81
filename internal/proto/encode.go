package proto

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

var (
	// ErrPayloadTooLarge indicates a request payload does not fit into the
	// channel's buffer. The caller must shorten its input.
	ErrPayloadTooLarge = errors.New("payload too large for a handoff request")
	// ErrMalformed indicates the bytes read from a channel are not a request
	// encoded by this package. This means the two sides were built from
	// different definitions and is never recovered from.
	ErrMalformed = errors.New("malformed handoff request")
)

// New constructs a request with the default payload limit.
func New(op Operation, payload []byte) (Request, error) {
	return NewWithLimit(op, payload, DefaultMaxPayload)
}

// NewWithLimit constructs a request, failing with ErrPayloadTooLarge if the
// payload is longer than maxPayload bytes.
func NewWithLimit(op Operation, payload []byte, maxPayload int) (Request, error) {
	if !op.valid() {
		return Request{}, errors.Errorf("unknown operation %v", op)
	}
	if err := checkLimit(len(payload), maxPayload); err != nil {
		return Request{}, err
	}
	p := make([]byte, len(payload))
	copy(p, payload)
	return Request{Operation: op, Payload: p}, nil
}

func checkLimit(n, maxPayload int) error {
	if maxPayload > MaxPayloadLimit {
		maxPayload = MaxPayloadLimit
	}
	if n > maxPayload {
		return errors.Wrapf(ErrPayloadTooLarge, "%d bytes exceeds the %d byte limit", n, maxPayload)
	}
	return nil
}

// Encode returns the request's wire representation.
func (r Request) Encode() []byte {
	buf := make([]byte, HeaderLen+len(r.Payload))
	buf[0] = byte(r.Operation)
	binary.BigEndian.PutUint16(buf[1:HeaderLen], uint16(len(r.Payload)))
	copy(buf[HeaderLen:], r.Payload)
	return buf
}

// EncodeInto writes the request into dst, which is typically a channel's
// shared buffer, and returns the number of bytes written. It fails if the
// payload exceeds maxPayload or the encoding does not fit into dst.
func EncodeInto(dst []byte, r Request, maxPayload int) (int, error) {
	if err := checkLimit(len(r.Payload), maxPayload); err != nil {
		return 0, err
	}
	n := HeaderLen + len(r.Payload)
	if n > len(dst) {
		return 0, errors.Wrapf(ErrPayloadTooLarge, "encoded request is %d bytes, buffer holds %d", n, len(dst))
	}
	dst[0] = byte(r.Operation)
	binary.BigEndian.PutUint16(dst[1:HeaderLen], uint16(len(r.Payload)))
	copy(dst[HeaderLen:n], r.Payload)
	return n, nil
}

// Decode is the inverse of Encode. The returned request does not alias src.
func Decode(src []byte, maxPayload int) (Request, error) {
	if len(src) < HeaderLen {
		return Request{}, errors.Wrapf(ErrMalformed, "need at least %d bytes, got %d", HeaderLen, len(src))
	}
	op := Operation(src[0])
	if !op.valid() {
		return Request{}, errors.Wrapf(ErrMalformed, "unknown operation %d", src[0])
	}
	n := int(binary.BigEndian.Uint16(src[1:HeaderLen]))
	if n > maxPayload || n > MaxPayloadLimit {
		return Request{}, errors.Wrapf(ErrMalformed, "payload length %d exceeds limit %d", n, maxPayload)
	}
	if len(src)-HeaderLen < n {
		return Request{}, errors.Wrapf(ErrMalformed, "payload length %d, only %d bytes present", n, len(src)-HeaderLen)
	}
	payload := make([]byte, n)
	copy(payload, src[HeaderLen:HeaderLen+n])
	return Request{Operation: op, Payload: payload}, nil
}
