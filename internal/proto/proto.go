package proto

import (
	"bytes"
	"fmt"

	"github.com/pkg/errors"
)

// Operation is the kind of work a follower asks the leader to take over.
type Operation uint8

const (
	OperationNone Operation = iota
	OperationReadFile
	OperationOpen
	OperationCommand

	operationCount
)

func (o Operation) String() string {
	switch o {
	case OperationReadFile:
		return "ReadFile"
	case OperationOpen:
		return "Open"
	case OperationCommand:
		return "Command"
	case OperationNone:
		return "None"
	default:
		return fmt.Sprintf("Operation(%d)", uint8(o))
	}
}

func (o Operation) valid() bool {
	return o < operationCount
}

// Request is a single unit of work delegated from a follower to the leader.
// Construct it with New, NewWithLimit or one of the helpers so the payload
// limit is enforced.
type Request struct {
	Operation Operation
	Payload   []byte
}

// ReadFile builds a request asking the leader to read the given file.
func ReadFile(path string) (Request, error) {
	return New(OperationReadFile, []byte(path))
}

// Filename returns the file a ReadFile request refers to.
func (r Request) Filename() (string, error) {
	if r.Operation != OperationReadFile {
		return "", errors.Errorf("request is %v, not %v", r.Operation, OperationReadFile)
	}
	return string(r.Payload), nil
}

// Equal reports whether both requests encode to the same bytes.
func (r Request) Equal(other Request) bool {
	return bytes.Equal(r.Encode(), other.Encode())
}

func (r Request) String() string {
	return fmt.Sprintf("Type: %v, Message: %s", r.Operation, r.Payload)
}
