package command

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrAckTimeout    = errors.New("ack timeout")
	ErrClosed        = errors.New("command channel closed")
	ErrNoChannel     = errors.New("no command endpoint for device")
	ErrEmptyIdentity = errors.New("empty hardware id")
)

// Error describes a command that did not complete with StatusOK.
type Error struct {
	Kind     Kind
	Seq      uint32
	Status   Status
	Attempts int
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("command %s seq=%d failed after %d attempt(s): %v", e.Kind, e.Seq, e.Attempts, e.Cause)
	}
	return fmt.Sprintf("command %s seq=%d rejected: %s", e.Kind, e.Seq, e.Status)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Transport reports whether the failure came from the endpoint rather than
// from the device rejecting the command.
func (e *Error) Transport() bool {
	return e.Cause != nil
}

// IsStatus reports whether err is a device rejection with the given status.
func IsStatus(err error, status Status) bool {
	var cmdErr *Error
	if errors.As(err, &cmdErr) {
		return cmdErr.Cause == nil && cmdErr.Status == status
	}
	return false
}
