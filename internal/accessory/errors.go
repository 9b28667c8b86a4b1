package accessory

import (
	"errors"
	"fmt"
)

// RawEventKind names the raw platform event a failure relates to.
type RawEventKind string

const (
	RawAttach RawEventKind = "attach"
	RawDetach RawEventKind = "detach"
)

// ErrMalformedEvent matches any *MalformedEventError via errors.Is.
var ErrMalformedEvent = &MalformedEventError{}

// ErrSuspended is returned for raw events that arrive while the manager is suspended or closed.
var ErrSuspended = errors.New("raw events ignored while suspended")

// MalformedEventError reports a raw event that was rejected without changing state.
type MalformedEventError struct {
	Kind   RawEventKind
	Reason string
}

// Error implements the error interface
func (e *MalformedEventError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Kind == "" {
		return "malformed event"
	}
	return fmt.Sprintf("malformed %s event: %s", e.Kind, e.Reason)
}

// Is allows errors.Is to match any MalformedEventError
func (e *MalformedEventError) Is(target error) bool {
	if e == nil {
		return false
	}
	_, ok := target.(*MalformedEventError)
	return ok
}

// IsMalformed reports whether err is a malformed raw event error of the given kind.
// An empty kind matches any.
func IsMalformed(err error, kind RawEventKind) bool {
	var merr *MalformedEventError
	if errors.As(err, &merr) {
		return kind == "" || merr.Kind == kind
	}
	return false
}
