package lifecycle

import (
	"time"

	"github.com/srg/tactivo/internal/accessory"
)

// StateKind is the connection state of the single accessory slot.
type StateKind int

const (
	// StateDisconnected means no usable accessory is attached. Initial state.
	StateDisconnected StateKind = iota
	// StatePendingAuthentication means an accessory is attached but the
	// platform has not exposed its protocol strings yet.
	StatePendingAuthentication
	// StateConnected means an authenticated accessory is ready for use.
	StateConnected
)

func (k StateKind) String() string {
	switch k {
	case StateDisconnected:
		return "disconnected"
	case StatePendingAuthentication:
		return "pending_authentication"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Snapshot is a point-in-time copy of the manager state.
type Snapshot struct {
	Kind StateKind
	// Accessory is the provisional descriptor while pending, the connected one
	// while connected, and zero otherwise.
	Accessory accessory.Descriptor
	Since     time.Time
	// Deadline is when the grace window of a pending accessory elapses.
	Deadline         time.Time
	Generation       uint64
	SpuriousDetaches int
	Suspended        bool
}
