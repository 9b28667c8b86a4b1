package accessory

import (
	"encoding/json"
	"time"
)

// EventKind identifies a clean presence transition.
type EventKind int

const (
	EventConnected EventKind = iota + 1
	EventDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Event is a clean notification delivered to subscribers.
//
// For EventConnected, Accessory is the authenticated accessory. For
// EventDisconnected it is the accessory that went away.
type Event struct {
	Kind      EventKind
	Accessory Descriptor
	Seq       uint64
	Time      time.Time
}

// Connected creates a connected event.
func Connected(d Descriptor) Event {
	return Event{Kind: EventConnected, Accessory: d}
}

// Disconnected creates a disconnected event.
func Disconnected(d Descriptor) Event {
	return Event{Kind: EventDisconnected, Accessory: d}
}

type eventJSON struct {
	Event     string    `json:"event"`
	Seq       uint64    `json:"seq"`
	Time      time.Time `json:"time"`
	Accessory *Info     `json:"accessory,omitempty"`
}

// MarshalJSON renders the event as a flat JSON object.
func (e Event) MarshalJSON() ([]byte, error) {
	out := eventJSON{
		Event: e.Kind.String(),
		Seq:   e.Seq,
		Time:  e.Time,
	}
	if !e.Accessory.IsZero() {
		info := e.Accessory.Info()
		out.Accessory = &info
	}
	return json.Marshal(out)
}
