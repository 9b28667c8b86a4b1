package notify

// RingChannel is a bounded channel with overwrite-oldest semantics.
//
// Producers never block: when the buffer is full the oldest element is
// discarded. A single consumer drains it with Receive.
//
//	rc := NewRingChannel[accessory.Event](16)
//	rc.ForceSend(ev)
//	ev, ok := rc.Receive()
//
// A consumer racing ForceSend may take the element the drop path was about to
// discard; nothing is dropped then and the send still succeeds.
type RingChannel[T any] struct {
	ch chan T
}

// NewRingChannel creates a RingChannel with the given capacity.
func NewRingChannel[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// ForceSend always succeeds immediately, discarding the oldest element if
// needed. It reports whether an element was discarded.
//
// Callers must serialize ForceSend with Close.
func (rc *RingChannel[T]) ForceSend(v T) bool {
	dropped := false

	for {
		select {
		case rc.ch <- v:
			return dropped
		default:
		}

		select {
		case <-rc.ch:
			dropped = true
		default:
		}
	}
}

// Receive blocks until a value is available or the channel is closed and drained.
func (rc *RingChannel[T]) Receive() (v T, ok bool) {
	v, ok = <-rc.ch
	return
}

// Close closes the underlying channel. Buffered elements remain receivable.
// After Close, sends panic.
func (rc *RingChannel[T]) Close() {
	close(rc.ch)
}
