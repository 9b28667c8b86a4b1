// Package rawsource models the platform accessory framework that feeds raw
// attach/detach events to the lifecycle manager.
//
// The Simulator keeps the list of currently connected accessory sessions the
// way the platform does and delivers every raw event, in order, on its own
// delivery goroutine. Replay scripts drive a Simulator (or a Sink directly)
// through a timed sequence of raw events.
package rawsource

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/tactivo/internal/accessory"
	"github.com/srg/tactivo/internal/groutine"
)

// ErrSimulatorStopped is returned for events submitted after Stop.
var ErrSimulatorStopped = errors.New("raw event source stopped")

// Sink consumes raw platform events.
type Sink interface {
	OnRawAttach(d accessory.Descriptor) error
	OnRawDetach(id string) error
}

// Target accepts raw events from a replay script.
type Target interface {
	Attach(d accessory.Descriptor) error
	Detach(id string) error
}

type session struct {
	descriptor accessory.Descriptor
	order      uint64
}

type rawEvent struct {
	attach *accessory.Descriptor
	detach string
	flush  chan struct{}
}

// Simulator is an in-process RawEventSource.
type Simulator struct {
	sessions *hashmap.Map[string, session]
	order    atomic.Uint64

	// mu is held shared by producers and exclusively by Stop, which closes events.
	mu       sync.RWMutex
	events   chan rawEvent
	stopped  bool
	quit     chan struct{}
	quitOnce sync.Once

	runMu sync.Mutex
	done  <-chan struct{}

	sink   Sink
	logger *logrus.Logger
}

// NewSimulator creates a simulator delivering to sink. backlog bounds the
// number of undelivered events; Attach and Detach block while it is full.
func NewSimulator(sink Sink, backlog int, logger *logrus.Logger) *Simulator {
	if logger == nil {
		logger = logrus.New()
	}
	if backlog <= 0 {
		backlog = 32
	}

	return &Simulator{
		sessions: hashmap.New[string, session](),
		events:   make(chan rawEvent, backlog),
		quit:     make(chan struct{}),
		sink:     sink,
		logger:   logger,
	}
}

// Start launches the delivery goroutine.
func (s *Simulator) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.done != nil || s.isStopping() {
		return
	}
	s.done = groutine.Go(ctx, "rawsource-delivery", s.deliver)
}

// Stop delivers what is queued and stops the delivery goroutine. Producers
// blocked on a full backlog are released with ErrSimulatorStopped. If delivery
// was never started, the backlog is delivered on the calling goroutine.
func (s *Simulator) Stop() {
	first := false
	s.quitOnce.Do(func() {
		first = true
		close(s.quit)
	})
	if !first {
		return
	}

	s.mu.Lock()
	s.stopped = true
	close(s.events)
	s.mu.Unlock()

	s.runMu.Lock()
	done := s.done
	s.runMu.Unlock()

	if done != nil {
		<-done
		return
	}
	s.deliver(context.Background())
}

// Attach records a new accessory session and queues an attach event.
// Descriptors without an id are still delivered so the sink can reject them.
func (s *Simulator) Attach(d accessory.Descriptor) error {
	if d.ID() != "" {
		s.sessions.Set(d.ID(), session{descriptor: d, order: s.order.Add(1)})
	}
	return s.enqueue(context.Background(), rawEvent{attach: &d})
}

// Detach removes an accessory session and queues a detach event.
func (s *Simulator) Detach(id string) error {
	s.sessions.Del(id)
	return s.enqueue(context.Background(), rawEvent{detach: id})
}

// Flush blocks until every event queued before the call has been delivered,
// or until ctx is done.
func (s *Simulator) Flush(ctx context.Context) error {
	marker := make(chan struct{})
	if err := s.enqueue(ctx, rawEvent{flush: marker}); err != nil {
		return err
	}
	select {
	case <-marker:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConnectedAccessories returns the live sessions in attach order.
func (s *Simulator) ConnectedAccessories() []accessory.Descriptor {
	sessions := make([]session, 0, s.sessions.Len())
	s.sessions.Range(func(_ string, sess session) bool {
		sessions = append(sessions, sess)
		return true
	})
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].order < sessions[j].order })

	out := make([]accessory.Descriptor, len(sessions))
	for i, sess := range sessions {
		out[i] = sess.descriptor
	}
	return out
}

func (s *Simulator) enqueue(ctx context.Context, ev rawEvent) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.stopped {
		return ErrSimulatorStopped
	}
	select {
	case s.events <- ev:
		return nil
	case <-s.quit:
		return ErrSimulatorStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Simulator) isStopping() bool {
	select {
	case <-s.quit:
		return true
	default:
		return false
	}
}

func (s *Simulator) deliver(ctx context.Context) {
	for ev := range s.events {
		switch {
		case ev.flush != nil:
			close(ev.flush)
		case ev.attach != nil:
			if err := s.sink.OnRawAttach(*ev.attach); err != nil {
				s.logger.WithError(err).WithField("accessory_id", ev.attach.ID()).Debug("Attach not applied")
			}
		default:
			if err := s.sink.OnRawDetach(ev.detach); err != nil {
				s.logger.WithError(err).WithField("accessory_id", ev.detach).Debug("Detach not applied")
			}
		}
	}
	s.logger.WithField("goroutine", groutine.GetName(ctx)).Debug("Raw event delivery stopped")
}

// Direct adapts a Sink into a Target that applies events synchronously.
func Direct(sink Sink) Target {
	return directTarget{sink: sink}
}

type directTarget struct {
	sink Sink
}

func (t directTarget) Attach(d accessory.Descriptor) error { return t.sink.OnRawAttach(d) }
func (t directTarget) Detach(id string) error              { return t.sink.OnRawDetach(id) }
