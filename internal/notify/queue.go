package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/tactivo/internal/accessory"
	"github.com/srg/tactivo/internal/groutine"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Queue errors
var (
	ErrQueueStopped        = errors.New("notification queue stopped")
	ErrQueueRunning        = errors.New("notification queue already running")
	ErrNilHandler          = errors.New("subscriber handler cannot be nil")
	ErrUnknownSubscription = errors.New("unknown subscription")
)

const (
	queueStateIdle uint32 = iota
	queueStateRunning
	queueStateStopped

	// MaxCapacity guards against accidental misconfiguration.
	MaxCapacity uint32 = 64 * 1024
)

// Options configures a Queue.
type Options struct {
	// Capacity is the number of undispatched events the shared buffer is
	// guaranteed to hold before it starts dropping the oldest. The buffer
	// rounds up to a power of two, so it may hold more.
	Capacity uint32 `default:"64"`
	// SubscriberBuffer is the capacity of each subscriber's channel.
	SubscriberBuffer int `default:"16"`
	// StopTimeout bounds how long Stop waits for handlers to finish.
	StopTimeout time.Duration `default:"5s"`
}

// DefaultOptions returns options populated from their default tags.
func DefaultOptions() *Options {
	opts := &Options{}
	defaults.SetDefaults(opts)
	return opts
}

// Handler consumes one event.
type Handler func(ev accessory.Event)

// SubscriptionID identifies a registered subscriber.
type SubscriptionID string

// Metrics is a snapshot of queue counters.
type Metrics struct {
	Published       int64 // events accepted by Publish
	Dropped         int64 // events overwritten in the shared buffer
	Dispatched      int64 // events taken by the dispatcher
	Delivered       int64 // handler invocations that returned
	SubscriberDrops int64 // events overwritten in subscriber channels
	HandlerPanics   int64
}

// Queue is an ordered, bounded notification queue.
type Queue struct {
	// bufMu serializes the ring: the overlapped ring is not safe when an
	// overwrite of the head slot races a dequeue.
	bufMu  sync.Mutex
	buffer mpmc.RichOverlappedRingBuffer[accessory.Event]
	// closed is set under bufMu once the dispatcher will not drain again.
	closed bool
	wake   chan struct{}
	stop   chan struct{}
	done   <-chan struct{}
	state  uint32

	subsMu sync.RWMutex
	subs   *orderedmap.OrderedMap[SubscriptionID, *subscriber]

	opts    Options
	logger  *logrus.Logger
	metrics Metrics
}

// NewQueue creates an idle queue. Call Start to begin dispatching; events
// published before Start are kept in the buffer.
func NewQueue(opts *Options, logger *logrus.Logger) (*Queue, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.Capacity == 0 {
		return nil, fmt.Errorf("queue capacity must be > 0")
	}
	if opts.Capacity > MaxCapacity {
		return nil, fmt.Errorf("queue capacity %d exceeds maximum %d", opts.Capacity, MaxCapacity)
	}
	if opts.SubscriberBuffer <= 0 {
		return nil, fmt.Errorf("subscriber buffer must be > 0")
	}

	return &Queue{
		// One slot of the ring always stays free.
		buffer: mpmc.NewOverlappedRingBuffer[accessory.Event](opts.Capacity + 1),
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		subs:   orderedmap.New[SubscriptionID, *subscriber](),
		opts:   *opts,
		logger: logger,
	}, nil
}

// Start launches the dispatcher. A Queue can be started once.
func (q *Queue) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapUint32(&q.state, queueStateIdle, queueStateRunning) {
		if atomic.LoadUint32(&q.state) == queueStateRunning {
			return ErrQueueRunning
		}
		return ErrQueueStopped
	}

	q.done = groutine.Go(ctx, "notify-dispatch", q.dispatch)
	q.signal()
	return nil
}

// Stop dispatches what is buffered, stops the dispatcher and waits for every
// subscriber to finish the events already handed to it.
func (q *Queue) Stop() error {
	prev := atomic.SwapUint32(&q.state, queueStateStopped)
	if prev == queueStateStopped {
		return nil
	}
	q.close()
	if prev == queueStateRunning {
		close(q.stop)
		<-q.done
	}

	// Subscribers stay registered while they finish their channels, so a
	// handler can still unsubscribe itself.
	q.subsMu.Lock()
	var subs []*subscriber
	for pair := q.subs.Oldest(); pair != nil; pair = pair.Next() {
		subs = append(subs, pair.Value)
		pair.Value.closeChannel()
	}
	q.subsMu.Unlock()

	defer func() {
		q.subsMu.Lock()
		q.subs = orderedmap.New[SubscriptionID, *subscriber]()
		q.subsMu.Unlock()
	}()

	timeout := time.After(q.opts.StopTimeout)
	for _, sub := range subs {
		select {
		case <-sub.done:
		case <-timeout:
			return fmt.Errorf("subscriber %s did not finish within %s", sub.id, q.opts.StopTimeout)
		}
	}

	q.logger.WithFields(logrus.Fields{
		"published": atomic.LoadInt64(&q.metrics.Published),
		"delivered": atomic.LoadInt64(&q.metrics.Delivered),
		"dropped":   atomic.LoadInt64(&q.metrics.Dropped),
	}).Debug("Notification queue stopped")
	return nil
}

// Publish enqueues ev without blocking. When the buffer is full the oldest
// event is dropped.
func (q *Queue) Publish(ev accessory.Event) error {
	q.bufMu.Lock()
	if q.closed {
		q.bufMu.Unlock()
		return ErrQueueStopped
	}
	overwrites, err := q.buffer.EnqueueM(ev)
	q.bufMu.Unlock()
	if err != nil {
		return fmt.Errorf("enqueue event: %w", err)
	}
	atomic.AddInt64(&q.metrics.Published, 1)
	if overwrites > 0 {
		atomic.AddInt64(&q.metrics.Dropped, int64(overwrites))
		q.logger.WithFields(logrus.Fields{
			"dropped": overwrites,
			"event":   ev.Kind,
			"seq":     ev.Seq,
		}).Warn("Notification queue full, dropped oldest events")
	}

	q.signal()
	return nil
}

// Subscribe registers handler. Its delivery goroutine starts immediately and
// receives every event dispatched after this call.
func (q *Queue) Subscribe(handler Handler) (SubscriptionID, error) {
	if handler == nil {
		return "", ErrNilHandler
	}

	q.subsMu.Lock()
	defer q.subsMu.Unlock()

	if q.isClosed() {
		return "", ErrQueueStopped
	}

	sub := &subscriber{
		id:      SubscriptionID(uuid.NewString()),
		handler: handler,
		ch:      NewRingChannel[accessory.Event](q.opts.SubscriberBuffer),
		queue:   q,
	}
	sub.active.Store(true)
	sub.done = groutine.Go(context.Background(), "notify-subscriber-"+string(sub.id), sub.run)
	q.subs.Set(sub.id, sub)

	q.logger.WithField("subscription", sub.id).Debug("Subscriber registered")
	return sub.id, nil
}

// Unsubscribe removes a subscriber. No delivery to it starts after
// Unsubscribe returns. A delivery in progress is not interrupted: Unsubscribe
// waits for it, unless called from inside that subscriber's own handler.
func (q *Queue) Unsubscribe(id SubscriptionID) error {
	q.subsMu.Lock()
	sub, ok := q.subs.Get(id)
	if !ok {
		q.subsMu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSubscription, id)
	}
	q.subs.Delete(id)
	sub.closeChannel()
	q.subsMu.Unlock()

	if groutine.GetGID() == sub.gid.Load() {
		sub.active.Store(false)
	} else {
		sub.mu.Lock()
		sub.active.Store(false)
		sub.mu.Unlock()
	}

	q.logger.WithField("subscription", id).Debug("Subscriber removed")
	return nil
}

// Subscribers returns the number of registered subscribers.
func (q *Queue) Subscribers() int {
	q.subsMu.RLock()
	defer q.subsMu.RUnlock()
	return q.subs.Len()
}

// Metrics returns a snapshot of the queue counters.
func (q *Queue) Metrics() Metrics {
	return Metrics{
		Published:       atomic.LoadInt64(&q.metrics.Published),
		Dropped:         atomic.LoadInt64(&q.metrics.Dropped),
		Dispatched:      atomic.LoadInt64(&q.metrics.Dispatched),
		Delivered:       atomic.LoadInt64(&q.metrics.Delivered),
		SubscriberDrops: atomic.LoadInt64(&q.metrics.SubscriberDrops),
		HandlerPanics:   atomic.LoadInt64(&q.metrics.HandlerPanics),
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) dispatch(ctx context.Context) {
	for {
		q.drain()
		select {
		case <-q.stop:
			q.drain()
			return
		case <-ctx.Done():
			q.close()
			q.drain()
			return
		case <-q.wake:
		}
	}
}

// drain hands every buffered event, in order, to every subscriber.
func (q *Queue) drain() {
	for {
		ev, ok := q.next()
		if !ok {
			return
		}
		atomic.AddInt64(&q.metrics.Dispatched, 1)
		q.fanOut(ev)
	}
}

func (q *Queue) next() (accessory.Event, bool) {
	q.bufMu.Lock()
	defer q.bufMu.Unlock()

	if q.buffer.IsEmpty() {
		return accessory.Event{}, false
	}
	ev, err := q.buffer.Dequeue()
	if err != nil {
		q.logger.WithError(err).Debug("Notification buffer dequeue failed")
		return accessory.Event{}, false
	}
	return ev, true
}

// close rejects further publishes. Events already buffered are still drained.
func (q *Queue) close() {
	q.bufMu.Lock()
	q.closed = true
	q.bufMu.Unlock()
}

func (q *Queue) isClosed() bool {
	q.bufMu.Lock()
	defer q.bufMu.Unlock()
	return q.closed
}

func (q *Queue) fanOut(ev accessory.Event) {
	q.subsMu.RLock()
	defer q.subsMu.RUnlock()

	for pair := q.subs.Oldest(); pair != nil; pair = pair.Next() {
		sub := pair.Value
		if sub.ch.ForceSend(ev) {
			atomic.AddInt64(&q.metrics.SubscriberDrops, 1)
			q.logger.WithFields(logrus.Fields{
				"subscription": sub.id,
				"event":        ev.Kind,
				"seq":          ev.Seq,
			}).Warn("Subscriber is falling behind, dropped its oldest event")
		}
	}
}

type subscriber struct {
	id      SubscriptionID
	handler Handler
	ch      *RingChannel[accessory.Event]
	queue   *Queue

	// mu is held while the handler runs.
	mu     sync.Mutex
	active atomic.Bool
	gid    atomic.Uint64
	done   <-chan struct{}

	closeOnce sync.Once
}

func (s *subscriber) closeChannel() {
	s.closeOnce.Do(s.ch.Close)
}

func (s *subscriber) run(_ context.Context) {
	s.gid.Store(groutine.GetGID())
	for {
		ev, ok := s.ch.Receive()
		if !ok {
			return
		}
		s.deliver(ev)
	}
}

func (s *subscriber) deliver(ev accessory.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active.Load() {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&s.queue.metrics.HandlerPanics, 1)
			s.queue.logger.WithFields(logrus.Fields{
				"subscription": s.id,
				"panic":        r,
				"event":        ev.Kind,
			}).Error("Subscriber handler panicked")
		}
	}()

	s.handler(ev)
	atomic.AddInt64(&s.queue.metrics.Delivered, 1)
}
