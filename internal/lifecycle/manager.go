// Package lifecycle turns the noisy raw attach/detach stream of a Tactivo
// accessory into a clean connected/disconnected signal.
//
// While the platform authenticates a freshly inserted accessory it reports an
// attach without protocol strings, then a spurious detach, then a second
// attach carrying the real protocol strings. The Manager hides the
// intermediate detach behind a grace window and publishes exactly one
// Connected once the accessory is usable and exactly one Disconnected when it
// is removed.
package lifecycle

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/tactivo/internal/accessory"
	"github.com/srg/tactivo/internal/clock"
)

// Publisher receives clean events in transition order. Publish must not block.
type Publisher interface {
	Publish(ev accessory.Event) error
}

// Manager owns the connection state of the single accessory slot.
//
// All transitions run under one mutex. Publication happens inside the
// critical section, so events reach the Publisher in transition order.
type Manager struct {
	mu         sync.Mutex
	state      StateKind
	current    accessory.Descriptor
	since      time.Time
	deadline   time.Time
	generation uint64
	spurious   int
	timer      clock.Timer
	seq        uint64
	suspended  bool
	closed     bool

	// connected mirrors current while state is StateConnected, for lock-free queries.
	connected atomic.Pointer[accessory.Descriptor]

	publisher   Publisher
	clock       clock.Clock
	graceWindow time.Duration
	logger      *logrus.Logger
}

// NewManager creates a manager in the disconnected state.
func NewManager(publisher Publisher, opts *Options, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	if opts == nil {
		opts = DefaultOptions()
	}

	window := opts.GraceWindow
	if window <= 0 {
		window = DefaultGraceWindow
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}

	return &Manager{
		state:       StateDisconnected,
		publisher:   publisher,
		clock:       clk,
		graceWindow: window,
		logger:      logger,
	}
}

// GraceWindow returns the configured grace window.
func (m *Manager) GraceWindow() time.Duration {
	return m.graceWindow
}

// OnRawAttach applies a platform attach event.
func (m *Manager) OnRawAttach(d accessory.Descriptor) error {
	if err := d.Validate(); err != nil {
		m.logger.WithError(err).WithField("accessory", d.String()).Warn("Rejected raw attach")
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.suspended || m.closed {
		m.logger.WithField("accessory_id", d.ID()).Debug("Ignoring raw attach while suspended")
		return accessory.ErrSuspended
	}

	m.logger.WithFields(logrus.Fields{
		"accessory_id":  d.ID(),
		"authenticated": d.IsAuthenticated(),
		"state":         m.state,
	}).Debug("Raw attach")

	m.applyAttach(d)
	return nil
}

// OnRawDetach applies a platform detach event.
func (m *Manager) OnRawDetach(id string) error {
	if id == "" {
		err := &accessory.MalformedEventError{Kind: accessory.RawDetach, Reason: "missing accessory id"}
		m.logger.WithError(err).Warn("Rejected raw detach")
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.suspended || m.closed {
		m.logger.WithField("accessory_id", id).Debug("Ignoring raw detach while suspended")
		return accessory.ErrSuspended
	}

	m.logger.WithFields(logrus.Fields{
		"accessory_id": id,
		"state":        m.state,
	}).Debug("Raw detach")

	switch m.state {
	case StateDisconnected:
		m.logger.WithField("accessory_id", id).Debug("Duplicate detach, already disconnected")

	case StatePendingAuthentication:
		if m.clock.Now().After(m.deadline) {
			// Grace timer is due but has not run yet.
			m.logger.WithField("accessory_id", id).Info("Detach after grace window, accessory never authenticated")
			m.reset()
			return nil
		}
		m.spurious++
		m.armTimer()
		m.logger.WithFields(logrus.Fields{
			"accessory_id": id,
			"generation":   m.generation,
			"deadline":     m.deadline,
		}).Info("Discarded detach during authentication")

	case StateConnected:
		if id != m.current.ID() {
			m.logger.WithFields(logrus.Fields{
				"accessory_id": id,
				"connected_id": m.current.ID(),
			}).Debug("Ignoring detach for a stale session")
			return nil
		}
		m.disconnect()
	}

	return nil
}

// Sync reconciles the state with the accessories the platform currently
// reports as connected. Use it at start-up and after resuming.
func (m *Manager) Sync(accessories []accessory.Descriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return accessory.ErrSuspended
	}
	m.sync(accessories)
	return nil
}

// Suspend makes the manager ignore raw events until Resume is called.
func (m *Manager) Suspend() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.suspended {
		return
	}
	m.suspended = true
	m.logger.WithField("state", m.state).Info("Accessory tracking suspended")
}

// Resume re-enables raw event handling and reconciles with the accessories
// the platform reports as connected, publishing only actual changes.
func (m *Manager) Resume(accessories []accessory.Descriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return accessory.ErrSuspended
	}
	m.suspended = false
	m.sync(accessories)
	m.logger.WithField("state", m.state).Info("Accessory tracking resumed")
	return nil
}

// Close cancels any grace timer. Later raw events are ignored.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.cancelTimer()
}

// CurrentAccessory returns the connected accessory, if any. It never blocks
// on the state mutex.
func (m *Manager) CurrentAccessory() (accessory.Descriptor, bool) {
	if d := m.connected.Load(); d != nil {
		return *d, true
	}
	return accessory.Descriptor{}, false
}

// IsConnected reports whether an authenticated accessory is connected.
func (m *Manager) IsConnected() bool {
	_, ok := m.CurrentAccessory()
	return ok
}

// HasSmartCardReader reports whether the connected accessory has a contact smart card reader.
func (m *Manager) HasSmartCardReader() bool {
	d, _ := m.CurrentAccessory()
	return d.HasSmartCardReader()
}

// HasFingerprintSensor reports whether the connected accessory has a fingerprint sensor.
func (m *Manager) HasFingerprintSensor() bool {
	d, _ := m.CurrentAccessory()
	return d.HasFingerprintSensor()
}

// ModelNumber returns the model number of the connected accessory.
func (m *Manager) ModelNumber() (string, bool) {
	d, ok := m.CurrentAccessory()
	if !ok {
		return "", false
	}
	return d.ModelNumber(), true
}

// HardwareRevision returns the hardware revision of the connected accessory.
func (m *Manager) HardwareRevision() (string, bool) {
	d, ok := m.CurrentAccessory()
	if !ok {
		return "", false
	}
	return d.HardwareRevision(), true
}

// State returns a snapshot of the full state, including pending authentication.
func (m *Manager) State() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Snapshot{
		Kind:       m.state,
		Accessory:  m.current,
		Since:      m.since,
		Generation: m.generation,
		Suspended:  m.suspended,
	}
	if m.state == StatePendingAuthentication {
		s.Deadline = m.deadline
		s.SpuriousDetaches = m.spurious
	}
	return s
}

// ----------------------------
// Transitions (m.mu held)
// ----------------------------

func (m *Manager) applyAttach(d accessory.Descriptor) {
	switch m.state {
	case StateDisconnected:
		if d.IsAuthenticated() {
			m.connect(d)
		} else {
			m.enterPending(d)
		}

	case StatePendingAuthentication:
		if d.IsAuthenticated() {
			m.connect(d)
			return
		}
		m.current = d
		m.armTimer()
		m.logger.WithFields(logrus.Fields{
			"accessory_id": d.ID(),
			"generation":   m.generation,
		}).Debug("Attach without protocols while pending, grace window refreshed")

	case StateConnected:
		if d.ID() == m.current.ID() {
			m.logger.WithField("accessory_id", d.ID()).Debug("Duplicate attach, already connected")
			return
		}
		m.logger.WithFields(logrus.Fields{
			"old_accessory_id": m.current.ID(),
			"accessory_id":     d.ID(),
		}).Warn("Attach while connected, replacing accessory")
		m.disconnect()
		m.applyAttach(d)
	}
}

func (m *Manager) sync(accessories []accessory.Descriptor) {
	var authed, provisional *accessory.Descriptor
	for i := range accessories {
		d := accessories[i]
		if d.Validate() != nil {
			continue
		}
		if d.IsAuthenticated() {
			if authed == nil {
				authed = &d
			}
		} else if provisional == nil {
			provisional = &d
		}
	}

	switch {
	case authed != nil:
		m.applyAttach(*authed)
	case provisional != nil:
		if m.state == StateConnected {
			m.disconnect()
		}
		if m.state == StateDisconnected {
			m.enterPending(*provisional)
		}
	default:
		switch m.state {
		case StateConnected:
			m.disconnect()
		case StatePendingAuthentication:
			m.logger.WithField("accessory_id", m.current.ID()).Info("Pending accessory no longer present")
			m.reset()
		}
	}
}

func (m *Manager) enterPending(d accessory.Descriptor) {
	m.state = StatePendingAuthentication
	m.current = d
	m.since = m.clock.Now()
	m.spurious = 0
	m.armTimer()

	m.logger.WithFields(logrus.Fields{
		"accessory_id": d.ID(),
		"generation":   m.generation,
		"grace_window": m.graceWindow,
	}).Info("Accessory attached, waiting for authentication")
}

func (m *Manager) connect(d accessory.Descriptor) {
	m.cancelTimer()
	m.state = StateConnected
	m.current = d
	m.since = m.clock.Now()
	m.connected.Store(&d)

	m.logger.WithFields(logrus.Fields{
		"accessory_id":      d.ID(),
		"model_number":      d.ModelNumber(),
		"hardware_revision": d.HardwareRevision(),
		"smart_card":        d.HasSmartCardReader(),
		"fingerprint":       d.HasFingerprintSensor(),
	}).Info("Accessory connected")

	m.publish(accessory.Connected(d))
}

func (m *Manager) disconnect() {
	old := m.current
	m.reset()

	m.logger.WithField("accessory_id", old.ID()).Info("Accessory disconnected")
	m.publish(accessory.Disconnected(old))
}

// reset moves to StateDisconnected without publishing.
func (m *Manager) reset() {
	m.cancelTimer()
	m.state = StateDisconnected
	m.current = accessory.Descriptor{}
	m.since = m.clock.Now()
	m.spurious = 0
	m.connected.Store(nil)
}

// armTimer (re)starts the grace timer under a new generation.
func (m *Manager) armTimer() {
	m.cancelTimer()
	gen := m.generation
	m.deadline = m.clock.Now().Add(m.graceWindow)
	m.timer = m.clock.AfterFunc(m.graceWindow, func() {
		m.onGraceExpired(gen)
	})
}

// cancelTimer stops the grace timer and bumps the generation, so a callback
// that already started sees a mismatch and does nothing.
func (m *Manager) cancelTimer() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.generation++
	m.deadline = time.Time{}
}

func (m *Manager) onGraceExpired(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StatePendingAuthentication || gen != m.generation {
		m.logger.WithFields(logrus.Fields{
			"generation": gen,
			"current":    m.generation,
			"state":      m.state,
		}).Debug("Stale grace timer ignored")
		return
	}

	m.timer = nil
	m.logger.WithFields(logrus.Fields{
		"accessory_id":      m.current.ID(),
		"spurious_detaches": m.spurious,
	}).Info("Authentication did not complete within grace window")
	m.reset()
}

func (m *Manager) publish(ev accessory.Event) {
	m.seq++
	ev.Seq = m.seq
	ev.Time = m.clock.Now()

	if m.publisher == nil {
		return
	}
	if err := m.publisher.Publish(ev); err != nil {
		m.logger.WithError(err).WithFields(logrus.Fields{
			"event": ev.Kind,
			"seq":   ev.Seq,
		}).Warn("Failed to publish accessory event")
	}
}
