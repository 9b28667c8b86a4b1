package rawsource

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/srg/tactivo/internal/accessory"
	"github.com/srg/tactivo/internal/groutine"
)

// recordingSink records raw events and the goroutine they arrived on.
type recordingSink struct {
	mu     sync.Mutex
	events []string
	gids   []uint64
	err    error
}

func (r *recordingSink) OnRawAttach(d accessory.Descriptor) error {
	r.record("attach:" + d.ID())
	return r.err
}

func (r *recordingSink) OnRawDetach(id string) error {
	r.record("detach:" + id)
	return r.err
}

func (r *recordingSink) record(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, s)
	r.gids = append(r.gids, groutine.GetGID())
}

func (r *recordingSink) snapshot() ([]string, []uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...), append([]uint64(nil), r.gids...)
}

type SimulatorTestSuite struct {
	suite.Suite
	sink *recordingSink
	sim  *Simulator
	ctx  context.Context
}

func (s *SimulatorTestSuite) SetupTest() {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	s.ctx = context.Background()
	s.sink = &recordingSink{}
	s.sim = NewSimulator(s.sink, 8, logger)
	s.sim.Start(s.ctx)
}

func (s *SimulatorTestSuite) TearDownTest() {
	s.sim.Stop()
}

func (s *SimulatorTestSuite) flush() {
	ctx, cancel := context.WithTimeout(s.ctx, 2*time.Second)
	defer cancel()
	s.Require().NoError(s.sim.Flush(ctx))
}

func (s *SimulatorTestSuite) TestDeliversInOrderOffCallerGoroutine() {
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("%d", i)
		s.Require().NoError(s.sim.Attach(accessory.NewDescriptor(id, "", "")))
		s.Require().NoError(s.sim.Detach(id))
	}
	s.flush()

	events, gids := s.sink.snapshot()
	s.Require().Len(events, 40)
	for i := 0; i < 20; i++ {
		s.Equal(fmt.Sprintf("attach:%d", i), events[2*i])
		s.Equal(fmt.Sprintf("detach:%d", i), events[2*i+1])
	}

	caller := groutine.GetGID()
	for _, gid := range gids {
		s.NotEqual(caller, gid)
		s.Equal(gids[0], gid, "all events must arrive on the delivery goroutine")
	}
}

func (s *SimulatorTestSuite) TestConnectedAccessoriesInAttachOrder() {
	s.Require().NoError(s.sim.Attach(accessory.NewDescriptor("b", "", "")))
	s.Require().NoError(s.sim.Attach(accessory.NewDescriptor("a", "", "", accessory.ProtocolSmartCard)))
	s.Require().NoError(s.sim.Attach(accessory.NewDescriptor("c", "", "")))
	s.Require().NoError(s.sim.Detach("c"))

	got := s.sim.ConnectedAccessories()
	s.Require().Len(got, 2)
	s.Equal("b", got[0].ID())
	s.Equal("a", got[1].ID())
	s.True(got[1].HasSmartCardReader())
}

func (s *SimulatorTestSuite) TestReattachMovesSessionToEnd() {
	s.Require().NoError(s.sim.Attach(accessory.NewDescriptor("a", "", "")))
	s.Require().NoError(s.sim.Attach(accessory.NewDescriptor("b", "", "")))
	s.Require().NoError(s.sim.Attach(accessory.NewDescriptor("a", "", "", accessory.ProtocolFingerprint)))

	got := s.sim.ConnectedAccessories()
	s.Require().Len(got, 2)
	s.Equal("b", got[0].ID())
	s.Equal("a", got[1].ID())
	s.True(got[1].HasFingerprintSensor())
}

func (s *SimulatorTestSuite) TestMissingIDIsDeliveredButNotTracked() {
	s.Require().NoError(s.sim.Attach(accessory.NewDescriptor("", "", "")))
	s.flush()

	events, _ := s.sink.snapshot()
	s.Equal([]string{"attach:"}, events)
	s.Empty(s.sim.ConnectedAccessories())
}

func (s *SimulatorTestSuite) TestSinkErrorsDoNotStopDelivery() {
	s.sink.err = errors.New("rejected")
	s.Require().NoError(s.sim.Attach(accessory.NewDescriptor("1", "", "")))
	s.Require().NoError(s.sim.Detach("1"))
	s.flush()

	events, _ := s.sink.snapshot()
	s.Equal([]string{"attach:1", "detach:1"}, events)
}

func (s *SimulatorTestSuite) TestStopDrainsAndRejects() {
	s.Require().NoError(s.sim.Attach(accessory.NewDescriptor("1", "", "")))
	s.sim.Stop()

	events, _ := s.sink.snapshot()
	s.Equal([]string{"attach:1"}, events)

	s.ErrorIs(s.sim.Attach(accessory.NewDescriptor("2", "", "")), ErrSimulatorStopped)
	s.ErrorIs(s.sim.Detach("1"), ErrSimulatorStopped)
	s.ErrorIs(s.sim.Flush(s.ctx), ErrSimulatorStopped)

	s.sim.Stop()
}

func (s *SimulatorTestSuite) TestFlushHonorsContext() {
	sim := NewSimulator(s.sink, 1, nil)
	defer sim.Stop()

	ctx, cancel := context.WithCancel(s.ctx)
	cancel()
	// Not started, so the marker is never reached.
	s.ErrorIs(sim.Flush(ctx), context.Canceled)
}

func (s *SimulatorTestSuite) TestStopReleasesProducerBlockedOnFullBacklog() {
	// GOAL: Stop must not wait behind a producer stuck on a full backlog
	//
	// TEST SCENARIO: delivery never started, backlog of one is full, a second
	// Attach blocks, Stop returns and the blocked Attach is rejected

	sim := NewSimulator(s.sink, 1, nil)
	s.Require().NoError(sim.Attach(accessory.NewDescriptor("1", "", "")))

	blocked := make(chan error, 1)
	go func() {
		blocked <- sim.Attach(accessory.NewDescriptor("2", "", ""))
	}()
	time.Sleep(20 * time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		sim.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		s.FailNow("Stop did not return")
	}

	select {
	case err := <-blocked:
		s.ErrorIs(err, ErrSimulatorStopped)
	case <-time.After(2 * time.Second):
		s.FailNow("blocked Attach did not return")
	}

	events, _ := s.sink.snapshot()
	s.Equal([]string{"attach:1"}, events)
}

func (s *SimulatorTestSuite) TestFlushOnFullBacklogHonorsContext() {
	sim := NewSimulator(s.sink, 1, nil)
	defer sim.Stop()
	s.Require().NoError(sim.Attach(accessory.NewDescriptor("1", "", "")))

	ctx, cancel := context.WithTimeout(s.ctx, 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	s.ErrorIs(sim.Flush(ctx), context.DeadlineExceeded)
	s.Less(time.Since(start), 2*time.Second)
}

func TestSimulatorTestSuite(t *testing.T) {
	suite.Run(t, new(SimulatorTestSuite))
}

func TestDirect(t *testing.T) {
	sink := &recordingSink{}
	target := Direct(sink)

	require.NoError(t, target.Attach(accessory.NewDescriptor("7", "", "")))
	require.NoError(t, target.Detach("7"))

	events, gids := sink.snapshot()
	assert.Equal(t, []string{"attach:7", "detach:7"}, events)
	assert.Equal(t, groutine.GetGID(), gids[0])
}
