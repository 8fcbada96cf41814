package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/terrpan/lazyrunner/internal/pipeline"
)

const (
	testStopAfter = 10 * time.Minute
	testResend    = 5 * time.Minute
	testPoll      = time.Minute
	waitFor       = 2 * time.Second
	tick          = 5 * time.Millisecond
)

// ---------------------------------------------------------------------------
// Mock instance (satisfies instance.Instance)
// ---------------------------------------------------------------------------

type mockInstance struct {
	mu sync.Mutex

	running        bool
	startCalls     int
	stopCalls      int
	isRunningCalls int

	startErrs    []error // consumed one per Start call
	stopErr      error
	isRunningErr error
	startGate    chan struct{} // if set, Start blocks until closed
}

func (m *mockInstance) Start(_ context.Context) (bool, error) {
	m.mu.Lock()
	gate := m.startGate
	m.mu.Unlock()
	if gate != nil {
		<-gate
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.startCalls++
	if len(m.startErrs) > 0 {
		err := m.startErrs[0]
		m.startErrs = m.startErrs[1:]
		if err != nil {
			return false, err
		}
	}
	m.running = true
	return true, nil
}

func (m *mockInstance) Stop(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopCalls++
	if m.stopErr != nil {
		return m.stopErr
	}
	m.running = false
	return nil
}

func (m *mockInstance) IsRunning(_ context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.isRunningCalls++
	if m.isRunningErr != nil {
		return false, m.isRunningErr
	}
	return m.running, nil
}

func (m *mockInstance) Close() error { return nil }

func (m *mockInstance) starts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startCalls
}

func (m *mockInstance) stops() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopCalls
}

func (m *mockInstance) probes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isRunningCalls
}

func (m *mockInstance) setRunning(running bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = running
}

// ---------------------------------------------------------------------------
// Mock status client (satisfies StatusClient)
// ---------------------------------------------------------------------------

type mockStatuses struct {
	mu       sync.Mutex
	statuses map[string]pipeline.Status
	errs     map[string]error
	calls    []string

	// before, if set, runs outside the lock before each answer.
	before func(id string)
}

func newMockStatuses() *mockStatuses {
	return &mockStatuses{
		statuses: make(map[string]pipeline.Status),
		errs:     make(map[string]error),
	}
}

func (m *mockStatuses) StatusOf(_ context.Context, _ string, id string) (pipeline.Status, error) {
	m.mu.Lock()
	m.calls = append(m.calls, id)
	before := m.before
	m.mu.Unlock()

	if before != nil {
		before(id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs[id]; err != nil {
		return "", err
	}
	return m.statuses[id], nil
}

func (m *mockStatuses) set(id string, status pipeline.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[id] = status
}

func (m *mockStatuses) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// syncBuffer is a bytes.Buffer safe for the controller's goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type ControllerSuite struct {
	suite.Suite
	ctx      context.Context
	clock    *clocktesting.FakeClock
	inst     *mockInstance
	statuses *mockStatuses
	logs     *syncBuffer
	cfg      Config
}

func (s *ControllerSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = clocktesting.NewFakeClock(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	s.inst = &mockInstance{}
	s.statuses = newMockStatuses()
	s.logs = &syncBuffer{}
	s.cfg = Config{
		StopAfter:            testStopAfter,
		ResendStartAfter:     testResend,
		PipelinePollInterval: testPoll,
		InstancePollInterval: testPoll,
		Clock:                s.clock,
		Logger:               slog.New(slog.NewTextHandler(s.logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
	}
}

func (s *ControllerSuite) newController() *Controller {
	cfg := s.cfg
	cfg.Instance = s.inst
	cfg.Statuses = s.statuses
	c := New(cfg)
	s.T().Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = c.Close(ctx)
	})
	return c
}

func (s *ControllerSuite) event(c *Controller, id string, status pipeline.Status) Decision {
	return c.OnPipelineEvent(s.ctx, Event{PipelineID: id, Project: "p/a", Status: status})
}

// settle waits for start and stop calls that have already been issued.
func (s *ControllerSuite) settle(c *Controller) {
	c.inflight.Wait()
}

// believeOn puts the controller in the state a successful start would
// leave behind.
func (s *ControllerSuite) believeOn(c *Controller) {
	c.mu.Lock()
	c.believedOn = true
	c.lastStart = s.clock.Now()
	c.mu.Unlock()
	s.inst.setRunning(true)
}

func (s *ControllerSuite) stopPending(c *Controller) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, pending := c.stopTimer.Pending()
	return pending
}

func (s *ControllerSuite) trackedIDs(c *Controller) []string {
	var ids []string
	for _, p := range c.Pipelines() {
		ids = append(ids, p.ID)
	}
	return ids
}

func TestControllerSuite(t *testing.T) {
	suite.Run(t, new(ControllerSuite))
}

// ---------------------------------------------------------------------------
// Start decisions
// ---------------------------------------------------------------------------

func (s *ControllerSuite) TestActiveEvent_StartsOnceWhenOff() {
	c := s.newController()

	assert.Equal(s.T(), DecisionStart, s.event(c, "1", pipeline.StatusRunning))
	s.settle(c)
	assert.Equal(s.T(), 1, s.inst.starts())
	assert.True(s.T(), c.BelievedOn())

	// A different pipeline within the resend window does not restart.
	assert.Equal(s.T(), DecisionNone, s.event(c, "2", pipeline.StatusPending))
	s.settle(c)
	assert.Equal(s.T(), 1, s.inst.starts())
	assert.Equal(s.T(), []string{"1", "2"}, s.trackedIDs(c))
}

func (s *ControllerSuite) TestActiveEvent_NoSecondStartWhileInFlight() {
	gate := make(chan struct{})
	s.inst.startGate = gate
	c := s.newController()

	assert.Equal(s.T(), DecisionStart, s.event(c, "1", pipeline.StatusCreated))
	assert.Equal(s.T(), DecisionNone, s.event(c, "2", pipeline.StatusCreated))
	assert.True(s.T(), c.State().Starting)

	close(gate)
	s.settle(c)
	assert.Equal(s.T(), 1, s.inst.starts())
	assert.False(s.T(), c.State().Starting)
}

func (s *ControllerSuite) TestActiveEvent_ResendAfterWindow() {
	c := s.newController()

	s.event(c, "1", pipeline.StatusRunning)
	s.settle(c)
	require.Equal(s.T(), 1, s.inst.starts())

	s.clock.Step(testResend - time.Second)
	assert.Equal(s.T(), DecisionNone, s.event(c, "1", pipeline.StatusRunning))

	s.clock.Step(2 * time.Second)
	assert.Equal(s.T(), DecisionStart, s.event(c, "2", pipeline.StatusRunning))
	s.settle(c)
	assert.Equal(s.T(), 2, s.inst.starts())
	assert.Equal(s.T(), s.clock.Now(), c.State().LastStart)
}

func (s *ControllerSuite) TestActiveEvent_StartRetriedOnce() {
	s.inst.startErrs = []error{errors.New("503 backend"), errors.New("503 backend")}
	c := s.newController()

	assert.Equal(s.T(), DecisionStart, s.event(c, "1", pipeline.StatusRunning))
	s.settle(c)
	assert.Equal(s.T(), 2, s.inst.starts())
	assert.False(s.T(), c.BelievedOn())
	assert.Contains(s.T(), s.logs.String(), "instance start gave up")

	// Belief is still off, so the next active event tries again.
	assert.Equal(s.T(), DecisionStart, s.event(c, "1", pipeline.StatusRunning))
	s.settle(c)
	assert.Equal(s.T(), 3, s.inst.starts())
	assert.True(s.T(), c.BelievedOn())
}

func (s *ControllerSuite) TestActiveEvent_RetrySucceeds() {
	s.inst.startErrs = []error{errors.New("connection reset")}
	c := s.newController()

	s.event(c, "1", pipeline.StatusRunning)
	s.settle(c)
	assert.Equal(s.T(), 2, s.inst.starts())
	assert.True(s.T(), c.BelievedOn())
}

func (s *ControllerSuite) TestActiveEvent_ZeroLastStartNudgesProbedInstance() {
	s.inst.setRunning(true)
	c := s.newController()
	require.NoError(s.T(), c.Probe(s.ctx))
	require.True(s.T(), c.BelievedOn())

	assert.Equal(s.T(), DecisionStart, s.event(c, "1", pipeline.StatusRunning))
	s.settle(c)
	assert.Equal(s.T(), 1, s.inst.starts())
}

// ---------------------------------------------------------------------------
// Stop timer
// ---------------------------------------------------------------------------

func (s *ControllerSuite) TestScenario_TwoPipelinesOneStartOneStop() {
	c := s.newController()

	assert.Equal(s.T(), DecisionStart, s.event(c, "1", pipeline.StatusRunning))
	s.settle(c)
	assert.Len(s.T(), c.Pipelines(), 1)

	assert.Equal(s.T(), DecisionNone, s.event(c, "2", pipeline.StatusRunning))
	assert.Len(s.T(), c.Pipelines(), 2)

	assert.Equal(s.T(), DecisionNone, s.event(c, "1", pipeline.StatusSuccess))
	assert.Len(s.T(), c.Pipelines(), 1)
	assert.False(s.T(), s.stopPending(c))

	assert.Equal(s.T(), DecisionArmStop, s.event(c, "2", pipeline.StatusSuccess))
	assert.Empty(s.T(), c.Pipelines())
	assert.True(s.T(), s.stopPending(c))
	assert.Equal(s.T(), "2", c.State().StopReason)

	assert.Equal(s.T(), 1, s.inst.starts())
	assert.Equal(s.T(), 0, s.inst.stops())

	s.clock.Step(testStopAfter)
	assert.Eventually(s.T(), func() bool { return s.inst.stops() == 1 }, waitFor, tick)
	s.settle(c)
	assert.False(s.T(), c.BelievedOn())
	assert.Contains(s.T(), s.logs.String(), "instance stopped")
}

func (s *ControllerSuite) TestStopTimer_RearmTimedFromSecondArm() {
	c := s.newController()
	s.believeOn(c)

	s.event(c, "1", pipeline.StatusFailed)
	s.clock.Step(testStopAfter / 2)
	s.event(c, "2", pipeline.StatusCanceled)

	s.clock.Step(testStopAfter / 2)
	assert.Never(s.T(), func() bool { return s.inst.stops() > 0 }, 100*time.Millisecond, tick)

	s.clock.Step(testStopAfter / 2)
	assert.Eventually(s.T(), func() bool { return s.inst.stops() == 1 }, waitFor, tick)
	s.clock.Step(testStopAfter)
	assert.Never(s.T(), func() bool { return s.inst.stops() > 1 }, 100*time.Millisecond, tick)
}

func (s *ControllerSuite) TestStopTimer_ActiveEventCancelsPendingStop() {
	c := s.newController()
	s.believeOn(c)

	s.event(c, "1", pipeline.StatusSuccess)
	require.True(s.T(), s.stopPending(c))

	s.event(c, "2", pipeline.StatusRunning)
	assert.False(s.T(), s.stopPending(c))

	s.clock.Step(testStopAfter)
	assert.Never(s.T(), func() bool { return s.inst.stops() > 0 }, 100*time.Millisecond, tick)
	assert.False(s.T(), s.clock.HasWaiters())
}

func (s *ControllerSuite) TestStopTimer_NoProviderCallWhenTrackerNonEmpty() {
	c := s.newController()
	s.believeOn(c)

	s.event(c, "1", pipeline.StatusSuccess)
	require.True(s.T(), s.stopPending(c))

	// Track a pipeline behind the timer's back, as a racing event would.
	c.mu.Lock()
	c.tracker.Upsert("9", "p/b")
	c.mu.Unlock()

	s.clock.Step(testStopAfter)
	assert.Eventually(s.T(), func() bool { return !s.stopPending(c) }, waitFor, tick)
	assert.Never(s.T(), func() bool { return s.inst.stops() > 0 }, 100*time.Millisecond, tick)
	assert.True(s.T(), c.BelievedOn())
}

func (s *ControllerSuite) TestStopTimer_UnknownTerminalStillArms() {
	c := s.newController()

	assert.Equal(s.T(), DecisionArmStop, s.event(c, "404", pipeline.StatusSkipped))
	assert.True(s.T(), s.stopPending(c))
}

func (s *ControllerSuite) TestStopTimer_FailureKeepsBelief() {
	s.inst.stopErr = errors.New("permission denied")
	c := s.newController()
	s.believeOn(c)

	s.event(c, "1", pipeline.StatusSuccess)
	s.clock.Step(testStopAfter)
	assert.Eventually(s.T(), func() bool { return s.inst.stops() == 1 }, waitFor, tick)
	s.settle(c)

	assert.True(s.T(), c.BelievedOn())
	assert.Contains(s.T(), s.logs.String(), "instance stop failed")
}

// ---------------------------------------------------------------------------
// Reset
// ---------------------------------------------------------------------------

func (s *ControllerSuite) TestReset_EmptyTrackerBelievedOn() {
	c := s.newController()
	s.believeOn(c)

	c.Reset(s.ctx)

	st := c.State()
	assert.True(s.T(), st.StopPending)
	assert.Equal(s.T(), ResetReason, st.StopReason)
	assert.Empty(s.T(), st.Pipelines)

	s.clock.Step(testStopAfter)
	assert.Eventually(s.T(), func() bool { return s.inst.stops() == 1 }, waitFor, tick)
	s.settle(c)
	assert.False(s.T(), c.BelievedOn())
	assert.Empty(s.T(), c.Pipelines())
}

func (s *ControllerSuite) TestReset_ClearsTrackedPipelines() {
	c := s.newController()
	s.believeOn(c)
	s.event(c, "1", pipeline.StatusRunning)
	s.event(c, "2", pipeline.StatusRunning)
	require.Len(s.T(), c.Pipelines(), 2)

	c.Reset(s.ctx)
	assert.Empty(s.T(), c.Pipelines())
	assert.True(s.T(), s.stopPending(c))
	assert.Contains(s.T(), s.logs.String(), "cleared=2")
}

// ---------------------------------------------------------------------------
// Unrecognized status
// ---------------------------------------------------------------------------

func (s *ControllerSuite) TestUnrecognizedStatus_WarnsAndIgnores() {
	c := s.newController()
	s.believeOn(c)
	s.event(c, "1", pipeline.StatusRunning)

	assert.Equal(s.T(), DecisionIgnored, s.event(c, "1", "waiting_for_resource"))
	assert.Equal(s.T(), DecisionIgnored, s.event(c, "2", ""))

	assert.Equal(s.T(), []string{"1"}, s.trackedIDs(c))
	assert.False(s.T(), s.stopPending(c))
	logs := s.logs.String()
	assert.Contains(s.T(), logs, "level=WARN")
	assert.Contains(s.T(), logs, "unrecognized pipeline status")
}

// ---------------------------------------------------------------------------
// Probe and Close
// ---------------------------------------------------------------------------

func (s *ControllerSuite) TestProbe_ErrorLeavesBeliefOff() {
	s.inst.isRunningErr = errors.New("unauthorized")
	c := s.newController()

	err := c.Probe(s.ctx)
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "unauthorized")
	assert.False(s.T(), c.BelievedOn())
	assert.True(s.T(), c.State().ObservedAt.IsZero())
	assert.NotContains(s.T(), s.logs.String(), "failed")
}

func (s *ControllerSuite) TestClose_CancelsPendingStopWithoutStopping() {
	c := s.newController()
	s.believeOn(c)
	s.event(c, "1", pipeline.StatusSuccess)
	require.True(s.T(), s.stopPending(c))

	require.NoError(s.T(), c.Close(s.ctx))
	assert.False(s.T(), s.stopPending(c))

	s.clock.Step(testStopAfter)
	assert.Never(s.T(), func() bool { return s.inst.stops() > 0 }, 100*time.Millisecond, tick)
}

func (s *ControllerSuite) TestClose_WaitsForInFlightStart() {
	gate := make(chan struct{})
	s.inst.startGate = gate
	c := s.newController()
	s.event(c, "1", pipeline.StatusRunning)

	ctx, cancel := context.WithTimeout(s.ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(s.T(), c.Close(ctx), context.DeadlineExceeded)

	close(gate)
	assert.NoError(s.T(), c.Close(s.ctx))
	assert.Equal(s.T(), 1, s.inst.starts())
}

// ---------------------------------------------------------------------------
// Tracker size property
// ---------------------------------------------------------------------------

func (s *ControllerSuite) TestTrackerSizeMatchesLastActiveStatus() {
	c := s.newController()
	s.believeOn(c)

	statuses := []pipeline.Status{
		pipeline.StatusCreated, pipeline.StatusPending, pipeline.StatusRunning,
		pipeline.StatusSuccess, pipeline.StatusFailed, pipeline.StatusCanceled,
		pipeline.StatusSkipped, pipeline.StatusManual, "bogus",
	}
	ids := []string{"1", "2", "3", "4", "5"}
	last := make(map[string]pipeline.Status)
	rng := rand.New(rand.NewPCG(1, 2))

	for range 500 {
		id := ids[rng.IntN(len(ids))]
		status := statuses[rng.IntN(len(statuses))]
		s.event(c, id, status)
		if status.Valid() {
			last[id] = status
		}

		want := 0
		for _, st := range last {
			if st.IsActive() {
				want++
			}
		}
		require.Len(s.T(), c.Pipelines(), want)
	}
	s.settle(c)
}
