package lifecycle

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrpan/lazyrunner/internal/pipeline"
)

// ---------------------------------------------------------------------------
// PollPipelines
// ---------------------------------------------------------------------------

func (s *ControllerSuite) TestPollPipelines_RetiresFinishedPipelines() {
	c := s.newController()
	s.believeOn(c)
	for _, id := range []string{"1", "2", "3"} {
		s.event(c, id, pipeline.StatusRunning)
	}

	s.statuses.set("1", pipeline.StatusSuccess)
	s.statuses.set("2", pipeline.StatusRunning)
	s.statuses.errs["3"] = errors.New("502 bad gateway")

	c.PollPipelines(s.ctx)
	assert.Equal(s.T(), []string{"2", "3"}, s.trackedIDs(c))
	assert.False(s.T(), s.stopPending(c))
	assert.Contains(s.T(), s.logs.String(), "pipeline status query failed")

	// A not-found answer arrives as canceled and retires like a webhook.
	s.statuses.set("2", pipeline.StatusCanceled)
	delete(s.statuses.errs, "3")
	s.statuses.set("3", pipeline.StatusFailed)

	c.PollPipelines(s.ctx)
	assert.Empty(s.T(), c.Pipelines())
	assert.True(s.T(), s.stopPending(c))

	s.clock.Step(testStopAfter)
	assert.Eventually(s.T(), func() bool { return s.inst.stops() == 1 }, waitFor, tick)
}

func (s *ControllerSuite) TestPollPipelines_SkippedWhenBelievedOff() {
	c := s.newController()
	c.mu.Lock()
	c.tracker.Upsert("1", "p/a")
	c.mu.Unlock()

	c.PollPipelines(s.ctx)
	assert.Equal(s.T(), 0, s.statuses.callCount())
}

func (s *ControllerSuite) TestPollPipelines_SkippedWhenNothingTracked() {
	c := s.newController()
	s.believeOn(c)

	c.PollPipelines(s.ctx)
	assert.Equal(s.T(), 0, s.statuses.callCount())
	assert.False(s.T(), s.stopPending(c))
}

func (s *ControllerSuite) TestPollPipelines_QueriesRunConcurrently() {
	c := s.newController()
	s.believeOn(c)
	for _, id := range []string{"1", "2", "3"} {
		s.event(c, id, pipeline.StatusRunning)
		s.statuses.set(id, pipeline.StatusSuccess)
	}

	// Pipeline 1 answers only once the other two have been asked, which
	// deadlocks a sequential poll.
	var asked atomic.Int32
	s.statuses.before = func(id string) {
		asked.Add(1)
		if id != "1" {
			return
		}
		deadline := time.Now().Add(waitFor)
		for asked.Load() < 3 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
	}

	c.PollPipelines(s.ctx)
	assert.EqualValues(s.T(), 3, asked.Load())
	assert.Empty(s.T(), c.Pipelines())
}

func (s *ControllerSuite) TestPollPipelines_SlowQueriesDoNotDelayOthers() {
	const n = 20
	c := s.newController()
	s.believeOn(c)
	for i := 1; i <= n; i++ {
		id := strconv.Itoa(i)
		s.event(c, id, pipeline.StatusRunning)
		s.statuses.set(id, pipeline.StatusSuccess)
	}

	// Every query but the last one hangs until the last has been asked.
	lastAsked := make(chan struct{})
	s.statuses.before = func(id string) {
		if id == strconv.Itoa(n) {
			close(lastAsked)
			return
		}
		select {
		case <-lastAsked:
		case <-time.After(waitFor):
		}
	}

	start := time.Now()
	c.PollPipelines(s.ctx)
	assert.Less(s.T(), time.Since(start), waitFor)
	assert.Empty(s.T(), c.Pipelines())
}

func (s *ControllerSuite) TestPollPipelines_ConcurrencyCapIsOptIn() {
	s.cfg.PollConcurrency = 2
	c := s.newController()
	s.believeOn(c)
	for _, id := range []string{"1", "2", "3", "4", "5"} {
		s.event(c, id, pipeline.StatusRunning)
		s.statuses.set(id, pipeline.StatusSuccess)
	}

	var inFlight, peak atomic.Int32
	s.statuses.before = func(string) {
		cur := inFlight.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
	}

	c.PollPipelines(s.ctx)
	assert.LessOrEqual(s.T(), peak.Load(), int32(2))
	assert.Empty(s.T(), c.Pipelines())
}

func (s *ControllerSuite) TestPollPipelines_DoesNotResurrectRetiredPipeline() {
	c := s.newController()
	s.believeOn(c)
	s.event(c, "1", pipeline.StatusRunning)
	s.event(c, "2", pipeline.StatusRunning)
	s.statuses.set("1", pipeline.StatusRunning)
	s.statuses.set("2", pipeline.StatusRunning)

	// The webhook for pipeline 1 lands while its query is in flight.
	s.statuses.before = func(id string) {
		if id == "1" {
			s.event(c, "1", pipeline.StatusSuccess)
		}
	}

	c.PollPipelines(s.ctx)
	assert.Equal(s.T(), []string{"2"}, s.trackedIDs(c))
}

func (s *ControllerSuite) TestPollPipelines_UnrecognizedResultKeepsPipeline() {
	c := s.newController()
	s.believeOn(c)
	s.event(c, "1", pipeline.StatusRunning)
	s.statuses.set("1", "scheduled")

	c.PollPipelines(s.ctx)
	assert.Equal(s.T(), []string{"1"}, s.trackedIDs(c))
	assert.Contains(s.T(), s.logs.String(), "unrecognized pipeline status")
}

// ---------------------------------------------------------------------------
// PollInstance
// ---------------------------------------------------------------------------

func (s *ControllerSuite) TestPollInstance_OverwritesBelief() {
	c := s.newController()

	s.inst.setRunning(true)
	c.PollInstance(s.ctx)
	assert.True(s.T(), c.BelievedOn())
	st := c.State()
	assert.True(s.T(), st.ObservedOn)
	assert.Equal(s.T(), s.clock.Now(), st.ObservedAt)

	s.inst.setRunning(false)
	c.PollInstance(s.ctx)
	assert.False(s.T(), c.BelievedOn())
	assert.Contains(s.T(), s.logs.String(), "instance belief corrected")
}

func (s *ControllerSuite) TestPollInstance_ErrorKeepsBelief() {
	c := s.newController()
	s.believeOn(c)
	s.inst.isRunningErr = errors.New("timeout")

	c.PollInstance(s.ctx)
	assert.True(s.T(), c.BelievedOn())
}

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

func (s *ControllerSuite) TestRun_TicksBothPollers() {
	s.cfg.PipelinePollInterval = testPoll
	s.cfg.InstancePollInterval = 2 * testPoll
	c := s.newController()
	s.believeOn(c)
	s.event(c, "1", pipeline.StatusRunning)
	s.statuses.set("1", pipeline.StatusRunning)

	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	assert.Eventually(s.T(), func() bool {
		return strings.Count(s.logs.String(), "poller started") == 2
	}, waitFor, tick)
	s.clock.Step(testPoll)
	assert.Eventually(s.T(), func() bool { return s.statuses.callCount() == 1 }, waitFor, tick)
	assert.Equal(s.T(), 0, s.inst.probes())

	s.clock.Step(testPoll)
	assert.Eventually(s.T(), func() bool { return s.inst.probes() == 1 }, waitFor, tick)

	cancel()
	select {
	case err := <-done:
		require.NoError(s.T(), err)
	case <-time.After(waitFor):
		s.T().Fatal("Run did not return after cancel")
	}
}

func (s *ControllerSuite) TestRun_NonPositiveIntervalDisablesPoller() {
	s.cfg.PipelinePollInterval = 0
	s.cfg.InstancePollInterval = -time.Second
	c := s.newController()

	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	// Both loops return straight away, so Run does too.
	select {
	case err := <-done:
		require.NoError(s.T(), err)
	case <-time.After(waitFor):
		s.T().Fatal("Run with both pollers disabled did not return")
	}
	cancel()

	assert.False(s.T(), s.clock.HasWaiters())
	assert.Contains(s.T(), s.logs.String(), "poller disabled")
}
