// Package lifecycle decides when the single CI runner instance should
// be powered on or off.  Pipeline webhooks feed OnPipelineEvent; two
// reconciliation pollers (PollPipelines and PollInstance) repair the
// state when webhooks are lost or the instance changes out of band.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/utils/clock"

	"github.com/terrpan/lazyrunner/internal/instance"
	"github.com/terrpan/lazyrunner/internal/pipeline"
)

// ResetReason is the stop timer reason used by a manual reset.
const ResetReason = "-1"

// Default timings, used when the corresponding Config field is zero.
const (
	DefaultStopAfter        = 10 * time.Minute
	DefaultResendStartAfter = 5 * time.Minute
	DefaultActionTimeout    = 5 * time.Minute
)

// StatusClient looks up the current status of a pipeline.  Errors are
// logged by the poller and the pipeline is retried on the next pass.
type StatusClient interface {
	StatusOf(ctx context.Context, project, id string) (pipeline.Status, error)
}

// Event is a pipeline status notification.
type Event struct {
	PipelineID string
	Project    string
	Status     pipeline.Status

	// DeliveryID and User are carried for logging only.
	DeliveryID string
	User       string
}

// Decision is what OnPipelineEvent did with an event.
type Decision int

const (
	// DecisionNone means the tracker was updated but no instance action
	// was scheduled.
	DecisionNone Decision = iota
	// DecisionStart means an instance start was issued.
	DecisionStart
	// DecisionArmStop means the tracker became empty and the stop timer
	// was (re)armed.
	DecisionArmStop
	// DecisionIgnored means the status was not recognized.
	DecisionIgnored
)

func (d Decision) String() string {
	switch d {
	case DecisionStart:
		return "start"
	case DecisionArmStop:
		return "arm_stop"
	case DecisionIgnored:
		return "ignored"
	default:
		return "none"
	}
}

// Config holds the Controller's collaborators and timings.
type Config struct {
	Instance instance.Instance
	Statuses StatusClient

	// StopAfter is the idle window between the tracker emptying and the
	// instance being stopped.
	StopAfter time.Duration

	// ResendStartAfter is how long after a successful start a new active
	// event re-issues the start even though the instance is believed on.
	ResendStartAfter time.Duration

	// PipelinePollInterval and InstancePollInterval drive Run.  A value
	// <= 0 disables the corresponding poller.
	PipelinePollInterval time.Duration
	InstancePollInterval time.Duration

	// PollConcurrency bounds the status queries a pipeline poll keeps in
	// flight.  Zero queries every tracked pipeline at once.
	PollConcurrency int

	// ActionTimeout bounds a single start or stop call.
	ActionTimeout time.Duration

	Clock  Clock
	Logger *slog.Logger
}

// State is a point-in-time copy of the controller's view, for the
// listing endpoint and health checks.
type State struct {
	Pipelines   []Tracked `json:"pipelines"`
	BelievedOn  bool      `json:"believed_on"`
	ObservedOn  bool      `json:"observed_on"`
	ObservedAt  time.Time `json:"observed_at,omitzero"`
	LastStart   time.Time `json:"last_start,omitzero"`
	Starting    bool      `json:"starting"`
	Stopping    bool      `json:"stopping"`
	StopPending bool      `json:"stop_pending"`
	StopReason  string    `json:"stop_reason,omitempty"`
	StopAfter   string    `json:"stop_after"`
	ResendAfter string    `json:"resend_start_after"`
}

// Controller owns the pipeline tracker, the instance belief and the
// stop timer.  All of them live under one lock; calls to the instance
// and to the status client are made outside it.
type Controller struct {
	instance             instance.Instance
	statuses             StatusClient
	resendStartAfter     time.Duration
	pipelinePollInterval time.Duration
	instancePollInterval time.Duration
	pollConcurrency      int
	actionTimeout        time.Duration
	clock                Clock
	logger               *slog.Logger

	mu         sync.Mutex
	tracker    *Tracker
	stopTimer  *Debouncer
	believedOn bool
	lastStart  time.Time
	starting   bool
	stopping   bool
	observedOn bool
	observedAt time.Time

	// inflight counts start and stop calls that have been issued but
	// not yet returned.
	inflight sync.WaitGroup

	// OpenTelemetry instrumentation
	tracer trace.Tracer
	meter  metric.Meter

	// Metrics
	events           metric.Int64Counter
	instanceStarts   metric.Int64Counter
	instanceStops    metric.Int64Counter
	stopTimerArmed   metric.Int64Counter
	pipelinesRetired metric.Int64Counter
}

// New creates a Controller.  The instance is believed off until Probe
// or PollInstance says otherwise.
func New(cfg Config) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.StopAfter == 0 {
		cfg.StopAfter = DefaultStopAfter
	}
	if cfg.ResendStartAfter == 0 {
		cfg.ResendStartAfter = DefaultResendStartAfter
	}
	if cfg.ActionTimeout == 0 {
		cfg.ActionTimeout = DefaultActionTimeout
	}

	c := &Controller{
		instance:             cfg.Instance,
		statuses:             cfg.Statuses,
		resendStartAfter:     cfg.ResendStartAfter,
		pipelinePollInterval: cfg.PipelinePollInterval,
		instancePollInterval: cfg.InstancePollInterval,
		pollConcurrency:      cfg.PollConcurrency,
		actionTimeout:        cfg.ActionTimeout,
		clock:                cfg.Clock,
		logger:               cfg.Logger,
		tracker:              NewTracker(),
		tracer:               otel.Tracer("lazyrunner/lifecycle"),
		meter:                otel.Meter("lazyrunner/lifecycle"),
	}
	c.stopTimer = NewDebouncer(cfg.Clock, cfg.StopAfter, c.onStopTimer)
	c.initMetrics()

	return c
}

// ---------------------------------------------------------------------------
// Webhook path
// ---------------------------------------------------------------------------

// OnPipelineEvent applies a pipeline status change.
//
// An active status cancels any pending stop, tracks the pipeline and
// issues a start when the instance is believed off, or when the last
// successful start is older than the resend window.  A terminal status
// retires the pipeline and arms the stop timer once nothing is tracked.
// Anything else is logged and ignored.
func (c *Controller) OnPipelineEvent(ctx context.Context, ev Event) Decision {
	ctx, span := c.tracer.Start(ctx, "lifecycle.OnPipelineEvent")
	defer span.End()

	class := ev.Status.Class()
	span.SetAttributes(
		attribute.String("pipeline.id", ev.PipelineID),
		attribute.String("pipeline.project", ev.Project),
		attribute.String("pipeline.status", string(ev.Status)),
		attribute.String("pipeline.class", class.String()),
	)
	if c.events != nil {
		c.events.Add(ctx, 1, metric.WithAttributes(attribute.String("class", class.String())))
	}

	log := c.logger.With(
		slog.String("pipeline", ev.PipelineID),
		slog.String("project", ev.Project),
		slog.String("status", string(ev.Status)),
	)
	if ev.DeliveryID != "" {
		log = log.With(slog.String("delivery", ev.DeliveryID))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var decision Decision
	switch class {
	case pipeline.ClassActive:
		if c.stopTimer.Cancel() {
			log.Info("pending stop cancelled")
		}
		c.tracker.Upsert(ev.PipelineID, ev.Project)
		log.Info("pipeline active",
			slog.String("user", ev.User),
			slog.Int("tracked", c.tracker.Len()),
		)
		if c.shouldStartLocked() {
			c.startLocked(ctx, ev.PipelineID)
			decision = DecisionStart
		}

	case pipeline.ClassTerminal:
		if c.retireLocked(ctx, log, ev.PipelineID, "webhook") {
			decision = DecisionArmStop
		}

	default:
		log.Warn("unrecognized pipeline status")
		decision = DecisionIgnored
	}

	span.SetAttributes(attribute.String("lifecycle.decision", decision.String()))
	return decision
}

// Reset forgets every tracked pipeline and arms the stop timer, as if
// the last pipeline had just finished.
func (c *Controller) Reset(ctx context.Context) {
	_, span := c.tracer.Start(ctx, "lifecycle.Reset")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopTimer.Cancel()
	cleared := c.tracker.Len()
	c.tracker.Clear()
	c.armStopLocked(ctx, ResetReason)

	span.SetAttributes(attribute.Int("lifecycle.cleared", cleared))
	c.logger.Warn("manual reset, tracked pipelines cleared",
		slog.Int("cleared", cleared),
		slog.Duration("stopAfter", c.stopTimer.Window()),
	)
}

// Probe asks the provider for the instance state and seeds the belief
// from it.  On error the belief is left unchanged and nothing is logged;
// reporting is up to the caller.
func (c *Controller) Probe(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "lifecycle.Probe")
	defer span.End()

	running, err := c.instance.IsRunning(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("probing instance: %w", err)
	}

	c.mu.Lock()
	c.believedOn = running
	c.observedOn = running
	c.observedAt = c.clock.Now()
	c.mu.Unlock()

	c.logger.Info("instance probed", slog.Bool("running", running))
	return nil
}

// State returns a copy of the controller's current view.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	reason, pending := c.stopTimer.Pending()
	return State{
		Pipelines:   c.tracker.Snapshot(),
		BelievedOn:  c.believedOn,
		ObservedOn:  c.observedOn,
		ObservedAt:  c.observedAt,
		LastStart:   c.lastStart,
		Starting:    c.starting,
		Stopping:    c.stopping,
		StopPending: pending,
		StopReason:  reason,
		StopAfter:   c.stopTimer.Window().String(),
		ResendAfter: c.resendStartAfter.String(),
	}
}

// Pipelines returns the tracked pipelines sorted by id.
func (c *Controller) Pipelines() []Tracked {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tracker.Snapshot()
}

// BelievedOn reports whether the controller believes the instance is on.
func (c *Controller) BelievedOn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.believedOn
}

// Close cancels a pending stop and waits for in-flight start or stop
// calls to return, or for ctx to end.  It never stops the instance.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.stopTimer.Cancel() {
		c.logger.Info("pending stop cancelled on shutdown")
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ---------------------------------------------------------------------------
// internal helpers (c.mu held unless noted)
// ---------------------------------------------------------------------------

func (c *Controller) shouldStartLocked() bool {
	if c.starting {
		return false
	}
	if !c.believedOn {
		return true
	}
	// A zero lastStart means no start has succeeded since boot, so the
	// instance is nudged once even when the probe found it running.
	return c.clock.Since(c.lastStart) > c.resendStartAfter
}

// retireLocked removes id and arms the stop timer when nothing is left.
// It reports whether the timer was armed.
func (c *Controller) retireLocked(ctx context.Context, log *slog.Logger, id, source string) bool {
	remaining, existed := c.tracker.Remove(id)
	if existed && c.pipelinesRetired != nil {
		c.pipelinesRetired.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
	}
	log.Info("pipeline finished",
		slog.String("source", source),
		slog.Bool("tracked", existed),
		slog.Int("remaining", remaining),
	)
	if remaining > 0 {
		return false
	}
	c.armStopLocked(ctx, id)
	return true
}

func (c *Controller) armStopLocked(ctx context.Context, reason string) {
	c.stopTimer.Arm(reason)
	if c.stopTimerArmed != nil {
		c.stopTimerArmed.Add(ctx, 1)
	}
	c.logger.Info("stop timer armed",
		slog.String("reason", reason),
		slog.Duration("after", c.stopTimer.Window()),
	)
}

// startLocked issues an asynchronous start.  The call itself runs
// without the lock and is not cancelled by the caller's context.
func (c *Controller) startLocked(ctx context.Context, trigger string) {
	c.starting = true
	c.inflight.Add(1)
	ctx = context.WithoutCancel(ctx)

	go func() {
		defer c.inflight.Done()

		running, err := c.startInstance(ctx, trigger)

		c.mu.Lock()
		defer c.mu.Unlock()
		c.starting = false
		if err != nil {
			return
		}
		c.believedOn = running
		c.lastStart = c.clock.Now()
	}()
}

// startInstance calls Instance.Start, retrying once straight away on
// error.  Called without the lock.
func (c *Controller) startInstance(ctx context.Context, trigger string) (bool, error) {
	ctx, span := c.tracer.Start(ctx, "lifecycle.startInstance")
	defer span.End()
	span.SetAttributes(attribute.String("lifecycle.trigger", trigger))

	c.logger.Info("starting instance", slog.String("trigger", trigger))

	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, c.actionTimeout)
		running, err := c.instance.Start(callCtx)
		cancel()

		if err == nil {
			if c.instanceStarts != nil {
				c.instanceStarts.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "ok")))
			}
			c.logger.Info("instance started",
				slog.String("trigger", trigger),
				slog.Bool("running", running),
				slog.Int("attempt", attempt),
			)
			return running, nil
		}

		lastErr = err
		c.logger.Warn("instance start failed",
			slog.String("trigger", trigger),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	}

	span.SetStatus(codes.Error, lastErr.Error())
	if c.instanceStarts != nil {
		c.instanceStarts.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "error")))
	}
	c.logger.Error("instance start gave up", slog.String("trigger", trigger), slog.String("error", lastErr.Error()))
	return false, lastErr
}

// onStopTimer runs on its own goroutine when the stop timer fires.
func (c *Controller) onStopTimer(gen uint64, reason string) {
	c.mu.Lock()
	if !c.stopTimer.Claim(gen) {
		c.mu.Unlock()
		c.logger.Debug("stale stop timer ignored", slog.String("reason", reason))
		return
	}
	if n := c.tracker.Len(); n > 0 {
		c.mu.Unlock()
		c.logger.Info("stop timer fired with tracked pipelines, keeping instance",
			slog.String("reason", reason),
			slog.Int("tracked", n),
		)
		return
	}
	if c.stopping {
		c.mu.Unlock()
		c.logger.Info("stop already in flight", slog.String("reason", reason))
		return
	}
	c.stopping = true
	issuedAt := c.clock.Now()
	c.inflight.Add(1)
	c.mu.Unlock()

	defer c.inflight.Done()

	err := c.stopInstance(context.Background(), reason)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopping = false
	if err != nil {
		return
	}
	// A start that completed after this stop was issued wins.
	if c.lastStart.After(issuedAt) {
		return
	}
	c.believedOn = false
}

// stopInstance calls Instance.Stop.  Called without the lock.
func (c *Controller) stopInstance(ctx context.Context, reason string) error {
	ctx, span := c.tracer.Start(ctx, "lifecycle.stopInstance")
	defer span.End()
	span.SetAttributes(attribute.String("lifecycle.reason", reason))

	c.logger.Info("stopping instance", slog.String("reason", reason))

	callCtx, cancel := context.WithTimeout(ctx, c.actionTimeout)
	defer cancel()

	if err := c.instance.Stop(callCtx); err != nil {
		span.SetStatus(codes.Error, err.Error())
		if c.instanceStops != nil {
			c.instanceStops.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "error")))
		}
		c.logger.Error("instance stop failed", slog.String("reason", reason), slog.String("error", err.Error()))
		return err
	}

	if c.instanceStops != nil {
		c.instanceStops.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "ok")))
	}
	c.logger.Info("instance stopped", slog.String("reason", reason))
	return nil
}
