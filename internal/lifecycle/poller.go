package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/terrpan/lazyrunner/internal/pipeline"
)

// Run drives both pollers until ctx is done.  A poller whose interval
// is <= 0 is not started.
func (c *Controller) Run(ctx context.Context) error {
	var g errgroup.Group
	g.Go(func() error {
		c.loop(ctx, "pipelines", c.pipelinePollInterval, c.PollPipelines)
		return nil
	})
	g.Go(func() error {
		c.loop(ctx, "instance", c.instancePollInterval, c.PollInstance)
		return nil
	})
	return g.Wait()
}

func (c *Controller) loop(ctx context.Context, name string, interval time.Duration, poll func(context.Context)) {
	log := c.logger.With(slog.String("poller", name))
	if interval <= 0 {
		log.Info("poller disabled")
		return
	}

	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()
	log.Info("poller started", slog.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			log.Info("poller stopped")
			return
		case <-ticker.C():
			poll(ctx)
		}
	}
}

// PollPipelines asks the status client about every tracked pipeline and
// retires the ones that have finished.  It does nothing while the
// instance is believed off or nothing is tracked.  Queries run
// concurrently, all at once unless PollConcurrency caps them; a failed
// query leaves its pipeline tracked.
func (c *Controller) PollPipelines(ctx context.Context) {
	ctx, span := c.tracer.Start(ctx, "lifecycle.PollPipelines")
	defer span.End()

	c.mu.Lock()
	on := c.believedOn
	snapshot := c.tracker.Snapshot()
	c.mu.Unlock()

	span.SetAttributes(
		attribute.Bool("lifecycle.believed_on", on),
		attribute.Int("lifecycle.tracked", len(snapshot)),
	)
	if !on || len(snapshot) == 0 {
		c.logger.Debug("pipeline poll skipped",
			slog.Bool("believedOn", on),
			slog.Int("tracked", len(snapshot)),
		)
		return
	}

	var g errgroup.Group
	if c.pollConcurrency > 0 {
		g.SetLimit(c.pollConcurrency)
	}
	for _, p := range snapshot {
		g.Go(func() error {
			status, err := c.statuses.StatusOf(ctx, p.Project, p.ID)
			if err != nil {
				c.logger.Warn("pipeline status query failed",
					slog.String("pipeline", p.ID),
					slog.String("project", p.Project),
					slog.String("error", err.Error()),
				)
				return nil
			}
			c.applyPolled(ctx, p.ID, status)
			return nil
		})
	}
	_ = g.Wait()
}

// applyPolled folds one poll result into the tracker.  Only pipelines
// still tracked are touched: a poll never re-adds an id a webhook has
// retired in the meantime.
func (c *Controller) applyPolled(ctx context.Context, id string, status pipeline.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()

	project, ok := c.tracker.Project(id)
	if !ok {
		return
	}
	log := c.logger.With(
		slog.String("pipeline", id),
		slog.String("project", project),
		slog.String("status", string(status)),
	)

	switch status.Class() {
	case pipeline.ClassTerminal:
		c.retireLocked(ctx, log, id, "poll")
	case pipeline.ClassActive:
		log.Debug("pipeline still active")
	default:
		log.Warn("unrecognized pipeline status")
	}
}

// PollInstance asks the provider whether the instance is running and
// overwrites the belief with the answer.  On error the belief is kept.
func (c *Controller) PollInstance(ctx context.Context) {
	ctx, span := c.tracer.Start(ctx, "lifecycle.PollInstance")
	defer span.End()

	running, err := c.instance.IsRunning(ctx)
	if err != nil {
		c.logger.Warn("instance status query failed", slog.String("error", err.Error()))
		return
	}
	span.SetAttributes(attribute.Bool("instance.running", running))

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.believedOn != running {
		c.logger.Info("instance belief corrected",
			slog.Bool("was", c.believedOn),
			slog.Bool("now", running),
		)
	}
	c.believedOn = running
	c.observedOn = running
	c.observedAt = c.clock.Now()
}
