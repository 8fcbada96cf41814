package lifecycle

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/metric"
)

// initMetrics creates the controller's instruments.  Errors are logged
// but not fatal; a nil instrument is skipped at the call site.
func (c *Controller) initMetrics() {
	var err error

	c.events, err = c.meter.Int64Counter(
		"lazyrunner.events",
		metric.WithDescription("Pipeline events handled, by status class"),
		metric.WithUnit("1"),
	)
	if err != nil {
		c.logger.Warn("failed to create events counter", slog.String("error", err.Error()))
	}

	c.instanceStarts, err = c.meter.Int64Counter(
		"lazyrunner.instance.starts",
		metric.WithDescription("Instance start calls, by result"),
		metric.WithUnit("1"),
	)
	if err != nil {
		c.logger.Warn("failed to create instanceStarts counter", slog.String("error", err.Error()))
	}

	c.instanceStops, err = c.meter.Int64Counter(
		"lazyrunner.instance.stops",
		metric.WithDescription("Instance stop calls, by result"),
		metric.WithUnit("1"),
	)
	if err != nil {
		c.logger.Warn("failed to create instanceStops counter", slog.String("error", err.Error()))
	}

	c.stopTimerArmed, err = c.meter.Int64Counter(
		"lazyrunner.stop_timer.armed",
		metric.WithDescription("Times the stop timer was armed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		c.logger.Warn("failed to create stopTimerArmed counter", slog.String("error", err.Error()))
	}

	c.pipelinesRetired, err = c.meter.Int64Counter(
		"lazyrunner.pipelines.retired",
		metric.WithDescription("Tracked pipelines retired, by source (webhook or poll)"),
		metric.WithUnit("1"),
	)
	if err != nil {
		c.logger.Warn("failed to create pipelinesRetired counter", slog.String("error", err.Error()))
	}

	_, err = c.meter.Int64ObservableGauge(
		"lazyrunner.pipelines.active",
		metric.WithDescription("Pipelines currently tracked as active"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			c.mu.Lock()
			n := c.tracker.Len()
			c.mu.Unlock()
			o.Observe(int64(n))
			return nil
		}),
	)
	if err != nil {
		c.logger.Warn("failed to create active pipelines gauge", slog.String("error", err.Error()))
	}

	_, err = c.meter.Int64ObservableGauge(
		"lazyrunner.instance.believed_on",
		metric.WithDescription("1 when the instance is believed to be on"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			c.mu.Lock()
			on := c.believedOn
			c.mu.Unlock()
			var v int64
			if on {
				v = 1
			}
			o.Observe(v)
			return nil
		}),
	)
	if err != nil {
		c.logger.Warn("failed to create believed_on gauge", slog.String("error", err.Error()))
	}
}
