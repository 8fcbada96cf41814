// Package gcp implements the instance.Instance interface for a single,
// pre-created Google Cloud Compute Engine VM.
//
// Authentication uses Application Default Credentials (ADC).  No
// credential fields exist in Config -- auth is handled by the
// environment (attached service account, Workload Identity Federation,
// GOOGLE_APPLICATION_CREDENTIALS, or gcloud auth application-default login).
package gcp

import (
	"context"
	"fmt"
	"log/slog"

	compute "cloud.google.com/go/compute/apiv1"
	computepb "cloud.google.com/go/compute/apiv1/computepb"
	gax "github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/lazyrunner/internal/instance"
)

// Config identifies the VM to toggle.
type Config struct {
	// Project is the GCP project ID (required).
	Project string

	// Zone is the zone the VM lives in (required).
	Zone string

	// Name is the VM instance name (required).
	Name string
}

// operationWaiter is the subset of *compute.Operation used here.
type operationWaiter interface {
	Wait(ctx context.Context, opts ...gax.CallOption) error
}

// instancesAPI is the subset of *compute.InstancesClient used here.
type instancesAPI interface {
	Start(ctx context.Context, req *computepb.StartInstanceRequest) (operationWaiter, error)
	Stop(ctx context.Context, req *computepb.StopInstanceRequest) (operationWaiter, error)
	Get(ctx context.Context, req *computepb.GetInstanceRequest) (*computepb.Instance, error)
	Close() error
}

// restInstances adapts *compute.InstancesClient to instancesAPI.
type restInstances struct {
	c *compute.InstancesClient
}

func (r restInstances) Start(ctx context.Context, req *computepb.StartInstanceRequest) (operationWaiter, error) {
	return r.c.Start(ctx, req)
}

func (r restInstances) Stop(ctx context.Context, req *computepb.StopInstanceRequest) (operationWaiter, error) {
	return r.c.Stop(ctx, req)
}

func (r restInstances) Get(ctx context.Context, req *computepb.GetInstanceRequest) (*computepb.Instance, error) {
	return r.c.Get(ctx, req)
}

func (r restInstances) Close() error { return r.c.Close() }

// runningStates are the Compute Engine statuses that count as powered on.
var runningStates = map[string]bool{
	"PROVISIONING": true,
	"STAGING":      true,
	"RUNNING":      true,
}

// Instance toggles a Compute Engine VM.
type Instance struct {
	client instancesAPI
	cfg    Config
	logger *slog.Logger

	tracer trace.Tracer
}

// Compile-time check that Instance satisfies the instance.Instance interface.
var _ instance.Instance = (*Instance)(nil)

// New creates a GCP instance client using Application Default Credentials.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Instance, error) {
	client, err := compute.NewInstancesRESTClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcp instances client: %w", err)
	}

	logger.Info("gcp instance client initialized",
		slog.String("project", cfg.Project),
		slog.String("zone", cfg.Zone),
		slog.String("instance", cfg.Name),
	)

	return newInstance(restInstances{c: client}, cfg, logger), nil
}

func newInstance(client instancesAPI, cfg Config, logger *slog.Logger) *Instance {
	return &Instance{
		client: client,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("lazyrunner/instance/gcp"),
	}
}

// Start starts the VM, waits for the operation, then reports the
// resulting status.  Starting a RUNNING VM is a no-op on the GCP side.
func (i *Instance) Start(ctx context.Context) (bool, error) {
	ctx, span := i.startSpan(ctx, "instance.gcp.Start")
	defer span.End()

	i.logger.Info("starting VM", slog.String("instance", i.cfg.Name))

	op, err := i.client.Start(ctx, &computepb.StartInstanceRequest{
		Project:  i.cfg.Project,
		Zone:     i.cfg.Zone,
		Instance: i.cfg.Name,
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("start instance %s: %w", i.cfg.Name, err)
	}

	span.AddEvent("waiting for GCP operation")
	if err := op.Wait(ctx); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("waiting for start of %s: %w", i.cfg.Name, err)
	}

	running, err := i.IsRunning(ctx)
	if err != nil {
		return false, err
	}
	span.SetAttributes(attribute.Bool("gcp.running", running))

	i.logger.Info("VM start finished",
		slog.String("instance", i.cfg.Name),
		slog.Bool("running", running),
	)
	return running, nil
}

// Stop stops the VM and waits for the operation.  Stopping a TERMINATED
// VM is a no-op on the GCP side.
func (i *Instance) Stop(ctx context.Context) error {
	ctx, span := i.startSpan(ctx, "instance.gcp.Stop")
	defer span.End()

	i.logger.Info("stopping VM", slog.String("instance", i.cfg.Name))

	op, err := i.client.Stop(ctx, &computepb.StopInstanceRequest{
		Project:  i.cfg.Project,
		Zone:     i.cfg.Zone,
		Instance: i.cfg.Name,
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("stop instance %s: %w", i.cfg.Name, err)
	}

	span.AddEvent("waiting for GCP operation")
	if err := op.Wait(ctx); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("waiting for stop of %s: %w", i.cfg.Name, err)
	}

	i.logger.Info("VM stopped", slog.String("instance", i.cfg.Name))
	return nil
}

// IsRunning reports whether the VM status is PROVISIONING, STAGING or RUNNING.
func (i *Instance) IsRunning(ctx context.Context) (bool, error) {
	inst, err := i.client.Get(ctx, &computepb.GetInstanceRequest{
		Project:  i.cfg.Project,
		Zone:     i.cfg.Zone,
		Instance: i.cfg.Name,
	})
	if err != nil {
		return false, fmt.Errorf("get instance %s: %w", i.cfg.Name, err)
	}

	i.logger.Debug("VM status", slog.String("instance", i.cfg.Name), slog.String("status", inst.GetStatus()))
	return runningStates[inst.GetStatus()], nil
}

// Close closes the underlying API client.
func (i *Instance) Close() error {
	return i.client.Close()
}

func (i *Instance) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	ctx, span := i.tracer.Start(ctx, name)
	span.SetAttributes(
		attribute.String("gcp.project", i.cfg.Project),
		attribute.String("gcp.zone", i.cfg.Zone),
		attribute.String("gcp.instance_name", i.cfg.Name),
	)
	return ctx, span
}
