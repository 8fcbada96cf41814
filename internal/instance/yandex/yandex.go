// Package yandex implements the instance.Instance interface for a single
// Yandex Cloud Compute instance through the Compute REST API.
//
// Requests are authenticated with an IAM token obtained by TokenSource
// from a service account authorized key.
package yandex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/lazyrunner/internal/instance"
)

// DefaultEndpoint is the Compute API base URL.
const DefaultEndpoint = "https://compute.api.cloud.yandex.net/compute/v1"

// Config identifies the instance to toggle.
type Config struct {
	// InstanceID is the Compute instance ID (required).
	InstanceID string

	// Endpoint overrides DefaultEndpoint.
	Endpoint string

	// RetryMax is the number of HTTP retries per call.
	RetryMax int
}

// tokenProvider is satisfied by *TokenSource.
type tokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// runningStates are the Compute statuses that count as powered on.
var runningStates = map[string]bool{
	"PROVISIONING": true,
	"STARTING":     true,
	"RUNNING":      true,
}

type instanceResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type operationResponse struct {
	ID    string `json:"id"`
	Done  bool   `json:"done"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Instance toggles a Yandex Cloud Compute instance.
type Instance struct {
	id       string
	endpoint string
	tokens   tokenProvider
	http     *retryablehttp.Client
	logger   *slog.Logger

	tracer trace.Tracer
}

// Compile-time check that Instance satisfies the instance.Instance interface.
var _ instance.Instance = (*Instance)(nil)

// New creates a Yandex Cloud instance client.
func New(cfg Config, tokens *TokenSource, logger *slog.Logger) *Instance {
	return newInstance(cfg, tokens, logger)
}

func newInstance(cfg Config, tokens tokenProvider, logger *slog.Logger) *Instance {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	return &Instance{
		id:       cfg.InstanceID,
		endpoint: cfg.Endpoint,
		tokens:   tokens,
		http:     newHTTPClient(cfg.RetryMax, logger),
		logger:   logger,
		tracer:   otel.Tracer("lazyrunner/instance/yandex"),
	}
}

// newHTTPClient returns a retrying client that hands non-2xx responses
// back to the caller instead of turning them into errors.
func newHTTPClient(retryMax int, logger *slog.Logger) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = retryMax
	c.RetryWaitMin = 200 * time.Millisecond
	c.RetryWaitMax = 2 * time.Second
	c.HTTPClient.Timeout = 30 * time.Second
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
	c.Logger = logger
	return c
}

// Start starts the instance unless it is already running-ish.  The
// returned bool is true once the provider has accepted the start
// operation (the instance is then STARTING, which counts as running).
func (i *Instance) Start(ctx context.Context) (bool, error) {
	ctx, span := i.tracer.Start(ctx, "instance.yandex.Start")
	defer span.End()
	span.SetAttributes(attribute.String("yandex.instance_id", i.id))

	running, err := i.IsRunning(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}
	if running {
		i.logger.Info("instance already running, start skipped", slog.String("instance", i.id))
		return true, nil
	}

	op, err := i.action(ctx, "start")
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}

	i.logger.Info("instance start accepted",
		slog.String("instance", i.id),
		slog.String("operation", op.ID),
		slog.Bool("done", op.Done),
	)
	return true, nil
}

// Stop stops the instance unless it is already stopped.
func (i *Instance) Stop(ctx context.Context) error {
	ctx, span := i.tracer.Start(ctx, "instance.yandex.Stop")
	defer span.End()
	span.SetAttributes(attribute.String("yandex.instance_id", i.id))

	running, err := i.IsRunning(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if !running {
		i.logger.Info("instance not running, stop skipped", slog.String("instance", i.id))
		return nil
	}

	op, err := i.action(ctx, "stop")
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	i.logger.Info("instance stop accepted",
		slog.String("instance", i.id),
		slog.String("operation", op.ID),
		slog.Bool("done", op.Done),
	)
	return nil
}

// IsRunning reports whether the status is PROVISIONING, STARTING or RUNNING.
func (i *Instance) IsRunning(ctx context.Context) (bool, error) {
	var inst instanceResponse
	if err := i.do(ctx, http.MethodGet, i.instanceURL(""), &inst); err != nil {
		return false, fmt.Errorf("get instance %s: %w", i.id, err)
	}

	i.logger.Debug("instance status", slog.String("instance", i.id), slog.String("status", inst.Status))
	return runningStates[inst.Status], nil
}

// Close drops idle HTTP connections.  The instance is left as is.
func (i *Instance) Close() error {
	i.http.HTTPClient.CloseIdleConnections()
	return nil
}

func (i *Instance) action(ctx context.Context, verb string) (*operationResponse, error) {
	var op operationResponse
	if err := i.do(ctx, http.MethodPost, i.instanceURL(":"+verb), &op); err != nil {
		return nil, fmt.Errorf("%s instance %s: %w", verb, i.id, err)
	}
	if op.Error != nil {
		return nil, fmt.Errorf("%s instance %s: operation %s failed: %d %s", verb, i.id, op.ID, op.Error.Code, op.Error.Message)
	}
	return &op, nil
}

func (i *Instance) instanceURL(suffix string) string {
	return fmt.Sprintf("%s/instances/%s%s", i.endpoint, url.PathEscape(i.id), suffix)
}

func (i *Instance) do(ctx context.Context, method, rawURL string, target any) error {
	token, err := i.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("iam token: %w", err)
	}

	var body io.Reader
	if method == http.MethodPost {
		body = bytes.NewReader([]byte("{}"))
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := i.http.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("compute API error: %s: %s", resp.Status, bytes.TrimSpace(msg))
	}
	return json.NewDecoder(resp.Body).Decode(target)
}
