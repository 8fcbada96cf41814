// Package gitlab queries the GitLab pipelines API and decodes pipeline
// webhook payloads.
package gitlab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/terrpan/lazyrunner/internal/pipeline"
)

// ErrUnauthorized is returned when the API responds with HTTP 401 or 403.
var ErrUnauthorized = errors.New("unauthorized")

// ErrorPolicy decides what a non-2xx, non-404 response means.
type ErrorPolicy string

const (
	// ErrorPolicyRetry returns the failure as an error so the caller
	// keeps the pipeline tracked and asks again later.
	ErrorPolicyRetry ErrorPolicy = "retry"
	// ErrorPolicyTerminal resolves the failure to the not-found status.
	ErrorPolicyTerminal ErrorPolicy = "terminal"
)

// Config configures a Client.
type Config struct {
	// BaseURL is the GitLab instance URL, e.g. https://gitlab.example.com (required).
	BaseURL string

	// Token is a token with read_api scope, sent as PRIVATE-TOKEN (required).
	Token string

	// NotFoundStatus is reported when the pipeline no longer exists.
	// Default: canceled.
	NotFoundStatus pipeline.Status

	// ErrorPolicy handles other non-2xx responses.  Default: retry.
	ErrorPolicy ErrorPolicy

	// RetryMax is the number of HTTP retries on transport errors and 5xx.
	RetryMax int
}

// Client looks up pipeline statuses.
type Client struct {
	baseURL        string
	token          string
	notFoundStatus pipeline.Status
	errorPolicy    ErrorPolicy
	http           *retryablehttp.Client
	logger         *slog.Logger
}

// NewClient creates a Client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.NotFoundStatus == "" {
		cfg.NotFoundStatus = pipeline.StatusCanceled
	}
	if cfg.ErrorPolicy == "" {
		cfg.ErrorPolicy = ErrorPolicyRetry
	}

	hc := retryablehttp.NewClient()
	hc.RetryMax = cfg.RetryMax
	hc.RetryWaitMin = 200 * time.Millisecond
	hc.RetryWaitMax = 2 * time.Second
	hc.HTTPClient.Timeout = 15 * time.Second
	hc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	hc.Logger = logger

	return &Client{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		token:          cfg.Token,
		notFoundStatus: cfg.NotFoundStatus,
		errorPolicy:    cfg.ErrorPolicy,
		http:           hc,
		logger:         logger,
	}
}

type pipelineResponse struct {
	ID     int64  `json:"id"`
	Status string `json:"status"`
}

// StatusOf returns the current status of pipeline id in project (a
// path with namespace such as "group/app").  A pipeline GitLab no longer
// knows about resolves to the configured not-found status, not an error.
func (c *Client) StatusOf(ctx context.Context, project, id string) (pipeline.Status, error) {
	apiURL := fmt.Sprintf("%s/api/v4/projects/%s/pipelines/%s",
		c.baseURL, url.PathEscape(project), url.PathEscape(id))

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("PRIVATE-TOKEN", c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("pipeline %s in %s: executing request: %w", id, project, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		c.logger.Info("pipeline not found, treating as finished",
			slog.String("pipeline", id),
			slog.String("project", project),
			slog.String("status", string(c.notFoundStatus)),
		)
		return c.notFoundStatus, nil

	case resp.StatusCode >= 300:
		apiErr := fmt.Errorf("pipeline %s in %s: gitlab API error: %s", id, project, resp.Status)
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			apiErr = fmt.Errorf("%w: %w", apiErr, ErrUnauthorized)
		}
		if c.errorPolicy == ErrorPolicyTerminal {
			c.logger.Warn("pipeline lookup failed, treating as finished",
				slog.String("pipeline", id),
				slog.String("project", project),
				slog.String("error", apiErr.Error()),
			)
			return c.notFoundStatus, nil
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", apiErr
	}

	var out pipelineResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("pipeline %s in %s: decoding response: %w", id, project, err)
	}
	return pipeline.Status(out.Status), nil
}
