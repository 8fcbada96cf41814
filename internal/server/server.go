// Package server exposes the lifecycle controller over HTTP: the GitLab
// pipeline webhook, two token-protected admin endpoints, health and
// Prometheus metrics.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"mime"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/terrpan/lazyrunner/internal/gitlab"
	"github.com/terrpan/lazyrunner/internal/health"
	"github.com/terrpan/lazyrunner/internal/lifecycle"
)

// maxBodyBytes caps webhook payloads.
const maxBodyBytes = 1 << 20

// Controller is the lifecycle surface the handlers drive.
type Controller interface {
	OnPipelineEvent(ctx context.Context, ev lifecycle.Event) lifecycle.Decision
	Reset(ctx context.Context)
	State() lifecycle.State
}

// Compile-time check that the lifecycle controller fits.
var _ Controller = (*lifecycle.Controller)(nil)

// Config configures the HTTP surface.
type Config struct {
	// WebhookSecret authenticates webhooks (X-Gitlab-Token) and admin
	// calls (token header).
	WebhookSecret string

	// InstanceType is reported by /healthz.
	InstanceType string

	// Gatherer backs /metrics.  Default: prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer

	Logger *slog.Logger
}

// Server routes HTTP requests to the controller.
type Server struct {
	ctrl   Controller
	secret []byte
	logger *slog.Logger
	router *mux.Router
}

// New builds the router.
func New(ctrl Controller, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		ctrl:   ctrl,
		secret: []byte(cfg.WebhookSecret),
		logger: cfg.Logger,
		router: mux.NewRouter(),
	}

	s.router.HandleFunc("/webhook", s.handleWebhook).Methods(http.MethodPost)
	s.router.HandleFunc("/list", s.requireToken(s.handleList)).Methods(http.MethodGet, http.MethodPost)
	s.router.HandleFunc("/reset", s.requireToken(s.handleReset)).Methods(http.MethodPost)
	s.router.Handle("/healthz", health.Handler(cfg.InstanceType, ctrl))
	s.router.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))

	return s
}

// Handler returns the instrumented root handler.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "lazyrunner",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/healthz" && r.URL.Path != "/metrics"
		}),
	)
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	delivery := r.Header.Get("X-Gitlab-Event-UUID")
	if delivery == "" {
		delivery = uuid.NewString()
	}
	log := s.logger.With(slog.String("delivery", delivery))

	if mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mediaType != "application/json" {
		log.Warn("webhook rejected", slog.String("reason", "content type"), slog.String("contentType", r.Header.Get("Content-Type")))
		badRequest(w)
		return
	}
	if event := r.Header.Get("X-Gitlab-Event"); event != gitlab.PipelineHookEvent {
		log.Warn("webhook rejected", slog.String("reason", "event"), slog.String("event", event))
		badRequest(w)
		return
	}
	if !s.validSecret(r.Header.Get("X-Gitlab-Token")) {
		log.Warn("webhook rejected", slog.String("reason", "token"), slog.String("remote", r.RemoteAddr))
		badRequest(w)
		return
	}

	hook, err := gitlab.DecodePipelineHook(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		log.Warn("webhook rejected", slog.String("reason", "payload"), slog.String("error", err.Error()))
		badRequest(w)
		return
	}

	decision := s.ctrl.OnPipelineEvent(r.Context(), lifecycle.Event{
		PipelineID: hook.PipelineID(),
		Project:    hook.Project.PathWithNamespace,
		Status:     hook.Status(),
		DeliveryID: delivery,
		User:       hook.User.Username,
	})
	log.Debug("webhook handled",
		slog.String("pipeline", hook.PipelineID()),
		slog.String("decision", decision.String()),
	)

	writeText(w, http.StatusOK, "ok")
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(s.ctrl.State())
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.logger.Warn("reset requested", slog.String("remote", r.RemoteAddr))
	s.ctrl.Reset(r.Context())
	writeText(w, http.StatusOK, "ok")
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func (s *Server) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.validSecret(r.Header.Get("token")) {
			s.logger.Warn("admin request rejected",
				slog.String("path", r.URL.Path),
				slog.String("remote", r.RemoteAddr),
			)
			badRequest(w)
			return
		}
		next(w, r)
	}
}

func (s *Server) validSecret(got string) bool {
	return len(s.secret) > 0 && subtle.ConstantTimeCompare([]byte(got), s.secret) == 1
}

func badRequest(w http.ResponseWriter) {
	writeText(w, http.StatusBadRequest, "Bad Request")
}

func writeText(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(body))
}
