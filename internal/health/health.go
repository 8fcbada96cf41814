// Package health provides HTTP handlers for health checks.
package health

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/terrpan/lazyrunner/internal/buildinfo"
	"github.com/terrpan/lazyrunner/internal/lifecycle"
)

// Reporter is the part of the lifecycle controller the health check reads.
type Reporter interface {
	State() lifecycle.State
}

// Response represents the health check response body.
type Response struct {
	Status       string    `json:"status"`
	ServiceName  string    `json:"service_name"`
	Version      string    `json:"version"`
	Commit       string    `json:"commit"`
	BuildTime    string    `json:"build_time"`
	GoVersion    string    `json:"go_version"`
	OS           string    `json:"os"`
	Architecture string    `json:"architecture"`
	Instance     string    `json:"instance"`
	Timestamp    time.Time `json:"timestamp"`

	InstanceBelievedOn bool      `json:"instance_believed_on"`
	InstanceObservedAt time.Time `json:"instance_observed_at,omitzero"`
	ActivePipelines    int       `json:"active_pipelines"`
	StopPending        bool      `json:"stop_pending"`
}

// Handler responds to health check requests. It reports build info, the
// instance backend and the controller's current view. The status is
// always "healthy" (200 OK) since this is a liveness check; the instance
// belief is informational and may lag the provider.
func Handler(instanceType string, reporter Reporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		state := reporter.State()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)

		response := Response{
			Status:             "healthy",
			ServiceName:        "lazyrunner",
			Version:            buildinfo.Version,
			Commit:             buildinfo.Commit,
			BuildTime:          buildinfo.BuildTime,
			GoVersion:          runtime.Version(),
			OS:                 runtime.GOOS,
			Architecture:       runtime.GOARCH,
			Instance:           instanceType,
			Timestamp:          time.Now().UTC(),
			InstanceBelievedOn: state.BelievedOn,
			InstanceObservedAt: state.ObservedAt,
			ActivePipelines:    len(state.Pipelines),
			StopPending:        state.StopPending,
		}

		_ = json.NewEncoder(w).Encode(response)
	}
}
