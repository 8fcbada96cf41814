package gitlab

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/terrpan/lazyrunner/internal/pipeline"
)

// PipelineHookEvent is the X-Gitlab-Event header value for pipeline hooks.
const PipelineHookEvent = "Pipeline Hook"

// PipelineHook is the subset of the GitLab pipeline webhook payload
// lazyrunner reads.
type PipelineHook struct {
	ObjectKind       string `json:"object_kind"`
	ObjectAttributes struct {
		ID         int64   `json:"id"`
		Ref        string  `json:"ref"`
		Status     string  `json:"status"`
		CreatedAt  string  `json:"created_at"`
		FinishedAt *string `json:"finished_at"`
		Duration   *int64  `json:"duration"`
	} `json:"object_attributes"`
	User struct {
		Username string `json:"username"`
	} `json:"user"`
	Project struct {
		ID                int64  `json:"id"`
		Name              string `json:"name"`
		Namespace         string `json:"namespace"`
		PathWithNamespace string `json:"path_with_namespace"`
	} `json:"project"`
}

// DecodePipelineHook reads a pipeline hook payload and checks the
// fields lazyrunner depends on.
func DecodePipelineHook(r io.Reader) (*PipelineHook, error) {
	var hook PipelineHook
	if err := json.NewDecoder(r).Decode(&hook); err != nil {
		return nil, fmt.Errorf("decoding pipeline hook: %w", err)
	}
	if hook.ObjectKind != "pipeline" {
		return nil, fmt.Errorf("unexpected object_kind %q", hook.ObjectKind)
	}
	if hook.ObjectAttributes.ID == 0 {
		return nil, fmt.Errorf("pipeline hook has no object_attributes.id")
	}
	if hook.Project.PathWithNamespace == "" {
		return nil, fmt.Errorf("pipeline hook has no project.path_with_namespace")
	}
	return &hook, nil
}

// PipelineID returns the pipeline id as the opaque string the
// controller tracks.
func (h *PipelineHook) PipelineID() string {
	return strconv.FormatInt(h.ObjectAttributes.ID, 10)
}

// Status returns the reported pipeline status.
func (h *PipelineHook) Status() pipeline.Status {
	return pipeline.Status(h.ObjectAttributes.Status)
}
