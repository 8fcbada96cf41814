// Package pipeline defines the GitLab pipeline status vocabulary the
// lifecycle controller reasons about.
package pipeline

// Status is a GitLab pipeline status as reported by webhooks and the
// pipelines API.
type Status string

const (
	StatusCreated Status = "created"
	StatusPending Status = "pending"
	StatusRunning Status = "running"

	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
	StatusCanceled Status = "canceled"
	StatusSkipped  Status = "skipped"
	StatusManual   Status = "manual"
)

// Class groups statuses by what they mean for the runner instance.
type Class int

const (
	// ClassUnrecognized is any status this service does not know about.
	ClassUnrecognized Class = iota
	// ClassActive means the pipeline still needs compute.
	ClassActive
	// ClassTerminal means the pipeline no longer needs compute.
	ClassTerminal
)

func (c Class) String() string {
	switch c {
	case ClassActive:
		return "active"
	case ClassTerminal:
		return "terminal"
	default:
		return "unrecognized"
	}
}

// Class classifies s.
func (s Status) Class() Class {
	switch s {
	case StatusCreated, StatusPending, StatusRunning:
		return ClassActive
	case StatusSuccess, StatusFailed, StatusCanceled, StatusSkipped, StatusManual:
		return ClassTerminal
	default:
		return ClassUnrecognized
	}
}

// IsActive reports whether s is created, pending or running.
func (s Status) IsActive() bool { return s.Class() == ClassActive }

// IsTerminal reports whether s is success, failed, canceled, skipped or manual.
func (s Status) IsTerminal() bool { return s.Class() == ClassTerminal }

// Valid reports whether s is a recognized status. Used to validate
// configured fallback statuses.
func (s Status) Valid() bool { return s.Class() != ClassUnrecognized }
