package domain

import (
	"errors"
	"time"

	"github.com/you-humble/genrelay/core/relayapi"
)

var (
	ErrStudioUnavailable = errors.New("studio unavailable")
	ErrUploadFailed      = errors.New("artifact upload failed")
)

// Render states reported by the studio.
const (
	RenderGenerating = "generating"
	RenderCompleted  = "completed"
	RenderFailed     = "failed"
)

type UpscaleOutcome string

const (
	UpscaleTriggered UpscaleOutcome = "triggered"
	UpscaleAlreadyHD UpscaleOutcome = "alreadyHD"
	UpscaleFailed    UpscaleOutcome = "failed"
)

type Poll struct {
	Found       bool
	State       string
	ArtifactURL string
	Error       string
}

// TaskRecord is the agent's local view of a leased task.
type TaskRecord struct {
	Task   relayapi.Task
	Status relayapi.TaskStatus
	Error  string

	PipelineRetries  int
	StandardUploaded bool

	QueuedAt            time.Time
	ExecutedAt          time.Time
	GeneratingStartedAt time.Time
	UpscalingStartedAt  time.Time
	CompletedAt         time.Time
	LastPollAt          time.Time
}

func NewTaskRecord(t relayapi.Task, now time.Time) *TaskRecord {
	return &TaskRecord{
		Task:     t,
		Status:   relayapi.StatusPending,
		QueuedAt: now,
	}
}

func (r *TaskRecord) Code() string { return r.Task.TaskCode }

func (r *TaskRecord) Terminal() bool {
	return r.Status == relayapi.StatusCompleted || r.Status == relayapi.StatusFailed
}

// Polled reports whether the monitor drives this record.
func (r *TaskRecord) Polled() bool {
	return r.Status == relayapi.StatusGenerating || r.Status == relayapi.StatusUpscaling
}
