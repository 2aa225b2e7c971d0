package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"
)

type TaskStatus string

const (
	StatusPending     TaskStatus = "pending"
	StatusOccupied    TaskStatus = "occupied"
	StatusAcked       TaskStatus = "acked"
	StatusConfiguring TaskStatus = "configuring"
	StatusGenerating  TaskStatus = "generating"
	StatusUploading   TaskStatus = "uploading"
	StatusUpscaling   TaskStatus = "upscaling"
	StatusUploadingHD TaskStatus = "uploading_hd"
	StatusCompleted   TaskStatus = "completed"
	StatusFailed      TaskStatus = "failed"
)

// lifecycle order; failed sits outside it.
var statusRank = map[TaskStatus]int{
	StatusPending:     0,
	StatusOccupied:    1,
	StatusAcked:       2,
	StatusConfiguring: 3,
	StatusGenerating:  4,
	StatusUploading:   5,
	StatusUpscaling:   6,
	StatusUploadingHD: 7,
	StatusCompleted:   8,
}

func (s TaskStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok || s == StatusFailed
}

func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// InFlight reports whether a client has taken the task past the lease
// handshake and is driving it through the pipeline.
func (s TaskStatus) InFlight() bool {
	switch s {
	case StatusAcked, StatusConfiguring, StatusGenerating,
		StatusUploading, StatusUpscaling, StatusUploadingHD:
		return true
	}
	return false
}

// IsRetryEdge is the one permitted regression: a failed upscale trigger
// sends the task back to generating.
func IsRetryEdge(from, to TaskStatus) bool {
	return to == StatusGenerating && (from == StatusUploading || from == StatusUpscaling)
}

// CanTransition validates a reported status change.
func CanTransition(from, to TaskStatus) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return true
	}
	if from.IsTerminal() {
		return false
	}
	if to == StatusFailed || IsRetryEdge(from, to) {
		return true
	}
	return statusRank[to] > statusRank[from]
}

type ModelConfig struct {
	Model         string `json:"model" yaml:"model"`
	ReferenceMode string `json:"referenceMode" yaml:"referenceMode"`
	AspectRatio   string `json:"aspectRatio" yaml:"aspectRatio"`
	Duration      string `json:"duration" yaml:"duration"`
}

func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		Model:         "Seedance 2.0 Fast",
		ReferenceMode: "全能参考",
		AspectRatio:   "16:9",
		Duration:      "5s",
	}
}

// WithDefaults fills empty fields from DefaultModelConfig.
func (m ModelConfig) WithDefaults() ModelConfig {
	d := DefaultModelConfig()
	if m.Model == "" {
		m.Model = d.Model
	}
	if m.ReferenceMode == "" {
		m.ReferenceMode = d.ReferenceMode
	}
	if m.AspectRatio == "" {
		m.AspectRatio = d.AspectRatio
	}
	if m.Duration == "" {
		m.Duration = d.Duration
	}
	return m
}

// ReferenceFile is an input image or clip. Its position in Task.ReferenceFiles
// is what prompts refer to.
type ReferenceFile struct {
	FileName string `json:"fileName"`
	Base64   string `json:"base64"`
	FileType string `json:"fileType"`
}

// TaskSpec is what a producer submits.
type TaskSpec struct {
	Priority       int             `json:"priority"`
	Tags           []string        `json:"tags"`
	Description    string          `json:"description"`
	ModelConfig    *ModelConfig    `json:"modelConfig"`
	ReferenceFiles []ReferenceFile `json:"referenceFiles"`
	Prompt         string          `json:"prompt"`
	RealSubmit     bool            `json:"realSubmit"`
}

type Task struct {
	TaskCode  string     `json:"taskCode"`
	Status    TaskStatus `json:"status"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`

	Priority       int             `json:"priority"`
	Tags           []string        `json:"tags"`
	Description    string          `json:"description"`
	ModelConfig    ModelConfig     `json:"modelConfig"`
	ReferenceFiles []ReferenceFile `json:"referenceFiles"`
	Prompt         string          `json:"prompt"`
	RealSubmit     bool            `json:"realSubmit"`

	OccupiedBy          string     `json:"occupiedBy,omitempty"`
	AckedAt             *time.Time `json:"ackedAt,omitempty"`
	ExecutedAt          *time.Time `json:"executedAt,omitempty"`
	GeneratingStartedAt *time.Time `json:"generatingStartedAt,omitempty"`
	UpscalingStartedAt  *time.Time `json:"upscalingStartedAt,omitempty"`
	CompletedAt         *time.Time `json:"completedAt,omitempty"`
	Error               *string    `json:"error"`
	PipelineRetries     int        `json:"pipelineRetries"`
}

func (t Task) Clone() Task {
	c := t
	c.Tags = slices.Clone(t.Tags)
	c.ReferenceFiles = slices.Clone(t.ReferenceFiles)
	c.AckedAt = cloneTime(t.AckedAt)
	c.ExecutedAt = cloneTime(t.ExecutedAt)
	c.GeneratingStartedAt = cloneTime(t.GeneratingStartedAt)
	c.UpscalingStartedAt = cloneTime(t.UpscalingStartedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	if t.Error != nil {
		e := *t.Error
		c.Error = &e
	}
	return c
}

// ClientTask is the view of a task handed to a client agent.
type ClientTask struct {
	TaskCode       string          `json:"taskCode"`
	CreatedAt      time.Time       `json:"createdAt"`
	Priority       int             `json:"priority"`
	Tags           []string        `json:"tags"`
	Description    string          `json:"description"`
	ModelConfig    ModelConfig     `json:"modelConfig"`
	ReferenceFiles []ReferenceFile `json:"referenceFiles"`
	Prompt         string          `json:"prompt"`
	RealSubmit     bool            `json:"realSubmit"`
}

func (t Task) Projection() ClientTask {
	return ClientTask{
		TaskCode:       t.TaskCode,
		CreatedAt:      t.CreatedAt,
		Priority:       t.Priority,
		Tags:           slices.Clone(t.Tags),
		Description:    t.Description,
		ModelConfig:    t.ModelConfig,
		ReferenceFiles: slices.Clone(t.ReferenceFiles),
		Prompt:         t.Prompt,
		RealSubmit:     t.RealSubmit,
	}
}

// TaskSummary is the operator overview row.
type TaskSummary struct {
	TaskCode        string     `json:"taskCode"`
	Status          TaskStatus `json:"status"`
	Priority        int        `json:"priority"`
	Tags            []string   `json:"tags"`
	Prompt          string     `json:"prompt"`
	OccupiedBy      string     `json:"occupiedBy,omitempty"`
	PipelineRetries int        `json:"pipelineRetries"`
	Error           *string    `json:"error"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// StatusUpdate is a status report from a client. Nil fields are left as is.
type StatusUpdate struct {
	TaskCode            string     `json:"taskCode"`
	Status              TaskStatus `json:"status"`
	Error               *string    `json:"error,omitempty"`
	ExecutedAt          *time.Time `json:"executedAt,omitempty"`
	GeneratingStartedAt *time.Time `json:"generatingStartedAt,omitempty"`
	UpscalingStartedAt  *time.Time `json:"upscalingStartedAt,omitempty"`
	CompletedAt         *time.Time `json:"completedAt,omitempty"`
	PipelineRetries     *int       `json:"pipelineRetries,omitempty"`
}

type Lease struct {
	ClientID   string    `json:"clientId"`
	OccupiedAt time.Time `json:"occupiedAt"`
}

type Quality string

const (
	QualityStandard Quality = "standard"
	QualityHD       Quality = "hd"
)

func (q Quality) Valid() bool {
	return q == QualityStandard || q == QualityHD
}

type Artifact struct {
	FileID           string       `json:"fileId"`
	TaskCode         string       `json:"taskCode"`
	Quality          Quality      `json:"quality"`
	Filename         string       `json:"filename"`
	OriginalFilename string       `json:"originalFilename"`
	MimeType         string       `json:"mimeType"`
	Size             int64        `json:"size"`
	SHA256           string       `json:"sha256,omitempty"`
	UploadedAt       time.Time    `json:"uploadedAt"`
	OriginalURL      string       `json:"originalUrl"`
	TaskDescription  string       `json:"taskDescription"`
	TaskPrompt       string       `json:"taskPrompt"`
	TaskTags         []string     `json:"taskTags"`
	TaskModelConfig  *ModelConfig `json:"taskModelConfig"`
	TaskRealSubmit   bool         `json:"taskRealSubmit"`
	TaskCreatedAt    *time.Time   `json:"taskCreatedAt"`
}

type UploadParams struct {
	TaskCode         string
	Quality          Quality
	MimeType         string
	OriginalURL      string
	OriginalFilename string
	Size             int64
}

type ArtifactFilter struct {
	TaskCode string
	Tags     []string
}

type ArtifactListing struct {
	Files   []Artifact            `json:"files"`
	Grouped map[string][]Artifact `json:"grouped"`
	Total   int                   `json:"total"`
	AllTags []string              `json:"allTags"`
}

type ClientConfig struct {
	MaxConcurrent int    `json:"maxConcurrent"`
	TaskDelay     int    `json:"taskDelay"`
	AutoExecute   bool   `json:"autoExecute"`
	APIBaseURL    string `json:"apiBaseUrl,omitempty"`
}

type ServiceInfo struct {
	Service     string             `json:"service"`
	Tasks       int                `json:"tasks"`
	ByStatus    map[TaskStatus]int `json:"byStatus"`
	Artifacts   int                `json:"artifacts"`
	Subscribers int                `json:"subscribers"`
	Leases      map[string]Lease   `json:"leases"`
	Endpoints   []string           `json:"endpoints"`
}

type Event string

const (
	EventConnected    Event = "connected"
	EventNewTasks     Event = "new-tasks"
	EventTaskReleased Event = "task-released"
	EventTaskStatus   Event = "task-status"
)

type ConnectedPayload struct {
	ClientID string    `json:"clientId"`
	Time     time.Time `json:"time"`
}

type NewTasksPayload struct {
	Count     int       `json:"count"`
	TaskCodes []string  `json:"taskCodes"`
	Message   string    `json:"message"`
	Time      time.Time `json:"time"`
}

type TaskReleasedPayload struct {
	TaskCode string    `json:"taskCode"`
	ClientID string    `json:"clientId"`
	Time     time.Time `json:"time"`
}

type TaskStatusPayload struct {
	TaskCode string     `json:"taskCode"`
	Status   TaskStatus `json:"status"`
	Error    *string    `json:"error"`
	Time     time.Time  `json:"time"`
}

type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

type PendingResponse struct {
	Success    bool         `json:"success"`
	Total      int          `json:"total"`
	Tasks      []ClientTask `json:"tasks"`
	OccupiedBy string       `json:"occupiedBy"`
}

type AckRequest struct {
	TaskCodes []string `json:"taskCodes"`
}

type AckResponse struct {
	Success      bool     `json:"success"`
	Acknowledged []string `json:"acknowledged"`
	Unknown      []string `json:"unknown,omitempty"`
}

type StatusResponse struct {
	Success  bool       `json:"success"`
	TaskCode string     `json:"taskCode"`
	Status   TaskStatus `json:"status"`
	Error    *string    `json:"error,omitempty"`
}

type ReleaseResponse struct {
	Success  bool   `json:"success"`
	TaskCode string `json:"taskCode"`
	Released bool   `json:"released"`
}

type PushResponse struct {
	Success   bool     `json:"success"`
	TaskCodes []string `json:"taskCodes"`
	Notified  int      `json:"notified"`
}

type PurgeRequest struct {
	TaskCodes []string `json:"taskCodes"`
}

type PurgeResponse struct {
	Success bool     `json:"success"`
	Purged  []string `json:"purged"`
}

type TasksResponse struct {
	Success bool          `json:"success"`
	Total   int           `json:"total"`
	Tasks   []TaskSummary `json:"tasks"`
}

type UploadResponse struct {
	Success  bool    `json:"success"`
	FileID   string  `json:"fileId"`
	Filename string  `json:"filename"`
	Size     int64   `json:"size"`
	Quality  Quality `json:"quality"`
	TaskCode string  `json:"taskCode"`
}

type FilesResponse struct {
	Success bool `json:"success"`
	ArtifactListing
}

type ConfigResponse struct {
	Success bool         `json:"success"`
	Config  ClientConfig `json:"config"`
}

// ParsePushPayload accepts {"tasks":[...]}, a bare array or a single bare
// task object.
func ParsePushPayload(data []byte) ([]TaskSpec, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrInvalidInput)
	}
	if data[0] == '[' {
		var list []TaskSpec
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return list, nil
	}

	var envelope struct {
		Tasks []TaskSpec `json:"tasks"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if envelope.Tasks != nil {
		return envelope.Tasks, nil
	}

	var single TaskSpec
	if err := json.Unmarshal(data, &single); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return []TaskSpec{single}, nil
}

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrTaskNotFound      = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
