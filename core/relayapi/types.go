package relayapi

import "time"

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

type Quality string

const (
	QualityStandard Quality = "standard"
	QualityHD       Quality = "hd"
)

// Event names on the dispatch event stream.
const (
	EventConnected    = "connected"
	EventNewTasks     = "new-tasks"
	EventTaskReleased = "task-released"
	EventTaskStatus   = "task-status"
)

type ModelConfig struct {
	Model         string `json:"model,omitempty" yaml:"model"`
	ReferenceMode string `json:"referenceMode,omitempty" yaml:"referenceMode"`
	AspectRatio   string `json:"aspectRatio,omitempty" yaml:"aspectRatio"`
	Duration      string `json:"duration,omitempty" yaml:"duration"`
}

type ReferenceFile struct {
	FileName string `json:"fileName" yaml:"fileName"`
	Base64   string `json:"base64" yaml:"base64"`
	FileType string `json:"fileType,omitempty" yaml:"fileType"`
}

// TaskSpec is a task as submitted by a producer.
type TaskSpec struct {
	Priority       int             `json:"priority,omitempty" yaml:"priority"`
	Tags           []string        `json:"tags,omitempty" yaml:"tags"`
	Description    string          `json:"description,omitempty" yaml:"description"`
	ModelConfig    *ModelConfig    `json:"modelConfig,omitempty" yaml:"modelConfig"`
	ReferenceFiles []ReferenceFile `json:"referenceFiles,omitempty" yaml:"referenceFiles"`
	Prompt         string          `json:"prompt" yaml:"prompt"`
	RealSubmit     bool            `json:"realSubmit" yaml:"realSubmit"`
}

// Task is the view of a leased task handed to an agent.
type Task struct {
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

type Artifact struct {
	FileID           string    `json:"fileId"`
	TaskCode         string    `json:"taskCode"`
	Quality          Quality   `json:"quality"`
	Filename         string    `json:"filename"`
	OriginalFilename string    `json:"originalFilename"`
	MimeType         string    `json:"mimeType"`
	Size             int64     `json:"size"`
	SHA256           string    `json:"sha256,omitempty"`
	UploadedAt       time.Time `json:"uploadedAt"`
	OriginalURL      string    `json:"originalUrl"`
	TaskPrompt       string    `json:"taskPrompt"`
	TaskTags         []string  `json:"taskTags"`
}

type Listing struct {
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

// Upload describes one artifact file sent to dispatch.
type Upload struct {
	TaskCode    string
	Quality     Quality
	MimeType    string
	OriginalURL string
	Filename    string
}

type UploadResult struct {
	FileID   string  `json:"fileId"`
	Filename string  `json:"filename"`
	Size     int64   `json:"size"`
	Quality  Quality `json:"quality"`
	TaskCode string  `json:"taskCode"`
}
