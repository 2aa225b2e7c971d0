package studiopb

// Poll states reported by PollArtifact.
const (
	StateGenerating = "generating"
	StateCompleted  = "completed"
	StateFailed     = "failed"
)

// Outcomes of TriggerUpscale.
const (
	UpscaleTriggered = "triggered"
	UpscaleAlreadyHD = "alreadyHD"
	UpscaleFailed    = "failed"
)

type ModelConfig struct {
	Model         string `json:"model"`
	ReferenceMode string `json:"referenceMode"`
	AspectRatio   string `json:"aspectRatio"`
	Duration      string `json:"duration"`
}

type File struct {
	FileName string `json:"fileName"`
	Base64   string `json:"base64"`
	FileType string `json:"fileType,omitempty"`
}

type ConfigureRequest struct {
	TaskCode    string      `json:"taskCode"`
	ModelConfig ModelConfig `json:"modelConfig"`
}

type ConfigureResponse struct {
	Ok bool `json:"ok"`
}

type SubmitGenerationRequest struct {
	TaskCode string `json:"taskCode"`
	Files    []File `json:"files"`
	Prompt   string `json:"prompt"`
	// DryRun fills the form without pressing submit.
	DryRun bool `json:"dryRun"`
}

type SubmitGenerationResponse struct {
	Ok bool `json:"ok"`
}

type PollArtifactRequest struct {
	TaskCode string `json:"taskCode"`
	Quality  string `json:"quality"`
}

type PollArtifactResponse struct {
	Found       bool   `json:"found"`
	Status      string `json:"status"`
	ArtifactURL string `json:"artifactUrl,omitempty"`
	Error       string `json:"error,omitempty"`
}

type TriggerUpscaleRequest struct {
	TaskCode string `json:"taskCode"`
}

type TriggerUpscaleResponse struct {
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

type UploadArtifactRequest struct {
	ArtifactURL string `json:"artifactUrl"`
	TaskCode    string `json:"taskCode"`
	Quality     string `json:"quality"`
}

type UploadArtifactResponse struct {
	Uploaded bool   `json:"uploaded"`
	Size     int64  `json:"size"`
	FileID   string `json:"fileId,omitempty"`
}
