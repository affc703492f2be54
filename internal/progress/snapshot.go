package progress

import "time"

// Status mirrors the job lifecycle for presentation purposes.
type Status string

const (
	StatusUploading  Status = "uploading"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// StageSnapshot is the externally visible state of one stage.
type StageSnapshot struct {
	ID          string     `json:"id"`
	DisplayName string     `json:"displayName"`
	Status      string     `json:"status"`
	Progress    float64    `json:"progress"`
	Message     string     `json:"message,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Snapshot is a consistent view of a job's progress at one point in time.
// EstimatedCompletion is zero when the job has no active or pending stage.
type Snapshot struct {
	UploadID            string          `json:"uploadId"`
	OwnerID             string          `json:"-"`
	Status              Status          `json:"status"`
	OverallProgress     float64         `json:"overallProgress"`
	CurrentStage        string          `json:"currentStage,omitempty"`
	CurrentStageName    string          `json:"currentStageName,omitempty"`
	StageProgress       float64         `json:"stageProgress"`
	Message             string          `json:"message,omitempty"`
	Stages              []StageSnapshot `json:"stages"`
	EstimatedCompletion time.Time       `json:"estimatedCompletion,omitzero"`
	UpdatedAt           time.Time       `json:"updatedAt"`
}
