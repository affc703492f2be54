package pipeline

import (
	"context"
	"time"

	"autostage/internal/faults"
)

// JobStatus describes the lifecycle of a pipeline job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// StageStatus describes one stage within a job.
type StageStatus string

const (
	StagePending    StageStatus = "pending"
	StageProcessing StageStatus = "processing"
	StageCompleted  StageStatus = "completed"
	StageFailed     StageStatus = "failed"
	StageCancelled  StageStatus = "cancelled"
)

// StageState is the persisted per-stage record within a job.
type StageState struct {
	ID         string      `json:"id"`
	Status     StageStatus `json:"status"`
	RetryCount int         `json:"retryCount"`
	LastError  string      `json:"lastError,omitempty"`
}

// Job tracks one assembled upload through the stage sequence.
type Job struct {
	UploadID     string       `json:"uploadId"`
	OwnerID      string       `json:"ownerId"`
	ArtifactPath string       `json:"-"`
	MimeType     string       `json:"mimeType"`
	Status       JobStatus    `json:"status"`
	Stages       []StageState `json:"stages"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// CurrentStage returns the first stage that has not completed, or "".
func (j *Job) CurrentStage() string {
	for _, stage := range j.Stages {
		if stage.Status != StageCompleted {
			return stage.ID
		}
	}
	return ""
}

func (j *Job) clone() *Job {
	cp := *j
	cp.Stages = append([]StageState(nil), j.Stages...)
	return &cp
}

// StageRequest carries everything a processor needs to run one stage.
type StageRequest struct {
	UploadID     string
	OwnerID      string
	StageID      string
	ArtifactPath string
	MimeType     string

	// Progress reports stage completion in [0,100] with an optional message.
	Progress func(percent float64, message string)
}

// Processor executes a single pipeline stage against an artifact.
type Processor interface {
	Process(ctx context.Context, req StageRequest) error
}

// Persistence stores job state and fault records across restarts.
type Persistence interface {
	SaveJob(ctx context.Context, job *Job) error
	LoadJob(ctx context.Context, uploadID string) (*Job, error)
	JobsByStatus(ctx context.Context, status JobStatus) ([]*Job, error)
	ListJobs(ctx context.Context, limit int) ([]*Job, error)
	SaveFaultRecord(ctx context.Context, record faults.Record) error
}

// Notifier receives terminal job transitions for out-of-band alerting.
type Notifier interface {
	JobCompleted(ctx context.Context, job *Job)
	JobFailed(ctx context.Context, job *Job, record faults.Record)
}
