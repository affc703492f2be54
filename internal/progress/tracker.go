package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"autostage/internal/config"
	"autostage/internal/faults"
	"autostage/internal/live"
	"autostage/internal/logging"
)

// Store persists progress snapshots so clients can recover state on reconnect.
type Store interface {
	SaveProgress(ctx context.Context, snapshot Snapshot) error
}

// Tracker owns per-upload stage state and computes weighted overall progress.
// It is safe for concurrent use across jobs; within one job each mutation
// takes that job's lock.
type Tracker struct {
	stages   []config.Stage
	registry live.Sender
	store    Store
	logger   *slog.Logger

	mu   sync.RWMutex
	jobs map[string]*jobState
}

type stageState struct {
	meta        config.Stage
	status      string
	progress    float64
	message     string
	startedAt   *time.Time
	completedAt *time.Time
}

type jobState struct {
	mu          sync.Mutex
	ownerID     string
	status      Status
	stages      []stageState
	lastOverall float64
	updatedAt   time.Time
}

const (
	stagePending    = "pending"
	stageProcessing = "processing"
	stageCompleted  = "completed"
	stageFailed     = "failed"
	stageCancelled  = "cancelled"
)

// NewTracker constructs a tracker over the configured stage definitions.
func NewTracker(stages []config.Stage, registry live.Sender, store Store, logger *slog.Logger) *Tracker {
	return &Tracker{
		stages:   append([]config.Stage(nil), stages...),
		registry: registry,
		store:    store,
		logger:   logging.NewComponentLogger(logger, "progress-tracker"),
		jobs:     make(map[string]*jobState),
	}
}

// StartJob registers a fresh job with every stage pending.
func (t *Tracker) StartJob(ctx context.Context, uploadID, ownerID string) {
	job := &jobState{
		ownerID:   ownerID,
		status:    StatusProcessing,
		stages:    make([]stageState, len(t.stages)),
		updatedAt: time.Now().UTC(),
	}
	for i, meta := range t.stages {
		job.stages[i] = stageState{meta: meta, status: stagePending}
	}

	t.mu.Lock()
	t.jobs[uploadID] = job
	t.mu.Unlock()

	t.publish(ctx, uploadID, job)
}

// UpdateStage records intra-stage progress. Progress is clamped to [0,100];
// a pending stage transitions to processing with startedAt set.
func (t *Tracker) UpdateStage(ctx context.Context, uploadID, stageID string, percent float64, message string) {
	job := t.lookup(uploadID)
	if job == nil {
		return
	}

	job.mu.Lock()
	stage := job.stage(stageID)
	if stage == nil || job.status != StatusProcessing {
		job.mu.Unlock()
		return
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	if stage.status == stagePending {
		now := time.Now().UTC()
		stage.status = stageProcessing
		stage.startedAt = &now
	}
	if stage.status == stageProcessing {
		stage.progress = percent
		stage.message = message
	}
	job.updatedAt = time.Now().UTC()
	job.mu.Unlock()

	t.publish(ctx, uploadID, job)
}

// CompleteStage marks a stage completed. Completed stages always count as
// 100 regardless of the last reported intra-stage value.
func (t *Tracker) CompleteStage(ctx context.Context, uploadID, stageID string) {
	job := t.lookup(uploadID)
	if job == nil {
		return
	}

	job.mu.Lock()
	if stage := job.stage(stageID); stage != nil {
		now := time.Now().UTC()
		stage.status = stageCompleted
		stage.progress = 100
		stage.completedAt = &now
		if stage.startedAt == nil {
			stage.startedAt = &now
		}
	}
	job.updatedAt = time.Now().UTC()
	job.mu.Unlock()

	t.publish(ctx, uploadID, job)
}

// ResetStage returns a stage to processing at zero progress ahead of a retry.
// This is the only path on which overall progress may decrease.
func (t *Tracker) ResetStage(ctx context.Context, uploadID, stageID string) {
	job := t.lookup(uploadID)
	if job == nil {
		return
	}

	job.mu.Lock()
	if stage := job.stage(stageID); stage != nil {
		now := time.Now().UTC()
		stage.status = stageProcessing
		stage.progress = 0
		stage.startedAt = &now
		stage.completedAt = nil
	}
	job.lastOverall = 0
	job.updatedAt = time.Now().UTC()
	job.mu.Unlock()

	t.publish(ctx, uploadID, job)
}

// FailStage marks the stage and job failed and pushes a stage_failed event.
func (t *Tracker) FailStage(ctx context.Context, uploadID, stageID string, record faults.Record) {
	job := t.lookup(uploadID)
	if job == nil {
		return
	}

	job.mu.Lock()
	if stage := job.stage(stageID); stage != nil {
		stage.status = stageFailed
		stage.message = record.UserMessage
	}
	job.status = StatusFailed
	job.updatedAt = time.Now().UTC()
	ownerID := job.ownerID
	job.mu.Unlock()

	t.persist(ctx, uploadID, job)
	t.registry.Send(ownerID, live.Message{
		Type:        live.TypeStageFailed,
		UploadID:    uploadID,
		Stage:       stageID,
		ErrorCode:   record.Code,
		UserMessage: record.UserMessage,
		IsRetryable: record.Retryable,
	})
}

// CompleteJob marks the job completed.
func (t *Tracker) CompleteJob(ctx context.Context, uploadID string) {
	t.finish(ctx, uploadID, StatusCompleted)
}

// CancelJob marks the job cancelled. Stages not yet completed become cancelled.
func (t *Tracker) CancelJob(ctx context.Context, uploadID string) {
	job := t.lookup(uploadID)
	if job == nil {
		return
	}

	job.mu.Lock()
	for i := range job.stages {
		if job.stages[i].status == stagePending || job.stages[i].status == stageProcessing {
			job.stages[i].status = stageCancelled
		}
	}
	job.status = StatusCancelled
	job.updatedAt = time.Now().UTC()
	job.mu.Unlock()

	t.publish(ctx, uploadID, job)
}

func (t *Tracker) finish(ctx context.Context, uploadID string, status Status) {
	job := t.lookup(uploadID)
	if job == nil {
		return
	}
	job.mu.Lock()
	job.status = status
	job.updatedAt = time.Now().UTC()
	job.mu.Unlock()

	t.publish(ctx, uploadID, job)
}

// Snapshot returns a consistent snapshot for one upload.
func (t *Tracker) Snapshot(uploadID string) (Snapshot, bool) {
	job := t.lookup(uploadID)
	if job == nil {
		return Snapshot{}, false
	}
	job.mu.Lock()
	defer job.mu.Unlock()
	return t.snapshotLocked(uploadID, job), true
}

// Forget drops a job's in-memory state; the persisted snapshot remains.
func (t *Tracker) Forget(uploadID string) {
	t.mu.Lock()
	delete(t.jobs, uploadID)
	t.mu.Unlock()
}

// SweepExpired evicts terminal jobs untouched for longer than the window.
// It returns the number of evicted entries.
func (t *Tracker) SweepExpired(window time.Duration) int {
	cutoff := time.Now().UTC().Add(-window)
	evicted := 0

	t.mu.Lock()
	defer t.mu.Unlock()
	for uploadID, job := range t.jobs {
		job.mu.Lock()
		terminal := job.status == StatusCompleted || job.status == StatusFailed || job.status == StatusCancelled
		stale := job.updatedAt.Before(cutoff)
		job.mu.Unlock()
		if terminal && stale {
			delete(t.jobs, uploadID)
			evicted++
		}
	}
	return evicted
}

func (t *Tracker) lookup(uploadID string) *jobState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.jobs[uploadID]
}

func (j *jobState) stage(stageID string) *stageState {
	for i := range j.stages {
		if j.stages[i].meta.ID == stageID {
			return &j.stages[i]
		}
	}
	return nil
}

// snapshotLocked computes the weighted snapshot. Caller holds job.mu.
func (t *Tracker) snapshotLocked(uploadID string, job *jobState) Snapshot {
	var (
		overall      float64
		currentID    string
		currentName  string
		currentPct   float64
		message      string
		etaRemaining time.Duration
		hasRemaining bool
	)

	now := time.Now().UTC()
	stages := make([]StageSnapshot, len(job.stages))
	for i := range job.stages {
		stage := &job.stages[i]
		pct := stage.progress
		if stage.status == stageCompleted {
			pct = 100
		}
		overall += pct * float64(stage.meta.Weight) / 100

		switch stage.status {
		case stageProcessing:
			currentID = stage.meta.ID
			currentName = stage.meta.DisplayName
			currentPct = stage.progress
			message = stage.message
			elapsed := time.Duration(0)
			if stage.startedAt != nil {
				elapsed = now.Sub(*stage.startedAt)
			}
			estimated := time.Duration(stage.meta.EstimatedDurationSeconds) * time.Second
			remaining := estimated - elapsed
			if remaining < 0 {
				remaining = 0
			}
			etaRemaining += time.Duration(float64(remaining) * (1 - stage.progress/100))
			hasRemaining = true
		case stagePending:
			etaRemaining += time.Duration(stage.meta.EstimatedDurationSeconds) * time.Second
			hasRemaining = true
		}

		stages[i] = StageSnapshot{
			ID:          stage.meta.ID,
			DisplayName: stage.meta.DisplayName,
			Status:      stage.status,
			Progress:    pct,
			Message:     stage.message,
			StartedAt:   stage.startedAt,
			CompletedAt: stage.completedAt,
		}
	}

	// Overall progress is monotonic while the job is processing; any decrease
	// must come through ResetStage, which clears lastOverall.
	if job.status == StatusProcessing {
		if overall < job.lastOverall {
			overall = job.lastOverall
		} else {
			job.lastOverall = overall
		}
	}

	snapshot := Snapshot{
		UploadID:         uploadID,
		OwnerID:          job.ownerID,
		Status:           job.status,
		OverallProgress:  overall,
		CurrentStage:     currentID,
		CurrentStageName: currentName,
		StageProgress:    currentPct,
		Message:          message,
		Stages:           stages,
		UpdatedAt:        job.updatedAt,
	}
	if hasRemaining && job.status == StatusProcessing {
		snapshot.EstimatedCompletion = now.Add(etaRemaining)
	}
	return snapshot
}

func (t *Tracker) publish(ctx context.Context, uploadID string, job *jobState) {
	job.mu.Lock()
	snapshot := t.snapshotLocked(uploadID, job)
	job.mu.Unlock()

	t.persistSnapshot(ctx, snapshot)
	t.logger.Debug("progress published",
		logging.String(logging.FieldUploadID, uploadID),
		logging.String(logging.FieldStage, snapshot.CurrentStage),
		logging.Float64("overall", snapshot.OverallProgress),
	)
	t.registry.Send(snapshot.OwnerID, live.Message{
		Type:                live.TypeProgressUpdate,
		UploadID:            uploadID,
		OverallProgress:     snapshot.OverallProgress,
		CurrentStage:        snapshot.CurrentStage,
		StageProgress:       snapshot.StageProgress,
		EstimatedCompletion: formatETA(snapshot.EstimatedCompletion),
		Status:              string(snapshot.Status),
	})
}

func (t *Tracker) persist(ctx context.Context, uploadID string, job *jobState) {
	job.mu.Lock()
	snapshot := t.snapshotLocked(uploadID, job)
	job.mu.Unlock()
	t.persistSnapshot(ctx, snapshot)
}

func (t *Tracker) persistSnapshot(ctx context.Context, snapshot Snapshot) {
	if t.store == nil {
		return
	}
	if err := t.store.SaveProgress(ctx, snapshot); err != nil {
		t.logger.Warn("persist progress snapshot failed",
			logging.String(logging.FieldUploadID, snapshot.UploadID),
			logging.Error(err),
		)
	}
}

func formatETA(eta time.Time) string {
	if eta.IsZero() {
		return ""
	}
	return eta.UTC().Format(time.RFC3339)
}
