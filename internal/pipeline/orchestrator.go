package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"autostage/internal/config"
	"autostage/internal/faults"
	"autostage/internal/logging"
	"autostage/internal/progress"
)

// Orchestrator schedules pipeline jobs across a bounded worker pool. One
// goroutine per job, gated by a semaphore sized to the configured worker
// count; stages within a job always run strictly in order.
type Orchestrator struct {
	cfg         *config.Config
	processor   Processor
	tracker     *progress.Tracker
	classifier  *faults.Classifier
	persistence Persistence
	notifier    Notifier
	logger      *slog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	sem     chan struct{}
	wg      sync.WaitGroup

	mu   sync.Mutex
	jobs map[string]*jobRun
}

type jobRun struct {
	job    *Job
	cancel context.CancelFunc
	done   chan struct{}
}

func NewOrchestrator(
	cfg *config.Config,
	processor Processor,
	tracker *progress.Tracker,
	classifier *faults.Classifier,
	persistence Persistence,
	notifier Notifier,
	logger *slog.Logger,
) *Orchestrator {
	baseCtx, cancel := context.WithCancel(context.Background())
	workers := cfg.Pipeline.WorkerCount
	if workers < 1 {
		workers = 1
	}
	return &Orchestrator{
		cfg:         cfg,
		processor:   processor,
		tracker:     tracker,
		classifier:  classifier,
		persistence: persistence,
		notifier:    notifier,
		logger:      logging.NewComponentLogger(logger, "orchestrator"),
		baseCtx:     baseCtx,
		cancel:      cancel,
		sem:         make(chan struct{}, workers),
		jobs:        make(map[string]*jobRun),
	}
}

// Start queues a pipeline job for an assembled upload. Starting an upload
// that already has a live job is a no-op that returns the existing state.
func (o *Orchestrator) Start(ctx context.Context, uploadID, ownerID, artifactPath, mimeType string) (*Job, error) {
	o.mu.Lock()
	if run, ok := o.jobs[uploadID]; ok {
		job := run.job.clone()
		o.mu.Unlock()
		return job, nil
	}

	now := time.Now().UTC()
	job := &Job{
		UploadID:     uploadID,
		OwnerID:      ownerID,
		ArtifactPath: artifactPath,
		MimeType:     mimeType,
		Status:       JobProcessing,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for _, stage := range o.cfg.Pipeline.Stages {
		job.Stages = append(job.Stages, StageState{ID: stage.ID, Status: StagePending})
	}

	runCtx, cancel := context.WithCancel(o.baseCtx)
	run := &jobRun{job: job, cancel: cancel, done: make(chan struct{})}
	o.jobs[uploadID] = run
	o.mu.Unlock()

	if err := o.persistence.SaveJob(ctx, job); err != nil {
		o.mu.Lock()
		delete(o.jobs, uploadID)
		o.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("persist job %s: %w", uploadID, err)
	}

	o.tracker.StartJob(ctx, uploadID, ownerID)
	o.logger.Info("pipeline job queued",
		logging.String(logging.FieldUploadID, uploadID),
		logging.String(logging.FieldOwnerID, ownerID),
	)

	o.wg.Add(1)
	go o.run(runCtx, run)
	return job.clone(), nil
}

// Cancel requests cooperative cancellation of a running job. The running
// stage observes context cancellation and unwinds; partial stage output is
// discarded.
func (o *Orchestrator) Cancel(uploadID string) error {
	o.mu.Lock()
	run, ok := o.jobs[uploadID]
	o.mu.Unlock()
	if !ok {
		return faults.Wrap(faults.ErrNotFound, "", "cancel job", uploadID, nil)
	}
	run.cancel()
	return nil
}

// Job returns the live state of a job, falling back to persistence for
// finished ones.
func (o *Orchestrator) Job(ctx context.Context, uploadID string) (*Job, error) {
	o.mu.Lock()
	if run, ok := o.jobs[uploadID]; ok {
		job := run.job.clone()
		o.mu.Unlock()
		return job, nil
	}
	o.mu.Unlock()

	job, err := o.persistence.LoadJob(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, faults.Wrap(faults.ErrNotFound, "", "lookup job", uploadID, nil)
	}
	return job, nil
}

// Resume re-queues jobs that were mid-flight when the previous process
// stopped. The stage that was running restarts from zero; completed stages
// keep their result.
func (o *Orchestrator) Resume(ctx context.Context) error {
	jobs, err := o.persistence.JobsByStatus(ctx, JobProcessing)
	if err != nil {
		return fmt.Errorf("list processing jobs: %w", err)
	}

	for _, job := range jobs {
		for i := range job.Stages {
			if job.Stages[i].Status == StageProcessing {
				job.Stages[i].Status = StagePending
			}
		}

		o.mu.Lock()
		if _, ok := o.jobs[job.UploadID]; ok {
			o.mu.Unlock()
			continue
		}
		runCtx, cancel := context.WithCancel(o.baseCtx)
		run := &jobRun{job: job, cancel: cancel, done: make(chan struct{})}
		o.jobs[job.UploadID] = run
		o.mu.Unlock()

		o.tracker.StartJob(ctx, job.UploadID, job.OwnerID)
		for _, stage := range job.Stages {
			if stage.Status == StageCompleted {
				o.tracker.CompleteStage(ctx, job.UploadID, stage.ID)
			}
		}
		o.logger.Info("pipeline job resumed",
			logging.String(logging.FieldUploadID, job.UploadID),
			logging.String(logging.FieldStage, job.CurrentStage()),
		)
		o.wg.Add(1)
		go o.run(runCtx, run)
	}
	return nil
}

// Close cancels all running jobs and waits for their goroutines to unwind.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

func (o *Orchestrator) run(ctx context.Context, run *jobRun) {
	defer o.wg.Done()
	defer run.cancel()
	defer close(run.done)

	select {
	case o.sem <- struct{}{}:
		defer func() { <-o.sem }()
	case <-ctx.Done():
		o.finishCancelled(run)
		return
	}

	job := run.job
	for i := range job.Stages {
		if job.Stages[i].Status == StageCompleted {
			continue
		}
		if !o.runStage(ctx, run, i) {
			return
		}
	}

	o.mu.Lock()
	job.Status = JobCompleted
	job.UpdatedAt = time.Now().UTC()
	finished := job.clone()
	delete(o.jobs, job.UploadID)
	o.mu.Unlock()

	o.persistJob(finished)
	o.tracker.CompleteJob(o.baseCtx, job.UploadID)
	if o.notifier != nil {
		o.notifier.JobCompleted(o.baseCtx, finished)
	}
	o.logger.Info("pipeline job completed", logging.String(logging.FieldUploadID, job.UploadID))
}

// runStage drives one stage to completion, retrying retryable faults with
// exponential backoff. Returns false when the job is finished (failed or
// cancelled) and the loop must stop.
func (o *Orchestrator) runStage(ctx context.Context, run *jobRun, idx int) bool {
	job := run.job
	stage := &job.Stages[idx]
	stageCfg := o.stageConfig(stage.ID)
	ctx = logging.WithStage(logging.WithUpload(ctx, job.UploadID, job.OwnerID), stage.ID)
	log := logging.WithContext(ctx, o.logger)

	for {
		if ctx.Err() != nil {
			o.finishCancelled(run)
			return false
		}

		o.mu.Lock()
		stage.Status = StageProcessing
		job.UpdatedAt = time.Now().UTC()
		o.mu.Unlock()
		o.persistJob(job.clone())
		o.tracker.UpdateStage(ctx, job.UploadID, stage.ID, 0, startMessage(stageCfg))

		err := o.processor.Process(ctx, StageRequest{
			UploadID:     job.UploadID,
			OwnerID:      job.OwnerID,
			StageID:      stage.ID,
			ArtifactPath: job.ArtifactPath,
			MimeType:     job.MimeType,
			Progress: func(percent float64, message string) {
				o.tracker.UpdateStage(ctx, job.UploadID, stage.ID, percent, message)
			},
		})
		if err == nil {
			o.mu.Lock()
			stage.Status = StageCompleted
			stage.LastError = ""
			job.UpdatedAt = time.Now().UTC()
			o.mu.Unlock()
			o.persistJob(job.clone())
			o.tracker.CompleteStage(ctx, job.UploadID, stage.ID)
			log.Info("stage completed", logging.Int("retries", stage.RetryCount))
			return true
		}

		if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, faults.ErrSessionCancelled) {
			o.finishCancelled(run)
			return false
		}

		record := o.classifier.Classify(err, faults.Context{
			OwnerID:  job.OwnerID,
			UploadID: job.UploadID,
			Stage:    stage.ID,
		})
		record.RetryCount = stage.RetryCount
		if perr := o.persistence.SaveFaultRecord(o.baseCtx, record); perr != nil {
			log.Warn("persist fault record failed", logging.Error(perr))
		}

		if o.classifier.ShouldRetry(record, stage.RetryCount) {
			o.mu.Lock()
			stage.RetryCount++
			stage.LastError = record.Code
			o.mu.Unlock()
			wait := o.backoff(stage.RetryCount)
			log.Warn("stage failed, retrying",
				logging.String(logging.FieldErrorCode, record.Code),
				logging.Int("attempt", stage.RetryCount),
				logging.Duration("backoff", wait),
				logging.Error(err),
			)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				o.finishCancelled(run)
				return false
			}
			o.tracker.ResetStage(ctx, job.UploadID, stage.ID)
			continue
		}

		o.mu.Lock()
		stage.Status = StageFailed
		stage.LastError = record.Code
		job.Status = JobFailed
		job.UpdatedAt = time.Now().UTC()
		failed := job.clone()
		delete(o.jobs, job.UploadID)
		o.mu.Unlock()

		o.persistJob(failed)
		o.tracker.FailStage(o.baseCtx, job.UploadID, stage.ID, record)
		if o.notifier != nil {
			o.notifier.JobFailed(o.baseCtx, failed, record)
		}
		log.Error("stage failed permanently",
			logging.String(logging.FieldErrorCode, record.Code),
			logging.String(logging.FieldErrorCategory, string(record.Category)),
			logging.Int("retries", stage.RetryCount),
			logging.Any("recovery_steps", record.RecoverySteps),
			logging.Error(err),
		)
		return false
	}
}

func (o *Orchestrator) finishCancelled(run *jobRun) {
	o.mu.Lock()
	job := run.job
	if job.Status == JobCancelled {
		o.mu.Unlock()
		return
	}
	job.Status = JobCancelled
	job.UpdatedAt = time.Now().UTC()
	for i := range job.Stages {
		switch job.Stages[i].Status {
		case StagePending, StageProcessing:
			job.Stages[i].Status = StageCancelled
		}
	}
	cancelled := job.clone()
	delete(o.jobs, job.UploadID)
	o.mu.Unlock()

	o.persistJob(cancelled)
	o.tracker.CancelJob(o.baseCtx, job.UploadID)
	o.logger.Info("pipeline job cancelled", logging.String(logging.FieldUploadID, job.UploadID))
}

// backoff grows base*2^(attempt-1) up to the configured cap.
func (o *Orchestrator) backoff(attempt int) time.Duration {
	base := time.Duration(o.cfg.Pipeline.RetryBackoffSeconds) * time.Second
	capDur := time.Duration(o.cfg.Pipeline.RetryBackoffCapSeconds) * time.Second
	wait := base
	for i := 1; i < attempt; i++ {
		wait *= 2
		if wait >= capDur {
			return capDur
		}
	}
	if wait > capDur {
		return capDur
	}
	return wait
}

func (o *Orchestrator) stageConfig(stageID string) config.Stage {
	for _, stage := range o.cfg.Pipeline.Stages {
		if stage.ID == stageID {
			return stage
		}
	}
	return config.Stage{ID: stageID, DisplayName: stageID}
}

func (o *Orchestrator) persistJob(job *Job) {
	if err := o.persistence.SaveJob(o.baseCtx, job); err != nil {
		o.logger.Warn("persist job failed",
			logging.String(logging.FieldUploadID, job.UploadID), logging.Error(err))
	}
}

func startMessage(stage config.Stage) string {
	if stage.DisplayName != "" {
		return "Starting " + stage.DisplayName
	}
	return "Starting " + stage.ID
}
