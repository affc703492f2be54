package progress_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"autostage/internal/config"
	"autostage/internal/faults"
	"autostage/internal/live"
	"autostage/internal/logging"
	"autostage/internal/progress"
)

type captureSender struct {
	mu       sync.Mutex
	messages []live.Message
}

func (c *captureSender) Send(ownerID string, msg live.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
}

func (c *captureSender) last() (live.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.messages) == 0 {
		return live.Message{}, false
	}
	return c.messages[len(c.messages)-1], true
}

func testStages() []config.Stage {
	return []config.Stage{
		{ID: "transcription", DisplayName: "Transcription", Weight: 10, EstimatedDurationSeconds: 60},
		{ID: "segmentation", DisplayName: "Segmentation", Weight: 30, EstimatedDurationSeconds: 60},
		{ID: "clips", DisplayName: "Clip Generation", Weight: 40, EstimatedDurationSeconds: 120},
		{ID: "social", DisplayName: "Social Content", Weight: 20, EstimatedDurationSeconds: 60},
	}
}

func newTracker(t *testing.T) (*progress.Tracker, *captureSender) {
	t.Helper()
	sender := &captureSender{}
	tracker := progress.NewTracker(testStages(), sender, nil, logging.NewNop())
	return tracker, sender
}

func TestWeightedOverallProgress(t *testing.T) {
	tracker, _ := newTracker(t)
	ctx := context.Background()

	tracker.StartJob(ctx, "upload-1", "owner-1")
	tracker.CompleteStage(ctx, "upload-1", "transcription")
	tracker.CompleteStage(ctx, "upload-1", "segmentation")
	tracker.UpdateStage(ctx, "upload-1", "clips", 50, "rendering")

	snapshot, ok := tracker.Snapshot("upload-1")
	if !ok {
		t.Fatal("expected snapshot for tracked job")
	}
	// 10 + 30 + 40*0.5 + 0 = 60
	if snapshot.OverallProgress != 60 {
		t.Fatalf("expected overall progress 60, got %v", snapshot.OverallProgress)
	}
	if snapshot.CurrentStage != "clips" || snapshot.StageProgress != 50 {
		t.Fatalf("unexpected current stage state: %s at %v", snapshot.CurrentStage, snapshot.StageProgress)
	}
}

func TestProgressClampAndMonotonicity(t *testing.T) {
	tracker, _ := newTracker(t)
	ctx := context.Background()

	tracker.StartJob(ctx, "upload-1", "owner-1")
	tracker.UpdateStage(ctx, "upload-1", "transcription", 150, "")

	snapshot, _ := tracker.Snapshot("upload-1")
	if snapshot.Stages[0].Progress != 100 {
		t.Fatalf("expected clamp to 100, got %v", snapshot.Stages[0].Progress)
	}

	// A lower report later must not decrease the overall number.
	before, _ := tracker.Snapshot("upload-1")
	tracker.UpdateStage(ctx, "upload-1", "transcription", 10, "")
	after, _ := tracker.Snapshot("upload-1")
	if after.OverallProgress < before.OverallProgress {
		t.Fatalf("overall progress decreased from %v to %v", before.OverallProgress, after.OverallProgress)
	}
}

func TestResetStageIsTheOnlyDecreasePath(t *testing.T) {
	tracker, _ := newTracker(t)
	ctx := context.Background()

	tracker.StartJob(ctx, "upload-1", "owner-1")
	tracker.UpdateStage(ctx, "upload-1", "transcription", 80, "")

	before, _ := tracker.Snapshot("upload-1")
	if before.OverallProgress != 8 {
		t.Fatalf("expected overall 8, got %v", before.OverallProgress)
	}

	tracker.ResetStage(ctx, "upload-1", "transcription")
	after, _ := tracker.Snapshot("upload-1")
	if after.OverallProgress != 0 {
		t.Fatalf("expected overall 0 after reset, got %v", after.OverallProgress)
	}
	if after.Stages[0].Status != "processing" || after.Stages[0].Progress != 0 {
		t.Fatalf("expected stage reset to processing at 0, got %+v", after.Stages[0])
	}
}

func TestCompletedStageCountsFull(t *testing.T) {
	tracker, _ := newTracker(t)
	ctx := context.Background()

	tracker.StartJob(ctx, "upload-1", "owner-1")
	tracker.UpdateStage(ctx, "upload-1", "transcription", 40, "")
	tracker.CompleteStage(ctx, "upload-1", "transcription")

	snapshot, _ := tracker.Snapshot("upload-1")
	if snapshot.Stages[0].Progress != 100 {
		t.Fatalf("expected completed stage to count as 100, got %v", snapshot.Stages[0].Progress)
	}
	if snapshot.OverallProgress != 10 {
		t.Fatalf("expected overall 10, got %v", snapshot.OverallProgress)
	}
}

func TestEstimatedCompletion(t *testing.T) {
	tracker, _ := newTracker(t)
	ctx := context.Background()

	tracker.StartJob(ctx, "upload-1", "owner-1")
	tracker.UpdateStage(ctx, "upload-1", "transcription", 50, "")

	snapshot, _ := tracker.Snapshot("upload-1")
	if snapshot.EstimatedCompletion.IsZero() {
		t.Fatal("expected an ETA while stages remain")
	}
	// Half of transcription (~30s) plus the three pending stages (240s).
	remaining := time.Until(snapshot.EstimatedCompletion)
	if remaining < 200*time.Second || remaining > 300*time.Second {
		t.Fatalf("ETA out of expected envelope: %v remaining", remaining)
	}

	// Completed jobs carry no ETA.
	for _, stage := range testStages() {
		tracker.CompleteStage(ctx, "upload-1", stage.ID)
	}
	tracker.CompleteJob(ctx, "upload-1")
	final, _ := tracker.Snapshot("upload-1")
	if !final.EstimatedCompletion.IsZero() {
		t.Fatalf("expected zero ETA on completed job, got %v", final.EstimatedCompletion)
	}
	if final.Status != progress.StatusCompleted || final.OverallProgress != 100 {
		t.Fatalf("unexpected final snapshot: %s at %v", final.Status, final.OverallProgress)
	}
}

func TestFailStagePushesStageFailedEvent(t *testing.T) {
	tracker, sender := newTracker(t)
	ctx := context.Background()

	tracker.StartJob(ctx, "upload-1", "owner-1")
	tracker.UpdateStage(ctx, "upload-1", "transcription", 30, "")
	tracker.FailStage(ctx, "upload-1", "transcription", faults.Record{
		Code:        "external_failure",
		UserMessage: "The processing service reported an error.",
		Retryable:   true,
	})

	msg, ok := sender.last()
	if !ok {
		t.Fatal("expected a live message")
	}
	if msg.Type != live.TypeStageFailed || msg.Stage != "transcription" || msg.ErrorCode != "external_failure" {
		t.Fatalf("unexpected stage_failed message: %+v", msg)
	}
	if !msg.IsRetryable {
		t.Fatal("expected retryable flag on stage_failed message")
	}

	snapshot, _ := tracker.Snapshot("upload-1")
	if snapshot.Status != progress.StatusFailed {
		t.Fatalf("expected failed job, got %s", snapshot.Status)
	}
}

func TestCancelJobMarksRemainingStages(t *testing.T) {
	tracker, _ := newTracker(t)
	ctx := context.Background()

	tracker.StartJob(ctx, "upload-1", "owner-1")
	tracker.CompleteStage(ctx, "upload-1", "transcription")
	tracker.UpdateStage(ctx, "upload-1", "segmentation", 20, "")
	tracker.CancelJob(ctx, "upload-1")

	snapshot, _ := tracker.Snapshot("upload-1")
	if snapshot.Status != progress.StatusCancelled {
		t.Fatalf("expected cancelled job, got %s", snapshot.Status)
	}
	if snapshot.Stages[0].Status != "completed" {
		t.Fatalf("completed stage must keep its status, got %s", snapshot.Stages[0].Status)
	}
	for _, stage := range snapshot.Stages[1:] {
		if stage.Status != "cancelled" {
			t.Fatalf("expected stage %s cancelled, got %s", stage.ID, stage.Status)
		}
	}
}

func TestSweepExpiredEvictsTerminalJobs(t *testing.T) {
	tracker, _ := newTracker(t)
	ctx := context.Background()

	tracker.StartJob(ctx, "done", "owner-1")
	tracker.CompleteJob(ctx, "done")
	tracker.StartJob(ctx, "active", "owner-1")

	time.Sleep(10 * time.Millisecond)
	if evicted := tracker.SweepExpired(time.Nanosecond); evicted != 1 {
		t.Fatalf("expected one evicted job, got %d", evicted)
	}
	if _, ok := tracker.Snapshot("done"); ok {
		t.Fatal("expected terminal job to be evicted")
	}
	if _, ok := tracker.Snapshot("active"); !ok {
		t.Fatal("active job must survive the sweep")
	}
}
