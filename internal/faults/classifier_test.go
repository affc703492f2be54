package faults_test

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"testing"
	"time"

	"autostage/internal/faults"
)

func TestClassifySentinels(t *testing.T) {
	classifier := faults.NewClassifier(3, 10, time.Hour)

	cases := []struct {
		err       error
		code      string
		category  faults.Category
		retryable bool
	}{
		{faults.Wrap(faults.ErrValidation, "", "init", "bad size", nil), "validation_failed", faults.CategoryValidation, false},
		{faults.Wrap(faults.ErrUnsupportedFormat, "", "init", "pdf", nil), "unsupported_format", faults.CategoryValidation, false},
		{faults.Wrap(faults.ErrThrottled, "", "chunk", "busy", nil), "throttled", faults.CategoryThrottled, true},
		{faults.Wrap(faults.ErrQuotaExceeded, "clips", "submit", "429", nil), "quota_exceeded", faults.CategoryExternal, true},
		{faults.Wrap(faults.ErrAuth, "clips", "submit", "401", nil), "auth_failed", faults.CategoryExternal, false},
		{faults.Wrap(faults.ErrExternalService, "clips", "poll", "500", nil), "external_failure", faults.CategoryExternal, true},
		{faults.Wrap(faults.ErrSessionCancelled, "", "chunk", "", nil), "session_cancelled", faults.CategoryValidation, false},
		{fmt.Errorf("boom"), "system_fault", faults.CategorySystem, false},
	}

	for _, tc := range cases {
		record := classifier.Classify(tc.err, faults.Context{OwnerID: "owner-1"})
		if record.Code != tc.code {
			t.Errorf("err %v: expected code %s, got %s", tc.err, tc.code, record.Code)
		}
		if record.Category != tc.category {
			t.Errorf("err %v: expected category %s, got %s", tc.err, tc.category, record.Category)
		}
		if record.Retryable != tc.retryable {
			t.Errorf("err %v: expected retryable=%v", tc.err, tc.retryable)
		}
		if record.UserMessage == "" || len(record.RecoverySteps) == 0 {
			t.Errorf("err %v: expected user message and recovery steps", tc.err)
		}
	}
}

func TestClassifyDetectsTimeoutsAndDiskErrors(t *testing.T) {
	classifier := faults.NewClassifier(3, 10, time.Hour)

	record := classifier.Classify(context.DeadlineExceeded, faults.Context{OwnerID: "owner-1"})
	if record.Code != "network_timeout" || !record.Retryable {
		t.Fatalf("expected retryable network_timeout, got %+v", record)
	}

	record = classifier.Classify(fmt.Errorf("dial tcp: connection refused"), faults.Context{OwnerID: "owner-1"})
	if record.Code != "network_timeout" {
		t.Fatalf("expected network_timeout for refused connection, got %s", record.Code)
	}

	pathErr := &fs.PathError{Op: "write", Path: "/tmp/x", Err: errors.New("no space left on device")}
	record = classifier.Classify(pathErr, faults.Context{OwnerID: "owner-1"})
	if record.Code != "system_fault" || record.Severity != faults.SeverityCritical {
		t.Fatalf("expected critical system_fault for disk error, got %+v", record)
	}
}

func TestShouldRetryHonorsLimit(t *testing.T) {
	classifier := faults.NewClassifier(2, 10, time.Hour)
	retryable := classifier.Classify(faults.Wrap(faults.ErrNetwork, "clips", "poll", "", nil), faults.Context{})
	terminal := classifier.Classify(faults.Wrap(faults.ErrValidation, "clips", "poll", "", nil), faults.Context{})

	if !classifier.ShouldRetry(retryable, 0) || !classifier.ShouldRetry(retryable, 1) {
		t.Fatal("expected retries below the limit to be allowed")
	}
	if classifier.ShouldRetry(retryable, 2) {
		t.Fatal("expected retry at the limit to be denied")
	}
	if classifier.ShouldRetry(terminal, 0) {
		t.Fatal("non-retryable records must never retry")
	}
}

func TestHistoryBoundedNewestFirst(t *testing.T) {
	classifier := faults.NewClassifier(3, 3, time.Hour)

	for i := 0; i < 5; i++ {
		classifier.Classify(
			faults.Wrap(faults.ErrNetwork, "clips", "poll", fmt.Sprintf("attempt %d", i), nil),
			faults.Context{OwnerID: "owner-1", UploadID: fmt.Sprintf("upload-%d", i)},
		)
	}

	records := classifier.Recent("owner-1", 10)
	if len(records) != 3 {
		t.Fatalf("expected history bounded to 3, got %d", len(records))
	}
	if records[0].UploadID != "upload-4" || records[2].UploadID != "upload-2" {
		t.Fatalf("expected newest-first order, got %s..%s", records[0].UploadID, records[2].UploadID)
	}

	// Histories are per owner.
	if got := classifier.Recent("owner-2", 10); len(got) != 0 {
		t.Fatalf("expected empty history for other owner, got %d", len(got))
	}
}

func TestStatsByCategory(t *testing.T) {
	classifier := faults.NewClassifier(3, 10, time.Hour)

	classifier.Classify(faults.Wrap(faults.ErrNetwork, "", "", "", nil), faults.Context{OwnerID: "owner-1"})
	classifier.Classify(faults.Wrap(faults.ErrNetwork, "", "", "", nil), faults.Context{OwnerID: "owner-1"})
	classifier.Classify(faults.Wrap(faults.ErrValidation, "", "", "", nil), faults.Context{OwnerID: "owner-1"})

	stats := classifier.Stats("owner-1", time.Minute)
	if stats[faults.CategoryNetwork] != 2 || stats[faults.CategoryValidation] != 1 {
		t.Fatalf("unexpected stats: %v", stats)
	}
}
