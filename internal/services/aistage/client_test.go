package aistage_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"autostage/internal/config"
	"autostage/internal/logging"
	"autostage/internal/pipeline"
	"autostage/internal/services/aistage"
	"autostage/internal/testsupport"
)

// stageService fakes the remote processor: the artifact is already present,
// the first task submission fails transiently, and the task completes on the
// first poll.
type stageService struct {
	mu         sync.Mutex
	submitKeys []string
	failFirst  bool
}

func (s *stageService) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("HEAD /v1/artifacts/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /v1/artifacts/{id}/stages/{stage}", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.submitKeys = append(s.submitKeys, r.Header.Get("Idempotency-Key"))
		fail := s.failFirst && len(s.submitKeys) == 1
		s.mu.Unlock()

		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"id": "task-1", "state": "running"})
	})
	mux.HandleFunc("GET /v1/tasks/{id}", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"id": "task-1", "state": "completed"})
	})
	return mux
}

func TestSubmitKeyStableAcrossTransportRetries(t *testing.T) {
	service := &stageService{failFirst: true}
	srv := httptest.NewServer(service.handler())
	defer srv.Close()

	cfg := testsupport.NewConfig(t, func(cfg *config.Config) {
		cfg.Processor.BaseURL = srv.URL
		cfg.Processor.RequestTimeout = 5
	})
	client := aistage.New(cfg, logging.NewNop())

	err := client.Process(context.Background(), pipeline.StageRequest{
		UploadID:     "upload-1",
		OwnerID:      "owner-1",
		StageID:      "transcription",
		ArtifactPath: "/tmp/unused",
		MimeType:     "video/mp4",
	})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	service.mu.Lock()
	keys := append([]string(nil), service.submitKeys...)
	service.mu.Unlock()

	// The transient 500 is retried at the transport level; both attempts must
	// carry the same non-empty key so the service can deduplicate.
	if len(keys) != 2 {
		t.Fatalf("expected 2 submit attempts, got %d", len(keys))
	}
	if keys[0] == "" {
		t.Fatal("submit request missing idempotency key")
	}
	if keys[0] != keys[1] {
		t.Fatalf("retried submit changed its key: %q vs %q", keys[0], keys[1])
	}
}
