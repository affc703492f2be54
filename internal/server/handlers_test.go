package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"autostage/internal/config"
	"autostage/internal/faults"
	"autostage/internal/live"
	"autostage/internal/logging"
	"autostage/internal/pipeline"
	"autostage/internal/progress"
	"autostage/internal/server"
	"autostage/internal/testsupport"
	"autostage/internal/upload"
)

// stageDoneProcessor completes every stage immediately.
type stageDoneProcessor struct{}

func (stageDoneProcessor) Process(ctx context.Context, req pipeline.StageRequest) error {
	if req.Progress != nil {
		req.Progress(100, "done")
	}
	return nil
}

type apiEnv struct {
	cfg    *config.Config
	srv    *httptest.Server
	client *http.Client
}

func newAPIEnv(t *testing.T, opts ...testsupport.ConfigOption) *apiEnv {
	t.Helper()

	cfg := testsupport.NewConfig(t, opts...)
	st := testsupport.MustOpenStore(t, cfg)
	logger := logging.NewNop()

	classifier := faults.NewClassifier(cfg.Pipeline.MaxRetries, cfg.Errors.HistoryLimit,
		time.Duration(cfg.Errors.RetentionHours)*time.Hour)
	registry := live.NewRegistry(logger)
	tracker := progress.NewTracker(cfg.Pipeline.Stages, registry, st, logger)
	uploads := upload.NewManager(cfg, st, logger)
	orchestrator := pipeline.NewOrchestrator(cfg, stageDoneProcessor{}, tracker, classifier, st, nil, logger)
	uploads.OnAssembled(func(ctx context.Context, session *upload.Session) {
		_, _ = orchestrator.Start(ctx, session.ID, session.OwnerID, session.ArtifactPath, session.MimeType)
	})
	t.Cleanup(orchestrator.Close)
	t.Cleanup(uploads.Close)

	api := server.New(cfg, uploads, orchestrator, tracker, classifier, registry, st, logger)
	ts := httptest.NewServer(api.Handler())
	t.Cleanup(ts.Close)

	return &apiEnv{cfg: cfg, srv: ts, client: ts.Client()}
}

func (e *apiEnv) do(t *testing.T, method, path, owner string, headers map[string]string, body []byte) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if owner != "" {
		req.Header.Set("X-Owner-ID", owner)
	}
	if token := e.cfg.Server.APIToken; token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	return resp, payload
}

func (e *apiEnv) initUpload(t *testing.T, owner string, size int64) string {
	t.Helper()
	body := fmt.Sprintf(`{"declaredSize": %d, "mimeType": "video/mp4"}`, size)
	resp, payload := e.do(t, http.MethodPost, "/api/uploads", owner, nil, []byte(body))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("init upload returned %d: %s", resp.StatusCode, payload)
	}
	var out struct {
		UploadID string `json:"uploadId"`
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		t.Fatalf("decode init response: %v", err)
	}
	return out.UploadID
}

func (e *apiEnv) putChunk(t *testing.T, owner, uploadID string, offset int64, data []byte) (*http.Response, []byte) {
	t.Helper()
	return e.do(t, http.MethodPut, "/api/uploads/"+uploadID+"/chunk", owner,
		map[string]string{"Upload-Offset": fmt.Sprintf("%d", offset)}, data)
}

func TestUploadFlowEndToEnd(t *testing.T) {
	env := newAPIEnv(t)
	data := testsupport.PatternBytes(1000)
	uploadID := env.initUpload(t, "owner-1", 1000)

	// First half only.
	resp, payload := env.putChunk(t, "owner-1", uploadID, 0, data[:500])
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chunk write returned %d: %s", resp.StatusCode, payload)
	}
	var result upload.WriteResult
	if err := json.Unmarshal(payload, &result); err != nil {
		t.Fatalf("decode write result: %v", err)
	}
	if result.ReceivedBytes != 500 || result.IsComplete {
		t.Fatalf("unexpected write result: %+v", result)
	}

	resp, payload = env.do(t, http.MethodGet, "/api/uploads/"+uploadID+"/missing-ranges", "owner-1", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("missing-ranges returned %d: %s", resp.StatusCode, payload)
	}
	var missing struct {
		Missing       []upload.ByteRange `json:"missing"`
		ReceivedBytes int64              `json:"receivedBytes"`
	}
	if err := json.Unmarshal(payload, &missing); err != nil {
		t.Fatalf("decode missing ranges: %v", err)
	}
	if len(missing.Missing) != 1 || missing.Missing[0].Start != 500 || missing.Missing[0].End != 1000 {
		t.Fatalf("unexpected missing ranges: %+v", missing)
	}

	resp, payload = env.putChunk(t, "owner-1", uploadID, 500, data[500:])
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("final chunk returned %d: %s", resp.StatusCode, payload)
	}
	if err := json.Unmarshal(payload, &result); err != nil {
		t.Fatalf("decode write result: %v", err)
	}
	if !result.IsComplete {
		t.Fatalf("expected completed upload, got %+v", result)
	}
}

func TestRequestIDHeader(t *testing.T) {
	env := newAPIEnv(t)

	resp, _ := env.do(t, http.MethodGet, "/api/status", "", nil, nil)
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatal("expected a generated X-Request-ID on the response")
	}

	resp, _ = env.do(t, http.MethodGet, "/api/status", "", map[string]string{"X-Request-ID": "client-42"}, nil)
	if got := resp.Header.Get("X-Request-ID"); got != "client-42" {
		t.Fatalf("client-supplied request id not echoed, got %q", got)
	}
}

func TestWrongOwnerReadsAsNotFound(t *testing.T) {
	env := newAPIEnv(t)
	uploadID := env.initUpload(t, "owner-1", 1000)

	resp, payload := env.putChunk(t, "owner-2", uploadID, 0, []byte("x"))
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign owner, got %d: %s", resp.StatusCode, payload)
	}
	resp, _ = env.do(t, http.MethodGet, "/api/uploads/"+uploadID+"/missing-ranges", "", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 with missing owner header, got %d", resp.StatusCode)
	}
}

func TestChunkValidationErrors(t *testing.T) {
	env := newAPIEnv(t)
	uploadID := env.initUpload(t, "owner-1", 1000)

	// Bad Upload-Offset header.
	resp, payload := env.do(t, http.MethodPut, "/api/uploads/"+uploadID+"/chunk", "owner-1", nil, []byte("x"))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing offset, got %d: %s", resp.StatusCode, payload)
	}
	var fault struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(payload, &fault); err != nil {
		t.Fatalf("decode fault body: %v", err)
	}
	if fault.Code != "validation_failed" {
		t.Fatalf("unexpected fault code: %s", fault.Code)
	}

	// Chunk beyond declared size.
	resp, _ = env.putChunk(t, "owner-1", uploadID, 990, make([]byte, 20))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for out-of-bounds chunk, got %d", resp.StatusCode)
	}

	// Chunk over the per-chunk ceiling is throttled.
	oversized := make([]byte, int(env.cfg.MaxChunkBytes())+1)
	resp, _ = env.putChunk(t, "owner-1", uploadID, 0, oversized)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 for oversized chunk, got %d", resp.StatusCode)
	}
}

func TestInitUploadRejectsUnsupportedFormat(t *testing.T) {
	env := newAPIEnv(t)
	resp, payload := env.do(t, http.MethodPost, "/api/uploads", "owner-1", nil,
		[]byte(`{"declaredSize": 100, "mimeType": "application/pdf"}`))
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %d: %s", resp.StatusCode, payload)
	}
}

func TestCancelUnknownUploadReturnsNotFound(t *testing.T) {
	env := newAPIEnv(t)
	resp, payload := env.do(t, http.MethodPost, "/api/uploads/nope/cancel", "owner-1", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", resp.StatusCode, payload)
	}
	if !strings.Contains(string(payload), "not_found") {
		t.Fatalf("expected sanitized not-found body, got %s", payload)
	}
}

func TestCancelReceivingUpload(t *testing.T) {
	env := newAPIEnv(t)
	uploadID := env.initUpload(t, "owner-1", 1000)

	resp, payload := env.do(t, http.MethodPost, "/api/uploads/"+uploadID+"/cancel", "owner-1", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel returned %d: %s", resp.StatusCode, payload)
	}

	resp, _ = env.putChunk(t, "owner-1", uploadID, 0, []byte("x"))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 writing to cancelled upload, got %d", resp.StatusCode)
	}
}

func TestProgressEndpointFallsBackToStore(t *testing.T) {
	env := newAPIEnv(t)

	resp, _ := env.do(t, http.MethodGet, "/api/jobs/unknown/progress", "owner-1", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown job, got %d", resp.StatusCode)
	}

	// A completed upload runs the whole pipeline; progress must stay readable
	// after the tracker lets go of the job.
	data := testsupport.PatternBytes(600)
	uploadID := env.initUpload(t, "owner-1", 600)
	env.putChunk(t, "owner-1", uploadID, 0, data)

	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, payload := env.do(t, http.MethodGet, "/api/jobs/"+uploadID+"/progress", "owner-1", nil, nil)
		if resp.StatusCode == http.StatusOK {
			var snapshot progress.Snapshot
			if err := json.Unmarshal(payload, &snapshot); err != nil {
				t.Fatalf("decode snapshot: %v", err)
			}
			if snapshot.Status == progress.StatusCompleted {
				if snapshot.OverallProgress != 100 {
					t.Fatalf("completed job should report 100%%, got %v", snapshot.OverallProgress)
				}
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for completed progress snapshot")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestRecentErrorsEndpoint(t *testing.T) {
	env := newAPIEnv(t)

	resp, _ := env.do(t, http.MethodGet, "/api/errors", "", nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without owner, got %d", resp.StatusCode)
	}

	// Trigger a classified validation fault for the owner.
	env.do(t, http.MethodPost, "/api/uploads", "owner-1", nil, []byte(`{"declaredSize": -5, "mimeType": "video/mp4"}`))

	resp, payload := env.do(t, http.MethodGet, "/api/errors", "owner-1", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("errors endpoint returned %d: %s", resp.StatusCode, payload)
	}
	var out struct {
		Errors []faults.Record `json:"errors"`
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		t.Fatalf("decode errors: %v", err)
	}
	if len(out.Errors) != 1 || out.Errors[0].Code != "validation_failed" {
		t.Fatalf("unexpected error history: %#v", out.Errors)
	}
}

func TestAPITokenEnforced(t *testing.T) {
	env := newAPIEnv(t, func(cfg *config.Config) {
		cfg.Server.APIToken = "sekrit"
	})

	// Missing token.
	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/api/status", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := env.client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	// env.do attaches the configured bearer token.
	resp, _ = env.do(t, http.MethodGet, "/api/status", "", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", resp.StatusCode)
	}
}
