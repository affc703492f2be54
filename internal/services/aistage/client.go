// Package aistage calls the external content-generation service that runs
// the actual transcription, segmentation, and clip work. The daemon submits
// one task per stage and polls it, relaying progress back to the pipeline.
package aistage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"

	"autostage/internal/config"
	"autostage/internal/faults"
	"autostage/internal/logging"
	"autostage/internal/pipeline"
)

const pollInterval = 2 * time.Second

// Client implements pipeline.Processor against the stage service HTTP API.
type Client struct {
	httpClient *retryablehttp.Client
	baseURL    string
	apiKey     string
	logger     *slog.Logger
}

type taskResponse struct {
	ID      string  `json:"id"`
	State   string  `json:"state"`
	Percent float64 `json:"percent"`
	Message string  `json:"message"`
	Detail  string  `json:"detail"`
}

// New builds a stage client from the processor config.
func New(cfg *config.Config, logger *slog.Logger) *Client {
	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = 2
	httpClient.Logger = nil
	httpClient.HTTPClient.Timeout = time.Duration(cfg.Processor.RequestTimeout) * time.Second

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(cfg.Processor.BaseURL, "/"),
		apiKey:     cfg.Processor.APIKey,
		logger:     logging.NewComponentLogger(logger, "aistage"),
	}
}

// Process runs one stage remotely: make sure the artifact is present on the
// service, submit the stage task, then poll it to completion.
func (c *Client) Process(ctx context.Context, req pipeline.StageRequest) error {
	if err := c.ensureArtifact(ctx, req); err != nil {
		return err
	}

	task, err := c.submitStage(ctx, req)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.cancelTask(task.ID)
			return ctx.Err()
		case <-ticker.C:
		}

		task, err = c.pollTask(ctx, req, task.ID)
		if err != nil {
			return err
		}

		switch task.State {
		case "completed":
			return nil
		case "failed":
			return faults.Wrap(faults.ErrExternalService, req.StageID, "stage task", task.Detail, nil)
		default:
			if req.Progress != nil {
				req.Progress(task.Percent, task.Message)
			}
		}
	}
}

// ensureArtifact uploads the artifact unless the service already holds it.
// Later stages of the same job reuse the copy from the first stage.
func (c *Client) ensureArtifact(ctx context.Context, req pipeline.StageRequest) error {
	url := fmt.Sprintf("%s/v1/artifacts/%s", c.baseURL, req.UploadID)

	head, err := retryablehttp.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return faults.Wrap(faults.ErrSystem, req.StageID, "build request", "", err)
	}
	c.authorize(head)

	resp, err := c.httpClient.Do(head)
	if err != nil {
		return faults.Wrap(faults.ErrNetwork, req.StageID, "check artifact", "", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	if resp.StatusCode != http.StatusNotFound {
		return c.statusError(resp.StatusCode, req.StageID, "check artifact")
	}

	file, err := os.Open(req.ArtifactPath)
	if err != nil {
		return faults.Wrap(faults.ErrSystem, req.StageID, "open artifact", "", err)
	}
	defer file.Close()

	put, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, url, file)
	if err != nil {
		return faults.Wrap(faults.ErrSystem, req.StageID, "build request", "", err)
	}
	c.authorize(put)
	put.Header.Set("Content-Type", req.MimeType)

	resp, err = c.httpClient.Do(put)
	if err != nil {
		return faults.Wrap(faults.ErrNetwork, req.StageID, "upload artifact", "", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return c.statusError(resp.StatusCode, req.StageID, "upload artifact")
	}

	logging.WithContext(ctx, c.logger).Info("artifact uploaded to stage service")
	return nil
}

func (c *Client) submitStage(ctx context.Context, req pipeline.StageRequest) (taskResponse, error) {
	body, err := json.Marshal(map[string]string{
		"uploadId": req.UploadID,
		"ownerId":  req.OwnerID,
		"stage":    req.StageID,
		"mimeType": req.MimeType,
	})
	if err != nil {
		return taskResponse{}, faults.Wrap(faults.ErrSystem, req.StageID, "marshal task", "", err)
	}

	url := fmt.Sprintf("%s/v1/artifacts/%s/stages/%s", c.baseURL, req.UploadID, req.StageID)
	post, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return taskResponse{}, faults.Wrap(faults.ErrSystem, req.StageID, "build request", "", err)
	}
	c.authorize(post)
	post.Header.Set("Content-Type", "application/json")
	// One key per submission attempt set; transport-level retries resend the
	// same key, so a lost response cannot create a duplicate task.
	post.Header.Set("Idempotency-Key", uuid.NewString())

	resp, err := c.httpClient.Do(post)
	if err != nil {
		return taskResponse{}, faults.Wrap(faults.ErrNetwork, req.StageID, "submit stage", "", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return taskResponse{}, c.statusError(resp.StatusCode, req.StageID, "submit stage")
	}

	var task taskResponse
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		return taskResponse{}, faults.Wrap(faults.ErrExternalService, req.StageID, "decode task", "", err)
	}
	return task, nil
}

func (c *Client) pollTask(ctx context.Context, req pipeline.StageRequest, taskID string) (taskResponse, error) {
	url := fmt.Sprintf("%s/v1/tasks/%s", c.baseURL, taskID)
	get, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return taskResponse{}, faults.Wrap(faults.ErrSystem, req.StageID, "build request", "", err)
	}
	c.authorize(get)

	resp, err := c.httpClient.Do(get)
	if err != nil {
		return taskResponse{}, faults.Wrap(faults.ErrNetwork, req.StageID, "poll task", "", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return taskResponse{}, c.statusError(resp.StatusCode, req.StageID, "poll task")
	}

	var task taskResponse
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		return taskResponse{}, faults.Wrap(faults.ErrExternalService, req.StageID, "decode task", "", err)
	}
	return task, nil
}

// cancelTask tells the service to stop a task whose job was cancelled. Fire
// and forget; the poll loop has already unwound.
func (c *Client) cancelTask(taskID string) {
	if taskID == "" {
		return
	}
	url := fmt.Sprintf("%s/v1/tasks/%s", c.baseURL, taskID)
	del, err := retryablehttp.NewRequest(http.MethodDelete, url, nil)
	if err != nil {
		return
	}
	c.authorize(del)
	if resp, err := c.httpClient.Do(del); err == nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
}

func (c *Client) authorize(req *retryablehttp.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *Client) statusError(status int, stage, operation string) error {
	detail := fmt.Sprintf("unexpected status %d", status)
	switch {
	case status == http.StatusTooManyRequests:
		return faults.Wrap(faults.ErrQuotaExceeded, stage, operation, detail, nil)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return faults.Wrap(faults.ErrAuth, stage, operation, detail, nil)
	case status == http.StatusUnsupportedMediaType:
		return faults.Wrap(faults.ErrUnsupportedFormat, stage, operation, detail, nil)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return faults.Wrap(faults.ErrValidation, stage, operation, detail, nil)
	case status >= 500:
		return faults.Wrap(faults.ErrExternalService, stage, operation, detail, nil)
	default:
		return faults.Wrap(faults.ErrExternalService, stage, operation, detail, nil)
	}
}
