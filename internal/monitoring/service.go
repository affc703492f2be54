// Package monitoring pushes job outcomes to an ntfy-compatible webhook so
// operators hear about completions and permanent failures without watching
// the logs.
package monitoring

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"autostage/internal/config"
	"autostage/internal/faults"
	"autostage/internal/logging"
	"autostage/internal/pipeline"
)

const userAgent = "Autostage-Go/0.1.0"

// Service is the notification surface the pipeline reports into.
type Service interface {
	pipeline.Notifier
	TestNotification(ctx context.Context) error
}

// NewService builds a webhook-backed service when configured, otherwise a
// noop implementation.
func NewService(cfg *config.Config, logger *slog.Logger) Service {
	endpoint := strings.TrimSpace(cfg.Monitoring.WebhookURL)
	if endpoint == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Monitoring.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &webhookService{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		logger:   logging.NewComponentLogger(logger, "monitoring"),
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type webhookService struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

func (w *webhookService) JobCompleted(ctx context.Context, job *pipeline.Job) {
	data := payload{
		title:   "Autostage - Job Complete",
		message: fmt.Sprintf("Content generation finished for upload %s", job.UploadID),
		tags:    []string{"autostage", "job", "completed"},
	}
	w.deliver(ctx, data)
}

func (w *webhookService) JobFailed(ctx context.Context, job *pipeline.Job, record faults.Record) {
	data := payload{
		title: "Autostage - Job Failed",
		message: fmt.Sprintf("Upload %s failed at stage %s: %s",
			job.UploadID, record.Stage, record.UserMessage),
		tags:     []string{"autostage", "job", "failed"},
		priority: "high",
	}
	w.deliver(ctx, data)
}

func (w *webhookService) TestNotification(ctx context.Context) error {
	data := payload{
		title:    "Autostage - Test",
		message:  "Notification system test",
		tags:     []string{"autostage", "test"},
		priority: "low",
	}
	return w.send(ctx, data)
}

func (w *webhookService) deliver(ctx context.Context, data payload) {
	if err := w.send(ctx, data); err != nil {
		w.logger.Warn("webhook delivery failed", logging.Error(err))
	}
}

func (w *webhookService) send(ctx context.Context, data payload) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) JobCompleted(context.Context, *pipeline.Job) {}

func (noopService) JobFailed(context.Context, *pipeline.Job, faults.Record) {}

func (noopService) TestNotification(context.Context) error { return nil }
