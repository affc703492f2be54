// Package daemon wires the service components together and enforces
// single-instance execution.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"autostage/internal/config"
	"autostage/internal/faults"
	"autostage/internal/live"
	"autostage/internal/logging"
	"autostage/internal/monitoring"
	"autostage/internal/pipeline"
	"autostage/internal/progress"
	"autostage/internal/server"
	"autostage/internal/services/aistage"
	"autostage/internal/store"
	"autostage/internal/upload"
)

type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	store        *store.Store
	classifier   *faults.Classifier
	registry     *live.Registry
	tracker      *progress.Tracker
	uploads      *upload.Manager
	archiver     *upload.Archiver
	sweeper      *upload.Sweeper
	orchestrator *pipeline.Orchestrator
	monitor      monitoring.Service
	api          *server.Server

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// New constructs a daemon with all dependencies wired.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || logger == nil {
		return nil, errors.New("daemon requires config and logger")
	}

	st, err := store.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	classifier := faults.NewClassifier(
		cfg.Pipeline.MaxRetries,
		cfg.Errors.HistoryLimit,
		time.Duration(cfg.Errors.RetentionHours)*time.Hour,
	)
	registry := live.NewRegistry(logger)
	tracker := progress.NewTracker(cfg.Pipeline.Stages, registry, st, logger)
	uploads := upload.NewManager(cfg, st, logger)
	monitor := monitoring.NewService(cfg, logger)
	processor := aistage.New(cfg, logger)
	orchestrator := pipeline.NewOrchestrator(cfg, processor, tracker, classifier, st, monitor, logger)
	sweeper := upload.NewSweeper(cfg, uploads, st, logger)
	faultRetention := time.Duration(cfg.Errors.RetentionHours) * time.Hour
	sweeper.AddTask(func(ctx context.Context) {
		tracker.SweepExpired(faultRetention)
		if _, err := st.DeleteFaultsBefore(ctx, time.Now().UTC().Add(-faultRetention)); err != nil {
			logger.Warn("fault history sweep failed", logging.Error(err))
		}
	})

	archiver, err := upload.NewArchiver(context.Background(), cfg, logger)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("init archiver: %w", err)
	}

	d := &Daemon{
		cfg:          cfg,
		logger:       logging.NewComponentLogger(logger, "daemon"),
		store:        st,
		classifier:   classifier,
		registry:     registry,
		tracker:      tracker,
		uploads:      uploads,
		archiver:     archiver,
		sweeper:      sweeper,
		orchestrator: orchestrator,
		monitor:      monitor,
		lockPath:     filepath.Join(cfg.Paths.DataDir, "autostaged.lock"),
	}
	d.lock = flock.New(d.lockPath)
	d.api = server.New(cfg, uploads, orchestrator, tracker, classifier, registry, st, logger)

	uploads.OnAssembled(d.onAssembled)
	return d, nil
}

// Start acquires the instance lock, restores interrupted work, and brings
// up the API server and background loops.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another autostage daemon instance is already running")
	}

	d.ctx, d.cancel = context.WithCancel(ctx)

	if err := d.uploads.Restore(d.ctx); err != nil {
		d.logger.Warn("restore upload sessions failed", logging.Error(err))
	}
	if err := d.orchestrator.Resume(d.ctx); err != nil {
		d.logger.Warn("resume pipeline jobs failed", logging.Error(err))
	}

	if err := d.api.Start(d.ctx); err != nil {
		_ = d.lock.Unlock()
		d.cancel()
		d.ctx = nil
		d.cancel = nil
		return fmt.Errorf("start api server: %w", err)
	}

	go d.sweeper.Run(d.ctx)

	d.running.Store(true)
	d.logger.Info("autostage daemon started", logging.String("lock", d.lockPath))
	return nil
}

// Stop shuts down background processing and releases the instance lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.api.Stop()
	d.orchestrator.Close()
	d.uploads.Close()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.ctx = nil
	d.running.Store(false)
	d.logger.Info("autostage daemon stopped")
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}

// onAssembled hands a finished upload to the pipeline and archives the
// artifact off-box in the background.
func (d *Daemon) onAssembled(ctx context.Context, session *upload.Session) {
	if _, err := d.orchestrator.Start(ctx, session.ID, session.OwnerID, session.ArtifactPath, session.MimeType); err != nil {
		d.logger.Error("start pipeline job failed",
			logging.String(logging.FieldUploadID, session.ID), logging.Error(err))
	}

	if d.archiver != nil {
		go func() {
			if _, err := d.archiver.Archive(ctx, session); err != nil {
				d.logger.Warn("artifact archive failed",
					logging.String(logging.FieldUploadID, session.ID), logging.Error(err))
			}
		}()
	}
}
