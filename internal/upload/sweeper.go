package upload

import (
	"context"
	"log/slog"
	"os"
	"time"

	"autostage/internal/config"
	"autostage/internal/logging"
)

// SweepTask is an additional retention task run on every sweep cycle.
type SweepTask func(ctx context.Context)

// Sweeper periodically evicts upload sessions that have been idle past the
// retention window, reclaiming their staging space. Extra retention tasks
// registered with AddTask piggyback on the same cadence.
type Sweeper struct {
	cfg     *config.Config
	manager *Manager
	store   Store
	logger  *slog.Logger
	tasks   []SweepTask
}

func NewSweeper(cfg *config.Config, manager *Manager, store Store, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		cfg:     cfg,
		manager: manager,
		store:   store,
		logger:  logging.NewComponentLogger(logger, "upload-sweeper"),
	}
}

// AddTask registers an extra retention task. Not safe to call once Run has
// started.
func (s *Sweeper) AddTask(task SweepTask) {
	s.tasks = append(s.tasks, task)
}

// Run blocks until ctx is done, sweeping on the configured interval.
func (s *Sweeper) Run(ctx context.Context) {
	interval := time.Duration(s.cfg.Upload.SweepIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-time.Duration(s.cfg.Upload.SessionRetentionHours) * time.Hour)
	expired := s.manager.expireBefore(cutoff)
	for _, session := range expired {
		_ = os.Remove(session.PartPath)
	}

	removed, err := s.store.DeleteSessionsBefore(ctx, cutoff)
	if err != nil {
		s.logger.Warn("session sweep failed", logging.Error(err))
		return
	}
	if len(expired) > 0 || removed > 0 {
		s.logger.Info("expired upload sessions swept",
			logging.Int("in_memory", len(expired)),
			logging.Int64("persisted", removed),
		)
	}

	for _, task := range s.tasks {
		task(ctx)
	}
}

// expireBefore drops idle, non-active sessions last touched before cutoff
// from the in-memory index and returns them for file cleanup.
func (m *Manager) expireBefore(cutoff time.Time) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []*Session
	for id, entry := range m.sessions {
		entry.mu.Lock()
		stale := entry.session.UpdatedAt.Before(cutoff)
		if stale {
			if entry.file != nil {
				_ = entry.file.Close()
				entry.file = nil
			}
			expired = append(expired, snapshotSession(entry.session))
		}
		entry.mu.Unlock()
		if stale {
			delete(m.sessions, id)
		}
	}
	return expired
}
