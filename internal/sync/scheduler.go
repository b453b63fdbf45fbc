package sync

import (
	"context"
	"errors"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"excursion-sync-service/internal/logger"
)

// Scheduler fires an auto-sync pass on a cron schedule whenever the
// device is online.
type Scheduler struct {
	spec    string
	manager *Manager

	mu   sync.Mutex
	cron *cron.Cron
}

func NewScheduler(spec string, manager *Manager) *Scheduler {
	return &Scheduler{
		spec:    spec,
		manager: manager,
	}
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.spec == "" {
		logger.Log.Info("Auto-sync is disabled")
		return
	}
	if s.cron != nil {
		return
	}

	logger.Log.Info("Starting auto-sync scheduler", zap.String("schedule", s.spec))

	c := cron.New()
	if _, err := c.AddFunc(s.spec, s.triggerSync); err != nil {
		logger.Log.Error("Failed to schedule auto-sync", zap.String("schedule", s.spec), zap.Error(err))
		return
	}

	s.cron = c
	s.cron.Start()
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return
	}
	s.cron.Stop()
	s.cron = nil
	logger.Log.Info("Stopped auto-sync scheduler")
}

func (s *Scheduler) triggerSync() {
	if !s.manager.conn.IsOnline() {
		logger.Log.Debug("Offline, skipping scheduled sync")
		return
	}
	if s.manager.IsSyncing() {
		logger.Log.Info("Sync already running, skipping scheduled run")
		return
	}

	s.manager.background.Add(1)
	defer s.manager.background.Done()

	logger.Log.Info("Triggering scheduled sync")
	if _, err := s.manager.RunPass(context.Background(), TriggerAuto); err != nil && !errors.Is(err, ErrAlreadySyncing) {
		logger.Log.Error("Failed to run scheduled sync", zap.Error(err))
	}
}
