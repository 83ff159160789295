package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/seed-scraper/internal/config"
	"github.com/seed-scraper/internal/logging"
)

// Service runs the periodic scheduler work on cron: the auto cadence, the
// janitor sweeps and retention cleanup. It is constructed once per process.
type Service struct {
	bulk    *Bulk
	janitor *Janitor
	cfg     config.SchedulerConfig
	logger  *logging.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID
}

// NewService creates a stopped scheduler service
func NewService(bulk *Bulk, janitor *Janitor, cfg config.SchedulerConfig, logger *logging.Logger) *Service {
	return &Service{
		bulk:    bulk,
		janitor: janitor,
		cfg:     cfg,
		logger:  logger.WithField("component", "scheduler"),
	}
}

// Start registers the periodic tasks and starts the cron runner. Starting a
// running service does nothing.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return nil
	}

	cl := cronLogger{s.logger}
	c := cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	runCtx := context.WithoutCancel(ctx)

	tasks := []struct {
		name string
		spec string
		run  func(ctx context.Context) error
	}{
		{"auto-cadence", s.cfg.AutoSpec, s.runDue},
		{"janitor", s.cfg.JanitorSpec, s.sweep},
		{"retention", s.cfg.RetentionSpec, s.retention},
	}

	entries := make(map[string]cron.EntryID, len(tasks))
	for _, task := range tasks {
		if task.spec == "" {
			continue
		}
		task := task
		id, err := c.AddFunc(task.spec, func() {
			if err := task.run(runCtx); err != nil {
				s.logger.WithError(err).WithField("task", task.name).Error("Scheduled task failed")
			}
		})
		if err != nil {
			return fmt.Errorf("invalid schedule %q for %s: %w", task.spec, task.name, err)
		}
		entries[task.name] = id
	}

	c.Start()
	s.cron = c
	s.entries = entries
	s.logger.WithField("tasks", len(entries)).Info("Scheduler service started")
	return nil
}

// Stop stops the cron runner and waits for running tasks until ctx is done.
// Stopping a stopped service does nothing.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.entries = nil
	s.mu.Unlock()

	if c == nil {
		return nil
	}

	done := c.Stop()
	select {
	case <-done.Done():
		s.logger.Info("Scheduler service stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether the cron runner is started
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cron != nil
}

// RunTask runs one periodic task immediately
func (s *Service) RunTask(ctx context.Context, name string) error {
	switch name {
	case "auto-cadence":
		return s.runDue(ctx)
	case "janitor":
		return s.sweep(ctx)
	case "retention":
		return s.retention(ctx)
	}
	return fmt.Errorf("unknown scheduler task %q", name)
}

func (s *Service) runDue(ctx context.Context) error {
	_, err := s.bulk.RunDue(ctx)
	return err
}

func (s *Service) sweep(ctx context.Context) error {
	created, err := s.janitor.SweepStaleCreated(ctx)
	if err != nil {
		return err
	}
	orphaned, err := s.janitor.ReconcileOrphaned(ctx)
	if err != nil {
		return err
	}
	if created+orphaned > 0 {
		s.logger.WithFields(map[string]interface{}{
			"staleCreated": created,
			"orphaned":     orphaned,
		}).Warn("Janitor failed abandoned job records")
	}
	return nil
}

func (s *Service) retention(ctx context.Context) error {
	_, err := s.janitor.CleanupRetention(ctx)
	return err
}

// cronLogger adapts the logger to cron.Logger
type cronLogger struct {
	logger *logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(kv(keysAndValues)).Debug("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithError(err).WithFields(kv(keysAndValues)).Error("cron: " + msg)
}

func kv(keysAndValues []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}
