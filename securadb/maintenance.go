package securadb

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Dev-Stive/securadb/securadb/cache"
	"github.com/Dev-Stive/securadb/securadb/storage"
	"github.com/Dev-Stive/securadb/securadb/txn"
	"github.com/Dev-Stive/securadb/types"
)

// Maintenance task names.
const (
	TaskCleanup    = "cleanup"
	TaskValidation = "validation"
	TaskHealth     = "health"
)

// MaintenanceReport collects the outcome of one maintenance pass.
type MaintenanceReport struct {
	RemovedBackups []string                 `json:"removedBackups"`
	Integrity      *storage.IntegrityReport `json:"integrity,omitempty"`
	Cache          *cache.Health            `json:"cache,omitempty"`
	Errors         []string                 `json:"errors,omitempty"`
}

type task struct {
	name  string
	every time.Duration
	next  time.Time
	run   func(ctx context.Context, report *MaintenanceReport) error
}

// scheduler runs housekeeping tasks from one goroutine. The next wait is
// computed only after the due tasks finished, so runs never overlap.
type scheduler struct {
	db    *DB
	tasks []*task

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newScheduler(db *DB, cfg MaintenanceConfig) *scheduler {
	s := &scheduler{db: db}
	add := func(name string, every time.Duration, run func(context.Context, *MaintenanceReport) error) {
		if every > 0 {
			s.tasks = append(s.tasks, &task{name: name, every: every, run: run})
		}
	}
	add(TaskCleanup, cfg.CleanupInterval, db.cleanup)
	add(TaskValidation, cfg.ValidationInterval, db.validate)
	add(TaskHealth, cfg.HealthInterval, db.checkCache)
	return s
}

func (s *scheduler) start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil || len(s.tasks) == 0 {
		return
	}
	now := time.Now()
	for _, t := range s.tasks {
		t.next = now.Add(t.every)
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(loopCtx, s.done)
}

func (s *scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		wait := time.Until(s.earliest())
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		now := time.Now()
		for _, t := range s.tasks {
			if now.Before(t.next) {
				continue
			}
			var report MaintenanceReport
			if err := t.run(ctx, &report); err != nil {
				s.db.logger.Warn("maintenance task failed", "task", t.name, "error", err)
			}
			t.next = time.Now().Add(t.every)
		}
	}
}

func (s *scheduler) earliest() time.Time {
	next := s.tasks[0].next
	for _, t := range s.tasks[1:] {
		if t.next.Before(next) {
			next = t.next
		}
	}
	return next
}

func (s *scheduler) stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// RunMaintenance runs every housekeeping task once, in order: backup
// retention, integrity validation, cache health check.
func (db *DB) RunMaintenance(ctx context.Context) (MaintenanceReport, error) {
	var report MaintenanceReport
	for _, run := range []func(context.Context, *MaintenanceReport) error{db.cleanup, db.validate, db.checkCache} {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := run(ctx, &report); err != nil {
			report.Errors = append(report.Errors, err.Error())
		}
	}
	return report, nil
}

func (db *DB) cleanup(ctx context.Context, report *MaintenanceReport) error {
	removed, err := db.store.CleanupBackups(ctx)
	report.RemovedBackups = removed
	if err != nil {
		return fmt.Errorf("backup cleanup: %w", err)
	}
	return db.stampMaintenance(ctx, "maintenance_cleanup", func(m *types.Maintenance, now time.Time) {
		m.LastCleanup = &now
	})
}

func (db *DB) validate(ctx context.Context, report *MaintenanceReport) error {
	integrity, err := db.store.ValidateIntegrity(ctx)
	if err != nil {
		return fmt.Errorf("integrity validation: %w", err)
	}
	report.Integrity = &integrity
	if !integrity.Valid {
		db.logger.Warn("integrity validation found errors", "errors", len(integrity.Errors), "fixable", len(integrity.Fixes))
	}
	return db.stampMaintenance(ctx, "maintenance_validation", func(m *types.Maintenance, now time.Time) {
		m.LastValidation = &now
		m.Issues = integrity.Summary()
	})
}

func (db *DB) checkCache(ctx context.Context, report *MaintenanceReport) error {
	health := db.cache.HealthCheck(ctx)
	report.Cache = &health
	if !health.Healthy {
		return fmt.Errorf("cache %s unhealthy: %s", health.Backend, health.Error)
	}
	return nil
}

func (db *DB) stampMaintenance(ctx context.Context, reason string, fn func(m *types.Maintenance, now time.Time)) error {
	return db.tx.Transaction(ctx, func(ctx context.Context, ds *types.Dataset, txID string) error {
		if ds.Maintenance == nil {
			ds.Maintenance = types.NewMaintenance()
		}
		fn(ds.Maintenance, db.timeFunc().UTC())
		return nil
	}, txn.TxOptions{Reason: reason, SkipSync: true})
}
