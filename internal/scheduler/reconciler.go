package scheduler

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/tmacedo/galton/internal/config"
	"github.com/tmacedo/galton/internal/model"
	"github.com/tmacedo/galton/internal/service"
)

const lockName = "analysis_reconciler"

// RecordStore is the slice of the lifecycle tracker the reconciler needs.
type RecordStore interface {
	FindStale(ctx context.Context, status model.AnalysisStatus, cutoff time.Time) ([]model.AnalysisRecord, error)
	Transition(ctx context.Context, analysisID string, to model.AnalysisStatus, extra service.TransitionExtra) error
}

// QueueView answers whether a job is still live in the admission queue.
type QueueView interface {
	QueueContains(jobID string) bool
}

// Locker serializes sweeps across service instances.
type Locker interface {
	AcquireLock(ctx context.Context, name, instanceID string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name, instanceID string) error
	CleanExpiredLocks(ctx context.Context) (int64, error)
}

// Reconciler sweeps for records orphaned in non-terminal states. The
// admission queue and slot table live in memory, so a restart leaves
// records stuck in queued or processing; the sweep re-terminalizes them
// and keeps the "always terminal eventually" contract honest.
type Reconciler struct {
	cfg        *config.Config
	store      RecordStore
	queueView  QueueView
	locks      Locker
	instanceID string
	schedule   cron.Schedule
	stopChan   chan struct{}
	wg         sync.WaitGroup
}

// NewReconciler creates a reconciler instance
func NewReconciler(cfg *config.Config, store RecordStore, queueView QueueView, locks Locker) (*Reconciler, error) {
	instanceID, err := os.Hostname()
	if err != nil {
		instanceID = uuid.New().String()
		slog.Warn("Failed to get hostname, using UUID as instance ID", "instance_id", instanceID)
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cfg.ReconcilerSchedule)
	if err != nil {
		return nil, err
	}

	return &Reconciler{
		cfg:        cfg,
		store:      store,
		queueView:  queueView,
		locks:      locks,
		instanceID: instanceID,
		schedule:   schedule,
		stopChan:   make(chan struct{}),
	}, nil
}

// Start begins the sweep loop
func (r *Reconciler) Start(ctx context.Context) {
	if !r.cfg.ReconcilerEnabled {
		slog.Info("Reconciler is disabled by configuration")
		return
	}

	slog.Info("Starting reconciler",
		"instance_id", r.instanceID,
		"schedule", r.cfg.ReconcilerSchedule,
		"lock_ttl", r.cfg.ReconcilerLockTTL,
	)

	r.wg.Add(1)
	go r.run(ctx)
}

// Stop gracefully stops the reconciler
func (r *Reconciler) Stop(ctx context.Context) {
	if !r.cfg.ReconcilerEnabled {
		return
	}

	close(r.stopChan)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Reconciler stopped", "instance_id", r.instanceID)
	case <-ctx.Done():
		slog.Warn("Timeout waiting for reconciler sweep to finish")
	}

	if err := r.locks.ReleaseLock(context.Background(), lockName, r.instanceID); err != nil {
		slog.Error("Failed to release reconciler lock during shutdown", "error", err)
	}
}

// run waits for each scheduled sweep time
func (r *Reconciler) run(ctx context.Context) {
	defer r.wg.Done()

	// Sweep once on start to pick up restart orphans immediately
	r.Sweep(ctx)

	for {
		next := r.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))

		select {
		case <-timer.C:
			r.Sweep(ctx)
		case <-r.stopChan:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// Sweep runs one reconciliation pass under the distributed lock.
func (r *Reconciler) Sweep(ctx context.Context) {
	if cleaned, err := r.locks.CleanExpiredLocks(ctx); err != nil {
		slog.Error("Failed to clean expired locks", "error", err)
	} else if cleaned > 0 {
		slog.Info("Cleaned expired locks", "count", cleaned)
	}

	acquired, err := r.locks.AcquireLock(ctx, lockName, r.instanceID, r.cfg.ReconcilerLockTTL)
	if err != nil {
		slog.Error("Failed to acquire reconciler lock", "error", err)
		return
	}
	if !acquired {
		slog.Debug("Reconciler lock held by another instance")
		return
	}
	defer func() {
		if err := r.locks.ReleaseLock(ctx, lockName, r.instanceID); err != nil {
			slog.Error("Failed to release reconciler lock", "error", err)
		}
	}()

	r.failStaleProcessing(ctx)
	r.failOrphanedQueued(ctx)
}

// failStaleProcessing finalizes records stuck in processing past the
// compute deadline plus grace. The dispatcher finalizes its own jobs; a
// record this old belongs to a process that is gone.
func (r *Reconciler) failStaleProcessing(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-(r.cfg.ComputeTimeout + r.cfg.ReconcilerGrace))

	stale, err := r.store.FindStale(ctx, model.StatusProcessing, cutoff)
	if err != nil {
		slog.Error("Failed to find stale processing records", "error", err)
		return
	}

	for _, record := range stale {
		failure := &model.FailureInfo{
			Kind:    model.FailureTimeout,
			Message: "processing exceeded compute deadline",
		}
		if err := r.store.Transition(ctx, record.ID.Hex(), model.StatusFailed,
			service.TransitionExtra{Failure: failure}); err != nil {
			slog.Error("Failed to fail stale processing record",
				"analysis_id", record.ID.Hex(),
				"error", err,
			)
			continue
		}
		slog.Warn("Reconciled stale processing record",
			"analysis_id", record.ID.Hex(),
			"job_id", record.JobID,
		)
	}
}

// failOrphanedQueued finalizes queued records whose job is no longer in the
// live admission queue.
func (r *Reconciler) failOrphanedQueued(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.cfg.ReconcilerGrace)

	queued, err := r.store.FindStale(ctx, model.StatusQueued, cutoff)
	if err != nil {
		slog.Error("Failed to find stale queued records", "error", err)
		return
	}

	for _, record := range queued {
		if r.queueView.QueueContains(record.JobID) {
			continue
		}
		failure := &model.FailureInfo{
			Kind:    model.FailureEvicted,
			Message: "no longer present in the admission queue",
		}
		if err := r.store.Transition(ctx, record.ID.Hex(), model.StatusFailed,
			service.TransitionExtra{Failure: failure}); err != nil {
			slog.Error("Failed to fail orphaned queued record",
				"analysis_id", record.ID.Hex(),
				"error", err,
			)
			continue
		}
		slog.Warn("Reconciled orphaned queued record",
			"analysis_id", record.ID.Hex(),
			"job_id", record.JobID,
		)
	}
}
