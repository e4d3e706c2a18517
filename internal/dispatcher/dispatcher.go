package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tmacedo/galton/internal/compute"
	"github.com/tmacedo/galton/internal/model"
	"github.com/tmacedo/galton/internal/pool"
	"github.com/tmacedo/galton/internal/queue"
	"github.com/tmacedo/galton/internal/service"
)

// ErrValidation wraps request validation failures. No record is created and
// no scheduling state is touched before validation passes.
var ErrValidation = errors.New("validation error")

// Tracker is the slice of the lifecycle service the dispatcher writes
// through. It never mutates records directly.
type Tracker interface {
	Create(ctx context.Context, ownerID, jobID string, req model.AnalysisRequest) (string, error)
	Transition(ctx context.Context, analysisID string, to model.AnalysisStatus, extra service.TransitionExtra) error
}

// ComputeCaller performs one call against a compute worker endpoint.
type ComputeCaller interface {
	Run(ctx context.Context, endpoint string, req compute.Request) (map[string]any, error)
}

// DatasetSource resolves a dataset reference to inline row data.
type DatasetSource interface {
	Rows(ref string) ([]map[string]any, error)
}

// Options configures dispatcher behavior.
type Options struct {
	ComputeTimeout time.Duration
	DefaultFamily  string
	// SeedJobDuration primes the estimated-wait calculation before any
	// job duration has been observed.
	SeedJobDuration time.Duration
}

// Dispatcher owns the scheduling state: it is the only mutator of the slot
// registry and the admission queue, and the only component that finalizes
// records through the tracker. Draining freed slots happens on a dedicated
// loop fed by a signal channel rather than by recursion, so the drain step
// is bounded and independently testable.
type Dispatcher struct {
	registry *pool.Registry
	queue    *queue.AdmissionQueue
	tracker  Tracker
	caller   ComputeCaller
	datasets DatasetSource
	opts     Options

	drainCh chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup

	durationMu   sync.Mutex
	meanDuration time.Duration
	observed     int64
}

// New creates a dispatcher over the given scheduling state and collaborators.
func New(
	registry *pool.Registry,
	admission *queue.AdmissionQueue,
	tracker Tracker,
	caller ComputeCaller,
	datasets DatasetSource,
	opts Options,
) *Dispatcher {
	if opts.DefaultFamily == "" {
		opts.DefaultFamily = model.FamilyLinear
	}
	if opts.ComputeTimeout <= 0 {
		opts.ComputeTimeout = 45 * time.Second
	}
	return &Dispatcher{
		registry:     registry,
		queue:        admission,
		tracker:      tracker,
		caller:       caller,
		datasets:     datasets,
		opts:         opts,
		drainCh:      make(chan struct{}, 64),
		stopCh:       make(chan struct{}),
		meanDuration: opts.SeedJobDuration,
	}
}

// Start launches the drain loop.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.drainLoop()
	slog.Info("Dispatcher started",
		"compute_timeout", d.opts.ComputeTimeout,
		"default_family", d.opts.DefaultFamily,
	)
}

// Stop shuts the drain loop down and waits for in-flight jobs, bounded by
// the context deadline.
func (d *Dispatcher) Stop(ctx context.Context) {
	close(d.stopCh)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Dispatcher stopped")
	case <-ctx.Done():
		slog.Warn("Timeout waiting for in-flight analyses to finish")
	}
}

// Submit runs the admission decision for one analysis request: validate,
// record, then execute immediately, queue, or reject.
func (d *Dispatcher) Submit(ctx context.Context, ownerID string, req model.AnalysisRequest) (Outcome, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrValidation)
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrValidation, err.Error())
	}

	family := req.ModelFamily
	if family == model.FamilyAuto {
		// Static mapping, not a scheduler decision.
		family = d.opts.DefaultFamily
	}
	if !d.registry.HasFamily(family) {
		return nil, fmt.Errorf("%w: no compute slot serves model family %q", ErrValidation, family)
	}

	jobID := uuid.New().String()

	analysisID, err := d.tracker.Create(ctx, ownerID, jobID, req)
	if err != nil {
		return nil, fmt.Errorf("failed to create analysis record: %w", err)
	}

	job := queue.Job{
		JobID:       jobID,
		AnalysisID:  analysisID,
		OwnerID:     ownerID,
		Request:     req,
		ModelFamily: family,
	}

	slog.Info("Analysis submitted",
		"analysis_id", analysisID,
		"job_id", jobID,
		"owner_id", ownerID,
		"model_family", family,
	)

	slot, acquired := d.registry.Acquire(family, jobID)
	if acquired {
		return d.runOnSlot(slot, job), nil
	}

	position, err := d.queue.Enqueue(job)
	if errors.Is(err, queue.ErrQueueFull) {
		failure := &model.FailureInfo{
			Kind:    model.FailureOverloaded,
			Message: "admission queue full, try again later",
		}
		if terr := d.tracker.Transition(context.WithoutCancel(ctx), analysisID, model.StatusFailed,
			service.TransitionExtra{Failure: failure}); terr != nil {
			slog.Error("Failed to record queue-full rejection", "analysis_id", analysisID, "error", terr)
		}
		slog.Warn("Analysis rejected, queue full", "analysis_id", analysisID, "job_id", jobID)
		return Failed{AnalysisID: analysisID, Kind: failure.Kind, Message: failure.Message}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue analysis: %w", err)
	}

	if terr := d.tracker.Transition(ctx, analysisID, model.StatusQueued,
		service.TransitionExtra{QueuePosition: position}); terr != nil {
		slog.Error("Failed to record queued status", "analysis_id", analysisID, "error", terr)
	}

	// Cover the release-between-acquire-and-enqueue race: a slot freed in
	// that window has already consumed its drain signal.
	d.signalDrain()

	wait := d.estimateWait(position)
	slog.Info("Analysis queued",
		"analysis_id", analysisID,
		"position", position,
		"estimated_wait_seconds", wait,
	)
	return Queued{AnalysisID: analysisID, Position: position, EstimatedWaitSeconds: wait}, nil
}

// runOnSlot executes one job on an acquired slot and finalizes its record.
// The slot is released exactly once, including on panic, and every release
// signals the drain loop.
func (d *Dispatcher) runOnSlot(slot pool.Slot, job queue.Job) (outcome Outcome) {
	start := time.Now()

	released := false
	release := func() {
		if released {
			return
		}
		released = true
		d.registry.Release(slot.ID)
		d.signalDrain()
	}
	defer release()

	// Lifecycle writes must land even if the submitting caller went away.
	ctx := context.Background()

	defer func() {
		if r := recover(); r != nil {
			failure := &model.FailureInfo{
				Kind:    model.FailureUnexpectedResponse,
				Message: fmt.Sprintf("compute call panicked: %v", r),
			}
			d.finalizeFailure(ctx, job, failure, start)
			outcome = Failed{AnalysisID: job.AnalysisID, Kind: failure.Kind, Message: failure.Message}
		}
	}()

	if err := d.tracker.Transition(ctx, job.AnalysisID, model.StatusProcessing, service.TransitionExtra{}); err != nil {
		slog.Error("Failed to mark analysis processing", "analysis_id", job.AnalysisID, "error", err)
	}

	rows, err := d.datasets.Rows(job.Request.DatasetRef)
	if err != nil {
		failure := &model.FailureInfo{
			Kind:    model.FailureCompute,
			Message: fmt.Sprintf("dataset unreadable: %v", err),
		}
		d.finalizeFailure(ctx, job, failure, start)
		return Failed{AnalysisID: job.AnalysisID, Kind: failure.Kind, Message: failure.Message}
	}

	callCtx, cancel := context.WithTimeout(ctx, d.opts.ComputeTimeout)
	defer cancel()

	results, err := d.caller.Run(callCtx, slot.Endpoint, compute.Request{
		Data:            rows,
		DependentVar:    job.Request.DependentVar,
		IndependentVars: job.Request.IndependentVars,
	})
	if err != nil {
		classified := compute.AsFailure(err)
		failure := &model.FailureInfo{Kind: classified.Kind, Message: classified.Message}
		d.finalizeFailure(ctx, job, failure, start)
		return Failed{AnalysisID: job.AnalysisID, Kind: failure.Kind, Message: failure.Message}
	}

	elapsed := time.Since(start)
	if terr := d.tracker.Transition(ctx, job.AnalysisID, model.StatusCompleted, service.TransitionExtra{
		Results:          results,
		ProcessingTimeMs: elapsed.Milliseconds(),
	}); terr != nil {
		slog.Error("Failed to record completion", "analysis_id", job.AnalysisID, "error", terr)
	}
	d.observeDuration(elapsed)

	slog.Info("Analysis completed",
		"analysis_id", job.AnalysisID,
		"job_id", job.JobID,
		"slot_id", slot.ID,
		"duration_ms", elapsed.Milliseconds(),
	)
	return Completed{
		AnalysisID:       job.AnalysisID,
		Results:          results,
		ProcessingTimeMs: elapsed.Milliseconds(),
	}
}

func (d *Dispatcher) finalizeFailure(ctx context.Context, job queue.Job, failure *model.FailureInfo, start time.Time) {
	elapsed := time.Since(start)
	if err := d.tracker.Transition(ctx, job.AnalysisID, model.StatusFailed, service.TransitionExtra{
		Failure:          failure,
		ProcessingTimeMs: elapsed.Milliseconds(),
	}); err != nil {
		slog.Error("Failed to record failure",
			"analysis_id", job.AnalysisID,
			"kind", failure.Kind,
			"error", err,
		)
	}
	slog.Warn("Analysis failed",
		"analysis_id", job.AnalysisID,
		"job_id", job.JobID,
		"kind", failure.Kind,
		"message", failure.Message,
		"duration_ms", elapsed.Milliseconds(),
	)
}

// drainLoop moves queued jobs into freed slots, one job per signal, in
// strict FIFO order.
func (d *Dispatcher) drainLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.stopCh:
			return
		case <-d.drainCh:
			d.drainOne()
		}
	}
}

// drainOne attempts to move the queue head into a slot. If no slot serves
// the head's family right now, the head goes back to the front: order is
// never reshuffled.
func (d *Dispatcher) drainOne() {
	job, ok := d.queue.DequeueFront()
	if !ok {
		return
	}

	slot, acquired := d.registry.Acquire(job.ModelFamily, job.JobID)
	if !acquired {
		d.queue.RequeueFront(job)
		return
	}

	slog.Info("Draining queued analysis into freed slot",
		"analysis_id", job.AnalysisID,
		"job_id", job.JobID,
		"slot_id", slot.ID,
	)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.runOnSlot(slot, job)
	}()
}

func (d *Dispatcher) signalDrain() {
	select {
	case d.drainCh <- struct{}{}:
	default:
		// A signal is already pending; the loop will get there.
	}
}

// ClearQueue administratively drops all queued jobs and finalizes their
// records as failed with kind evicted, so none is left queued forever.
func (d *Dispatcher) ClearQueue(ctx context.Context) int {
	evicted := d.queue.Clear()
	for _, job := range evicted {
		failure := &model.FailureInfo{
			Kind:    model.FailureEvicted,
			Message: "evicted by administrative queue clear",
		}
		if err := d.tracker.Transition(ctx, job.AnalysisID, model.StatusFailed,
			service.TransitionExtra{Failure: failure}); err != nil {
			slog.Error("Failed to record eviction", "analysis_id", job.AnalysisID, "error", err)
		}
	}
	return len(evicted)
}

// estimateWait derives a caller-facing wait estimate from the queue
// position and the observed mean job duration.
func (d *Dispatcher) estimateWait(position int) int {
	d.durationMu.Lock()
	defer d.durationMu.Unlock()
	return int(d.meanDuration.Seconds() * float64(position))
}

func (d *Dispatcher) observeDuration(elapsed time.Duration) {
	d.durationMu.Lock()
	defer d.durationMu.Unlock()
	d.observed++
	if d.observed == 1 && d.meanDuration == 0 {
		d.meanDuration = elapsed
		return
	}
	// Incremental mean over completed jobs, seeded by configuration.
	d.meanDuration += (elapsed - d.meanDuration) / time.Duration(d.observed+1)
}

// Stats is the diagnostic view served by the system status endpoint.
type Stats struct {
	Pool              pool.Snapshot  `json:"process_pool"`
	Queue             queue.Snapshot `json:"queue"`
	MeanJobDurationMs int64          `json:"mean_job_duration_ms"`
}

// Stats returns read-only pool and queue snapshots. Never used for control
// decisions.
func (d *Dispatcher) Stats() Stats {
	d.durationMu.Lock()
	mean := d.meanDuration
	d.durationMu.Unlock()

	return Stats{
		Pool:              d.registry.Snapshot(),
		Queue:             d.queue.Snapshot(),
		MeanJobDurationMs: mean.Milliseconds(),
	}
}

// QueueContains reports whether a job is still waiting in the admission
// queue. Consumed by the reconciler to tell live queued records from
// orphans.
func (d *Dispatcher) QueueContains(jobID string) bool {
	return d.queue.Contains(jobID)
}
