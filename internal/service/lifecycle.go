package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tmacedo/galton/internal/database"
	"github.com/tmacedo/galton/internal/model"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ErrNotFound is returned when a record does not exist or belongs to a
// different owner.
var ErrNotFound = database.ErrNotFound

// ErrInvalidTransition is returned when a status change would violate the
// lifecycle state machine, e.g. moving a completed record back to queued.
var ErrInvalidTransition = errors.New("invalid status transition")

// TransitionExtra carries the status-specific fields of a transition. Only
// the fields meaningful for the target status are read.
type TransitionExtra struct {
	QueuePosition    int
	Results          map[string]any
	Failure          *model.FailureInfo
	ProcessingTimeMs int64
}

// Lifecycle is the persistence facade for analysis records. It is the only
// writer: callers observe records through it and the dispatcher mutates
// them through it, never directly.
type Lifecycle struct {
	repo *database.AnalysisRepository
}

// NewLifecycle creates a lifecycle tracker over the analysis repository.
func NewLifecycle(repo *database.AnalysisRepository) *Lifecycle {
	return &Lifecycle{repo: repo}
}

// Create records a new submission in Pending and returns its analysis ID.
func (l *Lifecycle) Create(ctx context.Context, ownerID, jobID string, req model.AnalysisRequest) (string, error) {
	record := &model.AnalysisRecord{
		OwnerID: ownerID,
		JobID:   jobID,
		Request: req,
		Status:  model.StatusPending,
	}
	if err := l.repo.Create(ctx, record); err != nil {
		return "", err
	}

	slog.Debug("Analysis record created",
		"analysis_id", record.ID.Hex(),
		"job_id", jobID,
		"owner_id", ownerID,
	)
	return record.ID.Hex(), nil
}

// Transition moves a record to a new status, enforcing the state machine.
// The current-status check and the write are a single guarded update.
func (l *Lifecycle) Transition(ctx context.Context, analysisID string, to model.AnalysisStatus, extra TransitionExtra) error {
	id, err := primitive.ObjectIDFromHex(analysisID)
	if err != nil {
		return ErrNotFound
	}

	set := bson.M{}
	switch to {
	case model.StatusQueued:
		set["queue_position"] = extra.QueuePosition
	case model.StatusCompleted:
		set["results"] = extra.Results
		set["processing_time_ms"] = extra.ProcessingTimeMs
		set["completed_at"] = time.Now().UTC()
	case model.StatusFailed:
		failure := extra.Failure
		if failure == nil {
			return fmt.Errorf("failed transition requires failure info")
		}
		if failure.Timestamp.IsZero() {
			failure.Timestamp = time.Now().UTC()
		}
		set["failure"] = failure
		set["completed_at"] = time.Now().UTC()
		if extra.ProcessingTimeMs > 0 {
			set["processing_time_ms"] = extra.ProcessingTimeMs
		}
	}

	from := model.AllowedPredecessors(to)
	if len(from) == 0 {
		return ErrInvalidTransition
	}

	matched, err := l.repo.TransitionStatus(ctx, id, from, to, set)
	if err != nil {
		return err
	}
	if !matched {
		// Distinguish a missing record from an illegal transition.
		if _, getErr := l.repo.GetByID(ctx, id); getErr != nil {
			return getErr
		}
		return ErrInvalidTransition
	}

	slog.Debug("Analysis status transitioned",
		"analysis_id", analysisID,
		"status", to,
	)
	return nil
}

// Get retrieves a record scoped to its owner.
func (l *Lifecycle) Get(ctx context.Context, analysisID, ownerID string) (*model.AnalysisRecord, error) {
	id, err := primitive.ObjectIDFromHex(analysisID)
	if err != nil {
		return nil, ErrNotFound
	}
	return l.repo.Get(ctx, id, ownerID)
}

// List retrieves an owner's records as summaries, newest first.
func (l *Lifecycle) List(ctx context.Context, ownerID string, page, limit int) ([]model.AnalysisSummary, int64, error) {
	records, total, err := l.repo.List(ctx, ownerID, page, limit)
	if err != nil {
		return nil, 0, err
	}

	summaries := make([]model.AnalysisSummary, len(records))
	for i, record := range records {
		summaries[i] = record.ToSummary()
	}
	return summaries, total, nil
}

// Delete removes a record. Deletion is an explicit caller action; it is
// never performed by the scheduling core.
func (l *Lifecycle) Delete(ctx context.Context, analysisID, ownerID string) error {
	id, err := primitive.ObjectIDFromHex(analysisID)
	if err != nil {
		return ErrNotFound
	}
	return l.repo.Delete(ctx, id, ownerID)
}

// FindStale returns records in the given status untouched since the cutoff.
// Consumed by the reconciler.
func (l *Lifecycle) FindStale(ctx context.Context, status model.AnalysisStatus, cutoff time.Time) ([]model.AnalysisRecord, error) {
	return l.repo.FindByStatusOlderThan(ctx, status, cutoff)
}
