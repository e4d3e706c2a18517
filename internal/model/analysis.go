package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// AnalysisStatus is the caller-visible lifecycle state of an analysis.
type AnalysisStatus string

const (
	StatusPending    AnalysisStatus = "pending"
	StatusQueued     AnalysisStatus = "queued"
	StatusProcessing AnalysisStatus = "processing"
	StatusCompleted  AnalysisStatus = "completed"
	StatusFailed     AnalysisStatus = "failed"
)

// validTransitions encodes the one-directional state machine. Completed and
// Failed are terminal; Queued may move to Processing or straight to Failed
// (queue eviction).
var validTransitions = map[AnalysisStatus][]AnalysisStatus{
	StatusPending:    {StatusQueued, StatusProcessing, StatusFailed},
	StatusQueued:     {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed},
	StatusCompleted:  {},
	StatusFailed:     {},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to AnalysisStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AllowedPredecessors returns the statuses from which the given status may
// be entered. Used to build guarded database updates.
func AllowedPredecessors(to AnalysisStatus) []AnalysisStatus {
	var from []AnalysisStatus
	for status, nexts := range validTransitions {
		for _, next := range nexts {
			if next == to {
				from = append(from, status)
			}
		}
	}
	return from
}

// IsTerminal reports whether a status is final.
func (s AnalysisStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// FailureKind classifies why an analysis failed.
type FailureKind string

const (
	FailureValidation         FailureKind = "validation_error"
	FailureOverloaded         FailureKind = "overloaded"
	FailureUnavailable        FailureKind = "unavailable"
	FailureTimeout            FailureKind = "timeout"
	FailureCompute            FailureKind = "compute_error"
	FailureUnexpectedResponse FailureKind = "unexpected_response"
	FailureEvicted            FailureKind = "evicted"
)

// FailureInfo is attached to a record when it reaches Failed.
type FailureInfo struct {
	Kind      FailureKind `json:"kind" bson:"kind"`
	Message   string      `json:"message" bson:"message"`
	Timestamp time.Time   `json:"timestamp" bson:"timestamp"`
}

// Model families served by the compute workers.
const (
	FamilyLinear         = "linear"
	FamilyClassification = "classification"
	FamilyAuto           = "auto"
)

// AnalysisRequest is the caller-supplied regression configuration.
type AnalysisRequest struct {
	DatasetRef      string   `json:"dataset_ref" bson:"dataset_ref"`
	DependentVar    string   `json:"dependent_var" bson:"dependent_var"`
	IndependentVars []string `json:"independent_vars" bson:"independent_vars"`
	ModelFamily     string   `json:"model_family" bson:"model_family"`
}

// Validate checks required fields and normalizes the model family.
func (r *AnalysisRequest) Validate() error {
	if r.DatasetRef == "" {
		return errors.New("dataset_ref is required")
	}
	if r.DependentVar == "" {
		return errors.New("dependent_var is required")
	}
	if len(r.IndependentVars) == 0 {
		return errors.New("at least one independent variable is required")
	}
	for _, v := range r.IndependentVars {
		if v == r.DependentVar {
			return fmt.Errorf("variable %q cannot be both dependent and independent", v)
		}
	}
	if r.ModelFamily == "" {
		r.ModelFamily = FamilyAuto
	}
	r.ModelFamily = strings.ToLower(r.ModelFamily)
	switch r.ModelFamily {
	case FamilyLinear, FamilyClassification, FamilyAuto:
	default:
		return fmt.Errorf("invalid model family: %s", r.ModelFamily)
	}
	return nil
}

// AnalysisRecord is the durable, caller-visible representation of a job.
type AnalysisRecord struct {
	ID               primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	OwnerID          string             `json:"owner_id" bson:"owner_id"`
	JobID            string             `json:"job_id" bson:"job_id"`
	Request          AnalysisRequest    `json:"request" bson:"request"`
	Status           AnalysisStatus     `json:"status" bson:"status"`
	QueuePosition    int                `json:"queue_position,omitempty" bson:"queue_position,omitempty"`
	Results          map[string]any     `json:"results,omitempty" bson:"results,omitempty"`
	Failure          *FailureInfo       `json:"failure,omitempty" bson:"failure,omitempty"`
	ProcessingTimeMs int64              `json:"processing_time_ms,omitempty" bson:"processing_time_ms,omitempty"`
	CreatedAt        time.Time          `json:"created_at" bson:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at" bson:"updated_at"`
	CompletedAt      time.Time          `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
}

// AnalysisSummary is the list-view projection of a record.
type AnalysisSummary struct {
	ID               string         `json:"id"`
	DatasetRef       string         `json:"dataset_ref"`
	DependentVar     string         `json:"dependent_var"`
	IndependentVars  []string       `json:"independent_vars"`
	ModelFamily      string         `json:"model_family"`
	Status           AnalysisStatus `json:"status"`
	QueuePosition    int            `json:"queue_position,omitempty"`
	Failure          *FailureInfo   `json:"failure,omitempty"`
	ProcessingTimeMs int64          `json:"processing_time_ms,omitempty"`
	CreatedAt        string         `json:"created_at"`
	CompletedAt      string         `json:"completed_at,omitempty"`
}

// ToSummary converts an AnalysisRecord to its list projection.
func (r *AnalysisRecord) ToSummary() AnalysisSummary {
	summary := AnalysisSummary{
		ID:               r.ID.Hex(),
		DatasetRef:       r.Request.DatasetRef,
		DependentVar:     r.Request.DependentVar,
		IndependentVars:  r.Request.IndependentVars,
		ModelFamily:      r.Request.ModelFamily,
		Status:           r.Status,
		QueuePosition:    r.QueuePosition,
		Failure:          r.Failure,
		ProcessingTimeMs: r.ProcessingTimeMs,
	}
	if !r.CreatedAt.IsZero() {
		summary.CreatedAt = r.CreatedAt.Format(time.RFC3339)
	}
	if !r.CompletedAt.IsZero() {
		summary.CompletedAt = r.CompletedAt.Format(time.RFC3339)
	}
	return summary
}
