package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tmacedo/galton/internal/model"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ErrNotFound is returned when a record does not exist or is not visible to
// the requesting owner.
var ErrNotFound = errors.New("analysis not found")

// AnalysisRepository handles analysis record operations
type AnalysisRepository struct {
	collection *mongo.Collection
}

// NewAnalysisRepository creates a new analysis repository
func NewAnalysisRepository(db *MongoDB) *AnalysisRepository {
	return &AnalysisRepository{
		collection: db.GetCollection(CollectionAnalyses),
	}
}

// Create inserts a new analysis record
func (r *AnalysisRepository) Create(ctx context.Context, record *model.AnalysisRecord) error {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if record.ID.IsZero() {
		record.ID = primitive.NewObjectID()
	}
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	_, err := r.collection.InsertOne(ctxTimeout, record)
	if err != nil {
		return fmt.Errorf("failed to create analysis record: %w", err)
	}

	return nil
}

// Get retrieves an analysis record scoped to its owner
func (r *AnalysisRepository) Get(ctx context.Context, id primitive.ObjectID, ownerID string) (*model.AnalysisRecord, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var record model.AnalysisRecord
	err := r.collection.FindOne(ctxTimeout, bson.M{"_id": id, "owner_id": ownerID}).Decode(&record)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get analysis: %w", err)
	}

	return &record, nil
}

// GetByID retrieves a record without ownership scoping. Internal use only
// (transition diagnostics, reconciler); caller-facing reads go through Get.
func (r *AnalysisRepository) GetByID(ctx context.Context, id primitive.ObjectID) (*model.AnalysisRecord, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var record model.AnalysisRecord
	err := r.collection.FindOne(ctxTimeout, bson.M{"_id": id}).Decode(&record)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get analysis: %w", err)
	}

	return &record, nil
}

// List retrieves an owner's analysis records with pagination, newest first
func (r *AnalysisRepository) List(ctx context.Context, ownerID string, page, limit int) ([]model.AnalysisRecord, int64, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	filter := bson.M{"owner_id": ownerID}

	total, err := r.collection.CountDocuments(ctxTimeout, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count analyses: %w", err)
	}

	skip := (page - 1) * limit
	opts := options.Find().
		SetSkip(int64(skip)).
		SetLimit(int64(limit)).
		SetSort(bson.D{{Key: "created_at", Value: -1}})

	cursor, err := r.collection.Find(ctxTimeout, filter, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list analyses: %w", err)
	}
	defer cursor.Close(ctxTimeout)

	var records []model.AnalysisRecord
	if err := cursor.All(ctxTimeout, &records); err != nil {
		return nil, 0, fmt.Errorf("failed to decode analyses: %w", err)
	}

	return records, total, nil
}

// TransitionStatus atomically moves a record to a new status, but only if
// its current status is one of the allowed predecessors. The status check
// and the write are a single filtered update so no interleaving can apply
// an illegal transition. Returns false when nothing matched.
func (r *AnalysisRepository) TransitionStatus(
	ctx context.Context,
	id primitive.ObjectID,
	from []model.AnalysisStatus,
	to model.AnalysisStatus,
	set bson.M,
) (bool, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	fields := bson.M{
		"status":     to,
		"updated_at": time.Now().UTC(),
	}
	for key, value := range set {
		fields[key] = value
	}

	update := bson.M{"$set": fields}
	if to != model.StatusQueued {
		// queue_position is only meaningful while queued
		update["$unset"] = bson.M{"queue_position": ""}
	}

	filter := bson.M{"_id": id, "status": bson.M{"$in": from}}
	result, err := r.collection.UpdateOne(ctxTimeout, filter, update)
	if err != nil {
		return false, fmt.Errorf("failed to transition analysis: %w", err)
	}

	return result.MatchedCount > 0, nil
}

// Delete removes a record scoped to its owner
func (r *AnalysisRepository) Delete(ctx context.Context, id primitive.ObjectID, ownerID string) error {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	result, err := r.collection.DeleteOne(ctxTimeout, bson.M{"_id": id, "owner_id": ownerID})
	if err != nil {
		return fmt.Errorf("failed to delete analysis: %w", err)
	}
	if result.DeletedCount == 0 {
		return ErrNotFound
	}

	return nil
}

// FindByStatusOlderThan returns records in the given status whose last
// update is before the cutoff. Used by the reconciler to find orphans.
func (r *AnalysisRepository) FindByStatusOlderThan(
	ctx context.Context,
	status model.AnalysisStatus,
	cutoff time.Time,
) ([]model.AnalysisRecord, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	filter := bson.M{
		"status":     status,
		"updated_at": bson.M{"$lt": cutoff},
	}

	cursor, err := r.collection.Find(ctxTimeout, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to find stale analyses: %w", err)
	}
	defer cursor.Close(ctxTimeout)

	var records []model.AnalysisRecord
	if err := cursor.All(ctxTimeout, &records); err != nil {
		return nil, fmt.Errorf("failed to decode stale analyses: %w", err)
	}

	return records, nil
}
