package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tmacedo/galton/internal/model"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// LockRepository handles the distributed lock that serializes reconciler
// sweeps across service instances.
type LockRepository struct {
	collection *mongo.Collection
}

// NewLockRepository creates a new lock repository
func NewLockRepository(db *MongoDB) *LockRepository {
	return &LockRepository{
		collection: db.GetCollection(CollectionReconcilerLocks),
	}
}

// AcquireLock attempts to acquire the named lock for this instance.
// Returns true if the lock was successfully acquired, false if it's already
// held by another live instance. Uses FindOneAndUpdate with upsert for
// atomic acquisition.
func (r *LockRepository) AcquireLock(ctx context.Context, name, instanceID string, ttl time.Duration) (bool, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	now := time.Now().UTC()
	expiresAt := now.Add(ttl)

	// Either no lock exists under this name, or the existing lock expired
	filter := bson.M{
		"name": name,
		"$or": []bson.M{
			{"expires_at": bson.M{"$lt": now}},
			{"expires_at": bson.M{"$exists": false}},
		},
	}

	update := bson.M{
		"$set": bson.M{
			"name":       name,
			"locked_by":  instanceID,
			"locked_at":  now,
			"expires_at": expiresAt,
		},
	}

	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var result model.ReconcilerLock
	err := r.collection.FindOneAndUpdate(ctxTimeout, filter, update, opts).Decode(&result)

	if err != nil {
		if err == mongo.ErrNoDocuments {
			// Lock is held by another instance and hasn't expired
			return false, nil
		}
		// A duplicate-key error here means we raced another instance's
		// upsert for the same name; treat it as not acquired.
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}

	if result.LockedBy != instanceID {
		return false, nil
	}

	slog.Debug("Successfully acquired lock",
		"name", name,
		"instance_id", instanceID,
		"expires_at", expiresAt,
	)

	return true, nil
}

// ReleaseLock releases the named lock, but only if it's owned by the
// specified instance.
func (r *LockRepository) ReleaseLock(ctx context.Context, name, instanceID string) error {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	filter := bson.M{
		"name":      name,
		"locked_by": instanceID,
	}

	result, err := r.collection.DeleteOne(ctxTimeout, filter)
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}

	if result.DeletedCount > 0 {
		slog.Debug("Successfully released lock",
			"name", name,
			"instance_id", instanceID,
		)
	}

	return nil
}

// CleanExpiredLocks removes locks whose TTL has lapsed, covering instances
// that crashed without releasing.
func (r *LockRepository) CleanExpiredLocks(ctx context.Context) (int64, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	now := time.Now().UTC()
	filter := bson.M{
		"expires_at": bson.M{"$lt": now},
	}

	result, err := r.collection.DeleteMany(ctxTimeout, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to clean expired locks: %w", err)
	}

	if result.DeletedCount > 0 {
		slog.Info("Cleaned expired locks",
			"count", result.DeletedCount,
		)
	}

	return result.DeletedCount, nil
}
