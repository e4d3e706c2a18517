package database

import (
	"context"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// CreateIndexes creates all necessary indexes for the collections
func CreateIndexes(ctx context.Context, db *MongoDB) error {
	slog.Info("Creating MongoDB indexes")

	if err := createAnalysisIndexes(ctx, db); err != nil {
		return err
	}

	if err := createReconcilerLockIndexes(ctx, db); err != nil {
		return err
	}

	slog.Info("Successfully created all MongoDB indexes")
	return nil
}

func createAnalysisIndexes(ctx context.Context, db *MongoDB) error {
	collection := db.GetCollection(CollectionAnalyses)

	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "job_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("idx_job_id_unique"),
		},
		{
			Keys: bson.D{
				{Key: "owner_id", Value: 1},
				{Key: "created_at", Value: -1},
			},
			Options: options.Index().SetName("idx_owner_id_created_at"),
		},
		{
			Keys: bson.D{
				{Key: "owner_id", Value: 1},
				{Key: "status", Value: 1},
			},
			Options: options.Index().SetName("idx_owner_id_status"),
		},
		{
			Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "updated_at", Value: 1},
			},
			Options: options.Index().SetName("idx_status_updated_at"),
		},
	}

	ctxTimeout, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := collection.Indexes().CreateMany(ctxTimeout, indexes)
	if err != nil {
		return err
	}

	slog.Info("Created analyses indexes")
	return nil
}

func createReconcilerLockIndexes(ctx context.Context, db *MongoDB) error {
	collection := db.GetCollection(CollectionReconcilerLocks)

	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "name", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("idx_name_unique"),
		},
		{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0).SetName("idx_expires_at_ttl"),
		},
	}

	ctxTimeout, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := collection.Indexes().CreateMany(ctxTimeout, indexes)
	if err != nil {
		return err
	}

	slog.Info("Created reconciler_locks indexes")
	return nil
}
