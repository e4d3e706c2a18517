package model

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ReconcilerLock is a distributed lock ensuring a single instance runs the
// orphan-record reconciler sweep at a time.
type ReconcilerLock struct {
	ID        primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	Name      string             `json:"name" bson:"name"`
	LockedBy  string             `json:"locked_by" bson:"locked_by"`   // Instance identifier (hostname)
	LockedAt  time.Time          `json:"locked_at" bson:"locked_at"`   // Lock acquisition timestamp
	ExpiresAt time.Time          `json:"expires_at" bson:"expires_at"` // Lock expiration (TTL)
}
