package mongodb

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"credits-ledger/internal/credits"
)

const collectionName = "credit_audit"

// AuditLog is the document stored per balance event.
// Amounts are decimal strings so no precision is lost.
type AuditLog struct {
	ID         string    `bson:"_id"` // event id
	AccountID  string    `bson:"account_id"`
	Type       string    `bson:"type"`
	Amount     string    `bson:"amount"`
	Before     string    `bson:"before"`
	After      string    `bson:"after"`
	Version    int64     `bson:"version"`
	OccurredAt time.Time `bson:"occurred_at"`
	RecordedAt time.Time `bson:"recorded_at"`
}

// AuditRepository writes balance events to MongoDB
type AuditRepository struct {
	collection *mongo.Collection
	now        func() time.Time
}

// Connect opens a client and pings the primary
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}
	return client, nil
}

// NewAuditRepository creates a repository over the credit_audit collection of dbName
func NewAuditRepository(client *mongo.Client, dbName string) *AuditRepository {
	return &AuditRepository{
		collection: client.Database(dbName).Collection(collectionName),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// EnsureIndexes creates the per-account history index
func (r *AuditRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "account_id", Value: 1}, {Key: "version", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create audit index: %w", err)
	}
	return nil
}

// Record inserts one audit document. Re-recording the same event is a no-op.
func (r *AuditRepository) Record(ctx context.Context, event credits.Event) error {
	_, err := r.collection.InsertOne(ctx, NewAuditLog(event, r.now()))
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}
	return nil
}

// NewAuditLog maps an event to its audit document
func NewAuditLog(event credits.Event, recordedAt time.Time) AuditLog {
	return AuditLog{
		ID:         event.ID,
		AccountID:  event.AccountID,
		Type:       string(event.Type),
		Amount:     event.Amount.String(),
		Before:     event.Before.String(),
		After:      event.After.String(),
		Version:    event.Version,
		OccurredAt: event.OccurredAt,
		RecordedAt: recordedAt,
	}
}
