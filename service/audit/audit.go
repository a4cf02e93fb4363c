// Package audit persists compliance decisions. Every evaluation produces a
// Record whether it was approved or not.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/brojonat/escrowd/service/domain"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// Record is one compliance decision with its full check breakdown.
type Record struct {
	ID             string                `json:"id" bson:"_id"`
	TransactionID  string                `json:"transaction_id,omitempty" bson:"transaction_id,omitempty"`
	IdempotencyKey string                `json:"idempotency_key,omitempty" bson:"idempotency_key,omitempty"`
	UserID         string                `json:"user_id" bson:"user_id"`
	OfferingID     string                `json:"offering_id,omitempty" bson:"offering_id,omitempty"`
	RegulationMode domain.RegulationMode `json:"regulation_mode,omitempty" bson:"regulation_mode,omitempty"`
	Amount         int64                 `json:"amount" bson:"amount"`
	Approved       bool                  `json:"approved" bson:"approved"`
	Reason         domain.Reason         `json:"reason,omitempty" bson:"reason,omitempty"`
	Checks         []domain.CheckResult  `json:"checks" bson:"checks"`
	EvaluatedAt    time.Time             `json:"evaluated_at" bson:"evaluated_at"`
}

// Sink stores audit records.
type Sink interface {
	Name() string
	Write(ctx context.Context, r Record) error
}

// DefaultCollection is where MongoSink writes.
const DefaultCollection = "compliance_audit"

// MongoSink writes records to a MongoDB collection.
type MongoSink struct {
	collection *mongo.Collection
}

// NewMongoSink writes to dbName.compliance_audit.
func NewMongoSink(client *mongo.Client, dbName string) *MongoSink {
	return &MongoSink{collection: client.Database(dbName).Collection(DefaultCollection)}
}

func (s *MongoSink) Name() string { return "mongo" }

func (s *MongoSink) Write(ctx context.Context, r Record) error {
	if _, err := s.collection.InsertOne(ctx, r); err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	return nil
}

// LogSink writes records as structured log lines.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With("component", "compliance_audit")}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Write(ctx context.Context, r Record) error {
	s.logger.InfoContext(ctx, "compliance decision",
		"audit_id", r.ID,
		"transaction_id", r.TransactionID,
		"idempotency_key", r.IdempotencyKey,
		"user_id", r.UserID,
		"amount", r.Amount,
		"approved", r.Approved,
		"reason", r.Reason,
		"checks", r.Checks,
	)
	return nil
}

// MultiSink fans a record out to several sinks. It attempts every sink and
// returns the joined errors.
type MultiSink []Sink

func (m MultiSink) Name() string { return "multi" }

func (m MultiSink) Write(ctx context.Context, r Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, r); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// MemorySink keeps records in memory. Used by tests and local runs.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
}

func (s *MemorySink) Name() string { return "memory" }

func (s *MemorySink) Write(ctx context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return nil
}

// Records returns a copy of everything written.
func (s *MemorySink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}
