// Package outbox delivers ledger events that were appended transactionally
// with the postings that produced them. Delivery is at-least-once with
// in-order publication per partition key.
package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Message states. A message is pending until the external stream confirms
// it, published afterwards, and poison when delivery failed permanently.
const (
	StatePending   = "pending"
	StatePublished = "published"
	StatePoison    = "poison"
)

// Message is one durable outbox row.
type Message struct {
	ID           uuid.UUID
	Topic        string
	PartitionKey string
	Payload      []byte
	EnqueuedAt   time.Time
	Attempts     int
	State        string
}

// Source is the storage side of the dispatcher: fetch pending messages in
// enqueue order and record delivery outcomes.
type Source interface {
	FetchPending(ctx context.Context, limit int) ([]Message, error)
	MarkPublished(ctx context.Context, id uuid.UUID) error
	MarkPoison(ctx context.Context, id uuid.UUID, attempts int) error
	RecordAttempt(ctx context.Context, id uuid.UUID, attempts int) error
}

// Sink publishes a message to the external stream. Implementations must be
// safe for use from a single dispatcher goroutine.
type Sink interface {
	Publish(ctx context.Context, msg Message) error
}
