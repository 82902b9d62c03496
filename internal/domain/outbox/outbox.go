package outbox

import (
	"time"

	"github.com/google/uuid"
)

// AggregateTransfer is the aggregate type of every transfer lifecycle event.
const AggregateTransfer = "transfer"

// Transfer lifecycle event types relayed to the event stream.
const (
	EventTransferCompleted    = "transfer.completed"
	EventTransferAborted      = "transfer.aborted"
	EventTransferCreditFailed = "transfer.credit_failed"
	EventTransferSettled      = "transfer.settled"
	EventTransferReversed     = "transfer.reversed"
	EventTransferManualReview = "transfer.manual_review"
)

// DefaultMaxRetries bounds how many times the relay tries to publish an entry.
const DefaultMaxRetries = 5

type Entry struct {
	ID            uuid.UUID
	AggregateType string
	AggregateID   uuid.UUID
	EventType     string
	Payload       map[string]any
	Status        Status
	RetryCount    int
	MaxRetries    int
	CreatedAt     time.Time
	PublishedAt   *time.Time
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusPublished Status = "published"
	StatusFailed    Status = "failed"
)

func NewEntry(aggregateType string, aggregateID uuid.UUID, eventType string, payload map[string]any) *Entry {
	return &Entry{
		ID:            uuid.New(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       payload,
		Status:        StatusPending,
		MaxRetries:    DefaultMaxRetries,
		CreatedAt:     time.Now(),
	}
}

// NewTransferEntry builds an event for the transfer with the given attempt ID.
func NewTransferEntry(attemptID uuid.UUID, eventType string, payload map[string]any) *Entry {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["attempt_id"] = attemptID.String()
	return NewEntry(AggregateTransfer, attemptID, eventType, payload)
}

// Exhausted reports whether the relay should stop trying to publish the entry.
func (e *Entry) Exhausted() bool {
	return e.RetryCount >= e.MaxRetries
}
