package schema

import (
	"encoding/json"
	"fmt"
)

// OutboxEntry is a review waiting for confirmed delivery. It is removed only
// after the remote endpoint accepts it.
type OutboxEntry struct {
	ID       int64     `json:"id,omitempty"`
	QueuedAt Timestamp `json:"queued_at"`
	Review   Review    `json:"review"`
}

// NewOutboxEntry queues a copy of review.
func NewOutboxEntry(review Review) *OutboxEntry {
	return &OutboxEntry{QueuedAt: Now(), Review: review}
}

// Validate checks the queued review.
func (e *OutboxEntry) Validate() error {
	if err := e.Review.Validate(); err != nil {
		return fmt.Errorf("invalid review: %w", err)
	}
	return nil
}

// Payload returns the body replayed to the remote endpoint.
func (e *OutboxEntry) Payload() ([]byte, error) {
	b, err := json.Marshal(e.Review)
	if err != nil {
		return nil, fmt.Errorf("failed to encode review: %w", err)
	}
	return b, nil
}
