package outbox

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
)

// Record is a domain event that can be written to the outbox.
type Record interface {
	Type() string
	AggregateID() string
}

type Event struct {
	ID            int64
	AggregateType string
	AggregateID   string
	Type          string
	Payload       []byte
	Headers       map[string]string
	Traceparent   string
	CreatedAt     time.Time
	Status        Status
	RelayID       string
	RetryCount    int
	LastError     *string
}

func NewEvent(aggregateType string, rec Record, headers map[string]string, traceparent string) (Event, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return Event{}, errors.Wrapf(err, "marshal %s", rec.Type())
	}
	return Event{
		AggregateType: aggregateType,
		AggregateID:   rec.AggregateID(),
		Type:          rec.Type(),
		Payload:       payload,
		Headers:       headers,
		Traceparent:   traceparent,
		Status:        StatusPending,
		CreatedAt:     time.Now().UTC(),
	}, nil
}
