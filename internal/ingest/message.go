// Package ingest defines the message the source adapters enqueue and the
// ingestion worker consumes: one normalized state array plus provenance
// and retry bookkeeping.
package ingest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dhightnm/fly-overhead/internal/model"
	"github.com/dhightnm/fly-overhead/internal/queue"
)

// Message is one batch of normalized observations from a single source.
// The embedded envelope carries the retry policy so per-source overrides
// travel with the message.
type Message struct {
	queue.Envelope

	Source         string              `json:"source"`
	SourcePriority int                 `json:"source_priority"`
	IngestionTime  time.Time           `json:"ingestion_timestamp"`
	FeederID       string              `json:"feeder_id,omitempty"`
	SkipHistory    bool                `json:"skip_history,omitempty"`
	States         []model.StateRecord `json:"states"`
}

// New stamps a batch with its source metadata and the given retry policy.
func New(source string, states []model.StateRecord, maxAttempts int, backoff, jitter time.Duration) *Message {
	return &Message{
		Envelope: queue.Envelope{
			MaxAttempts: maxAttempts,
			BackoffMS:   backoff.Milliseconds(),
			JitterMS:    jitter.Milliseconds(),
		},
		Source:         source,
		SourcePriority: model.PriorityFor(source),
		IngestionTime:  time.Now().UTC(),
		States:         states,
	}
}

// Encode serializes the message for the queue.
func (m *Message) Encode() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode ingest message: %w", err)
	}
	return b, nil
}

// Decode parses a queue payload back into a message.
func Decode(payload []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("decode ingest message: %w", err)
	}
	return &m, nil
}
