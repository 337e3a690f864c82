package publisher

import (
	"encoding/json"
	"fmt"

	"github.com/dhightnm/fly-overhead/internal/queue"
	"github.com/dhightnm/fly-overhead/internal/repository"
)

// Task is one delivery attempt's worth of work on the webhook queue: a
// fully self-contained instruction the dispatcher can execute without a
// database read. The embedded envelope carries the subscription's own
// retry policy.
type Task struct {
	queue.Envelope

	DeliveryID         string           `json:"delivery_id"`
	EventID            string           `json:"event_id"`
	SubscriptionID     string           `json:"subscription_id"`
	SubscriberID       string           `json:"subscriber_id"`
	CallbackURL        string           `json:"callback_url"`
	SigningSecret      string           `json:"signing_secret"`
	RateLimitPerMinute int              `json:"rate_limit_per_minute"`
	Event              repository.Event `json:"event"`
}

// Encode serializes the task for the queue.
func (t *Task) Encode() ([]byte, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode delivery task: %w", err)
	}
	return b, nil
}

// DecodeTask parses a queue payload back into a task.
func DecodeTask(payload []byte) (*Task, error) {
	var t Task
	if err := json.Unmarshal(payload, &t); err != nil {
		return nil, fmt.Errorf("decode delivery task: %w", err)
	}
	return &t, nil
}
