// Package publisher turns accepted state changes into webhook events and
// fans them out: persist the event, match the active subscriptions, create
// one pending delivery per match, and enqueue a task for each.
//
// The event row is written before any task is enqueued, so every delivery
// the dispatcher picks up references an event that already exists. The
// delivery id is minted here and reused across retries; it is the
// idempotency key subscribers deduplicate on.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/dhightnm/fly-overhead/internal/model"
	"github.com/dhightnm/fly-overhead/internal/queue"
	"github.com/dhightnm/fly-overhead/internal/repository"
)

// EventTypePositionUpdate is emitted when an accepted state change crosses
// the movement or interval threshold.
const EventTypePositionUpdate = "aircraft.position_update"

// eventVersion is the payload schema version stamped on every event.
const eventVersion = "v1"

// SubscriptionStore is the slice of the webhook repository the publisher
// needs.
type SubscriptionStore interface {
	MatchSubscriptions(ctx context.Context, eventType string) ([]repository.Subscription, error)
	InsertEvent(ctx context.Context, ev repository.Event) error
	CreateDelivery(ctx context.Context, deliveryID, eventID, subscriptionID string) error
}

var meter = otel.Meter("flyoverhead-publisher")

var (
	eventsCounter, _ = meter.Int64Counter("webhooks.events_published",
		metric.WithDescription("webhook events persisted and fanned out"))
	deliveriesCounter, _ = meter.Int64Counter("webhooks.deliveries_enqueued",
		metric.WithDescription("delivery tasks enqueued for dispatch"))
)

// positionUpdatePayload is the event body subscribers receive.
type positionUpdatePayload struct {
	Current  model.StateRecord  `json:"current"`
	Previous *model.StateRecord `json:"previous,omitempty"`
}

// Publisher fans events out to the webhook queue.
type Publisher struct {
	store  SubscriptionStore
	q      *queue.Queue
	jitter time.Duration
	logger *zap.Logger
}

// New creates a publisher writing to the given webhook queue. jitter is
// the retry jitter stamped onto every delivery task's envelope.
func New(store SubscriptionStore, q *queue.Queue, jitter time.Duration, logger *zap.Logger) *Publisher {
	return &Publisher{store: store, q: q, jitter: jitter, logger: logger}
}

// PublishPositionUpdate emits an aircraft.position_update event carrying
// the accepted record and, when known, the state it replaced.
func (p *Publisher) PublishPositionUpdate(ctx context.Context, prev *model.StateRecord, curr model.StateRecord) error {
	payload, err := json.Marshal(positionUpdatePayload{Current: curr, Previous: prev})
	if err != nil {
		return fmt.Errorf("marshal position update for %s: %w", curr.Icao24, err)
	}
	return p.Publish(ctx, EventTypePositionUpdate, payload)
}

// Publish persists one event and enqueues a delivery task per matching
// subscription. A subscription-level failure is logged and skipped; the
// remaining fan-out proceeds.
func (p *Publisher) Publish(ctx context.Context, eventType string, payload json.RawMessage) error {
	ev := repository.Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		Version:    eventVersion,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}

	// The event row is the audit record; it is written even when nobody
	// is subscribed to receive it.
	if err := p.store.InsertEvent(ctx, ev); err != nil {
		return fmt.Errorf("publish %s: %w", eventType, err)
	}
	eventsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))

	subs, err := p.store.MatchSubscriptions(ctx, eventType)
	if err != nil {
		return fmt.Errorf("publish %s: %w", eventType, err)
	}

	var firstErr error
	for _, sub := range subs {
		if err := p.enqueueDelivery(ctx, ev, sub); err != nil {
			p.logger.Error("delivery fan-out failed",
				zap.String("event_id", ev.ID),
				zap.String("subscription_id", sub.ID),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (p *Publisher) enqueueDelivery(ctx context.Context, ev repository.Event, sub repository.Subscription) error {
	deliveryID := uuid.New().String()
	if err := p.store.CreateDelivery(ctx, deliveryID, ev.ID, sub.ID); err != nil {
		return err
	}

	task := Task{
		Envelope: queue.Envelope{
			MaxAttempts: sub.MaxAttempts,
			BackoffMS:   sub.BackoffMS,
			JitterMS:    p.jitter.Milliseconds(),
		},
		DeliveryID:         deliveryID,
		EventID:            ev.ID,
		SubscriptionID:     sub.ID,
		SubscriberID:       sub.SubscriberID,
		CallbackURL:        sub.CallbackURL,
		SigningSecret:      sub.SigningSecret,
		RateLimitPerMinute: sub.RateLimitPerMinute,
		Event:              ev,
	}
	payload, err := task.Encode()
	if err != nil {
		return err
	}
	if err := p.q.Enqueue(ctx, payload); err != nil {
		return err
	}

	deliveriesCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", ev.Type)))
	return nil
}
