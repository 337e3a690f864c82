package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Subscription statuses.
const (
	SubscriptionActive   = "active"
	SubscriptionPaused   = "paused"
	SubscriptionDisabled = "disabled"
)

// Delivery statuses.
const (
	DeliveryPending    = "pending"
	DeliveryDelivering = "delivering"
	DeliverySuccess    = "success"
	DeliveryFailed     = "failed"
)

// Subscription is a webhook subscription row. It is created by an operator
// surface out of scope here; the publisher and dispatcher read it only.
type Subscription struct {
	ID                 string
	SubscriberID       string
	CallbackURL        string
	EventTypeFilter    string
	SigningSecret      string
	Status             string
	RateLimitPerMinute int
	MaxAttempts        int
	BackoffMS          int64
}

// Event is an immutable webhook event, persisted before any delivery is
// enqueued so the audit trail never references a missing event.
type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Version    string          `json:"version"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"data"`
}

// DeliveryOutcome is what the dispatcher records after each attempt.
type DeliveryOutcome struct {
	DeliveryID     string
	Status         string
	AttemptCount   int
	NextAttemptAt  *time.Time
	LastError      string
	ResponseStatus int
	ResponseBody   string
}

// WebhookRepository owns webhook_subscriptions (read), webhook_events and
// webhook_deliveries (write).
type WebhookRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewWebhookRepository creates the repository.
func NewWebhookRepository(pool *pgxpool.Pool, logger *zap.Logger) *WebhookRepository {
	return &WebhookRepository{pool: pool, logger: logger}
}

const matchSubscriptionsSQL = `
SELECT id, subscriber_id, callback_url, event_type_filter, signing_secret,
       status, rate_limit_per_minute, max_attempts, backoff_ms
  FROM webhook_subscriptions
 WHERE status = 'active'
   AND (event_type_filter = $1 OR event_type_filter IN ('*', 'all'))
`

// MatchSubscriptions lists the active subscriptions whose filter matches
// the event type, exact or wildcard.
func (r *WebhookRepository) MatchSubscriptions(ctx context.Context, eventType string) ([]Subscription, error) {
	rows, err := r.pool.Query(ctx, matchSubscriptionsSQL, eventType)
	if err != nil {
		return nil, fmt.Errorf("match subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		var s Subscription
		err := rows.Scan(
			&s.ID, &s.SubscriberID, &s.CallbackURL, &s.EventTypeFilter, &s.SigningSecret,
			&s.Status, &s.RateLimitPerMinute, &s.MaxAttempts, &s.BackoffMS,
		)
		if err != nil {
			return nil, fmt.Errorf("subscription scan: %w", err)
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

// InsertEvent persists an event. Write-through: this must commit before
// any queue message referencing the event is produced.
func (r *WebhookRepository) InsertEvent(ctx context.Context, ev Event) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO webhook_events (id, event_type, version, occurred_at, payload)
		 VALUES ($1, $2, $3, $4, $5)`,
		ev.ID, ev.Type, ev.Version, ev.OccurredAt, ev.Payload,
	)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", ev.ID, err)
	}
	return nil
}

// CreateDelivery inserts a pending delivery row for an (event,
// subscription) pairing. The delivery id doubles as the idempotency key
// subscribers deduplicate on.
func (r *WebhookRepository) CreateDelivery(ctx context.Context, deliveryID, eventID, subscriptionID string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO webhook_deliveries (id, event_id, subscription_id, status, attempt_count)
		 VALUES ($1, $2, $3, 'pending', 0)
		 ON CONFLICT (id) DO NOTHING`,
		deliveryID, eventID, subscriptionID,
	)
	if err != nil {
		return fmt.Errorf("create delivery %s: %w", deliveryID, err)
	}
	return nil
}

// UpdateDeliveryOutcome records one attempt's result. The dispatcher is
// the only writer of delivery rows.
func (r *WebhookRepository) UpdateDeliveryOutcome(ctx context.Context, out DeliveryOutcome) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE webhook_deliveries
		    SET status          = $2,
		        attempt_count   = $3,
		        next_attempt_at = $4,
		        last_error      = $5,
		        response_status = $6,
		        response_body   = $7,
		        updated_at      = now()
		  WHERE id = $1`,
		out.DeliveryID, out.Status, out.AttemptCount, out.NextAttemptAt,
		nullableString(out.LastError), out.ResponseStatus, out.ResponseBody,
	)
	if err != nil {
		return fmt.Errorf("update delivery %s: %w", out.DeliveryID, err)
	}
	return nil
}
