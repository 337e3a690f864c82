// Package dispatcher delivers webhook tasks: sign the event body, POST it
// to the subscriber's callback, record the outcome, and feed the result
// back into the per-subscriber governor.
//
// Delivery is at-least-once. A crash after the POST but before the
// outcome update re-delivers with the same delivery id, which subscribers
// deduplicate on. Rate-limit and breaker denials reschedule the task
// without consuming an attempt; only real delivery attempts count.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dhightnm/fly-overhead/internal/governor"
	"github.com/dhightnm/fly-overhead/internal/publisher"
	"github.com/dhightnm/fly-overhead/internal/queue"
	"github.com/dhightnm/fly-overhead/internal/repository"
)

// Signature headers attached to every delivery.
const (
	HeaderSignature = "X-Flyover-Signature"
	HeaderTimestamp = "X-Flyover-Timestamp"
	HeaderEvent     = "X-Flyover-Event"
	HeaderDelivery  = "X-Flyover-Delivery"
	HeaderEventID   = "X-Flyover-Event-Id"
)

// maxResponseBody bounds how much of the subscriber's response is stored
// with the delivery row.
const maxResponseBody = 500

// DeliveryStore is the slice of the webhook repository the dispatcher
// writes outcomes through.
type DeliveryStore interface {
	UpdateDeliveryOutcome(ctx context.Context, out repository.DeliveryOutcome) error
}

// Governor is the admission-control surface: token bucket plus circuit
// breaker, both shared across dispatcher replicas via Redis.
type Governor interface {
	Check(ctx context.Context, id string, lim governor.Limits) (governor.Decision, error)
	RecordSuccess(ctx context.Context, id string) error
	RecordFailure(ctx context.Context, id string, lim governor.Limits) (bool, error)
}

// Config tunes the dispatcher pool.
type Config struct {
	Workers        int
	ReserveTimeout time.Duration
	HTTPTimeout    time.Duration
	EnforceHTTPS   bool

	BreakerThreshold int
	BreakerReset     time.Duration
}

var meter = otel.Meter("flyoverhead-dispatcher")

var (
	deliveredCounter, _ = meter.Int64Counter("webhooks.deliveries_succeeded",
		metric.WithDescription("webhook deliveries acknowledged with a 2xx"))
	failedCounter, _ = meter.Int64Counter("webhooks.delivery_attempts_failed",
		metric.WithDescription("webhook delivery attempts that did not get a 2xx"))
	throttledCounter, _ = meter.Int64Counter("webhooks.deliveries_throttled",
		metric.WithDescription("deliveries deferred by the rate limiter or breaker"))
)

// Dispatcher runs the webhook delivery pool.
type Dispatcher struct {
	q      *queue.Queue
	store  DeliveryStore
	gov    Governor
	client *http.Client
	cfg    Config
	logger *zap.Logger
}

// New creates a dispatcher. The HTTP client never follows redirects: a
// redirect response is treated as a failed attempt so signed payloads are
// not replayed at a location the subscriber didn't register.
func New(q *queue.Queue, store DeliveryStore, gov Governor, cfg Config, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		q:     q,
		store: store,
		gov:   gov,
		client: &http.Client{
			Timeout: cfg.HTTPTimeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		cfg:    cfg,
		logger: logger,
	}
}

// Run starts the configured number of delivery workers and blocks until
// ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		g.Go(func() error {
			d.consumeLoop(ctx)
			return nil
		})
	}
	d.logger.Info("webhook dispatchers started", zap.Int("workers", d.cfg.Workers))
	return g.Wait()
}

func (d *Dispatcher) consumeLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		payload, err := d.q.Reserve(ctx, d.cfg.ReserveTimeout)
		if err != nil {
			if ctx.Err() == nil {
				d.logger.Error("reserve failed", zap.Error(err))
			}
			continue
		}
		if payload == nil {
			continue
		}
		d.processPayload(ctx, payload)
	}
}

func (d *Dispatcher) processPayload(ctx context.Context, payload []byte) {
	task, err := publisher.DecodeTask(payload)
	if err != nil {
		if parkErr := d.q.Park(ctx, payload, "undecodable task"); parkErr != nil {
			d.logger.Error("park failed", zap.Error(parkErr))
		}
		return
	}

	if err := d.validateCallback(task.CallbackURL); err != nil {
		d.failPermanently(ctx, task, err.Error())
		return
	}

	lim := governor.Limits{
		RatePerMinute:    task.RateLimitPerMinute,
		BreakerThreshold: d.cfg.BreakerThreshold,
		BreakerReset:     d.cfg.BreakerReset,
	}

	decision, err := d.gov.Check(ctx, task.SubscriptionID, lim)
	if err != nil {
		// Can't consult Redis: defer briefly rather than burn an attempt.
		d.logger.Error("governor check failed", zap.Error(err))
		d.schedule(ctx, task, time.Now().Add(time.Second))
		return
	}
	if !decision.Allowed {
		throttledCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("reason", decision.Reason),
		))
		d.schedule(ctx, task, decision.RetryAt)
		return
	}

	d.attempt(ctx, task, lim)
}

// attempt performs one signed POST and records the outcome.
func (d *Dispatcher) attempt(ctx context.Context, task *publisher.Task, lim governor.Limits) {
	task.Attempts++

	status, body, err := d.post(ctx, task)
	if err == nil && status >= 200 && status < 300 {
		d.succeed(ctx, task, status, body)
		return
	}

	lastErr := fmt.Sprintf("HTTP %d", status)
	if err != nil {
		lastErr = err.Error()
	}
	d.fail(ctx, task, lim, status, body, lastErr)
}

func (d *Dispatcher) post(ctx context.Context, task *publisher.Task) (int, string, error) {
	body, err := json.Marshal(task.Event)
	if err != nil {
		return 0, "", fmt.Errorf("marshal event %s: %w", task.EventID, err)
	}

	ts := time.Now().UnixMilli()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, task.CallbackURL, bytes.NewReader(body))
	if err != nil {
		return 0, "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "flyoverhead-webhooks/1.0")
	req.Header.Set(HeaderSignature, "v1="+Sign(task.SigningSecret, ts, body))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	req.Header.Set(HeaderEvent, task.Event.Type)
	req.Header.Set(HeaderDelivery, task.DeliveryID)
	req.Header.Set(HeaderEventID, task.EventID)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	truncated, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	return resp.StatusCode, string(truncated), nil
}

func (d *Dispatcher) succeed(ctx context.Context, task *publisher.Task, status int, body string) {
	deliveredCounter.Add(ctx, 1)

	if err := d.gov.RecordSuccess(ctx, task.SubscriptionID); err != nil {
		d.logger.Error("breaker success record failed", zap.Error(err))
	}
	d.recordOutcome(ctx, repository.DeliveryOutcome{
		DeliveryID:     task.DeliveryID,
		Status:         repository.DeliverySuccess,
		AttemptCount:   task.Attempts,
		ResponseStatus: status,
		ResponseBody:   body,
	})
	d.logger.Info("webhook delivered",
		zap.String("delivery_id", task.DeliveryID),
		zap.String("subscription_id", task.SubscriptionID),
		zap.Int("attempt", task.Attempts),
	)
}

func (d *Dispatcher) fail(ctx context.Context, task *publisher.Task, lim governor.Limits, status int, body, lastErr string) {
	failedCounter.Add(ctx, 1)

	opened, err := d.gov.RecordFailure(ctx, task.SubscriptionID, lim)
	if err != nil {
		d.logger.Error("breaker failure record failed", zap.Error(err))
	} else if opened {
		d.logger.Warn("circuit breaker opened",
			zap.String("subscription_id", task.SubscriptionID),
		)
	}

	if task.Exhausted() {
		d.recordOutcome(ctx, repository.DeliveryOutcome{
			DeliveryID:     task.DeliveryID,
			Status:         repository.DeliveryFailed,
			AttemptCount:   task.Attempts,
			LastError:      lastErr,
			ResponseStatus: status,
			ResponseBody:   body,
		})
		d.park(ctx, task, "max attempts exceeded: "+lastErr)
		return
	}

	nextAt := time.Now().Add(task.NextBackoff())
	d.recordOutcome(ctx, repository.DeliveryOutcome{
		DeliveryID:     task.DeliveryID,
		Status:         repository.DeliveryPending,
		AttemptCount:   task.Attempts,
		NextAttemptAt:  &nextAt,
		LastError:      lastErr,
		ResponseStatus: status,
		ResponseBody:   body,
	})
	d.schedule(ctx, task, nextAt)
	d.logger.Warn("webhook delivery failed, retrying",
		zap.String("delivery_id", task.DeliveryID),
		zap.Int("attempt", task.Attempts),
		zap.Time("next_attempt_at", nextAt),
		zap.String("error", lastErr),
	)
}

// failPermanently handles tasks that can never succeed, such as a
// non-HTTPS callback slipping through subscription validation.
func (d *Dispatcher) failPermanently(ctx context.Context, task *publisher.Task, reason string) {
	d.recordOutcome(ctx, repository.DeliveryOutcome{
		DeliveryID:   task.DeliveryID,
		Status:       repository.DeliveryFailed,
		AttemptCount: task.Attempts,
		LastError:    reason,
	})
	d.park(ctx, task, reason)
}

// schedule re-enqueues a task into the delayed set. Throttled tasks pass
// through here without their attempt count having been touched.
func (d *Dispatcher) schedule(ctx context.Context, task *publisher.Task, at time.Time) {
	payload, err := task.Encode()
	if err != nil {
		d.logger.Error("re-encode task failed", zap.Error(err))
		return
	}
	if err := d.q.Schedule(ctx, payload, at); err != nil {
		d.logger.Error("schedule task failed", zap.Error(err))
	}
}

func (d *Dispatcher) park(ctx context.Context, task *publisher.Task, reason string) {
	payload, err := task.Encode()
	if err != nil {
		d.logger.Error("encode task for park failed", zap.Error(err))
		return
	}
	if err := d.q.Park(ctx, payload, reason); err != nil {
		d.logger.Error("park failed", zap.Error(err))
	}
}

func (d *Dispatcher) recordOutcome(ctx context.Context, out repository.DeliveryOutcome) {
	if err := d.store.UpdateDeliveryOutcome(ctx, out); err != nil {
		// At-least-once: the row lags reality until a later attempt
		// records over it.
		d.logger.Error("delivery outcome update failed",
			zap.String("delivery_id", out.DeliveryID),
			zap.Error(err),
		)
	}
}

func (d *Dispatcher) validateCallback(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid callback url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme == "https" {
		return nil
	}
	if !d.cfg.EnforceHTTPS && scheme == "http" {
		return nil
	}
	return fmt.Errorf("callback url scheme %q not allowed", u.Scheme)
}
