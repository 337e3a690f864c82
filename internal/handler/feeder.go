// Package handler contains the Echo HTTP surface: feeder ingestion, the
// bounding-box read API, and the DLQ admin endpoints.
package handler

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/dhightnm/fly-overhead/internal/governor"
	"github.com/dhightnm/fly-overhead/internal/ingest"
	"github.com/dhightnm/fly-overhead/internal/model"
	"github.com/dhightnm/fly-overhead/internal/queue"
)

// Governor is the admission-control surface the feeder endpoint consults
// before accepting a batch.
type Governor interface {
	Check(ctx context.Context, id string, lim governor.Limits) (governor.Decision, error)
	RecordSuccess(ctx context.Context, id string) error
	RecordFailure(ctx context.Context, id string, lim governor.Limits) (bool, error)
}

// RetryPolicy is the queue retry policy stamped on feeder batches.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	Jitter      time.Duration
}

// FeederHandler accepts authenticated ADS-B batches from registered
// feeder stations and enqueues them at feeder priority.
type FeederHandler struct {
	q      *queue.Queue
	gov    Governor
	tokens map[string]string // bearer token → feeder_id
	limits governor.Limits
	retry  RetryPolicy
	logger *zap.Logger
}

// NewFeederHandler creates the feeder ingestion handler.
func NewFeederHandler(q *queue.Queue, gov Governor, tokens map[string]string, limits governor.Limits, retry RetryPolicy, logger *zap.Logger) *FeederHandler {
	return &FeederHandler{
		q:      q,
		gov:    gov,
		tokens: tokens,
		limits: limits,
		retry:  retry,
		logger: logger,
	}
}

// Register binds the ingestion routes to the Echo instance.
func (h *FeederHandler) Register(e *echo.Echo) {
	e.POST("/ingest/feeder", h.HandleIngest)
}

// feederBatch is the request body: a batch of observations from one
// station.
type feederBatch struct {
	States []model.StateRecord `json:"states"`
}

type ingestResponse struct {
	Enqueued int `json:"enqueued"`
	Rejected int `json:"rejected"`
}

// HandleIngest authenticates the feeder, applies its rate limit and
// breaker, validates the batch, and enqueues the valid records. Invalid
// records are counted and dropped; the rest of the batch proceeds.
func (h *FeederHandler) HandleIngest(c echo.Context) error {
	ctx := c.Request().Context()

	feederID, ok := h.authenticate(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	}

	decision, err := h.gov.Check(ctx, feederID, h.limits)
	if err != nil {
		h.logger.Error("feeder governor check failed", zap.Error(err))
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "try again later"})
	}
	if !decision.Allowed {
		retryAfter := int(time.Until(decision.RetryAt).Seconds()) + 1
		c.Response().Header().Set("Retry-After", strconv.Itoa(retryAfter))
		if decision.Reason == governor.ReasonBreakerOpen {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "feeder suspended"})
		}
		return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
	}

	var batch feederBatch
	if err := c.Bind(&batch); err != nil {
		h.recordFailure(ctx, feederID)
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid payload"})
	}
	if len(batch.States) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "empty batch"})
	}

	now := time.Now().Unix()
	states := make([]model.StateRecord, 0, len(batch.States))
	rejected := 0
	for i := range batch.States {
		rec := batch.States[i]
		rec.Icao24 = strings.ToLower(strings.TrimSpace(rec.Icao24))
		rec.Callsign = model.NormalizeCallsign(rec.Callsign)
		if rec.LastContact == 0 {
			rec.LastContact = now
		}
		if err := rec.Validate(); err != nil {
			rejected++
			continue
		}
		states = append(states, rec)
	}

	if len(states) == 0 {
		// A batch with nothing salvageable counts against the feeder's
		// breaker; a persistently broken station gets suspended.
		h.recordFailure(ctx, feederID)
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "no valid records"})
	}

	msg := ingest.New(model.SourceFeeder, states, h.retry.MaxAttempts, h.retry.Backoff, h.retry.Jitter)
	msg.FeederID = feederID
	payload, err := msg.Encode()
	if err != nil {
		h.logger.Error("encode feeder batch failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
	if err := h.q.Enqueue(ctx, payload); err != nil {
		h.logger.Error("enqueue feeder batch failed",
			zap.String("feeder_id", feederID),
			zap.Error(err),
		)
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "try again later"})
	}

	if err := h.gov.RecordSuccess(ctx, feederID); err != nil {
		h.logger.Error("feeder breaker success record failed", zap.Error(err))
	}
	return c.JSON(http.StatusAccepted, ingestResponse{
		Enqueued: len(states),
		Rejected: rejected,
	})
}

// authenticate resolves the bearer token to a feeder id. Every registered
// token is compared in constant time so timing can't narrow the search.
func (h *FeederHandler) authenticate(c echo.Context) (string, bool) {
	auth := c.Request().Header.Get(echo.HeaderAuthorization)
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", false
	}
	presented := []byte(auth[len(prefix):])

	feederID, found := "", false
	for token, id := range h.tokens {
		if subtle.ConstantTimeCompare(presented, []byte(token)) == 1 {
			feederID, found = id, true
		}
	}
	return feederID, found
}

func (h *FeederHandler) recordFailure(ctx context.Context, feederID string) {
	if _, err := h.gov.RecordFailure(ctx, feederID, h.limits); err != nil {
		h.logger.Error("feeder breaker failure record failed", zap.Error(err))
	}
}
