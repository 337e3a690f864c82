// Package worker contains the ingestion worker: the consumers that drain
// the ingest queue, apply the acceptance rules through the repository's
// conditional upsert, refresh the hot cache, and emit position-update
// events to the webhook publisher.
//
// Several consumers run in parallel and no per-aircraft ordering is
// guaranteed at the queue level; correctness comes from the atomic upsert,
// never from application-side locks.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dhightnm/fly-overhead/internal/ingest"
	"github.com/dhightnm/fly-overhead/internal/model"
	"github.com/dhightnm/fly-overhead/internal/queue"
)

// StateStore is the slice of the repository the worker needs.
type StateStore interface {
	ConditionalUpsert(ctx context.Context, rec *model.StateRecord, skipHistory bool) (bool, error)
}

// Cache is the hot-cache surface the worker writes through.
type Cache interface {
	Get(icao24 string) (model.StateRecord, bool)
	Put(rec model.StateRecord) bool
}

// EventPublisher receives accepted position changes that crossed the
// notification threshold.
type EventPublisher interface {
	PublishPositionUpdate(ctx context.Context, prev *model.StateRecord, curr model.StateRecord) error
}

// Config tunes the worker pool.
type Config struct {
	Workers        int
	BatchSize      int
	ReserveTimeout time.Duration
	DrainTimeout   time.Duration

	// Event emission thresholds: a position-update event fires when the
	// aircraft moved more than PositionEpsilonDeg, its altitude changed
	// more than AltitudeDeltaM, or MaxEventInterval elapsed since the
	// aircraft's previous event.
	PositionEpsilonDeg float64
	AltitudeDeltaM     float64
	MaxEventInterval   time.Duration
}

var meter = otel.Meter("flyoverhead-worker")

var (
	acceptedCounter, _ = meter.Int64Counter("ingest.records_accepted",
		metric.WithDescription("state records accepted by the conditional upsert"))
	rejectedCounter, _ = meter.Int64Counter("ingest.records_rejected",
		metric.WithDescription("state records rejected by the acceptance rules"))
	droppedCounter, _ = meter.Int64Counter("ingest.records_dropped",
		metric.WithDescription("state records dropped by worker-side validation"))
)

// Ingestor runs the reserve → decide → persist → fan-out loop.
type Ingestor struct {
	q      *queue.Queue
	store  StateStore
	cache  Cache
	pub    EventPublisher
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	lastEvent map[string]time.Time
}

// NewIngestor wires the worker against its collaborators.
func NewIngestor(q *queue.Queue, store StateStore, cache Cache, pub EventPublisher, cfg Config, logger *zap.Logger) *Ingestor {
	return &Ingestor{
		q:         q,
		store:     store,
		cache:     cache,
		pub:       pub,
		cfg:       cfg,
		logger:    logger,
		lastEvent: make(map[string]time.Time),
	}
}

// Run starts the configured number of consumers and blocks until ctx is
// cancelled and all in-flight messages have been handled.
func (w *Ingestor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Workers; i++ {
		g.Go(func() error {
			w.consumeLoop(ctx)
			return nil
		})
	}
	w.logger.Info("ingestion workers started", zap.Int("workers", w.cfg.Workers))
	return g.Wait()
}

func (w *Ingestor) consumeLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		batch := w.reserveBatch(ctx)
		for _, payload := range batch {
			w.processPayload(ctx, payload)
		}
	}
}

// reserveBatch blocks for one message, then opportunistically drains more
// with a short timeout until the batch is full or the queue runs dry.
func (w *Ingestor) reserveBatch(ctx context.Context) [][]byte {
	first, err := w.q.Reserve(ctx, w.cfg.ReserveTimeout)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("reserve failed", zap.Error(err))
		}
		return nil
	}
	if first == nil {
		return nil
	}

	batch := [][]byte{first}
	for len(batch) < w.cfg.BatchSize {
		next, err := w.q.Reserve(ctx, w.cfg.DrainTimeout)
		if err != nil || next == nil {
			break
		}
		batch = append(batch, next)
	}
	return batch
}

// processPayload applies one queue message. Store failures requeue the
// whole message; the upsert is idempotent, so re-applying the already
// written prefix of the batch is harmless.
func (w *Ingestor) processPayload(ctx context.Context, payload []byte) {
	msg, err := ingest.Decode(payload)
	if err != nil {
		// Malformed beyond repair; a retry can't fix it.
		if parkErr := w.q.Park(ctx, payload, "undecodable message"); parkErr != nil {
			w.logger.Error("park failed", zap.Error(parkErr))
		}
		return
	}

	for i := range msg.States {
		rec := msg.States[i]
		rec.DataSource = msg.Source
		rec.SourcePriority = msg.SourcePriority
		rec.IngestionTime = msg.IngestionTime
		rec.FeederID = msg.FeederID

		if err := rec.Validate(); err != nil {
			droppedCounter.Add(ctx, 1,
				metric.WithAttributes(attribute.String("source", msg.Source)))
			w.logger.Debug("dropped invalid record", zap.Error(err))
			continue
		}

		accepted, err := w.store.ConditionalUpsert(ctx, &rec, msg.SkipHistory)
		if err != nil {
			w.retryOrPark(ctx, msg, err)
			return
		}
		if !accepted {
			rejectedCounter.Add(ctx, 1,
				metric.WithAttributes(attribute.String("source", msg.Source)))
			continue
		}

		acceptedCounter.Add(ctx, 1,
			metric.WithAttributes(attribute.String("source", msg.Source)))

		prev, hadPrev := w.cache.Get(rec.Icao24)
		w.cache.Put(rec)

		if w.shouldEmit(&rec, prev, hadPrev) {
			var prevPtr *model.StateRecord
			if hadPrev {
				prevPtr = &prev
			}
			if err := w.pub.PublishPositionUpdate(ctx, prevPtr, rec); err != nil {
				// The state is already durable; a failed fan-out is logged,
				// the next accepted change emits again.
				w.logger.Error("position update publish failed",
					zap.String("icao24", rec.Icao24),
					zap.Error(err),
				)
			}
		}
	}
}

// retryOrPark implements the queue retry policy for a failed persist.
// Schema-class errors can never succeed and go straight to the DLQ.
func (w *Ingestor) retryOrPark(ctx context.Context, msg *ingest.Message, cause error) {
	if isFatalStoreError(cause) {
		w.logger.Error("fatal store error, parking message", zap.Error(cause))
		w.parkMessage(ctx, msg, "fatal store error: "+cause.Error())
		return
	}

	msg.Attempts++
	if msg.Exhausted() {
		w.logger.Error("ingest retries exhausted",
			zap.Int("attempts", msg.Attempts),
			zap.Error(cause),
		)
		w.parkMessage(ctx, msg, "max attempts exceeded: "+cause.Error())
		return
	}

	payload, err := msg.Encode()
	if err != nil {
		w.logger.Error("re-encode for retry failed", zap.Error(err))
		return
	}
	backoff := msg.NextBackoff()
	if err := w.q.Schedule(ctx, payload, time.Now().Add(backoff)); err != nil {
		w.logger.Error("schedule retry failed", zap.Error(err))
		return
	}
	w.logger.Warn("ingest message scheduled for retry",
		zap.Int("attempt", msg.Attempts),
		zap.Duration("backoff", backoff),
		zap.Error(cause),
	)
}

func (w *Ingestor) parkMessage(ctx context.Context, msg *ingest.Message, reason string) {
	payload, err := msg.Encode()
	if err != nil {
		w.logger.Error("encode for park failed", zap.Error(err))
		return
	}
	if err := w.q.Park(ctx, payload, reason); err != nil {
		w.logger.Error("park failed", zap.Error(err))
	}
}

// shouldEmit gates the webhook fan-out on movement or elapsed time so
// subscribers aren't flooded with sub-threshold jitter.
func (w *Ingestor) shouldEmit(rec *model.StateRecord, prev model.StateRecord, hadPrev bool) bool {
	now := time.Now()

	w.mu.Lock()
	last, seen := w.lastEvent[rec.Icao24]
	emit := false
	switch {
	case !hadPrev && !seen:
		emit = true
	case seen && now.Sub(last) >= w.cfg.MaxEventInterval:
		emit = true
	case hadPrev && w.movedBeyondThreshold(rec, &prev):
		emit = true
	}
	if emit {
		w.lastEvent[rec.Icao24] = now
	}
	w.mu.Unlock()
	return emit
}

func (w *Ingestor) movedBeyondThreshold(rec, prev *model.StateRecord) bool {
	if rec.HasPosition() && prev.HasPosition() {
		if abs(*rec.Latitude-*prev.Latitude) > w.cfg.PositionEpsilonDeg ||
			abs(*rec.Longitude-*prev.Longitude) > w.cfg.PositionEpsilonDeg {
			return true
		}
	}
	if rec.BaroAltitude != nil && prev.BaroAltitude != nil {
		if abs(*rec.BaroAltitude-*prev.BaroAltitude) > w.cfg.AltitudeDeltaM {
			return true
		}
	}
	return false
}

// isFatalStoreError matches schema-class SQL states (undefined table,
// column, datatype mismatch) that no retry will cure.
func isFatalStoreError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return len(pgErr.Code) >= 2 && pgErr.Code[:2] == "42"
	}
	return false
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
