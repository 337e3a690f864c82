package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/dhightnm/fly-overhead/internal/ingest"
	"github.com/dhightnm/fly-overhead/internal/model"
	"github.com/dhightnm/fly-overhead/internal/natsclient"
	"github.com/dhightnm/fly-overhead/internal/queue"
)

const pushDurableName = "flyoverhead-push-adapter"

// pushBatch is the JSON body published on positions.* subjects.
type pushBatch struct {
	States []model.StateRecord `json:"states"`
}

// PushAdapter consumes self-published real-time position batches from the
// POSITION_EVENTS JetStream stream and enqueues them at websocket
// priority. It runs only when NATS is configured.
type PushAdapter struct {
	nc     *natsclient.Client
	q      *queue.Queue
	retry  RetryPolicy
	logger *zap.Logger
}

// NewPushAdapter creates the real-time push consumer.
func NewPushAdapter(nc *natsclient.Client, q *queue.Queue, retry RetryPolicy, logger *zap.Logger) *PushAdapter {
	return &PushAdapter{nc: nc, q: q, retry: retry, logger: logger}
}

// Start creates a durable pull subscription and launches the consume loop
// in a background goroutine. It returns immediately.
func (a *PushAdapter) Start(ctx context.Context) error {
	sub, err := a.nc.JS.PullSubscribe(
		natsclient.SubjectPositions,
		pushDurableName,
		nats.BindStream(natsclient.StreamPositions),
	)
	if err != nil {
		return fmt.Errorf("push adapter: PullSubscribe: %w", err)
	}

	a.logger.Info("push adapter started",
		zap.String("stream", natsclient.StreamPositions),
		zap.String("durable", pushDurableName),
	)

	go func() {
		for {
			select {
			case <-ctx.Done():
				a.logger.Info("push adapter stopping")
				return
			default:
				msgs, err := sub.Fetch(10, nats.Context(ctx))
				if err != nil {
					// Timeout on an empty stream is the steady state.
					continue
				}
				for _, msg := range msgs {
					a.processMessage(ctx, msg)
				}
			}
		}
	}()

	return nil
}

// processMessage normalizes one batch and hands it to the ingest queue.
// Malformed batches are terminated; a Redis enqueue failure is NAKed for
// redelivery.
func (a *PushAdapter) processMessage(ctx context.Context, msg *nats.Msg) {
	var batch pushBatch
	if err := json.Unmarshal(msg.Data, &batch); err != nil {
		a.logger.Warn("terminating malformed position batch", zap.Error(err))
		msg.Term()
		return
	}

	states := make([]model.StateRecord, 0, len(batch.States))
	for i := range batch.States {
		rec := batch.States[i]
		rec.Callsign = model.NormalizeCallsign(rec.Callsign)
		if rec.LastContact == 0 {
			rec.LastContact = time.Now().Unix()
		}
		if err := rec.Validate(); err != nil {
			countDropped(ctx, model.SourceWebsocket, "invalid", 1)
			continue
		}
		states = append(states, rec)
	}
	if len(states) == 0 {
		msg.Ack()
		return
	}

	m := ingest.New(model.SourceWebsocket, states, a.retry.MaxAttempts, a.retry.Backoff, a.retry.Jitter)
	payload, err := m.Encode()
	if err != nil {
		a.logger.Warn("terminating unencodable position batch", zap.Error(err))
		msg.Term()
		return
	}
	if err := a.q.Enqueue(ctx, payload); err != nil {
		a.logger.Error("NAK position batch (enqueue failed)", zap.Error(err))
		msg.Nak()
		return
	}

	enqueuedCounter.Add(ctx, int64(len(states)),
		metric.WithAttributes(attribute.String("source", model.SourceWebsocket)))
	msg.Ack()
}
