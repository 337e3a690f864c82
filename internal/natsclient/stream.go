package natsclient

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	// StreamPositions is the durable stream carrying self-published
	// real-time position batches (the priority-5 source).
	StreamPositions = "POSITION_EVENTS"
	// SubjectPositions is the wildcard subject hierarchy for position
	// batches.
	SubjectPositions = "positions.>"
)

// ProvisionStreams idempotently creates the required JetStream streams.
func (c *Client) ProvisionStreams() error {
	_, err := c.JS.StreamInfo(StreamPositions)
	if err == nil {
		c.Log.Info("NATS stream exists", zap.String("stream", StreamPositions))
		return nil
	}

	if err != nats.ErrStreamNotFound {
		return fmt.Errorf("failed to check stream info: %w", err)
	}

	cfg := &nats.StreamConfig{
		Name:      StreamPositions,
		Subjects:  []string{SubjectPositions},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
	}

	_, err = c.JS.AddStream(cfg)
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	c.Log.Info("NATS stream provisioned", zap.String("stream", StreamPositions))
	return nil
}
