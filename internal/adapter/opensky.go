// Package adapter contains the source adapters that feed the ingest
// queue: the global-public poller (OpenSky-style worldwide states
// endpoint), the regional-commercial grid poller, and the NATS push
// consumer for self-published real-time positions. The feeder HTTP
// endpoint lives in internal/handler; it shares the same normalization
// and enqueue path.
//
// Adapters normalize at the boundary: altitudes to metres, velocity to
// knots, callsigns right-trimmed. Invalid observations are dropped with a
// counter increment and never stop the batch.
package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/dhightnm/fly-overhead/internal/ingest"
	"github.com/dhightnm/fly-overhead/internal/model"
	"github.com/dhightnm/fly-overhead/internal/queue"
)

// RetryPolicy is the per-source queue retry policy stamped onto every
// message an adapter enqueues.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	Jitter      time.Duration
}

var meter = otel.Meter("flyoverhead-adapters")

// droppedCounter counts observations discarded at normalization, tagged
// with the source and a reason.
var droppedCounter, _ = meter.Int64Counter("ingest.observations_dropped",
	metric.WithDescription("observations dropped during source normalization"))

// enqueuedCounter counts observations accepted for enqueue per source.
var enqueuedCounter, _ = meter.Int64Counter("ingest.observations_enqueued",
	metric.WithDescription("normalized observations enqueued for ingestion"))

func countDropped(ctx context.Context, source, reason string, n int64) {
	droppedCounter.Add(ctx, n,
		metric.WithAttributes(
			attribute.String("source", source),
			attribute.String("reason", reason),
		))
}

// PublicAdapter polls a worldwide states endpoint on a fixed interval. On
// any fetch error it skips the cycle; the upstream credit budget makes
// in-cycle retries counterproductive.
type PublicAdapter struct {
	baseURL  string
	username string
	password string
	interval time.Duration
	client   *http.Client
	q        *queue.Queue
	retry    RetryPolicy
	logger   *zap.Logger
}

// NewPublicAdapter creates the global-public poller.
func NewPublicAdapter(baseURL, username, password string, interval time.Duration, q *queue.Queue, retry RetryPolicy, logger *zap.Logger) *PublicAdapter {
	return &PublicAdapter{
		baseURL:  baseURL,
		username: username,
		password: password,
		interval: interval,
		client:   &http.Client{Timeout: 30 * time.Second},
		q:        q,
		retry:    retry,
		logger:   logger,
	}
}

// Run polls until ctx is cancelled. The first fetch happens one interval
// after start so a crash-looping process doesn't burn API credits.
func (a *PublicAdapter) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.logger.Info("global-public adapter started",
		zap.Duration("interval", a.interval),
		zap.String("base_url", a.baseURL),
	)

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("global-public adapter stopping")
			return
		case <-ticker.C:
			if err := a.poll(ctx); err != nil {
				// Transient source error: skip the cycle, the next tick
				// re-fetches the full picture anyway.
				a.logger.Warn("public poll cycle skipped", zap.Error(err))
			}
		}
	}
}

// openSkyResponse is the wire shape of GET /states/all: a timestamp and an
// array of 17-element state vectors.
type openSkyResponse struct {
	Time   int64   `json:"time"`
	States [][]any `json:"states"`
}

func (a *PublicAdapter) poll(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/states/all", nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if a.username != "" {
		req.SetBasicAuth(a.username, a.password)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch states: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("fetch states: HTTP %d", resp.StatusCode)
	}

	var body openSkyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode states: %w", err)
	}

	states := make([]model.StateRecord, 0, len(body.States))
	for _, raw := range body.States {
		rec, err := normalizeOpenSkyVector(raw, body.Time)
		if err != nil {
			countDropped(ctx, model.SourcePublic, "invalid", 1)
			continue
		}
		states = append(states, rec)
	}
	if len(states) == 0 {
		return nil
	}

	msg := ingest.New(model.SourcePublic, states, a.retry.MaxAttempts, a.retry.Backoff, a.retry.Jitter)
	payload, err := msg.Encode()
	if err != nil {
		return err
	}
	if err := a.q.Enqueue(ctx, payload); err != nil {
		return err
	}

	enqueuedCounter.Add(ctx, int64(len(states)),
		metric.WithAttributes(attribute.String("source", model.SourcePublic)))
	a.logger.Info("public states enqueued",
		zap.Int("count", len(states)),
		zap.Int("dropped", len(body.States)-len(states)),
	)
	return nil
}

// normalizeOpenSkyVector maps one 17-element state vector to the canonical
// record. OpenSky reports altitudes in metres and velocity in m/s; only
// the velocity needs converting.
//
// Vector layout: 0 icao24, 1 callsign, 2 origin_country, 3 time_position,
// 4 last_contact, 5 longitude, 6 latitude, 7 baro_altitude, 8 on_ground,
// 9 velocity, 10 true_track, 11 vertical_rate, 12 sensors,
// 13 geo_altitude, 14 squawk, 15 spi, 16 position_source.
func normalizeOpenSkyVector(raw []any, fallbackTime int64) (model.StateRecord, error) {
	if len(raw) < 14 {
		return model.StateRecord{}, fmt.Errorf("%w: state vector has %d elements", model.ErrInvalidObservation, len(raw))
	}

	rec := model.StateRecord{
		Icao24:        asString(raw[0]),
		Callsign:      model.NormalizeCallsign(asString(raw[1])),
		OriginCountry: asString(raw[2]),
		Longitude:     asFloat(raw[5]),
		Latitude:      asFloat(raw[6]),
		BaroAltitude:  asFloat(raw[7]),
		OnGround:      asBool(raw[8]),
		TrueTrack:     asFloat(raw[10]),
		VerticalRate:  asFloat(raw[11]),
		GeoAltitude:   asFloat(raw[13]),
	}
	if v := asFloat(raw[9]); v != nil {
		kt := model.MetersPerSecondToKnots(*v)
		rec.Velocity = &kt
	}
	if lc := asFloat(raw[4]); lc != nil {
		rec.LastContact = int64(*lc)
	} else {
		rec.LastContact = fallbackTime
	}
	if len(raw) > 14 {
		rec.Squawk = asString(raw[14])
	}

	if err := rec.Validate(); err != nil {
		return model.StateRecord{}, err
	}
	return rec, nil
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asFloat(v any) *float64 {
	f, ok := v.(float64)
	if !ok {
		return nil
	}
	return &f
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}
