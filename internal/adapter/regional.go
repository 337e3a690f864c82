package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dhightnm/fly-overhead/internal/ingest"
	"github.com/dhightnm/fly-overhead/internal/model"
	"github.com/dhightnm/fly-overhead/internal/queue"
)

// Cell is one lat/lon grid cell of the regional coverage area.
type Cell struct {
	Bounds model.Bounds
}

// RegionalConfig describes the commercial vendor and the coverage grid.
type RegionalConfig struct {
	BaseURL       string
	APIKey        string
	CellSizeDeg   float64
	Region        model.Bounds
	PollInterval  time.Duration
	StaleInterval time.Duration
	ReqPerSec     float64
}

// RegionalAdapter polls a commercial per-region states API cell by cell.
// All cell fetches share one token bucket so the vendor's global rate
// limit holds regardless of grid size. Cells that produced no aircraft on
// their last fetch drop to the slower stale interval.
type RegionalAdapter struct {
	cfg     RegionalConfig
	client  *http.Client
	limiter *rate.Limiter
	q       *queue.Queue
	retry   RetryPolicy
	logger  *zap.Logger

	mu       sync.Mutex
	lastSeen map[int]time.Time // cell index → last fetch that produced aircraft
	lastPoll map[int]time.Time
}

// NewRegionalAdapter creates the regional-commercial poller.
func NewRegionalAdapter(cfg RegionalConfig, q *queue.Queue, retry RetryPolicy, logger *zap.Logger) *RegionalAdapter {
	return &RegionalAdapter{
		cfg:      cfg,
		client:   &http.Client{Timeout: 15 * time.Second},
		limiter:  rate.NewLimiter(rate.Limit(cfg.ReqPerSec), 1),
		q:        q,
		retry:    retry,
		logger:   logger,
		lastSeen: make(map[int]time.Time),
		lastPoll: make(map[int]time.Time),
	}
}

// Cells returns the coverage grid, row-major from the region's southwest
// corner.
func (a *RegionalAdapter) Cells() []Cell {
	var cells []Cell
	for lat := a.cfg.Region.LatMin; lat < a.cfg.Region.LatMax; lat += a.cfg.CellSizeDeg {
		for lon := a.cfg.Region.LonMin; lon < a.cfg.Region.LonMax; lon += a.cfg.CellSizeDeg {
			cells = append(cells, Cell{Bounds: model.Bounds{
				LatMin: lat,
				LonMin: lon,
				LatMax: min(lat+a.cfg.CellSizeDeg, a.cfg.Region.LatMax),
				LonMax: min(lon+a.cfg.CellSizeDeg, a.cfg.Region.LonMax),
			}})
		}
	}
	return cells
}

// Run sweeps the grid until ctx is cancelled. Each sweep visits every
// cell that is due under its active/stale interval; the shared limiter
// spaces the requests out.
func (a *RegionalAdapter) Run(ctx context.Context) {
	cells := a.Cells()
	a.logger.Info("regional adapter started",
		zap.Int("cells", len(cells)),
		zap.Float64("req_per_sec", a.cfg.ReqPerSec),
	)

	ticker := time.NewTicker(a.cfg.PollInterval / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("regional adapter stopping")
			return
		case <-ticker.C:
			for i, cell := range cells {
				if !a.due(i) {
					continue
				}
				if err := a.limiter.Wait(ctx); err != nil {
					return // ctx cancelled
				}
				if err := a.pollCell(ctx, i, cell); err != nil {
					a.logger.Warn("regional cell skipped",
						zap.Int("cell", i),
						zap.Error(err),
					)
				}
			}
		}
	}
}

// due applies the active/stale cadence: cells that had aircraft recently
// poll at PollInterval, empty ones at StaleInterval.
func (a *RegionalAdapter) due(cell int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	interval := a.cfg.PollInterval
	seen, everSeen := a.lastSeen[cell]
	if !everSeen || time.Since(seen) > a.cfg.StaleInterval {
		interval = a.cfg.StaleInterval
	}
	// Never-polled cells are always due so the first sweep maps activity.
	last, polled := a.lastPoll[cell]
	return !polled || time.Since(last) >= interval
}

// regionalAircraft is the vendor's wire format. Altitudes arrive in feet
// and vertical rate in ft/min; ground speed is already knots.
type regionalAircraft struct {
	Hex       string   `json:"hex"`
	Flight    string   `json:"flight"`
	Lat       *float64 `json:"lat"`
	Lon       *float64 `json:"lon"`
	AltBaroFt *float64 `json:"alt_baro"`
	AltGeomFt *float64 `json:"alt_geom"`
	GroundKt  *float64 `json:"gs"`
	Track     *float64 `json:"track"`
	BaroRate  *float64 `json:"baro_rate"`
	Squawk    string   `json:"squawk"`
	Category  int      `json:"category"`
	OnGround  bool     `json:"ground"`
	Seen      float64  `json:"seen"`
}

type regionalResponse struct {
	Now      float64            `json:"now"`
	Aircraft []regionalAircraft `json:"ac"`
}

func (a *RegionalAdapter) pollCell(ctx context.Context, idx int, cell Cell) error {
	a.mu.Lock()
	a.lastPoll[idx] = time.Now()
	a.mu.Unlock()

	url := fmt.Sprintf("%s/v2/box?lamin=%.2f&lomin=%.2f&lamax=%.2f&lomax=%.2f",
		a.cfg.BaseURL, cell.Bounds.LatMin, cell.Bounds.LonMin, cell.Bounds.LatMax, cell.Bounds.LonMax)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-Api-Key", a.cfg.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch cell: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("fetch cell: HTTP %d", resp.StatusCode)
	}

	var body regionalResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode cell: %w", err)
	}

	now := int64(body.Now)
	states := make([]model.StateRecord, 0, len(body.Aircraft))
	for _, ac := range body.Aircraft {
		rec, err := normalizeRegional(ac, now)
		if err != nil {
			countDropped(ctx, model.SourceRegional, "invalid", 1)
			continue
		}
		states = append(states, rec)
	}

	if len(states) > 0 {
		a.mu.Lock()
		a.lastSeen[idx] = time.Now()
		a.mu.Unlock()

		msg := ingest.New(model.SourceRegional, states, a.retry.MaxAttempts, a.retry.Backoff, a.retry.Jitter)
		payload, err := msg.Encode()
		if err != nil {
			return err
		}
		if err := a.q.Enqueue(ctx, payload); err != nil {
			return err
		}
		enqueuedCounter.Add(ctx, int64(len(states)),
			metric.WithAttributes(attribute.String("source", model.SourceRegional)))
	}
	return nil
}

// normalizeRegional converts the vendor's feet/ft-min units to the
// canonical metres and m/s. The vendor emits uppercase hex codes.
func normalizeRegional(ac regionalAircraft, now int64) (model.StateRecord, error) {
	rec := model.StateRecord{
		Icao24:      strings.ToLower(strings.TrimSpace(ac.Hex)),
		Callsign:    model.NormalizeCallsign(ac.Flight),
		Latitude:    ac.Lat,
		Longitude:   ac.Lon,
		OnGround:    ac.OnGround,
		Velocity:    ac.GroundKt,
		TrueTrack:   ac.Track,
		Squawk:      ac.Squawk,
		Category:    ac.Category,
		LastContact: now - int64(ac.Seen),
	}
	if ac.AltBaroFt != nil {
		m := model.FeetToMeters(*ac.AltBaroFt)
		rec.BaroAltitude = &m
	}
	if ac.AltGeomFt != nil {
		m := model.FeetToMeters(*ac.AltGeomFt)
		rec.GeoAltitude = &m
	}
	if ac.BaroRate != nil {
		ms := model.FeetToMeters(*ac.BaroRate) / 60.0
		rec.VerticalRate = &ms
	}

	if err := rec.Validate(); err != nil {
		return model.StateRecord{}, err
	}
	return rec, nil
}
