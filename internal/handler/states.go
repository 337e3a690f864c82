package handler

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/dhightnm/fly-overhead/internal/cache"
	"github.com/dhightnm/fly-overhead/internal/model"
)

// StateReader is the database fallback behind the hot cache.
type StateReader interface {
	QueryBounds(ctx context.Context, b model.Bounds, freshness time.Duration) ([]model.StateRecord, error)
}

// StatesHandler serves the bounding-box read API. Queries are answered
// from the hot cache; when the cache yields too few aircraft for the box
// (cold start, sparse region) the database backfills and the two result
// sets are merged per aircraft under the same rules the writers use.
type StatesHandler struct {
	cache      *cache.LiveState
	reader     StateReader
	minResults int
	freshness  time.Duration
	staleAfter time.Duration
	logger     *zap.Logger
}

// NewStatesHandler creates the read-API handler.
func NewStatesHandler(c *cache.LiveState, reader StateReader, minResults int, freshness, staleAfter time.Duration, logger *zap.Logger) *StatesHandler {
	return &StatesHandler{
		cache:      c,
		reader:     reader,
		minResults: minResults,
		freshness:  freshness,
		staleAfter: staleAfter,
		logger:     logger,
	}
}

// Register binds the read routes to the Echo instance.
func (h *StatesHandler) Register(e *echo.Echo) {
	e.GET("/states/bounds", h.HandleBounds)
}

type statesResponse struct {
	Time   int64               `json:"time"`
	Count  int                 `json:"count"`
	States []model.StateRecord `json:"states"`
}

// HandleBounds returns the current aircraft inside a lat/lon box.
// Bounds arrive as lat_min/lon_min/lat_max/lon_max; the OpenSky-style
// lamin/lomin/lamax/lomax spellings are accepted as aliases.
func (h *StatesHandler) HandleBounds(c echo.Context) error {
	b, err := parseBounds(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	now := time.Now()
	results := h.fresh(h.cache.InBounds(b), now)

	if len(results) < h.minResults {
		fromDB, err := h.reader.QueryBounds(c.Request().Context(), b, h.freshness)
		if err != nil {
			// The cache answer is still valid, just possibly thin.
			h.logger.Error("bounds fallback query failed", zap.Error(err))
		} else {
			results = h.merge(results, fromDB, now)
		}
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Icao24 < results[j].Icao24
	})
	return c.JSON(http.StatusOK, statesResponse{
		Time:   now.Unix(),
		Count:  len(results),
		States: results,
	})
}

// fresh drops records older than the visibility window. The cache TTL is
// looser than the freshness the read API promises.
func (h *StatesHandler) fresh(recs []model.StateRecord, now time.Time) []model.StateRecord {
	cutoff := now.Add(-h.freshness).Unix()
	out := recs[:0]
	for _, rec := range recs {
		if rec.LastContact >= cutoff {
			out = append(out, rec)
		}
	}
	return out
}

// merge folds the database rows into the cache results, keeping the
// winner per aircraft under the same acceptance rules the ingestion
// worker applies. A database row can be ahead of the cache after a
// restart; the cache can be ahead between upsert and read.
func (h *StatesHandler) merge(cached, fromDB []model.StateRecord, now time.Time) []model.StateRecord {
	byIcao := make(map[string]model.StateRecord, len(cached)+len(fromDB))
	for _, rec := range cached {
		byIcao[rec.Icao24] = rec
	}
	for _, rec := range fromDB {
		current, ok := byIcao[rec.Icao24]
		if !ok || model.ShouldAccept(&rec, &current, now, h.staleAfter) {
			byIcao[rec.Icao24] = rec
		}
	}

	out := make([]model.StateRecord, 0, len(byIcao))
	for _, rec := range byIcao {
		out = append(out, rec)
	}
	return out
}

func parseBounds(c echo.Context) (model.Bounds, error) {
	var b model.Bounds
	var err error
	if b.LatMin, err = queryFloat(c, "lat_min", "lamin"); err != nil {
		return b, err
	}
	if b.LatMax, err = queryFloat(c, "lat_max", "lamax"); err != nil {
		return b, err
	}
	if b.LonMin, err = queryFloat(c, "lon_min", "lomin"); err != nil {
		return b, err
	}
	if b.LonMax, err = queryFloat(c, "lon_max", "lomax"); err != nil {
		return b, err
	}
	if err := b.Validate(); err != nil {
		return b, err
	}
	return b, nil
}

// queryFloat reads the first non-empty parameter among names; errors are
// reported against the canonical (first) name.
func queryFloat(c echo.Context, names ...string) (float64, error) {
	for _, name := range names {
		raw := c.QueryParam(name)
		if raw == "" {
			continue
		}
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be a number", name)
		}
		return f, nil
	}
	return 0, fmt.Errorf("%s is required", names[0])
}
