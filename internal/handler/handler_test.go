package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dhightnm/fly-overhead/internal/cache"
	"github.com/dhightnm/fly-overhead/internal/governor"
	"github.com/dhightnm/fly-overhead/internal/ingest"
	"github.com/dhightnm/fly-overhead/internal/model"
	"github.com/dhightnm/fly-overhead/internal/queue"
)

type fakeGovernor struct {
	decision  governor.Decision
	successes int
	failures  int
}

func (f *fakeGovernor) Check(_ context.Context, _ string, _ governor.Limits) (governor.Decision, error) {
	return f.decision, nil
}

func (f *fakeGovernor) RecordSuccess(_ context.Context, _ string) error {
	f.successes++
	return nil
}

func (f *fakeGovernor) RecordFailure(_ context.Context, _ string, _ governor.Limits) (bool, error) {
	f.failures++
	return false, nil
}

func allowAll() *fakeGovernor {
	return &fakeGovernor{decision: governor.Decision{Allowed: true}}
}

func testQueue(t *testing.T, name string) *queue.Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return queue.New(rdb, name, zaptest.NewLogger(t))
}

func feederHarness(t *testing.T, gov Governor) (*FeederHandler, *queue.Queue) {
	t.Helper()
	q := testQueue(t, queue.KeyIngest)
	h := NewFeederHandler(q, gov,
		map[string]string{"tok-nyc-01": "nyc-01", "tok-sfo-02": "sfo-02"},
		governor.Limits{RatePerMinute: 600, BreakerThreshold: 5, BreakerReset: time.Minute},
		RetryPolicy{MaxAttempts: 5, Backoff: time.Second, Jitter: 500 * time.Millisecond},
		zaptest.NewLogger(t),
	)
	return h, q
}

func doFeederRequest(h *FeederHandler, token, body string) *httptest.ResponseRecorder {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/ingest/feeder", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	_ = h.HandleIngest(e.NewContext(req, rec))
	return rec
}

func TestFeederIngest_AcceptsValidBatch(t *testing.T) {
	h, q := feederHarness(t, allowAll())

	body := `{"states":[
		{"icao24":"AB12CD","callsign":"JBU42   ","latitude":40.64,"longitude":-73.78,"baro_altitude":10000},
		{"icao24":"","latitude":40.0,"longitude":-73.0}
	]}`
	rec := doFeederRequest(h, "tok-nyc-01", body)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp ingestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Enqueued)
	assert.Equal(t, 1, resp.Rejected)

	payload, err := q.Reserve(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, payload)
	msg, err := ingest.Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, model.SourceFeeder, msg.Source)
	assert.Equal(t, model.PriorityFeeder, msg.SourcePriority)
	assert.Equal(t, "nyc-01", msg.FeederID)
	require.Len(t, msg.States, 1)
	assert.Equal(t, "ab12cd", msg.States[0].Icao24)
	assert.Equal(t, "JBU42", msg.States[0].Callsign)
	assert.NotZero(t, msg.States[0].LastContact)
}

func TestFeederIngest_RejectsUnknownToken(t *testing.T) {
	h, q := feederHarness(t, allowAll())

	rec := doFeederRequest(h, "tok-unknown", `{"states":[{"icao24":"ab12cd"}]}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	recNoAuth := doFeederRequest(h, "", `{"states":[{"icao24":"ab12cd"}]}`)
	assert.Equal(t, http.StatusUnauthorized, recNoAuth.Code)

	payload, err := q.Reserve(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, payload)
}

func TestFeederIngest_RateLimited(t *testing.T) {
	gov := &fakeGovernor{decision: governor.Decision{
		Allowed: false,
		Reason:  governor.ReasonRateLimited,
		RetryAt: time.Now().Add(10 * time.Second),
	}}
	h, _ := feederHarness(t, gov)

	rec := doFeederRequest(h, "tok-nyc-01", `{"states":[{"icao24":"ab12cd"}]}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestFeederIngest_BreakerOpen(t *testing.T) {
	gov := &fakeGovernor{decision: governor.Decision{
		Allowed: false,
		Reason:  governor.ReasonBreakerOpen,
		RetryAt: time.Now().Add(time.Minute),
	}}
	h, _ := feederHarness(t, gov)

	rec := doFeederRequest(h, "tok-nyc-01", `{"states":[{"icao24":"ab12cd"}]}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestFeederIngest_AllInvalidCountsAsFailure(t *testing.T) {
	gov := allowAll()
	h, _ := feederHarness(t, gov)

	rec := doFeederRequest(h, "tok-nyc-01", `{"states":[{"icao24":"","latitude":999}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 1, gov.failures)
}

// ── Read API ──

type fakeReader struct {
	rows []model.StateRecord
	err  error
	hits int
}

func (f *fakeReader) QueryBounds(_ context.Context, _ model.Bounds, _ time.Duration) ([]model.StateRecord, error) {
	f.hits++
	return f.rows, f.err
}

func cachedRecord(icao string, lat, lon float64, lastContact int64, priority int) model.StateRecord {
	return model.StateRecord{
		Icao24:         icao,
		Latitude:       &lat,
		Longitude:      &lon,
		LastContact:    lastContact,
		SourcePriority: priority,
		IngestionTime:  time.Unix(lastContact, 0),
	}
}

func statesHarness(t *testing.T, c *cache.LiveState, reader StateReader, minResults int) *StatesHandler {
	t.Helper()
	return NewStatesHandler(c, reader, minResults, 15*time.Minute, 10*time.Minute, zaptest.NewLogger(t))
}

func doBoundsRequest(h *StatesHandler, query string) *httptest.ResponseRecorder {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/states/bounds?"+query, nil)
	rec := httptest.NewRecorder()
	_ = h.HandleBounds(e.NewContext(req, rec))
	return rec
}

func TestBounds_RequiresAllParams(t *testing.T) {
	h := statesHarness(t, cache.New(10, time.Hour, time.Hour), &fakeReader{}, 1)

	rec := doBoundsRequest(h, "lamin=40&lamax=41&lomin=-74")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doBoundsRequest(h, "lamin=40&lamax=41&lomin=-74&lomax=abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Inverted box.
	rec = doBoundsRequest(h, "lamin=41&lamax=40&lomin=-74&lomax=-73")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBounds_ServedFromCache(t *testing.T) {
	c := cache.New(10, time.Hour, time.Hour)
	now := time.Now().Unix()
	c.Put(cachedRecord("ab12cd", 40.64, -73.78, now, model.PriorityFeeder))
	c.Put(cachedRecord("ffaa00", 40.70, -73.90, now, model.PriorityFeeder))
	reader := &fakeReader{}
	h := statesHarness(t, c, reader, 1)

	rec := doBoundsRequest(h, "lamin=40&lamax=41&lomin=-74&lomax=-73")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
	assert.Zero(t, reader.hits) // enough cache results, no DB round trip
}

func TestBounds_AcceptsCanonicalParamNames(t *testing.T) {
	c := cache.New(10, time.Hour, time.Hour)
	now := time.Now().Unix()
	c.Put(cachedRecord("ab12cd", 40.64, -73.78, now, model.PriorityFeeder))
	h := statesHarness(t, c, &fakeReader{}, 1)

	rec := doBoundsRequest(h, "lat_min=40&lat_max=41&lon_min=-74&lon_max=-73")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)

	// Missing bounds are reported under the canonical name.
	rec = doBoundsRequest(h, "lat_min=40&lat_max=41&lon_min=-74")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "lon_max is required")
}

func TestBounds_FallsBackToDatabaseWhenCacheThin(t *testing.T) {
	now := time.Now().Unix()
	reader := &fakeReader{rows: []model.StateRecord{
		cachedRecord("ab12cd", 40.64, -73.78, now, model.PriorityFeeder),
		cachedRecord("ffaa00", 40.70, -73.90, now, model.PriorityFeeder),
	}}
	h := statesHarness(t, cache.New(10, time.Hour, time.Hour), reader, 5)

	rec := doBoundsRequest(h, "lamin=40&lamax=41&lomin=-74&lomax=-73")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
	assert.Equal(t, 1, reader.hits)
}

func TestBounds_MergePrefersWinnerPerAircraft(t *testing.T) {
	c := cache.New(10, time.Hour, time.Hour)
	now := time.Now().Unix()
	c.Put(cachedRecord("ab12cd", 40.64, -73.78, now, model.PriorityFeeder))

	// DB row for the same aircraft is newer: it wins the merge.
	newer := cachedRecord("ab12cd", 40.65, -73.80, now+30, model.PriorityPublic)
	reader := &fakeReader{rows: []model.StateRecord{newer}}
	h := statesHarness(t, c, reader, 5)

	rec := doBoundsRequest(h, "lamin=40&lamax=41&lomin=-74&lomax=-73")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, now+30, resp.States[0].LastContact)
	assert.InDelta(t, 40.65, *resp.States[0].Latitude, 0.0001)
}

func TestBounds_DatabaseErrorStillServesCache(t *testing.T) {
	c := cache.New(10, time.Hour, time.Hour)
	now := time.Now().Unix()
	c.Put(cachedRecord("ab12cd", 40.64, -73.78, now, model.PriorityFeeder))
	reader := &fakeReader{err: context.DeadlineExceeded}
	h := statesHarness(t, c, reader, 5)

	rec := doBoundsRequest(h, "lamin=40&lamax=41&lomin=-74&lomax=-73")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
}

func TestBounds_StaleCacheEntriesHidden(t *testing.T) {
	c := cache.New(10, 24*time.Hour, time.Hour) // TTL looser than freshness
	old := time.Now().Add(-time.Hour).Unix()
	c.Put(cachedRecord("ab12cd", 40.64, -73.78, old, model.PriorityFeeder))
	reader := &fakeReader{}
	h := statesHarness(t, c, reader, 0)

	rec := doBoundsRequest(h, "lamin=40&lamax=41&lomin=-74&lomax=-73")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Zero(t, resp.Count)
}

// ── Admin ──

func adminHarness(t *testing.T) (*AdminHandler, *queue.Queue, *queue.Queue) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	ingestQ := queue.New(rdb, queue.KeyIngest, zaptest.NewLogger(t))
	webhookQ := queue.New(rdb, queue.KeyWebhooks, zaptest.NewLogger(t))
	return NewAdminHandler(ingestQ, webhookQ, zaptest.NewLogger(t)), ingestQ, webhookQ
}

func TestAdmin_QueueStats(t *testing.T) {
	h, ingestQ, _ := adminHarness(t)
	require.NoError(t, ingestQ.Enqueue(context.Background(), []byte(`{}`)))

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/admin/queues", nil)
	rec := httptest.NewRecorder()
	require.NoError(t, h.HandleQueueStats(e.NewContext(req, rec)))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]queue.Depth
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(1), resp["ingest"].Ready)
	assert.Equal(t, int64(0), resp["webhooks"].Ready)
}

func TestAdmin_DeadLetters(t *testing.T) {
	h, ingestQ, _ := adminHarness(t)
	require.NoError(t, ingestQ.Park(context.Background(), []byte(`{"bad":true}`), "test parked"))

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/admin/dlq/ingest", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.SetParamNames("queue")
	ctx.SetParamValues("ingest")
	require.NoError(t, h.HandleDeadLetters(ctx))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Count    int                   `json:"count"`
		Messages []queue.ParkedMessage `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "test parked", resp.Messages[0].Reason)
}

func TestAdmin_UnknownQueue(t *testing.T) {
	h, _, _ := adminHarness(t)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/admin/dlq/nope", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.SetParamNames("queue")
	ctx.SetParamValues("nope")
	require.NoError(t, h.HandleDeadLetters(ctx))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
