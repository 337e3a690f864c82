package model_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhightnm/fly-overhead/internal/model"
)

func f(v float64) *float64 { return &v }

const staleAfter = 10 * time.Minute

func TestShouldAccept_Rules(t *testing.T) {
	// Close enough to every fixture's last_contact that no stored record
	// trips the staleness override; that path has its own test below.
	now := time.Unix(1500, 0)

	tests := []struct {
		name   string
		r      model.StateRecord
		s      *model.StateRecord
		accept bool
	}{
		{
			name:   "no stored record",
			r:      model.StateRecord{LastContact: 1000, SourcePriority: 30},
			s:      nil,
			accept: true,
		},
		{
			name:   "newer observation wins",
			r:      model.StateRecord{LastContact: 1500, SourcePriority: 30},
			s:      &model.StateRecord{LastContact: 1000, SourcePriority: 10},
			accept: true,
		},
		{
			name:   "older observation loses",
			r:      model.StateRecord{LastContact: 1000, SourcePriority: 10},
			s:      &model.StateRecord{LastContact: 1500, SourcePriority: 30},
			accept: false,
		},
		{
			name:   "equal time, feeder beats public source",
			r:      model.StateRecord{LastContact: 1000, SourcePriority: model.PriorityFeeder},
			s:      &model.StateRecord{LastContact: 1000, SourcePriority: model.PriorityPublic},
			accept: true,
		},
		{
			name:   "equal time, public loses to feeder",
			r:      model.StateRecord{LastContact: 1000, SourcePriority: model.PriorityPublic},
			s:      &model.StateRecord{LastContact: 1000, SourcePriority: model.PriorityFeeder},
			accept: false,
		},
		{
			name: "equal time and rank, later ingestion wins",
			r: model.StateRecord{
				LastContact: 1000, SourcePriority: 20,
				IngestionTime: time.Unix(1010, 0),
			},
			s: &model.StateRecord{
				LastContact: 1000, SourcePriority: 20,
				IngestionTime: time.Unix(1005, 0),
			},
			accept: true,
		},
		{
			name: "equal time and rank, earlier ingestion loses",
			r: model.StateRecord{
				LastContact: 1000, SourcePriority: 20,
				IngestionTime: time.Unix(1005, 0),
			},
			s: &model.StateRecord{
				LastContact: 1000, SourcePriority: 20,
				IngestionTime: time.Unix(1010, 0),
			},
			accept: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := model.ShouldAccept(&tc.r, tc.s, now, staleAfter)
			assert.Equal(t, tc.accept, got)
		})
	}
}

func TestShouldAccept_StalenessOverride(t *testing.T) {
	now := time.Now()

	// Stored record last heard 15 minutes ago from a high-priority feeder;
	// a fresher public-source report must not be blocked.
	s := &model.StateRecord{
		LastContact:    now.Add(-15 * time.Minute).Unix(),
		SourcePriority: model.PriorityFeeder,
	}
	r := &model.StateRecord{
		LastContact:    now.Add(-100 * time.Second).Unix(),
		SourcePriority: model.PriorityPublic,
	}
	assert.True(t, model.ShouldAccept(r, s, now, staleAfter))

	// Within the staleness window the normal rules still apply: a report
	// older than the stored one is rejected.
	fresh := &model.StateRecord{
		LastContact:    now.Add(-2 * time.Minute).Unix(),
		SourcePriority: model.PriorityFeeder,
	}
	older := &model.StateRecord{
		LastContact:    now.Add(-5 * time.Minute).Unix(),
		SourcePriority: model.PriorityPublic,
	}
	assert.False(t, model.ShouldAccept(older, fresh, now, staleAfter))

	// At equal observation times a lower-ranked source only wins once the
	// stored record has gone stale.
	tied := now.Add(-15 * time.Minute).Unix()
	staleFeeder := &model.StateRecord{LastContact: tied, SourcePriority: model.PriorityFeeder}
	publicTied := &model.StateRecord{LastContact: tied, SourcePriority: model.PriorityPublic}
	assert.True(t, model.ShouldAccept(publicTied, staleFeeder, now, staleAfter))
}

// Applying two records in either order must converge on the same winner;
// workers give no per-aircraft ordering guarantee.
func TestShouldAccept_Commutative(t *testing.T) {
	now := time.Unix(3000, 0)

	a := model.StateRecord{
		Icao24: "a12b34", LastContact: 2000, SourcePriority: 20,
		IngestionTime: time.Unix(2010, 0), BaroAltitude: f(10000),
	}
	b := model.StateRecord{
		Icao24: "a12b34", LastContact: 2000, SourcePriority: 20,
		IngestionTime: time.Unix(2015, 0), BaroAltitude: f(10200),
	}

	apply := func(first, second model.StateRecord) model.StateRecord {
		final := first
		if model.ShouldAccept(&second, &final, now, staleAfter) {
			final = second
		}
		return final
	}

	abFinal := apply(a, b)
	baFinal := apply(b, a)
	require.Equal(t, abFinal.IngestionTime, baFinal.IngestionTime)
	assert.Equal(t, *abFinal.BaroAltitude, *baFinal.BaroAltitude)
	assert.Equal(t, float64(10200), *abFinal.BaroAltitude)
}

// Re-delivering the same message is a no-op: a record never beats itself.
func TestShouldAccept_Idempotent(t *testing.T) {
	now := time.Unix(3000, 0)
	r := model.StateRecord{
		LastContact: 2000, SourcePriority: 20, IngestionTime: time.Unix(2010, 0),
	}
	assert.False(t, model.ShouldAccept(&r, &r, now, staleAfter))
}

func TestValidate(t *testing.T) {
	valid := model.StateRecord{
		Icao24: "a12b34", Latitude: f(51.47), Longitude: f(-0.45),
		BaroAltitude: f(10200), Velocity: f(420), LastContact: 1000,
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*model.StateRecord)
	}{
		{"uppercase icao24", func(s *model.StateRecord) { s.Icao24 = "A12B34" }},
		{"short icao24", func(s *model.StateRecord) { s.Icao24 = "a12" }},
		{"latitude out of range", func(s *model.StateRecord) { s.Latitude = f(91) }},
		{"longitude out of range", func(s *model.StateRecord) { s.Longitude = f(-181) }},
		{"altitude looks like feet", func(s *model.StateRecord) { s.BaroAltitude = f(33000) }},
		{"altitude below floor", func(s *model.StateRecord) { s.GeoAltitude = f(-600) }},
		{"velocity out of range", func(s *model.StateRecord) { s.Velocity = f(1500) }},
		{"missing last_contact", func(s *model.StateRecord) { s.LastContact = 0 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := valid
			tc.mutate(&rec)
			err := rec.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, model.ErrInvalidObservation)
		})
	}
}

func TestUnitConversions(t *testing.T) {
	assert.InDelta(t, 10058.4, model.FeetToMeters(33000), 0.01)
	assert.InDelta(t, 485.96, model.MetersPerSecondToKnots(250), 0.01)
	assert.Equal(t, "DLH9U", model.NormalizeCallsign("DLH9U   "))
	assert.Equal(t, "KLM18X", model.NormalizeCallsign("KLM18X"))
}

func TestBounds(t *testing.T) {
	b := model.Bounds{LatMin: 50, LonMin: -1, LatMax: 52, LonMax: 1}
	require.NoError(t, b.Validate())
	assert.True(t, b.Contains(51.47, -0.45))
	assert.False(t, b.Contains(49.9, 0))

	assert.Error(t, model.Bounds{LatMin: 52, LatMax: 50}.Validate())
	assert.Error(t, model.Bounds{LatMin: -91, LatMax: 0}.Validate())
}
