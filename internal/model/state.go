// Package model defines the canonical aircraft state record shared by the
// source adapters, the ingestion worker, the hot cache, and the read API,
// together with the source-priority reconciliation rules that decide which
// of two conflicting reports for the same aircraft wins.
//
// Units are canonical after adapter normalization:
//   - altitudes in metres (sources reporting feet convert with FeetToMeters)
//   - velocity in knots (sources reporting m/s convert with MetersPerSecondToKnots)
//   - vertical_rate in metres per second
package model

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Source tags carried on every normalized record. The tag identifies the
// adapter that produced the observation; the priority rank breaks ties
// between sources that observed the aircraft at the same instant.
const (
	SourceWebsocket = "websocket"
	SourceFeeder    = "feeder"
	SourceRegional  = "regional-commercial"
	SourcePublic    = "global-public"
)

// Priority ranks, lower is better.
const (
	PriorityWebsocket = 5
	PriorityFeeder    = 10
	PriorityRegional  = 20
	PriorityPublic    = 30
)

// PriorityFor returns the canonical priority rank for a source tag.
// Unknown tags rank below every known source.
func PriorityFor(source string) int {
	switch source {
	case SourceWebsocket:
		return PriorityWebsocket
	case SourceFeeder:
		return PriorityFeeder
	case SourceRegional:
		return PriorityRegional
	case SourcePublic:
		return PriorityPublic
	default:
		return 99
	}
}

// Altitude sanity bounds in metres. A report outside this range almost
// always means the source forgot the feet→metres conversion.
const (
	MinAltitudeMeters = -500
	MaxAltitudeMeters = 25000
)

// MaxVelocityKnots rejects velocities that only make sense in m/s² typos
// or unconverted units.
const MaxVelocityKnots = 1200

// ErrInvalidObservation marks observations that fail validation. They are
// dropped with a counter increment and never enqueued.
var ErrInvalidObservation = errors.New("invalid observation")

var icao24Pattern = regexp.MustCompile(`^[0-9a-f]{6}$`)

// StateRecord is one aircraft's most-recently-accepted telemetry. Optional
// numeric fields are pointers so absence survives the JSON round trip.
type StateRecord struct {
	Icao24        string   `json:"icao24"`
	Callsign      string   `json:"callsign,omitempty"`
	OriginCountry string   `json:"origin_country,omitempty"`
	Latitude      *float64 `json:"latitude"`
	Longitude     *float64 `json:"longitude"`
	BaroAltitude  *float64 `json:"baro_altitude"`
	GeoAltitude   *float64 `json:"geo_altitude"`
	OnGround      bool     `json:"on_ground"`
	Velocity      *float64 `json:"velocity"`
	TrueTrack     *float64 `json:"true_track"`
	VerticalRate  *float64 `json:"vertical_rate"`
	Category      int      `json:"category,omitempty"`
	Squawk        string   `json:"squawk,omitempty"`
	Emergency     bool     `json:"emergency,omitempty"`

	// Provenance. LastContact is the source's observation time in
	// seconds-since-epoch; IngestionTime is the wall clock of the worker
	// that accepted the record.
	LastContact    int64     `json:"last_contact"`
	IngestionTime  time.Time `json:"ingestion_timestamp"`
	DataSource     string    `json:"data_source"`
	SourcePriority int       `json:"source_priority"`
	FeederID       string    `json:"feeder_id,omitempty"`
}

// Validate checks the invariants every record must satisfy before it may be
// enqueued: well-formed icao24, in-range coordinates, metre-plausible
// altitudes, and knot-plausible velocity.
func (s *StateRecord) Validate() error {
	if !icao24Pattern.MatchString(s.Icao24) {
		return fmt.Errorf("%w: bad icao24 %q", ErrInvalidObservation, s.Icao24)
	}
	if s.Latitude != nil && (*s.Latitude < -90 || *s.Latitude > 90) {
		return fmt.Errorf("%w: latitude %v out of range", ErrInvalidObservation, *s.Latitude)
	}
	if s.Longitude != nil && (*s.Longitude < -180 || *s.Longitude > 180) {
		return fmt.Errorf("%w: longitude %v out of range", ErrInvalidObservation, *s.Longitude)
	}
	for _, alt := range []*float64{s.BaroAltitude, s.GeoAltitude} {
		if alt != nil && (*alt < MinAltitudeMeters || *alt > MaxAltitudeMeters) {
			return fmt.Errorf("%w: altitude %vm out of range (unconverted feet?)", ErrInvalidObservation, *alt)
		}
	}
	if s.Velocity != nil && (*s.Velocity < 0 || *s.Velocity > MaxVelocityKnots) {
		return fmt.Errorf("%w: velocity %vkt out of range", ErrInvalidObservation, *s.Velocity)
	}
	if s.LastContact <= 0 {
		return fmt.Errorf("%w: missing last_contact", ErrInvalidObservation)
	}
	return nil
}

// HasPosition reports whether the record carries usable coordinates.
func (s *StateRecord) HasPosition() bool {
	return s.Latitude != nil && s.Longitude != nil
}

// NormalizeCallsign strips the trailing whitespace padding that ADS-B
// sources transmit ("DLH9U   " → "DLH9U").
func NormalizeCallsign(cs string) string {
	return strings.TrimRight(cs, " ")
}

// FeetToMeters converts a barometric/geometric altitude reported in feet.
func FeetToMeters(ft float64) float64 { return ft * 0.3048 }

// MetersPerSecondToKnots converts a ground speed reported in m/s.
func MetersPerSecondToKnots(ms float64) float64 { return ms * 1.94384 }

// ShouldAccept applies the reconciliation rules to an incoming record r
// against the stored record s for the same icao24. A nil s means no record
// exists yet. now is the worker's clock, used only for the staleness
// override: once s has gone unseen for longer than staleAfter, any fresher
// observation is taken regardless of source rank, so recovery from a source
// outage is never blocked by a stuck high-priority record.
//
// The same predicate is encoded in SQL by the repository's conditional
// upsert; this Go form serves the hot cache and the read-API merge.
func ShouldAccept(r, s *StateRecord, now time.Time, staleAfter time.Duration) bool {
	if s == nil {
		return true
	}
	if r.LastContact > s.LastContact {
		return true
	}
	storedStale := now.Sub(time.Unix(s.LastContact, 0)) > staleAfter
	if r.LastContact < s.LastContact {
		return storedStale
	}
	// Equal observation times: lower rank wins, then later ingestion. The
	// ingestion tiebreak stops a stale-but-unconverted value ingested
	// earlier from permanently shadowing a corrected one.
	switch {
	case r.SourcePriority < s.SourcePriority:
		return true
	case r.SourcePriority > s.SourcePriority:
		return storedStale
	default:
		return r.IngestionTime.After(s.IngestionTime)
	}
}

// Bounds is a lat/lon box for spatial queries.
type Bounds struct {
	LatMin float64
	LonMin float64
	LatMax float64
	LonMax float64
}

// Validate rejects inverted or out-of-range boxes.
func (b Bounds) Validate() error {
	if b.LatMin < -90 || b.LatMax > 90 || b.LonMin < -180 || b.LonMax > 180 {
		return fmt.Errorf("bounds out of range")
	}
	if b.LatMin > b.LatMax || b.LonMin > b.LonMax {
		return fmt.Errorf("bounds inverted")
	}
	return nil
}

// Contains reports whether the point falls inside the box (inclusive).
func (b Bounds) Contains(lat, lon float64) bool {
	return lat >= b.LatMin && lat <= b.LatMax && lon >= b.LonMin && lon <= b.LonMax
}
