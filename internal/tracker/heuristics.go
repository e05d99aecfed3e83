package tracker

import (
	"math"
	"time"

	"github.com/skypies/geo"

	"github.com/saviobatista/flight-tracker/internal/types"
)

const (
	metersPerNM = 1852.0

	// Without altitude a fast ground roll and a low pass look alike, so
	// the bar is higher
	airborneSpeedKnots         = 25.0
	airborneSpeedNoAltKnots    = 80.0
	landingInactiveFixes       = 5
	minPhaseFixes              = 2
	climbThresholdFPM          = 98.4
	probableLandingGap         = 30 * time.Minute
	probableLandingMinSpeed    = 25.0
	probableLandingDistanceMax = 0.3
)

// Coalescing rejection reasons
const (
	ReasonCallsignMismatch    = "callsign_mismatch"
	ReasonProbableLanding     = "probable_landing"
	ReasonImplausibleDistance = "implausible_distance"
)

// isAirborne applies the airborne heuristic to one fix. A transponder
// on-ground flag always wins.
func isAirborne(f *types.Fix) bool {
	if f.OnGround != nil {
		return !*f.OnGround
	}
	if f.GroundSpeedKnots == nil {
		return false
	}
	if f.AltitudeFeet != nil {
		return *f.GroundSpeedKnots >= airborneSpeedKnots
	}
	return *f.GroundSpeedKnots >= airborneSpeedNoAltKnots
}

func reportsOnGround(f *types.Fix) bool {
	return f.OnGround != nil && *f.OnGround
}

// Phase classifies the vertical phase of flight from the climb rate of
// one fix. Flights with fewer than minPhaseFixes fixes time out with an
// unknown phase.
func Phase(f *types.Fix) types.FlightPhase {
	if f == nil || f.ClimbFPM == nil {
		return types.PhaseUnknown
	}
	switch v := float64(*f.ClimbFPM); {
	case v > climbThresholdFPM:
		return types.PhaseClimbing
	case v < -climbThresholdFPM:
		return types.PhaseDescending
	default:
		return types.PhaseCruising
	}
}

// distanceMeters is the great-circle distance between two fixes
func distanceMeters(a, b *types.Fix) float64 {
	from := geo.Latlong{Lat: a.Latitude, Long: a.Longitude}
	to := geo.Latlong{Lat: b.Latitude, Long: b.Longitude}
	return from.DistKM(to) * 1000
}

// impliedSpeedKnots is the ground speed needed to cover dist in gap. A
// position change in no time is infinitely fast.
func impliedSpeedKnots(distM float64, gap time.Duration) float64 {
	if gap <= 0 {
		if distM > 0 {
			return math.Inf(1)
		}
		return 0
	}
	return distM / metersPerNM / gap.Hours()
}

// maxSpeedKnots returns the speed envelope of an aircraft class
func (t *Tracker) maxSpeedKnots(f *types.Fix) float64 {
	switch f.AircraftType {
	case "glider", "hang_glider", "paraglider", "balloon":
		return t.cfg.MaxSpeedGliderKnots
	case "jet":
		return t.cfg.MaxSpeedJetKnots
	}
	if f.EmitterCategory != nil {
		switch *f.EmitterCategory {
		case "A3", "A4", "A5", "A6":
			return t.cfg.MaxSpeedJetKnots
		case "B1", "B2", "B4":
			return t.cfg.MaxSpeedGliderKnots
		}
	}
	return t.cfg.MaxSpeedKnots
}

// decision is the outcome of comparing a fix against a timed-out flight
type decision struct {
	reason     string
	distanceM  float64
	speedKnots float64
}

func (d decision) accepted() bool { return d.reason == "" }

// decideCoalesce decides whether fix continues flight, which timed out
// after last. Checks run in a fixed order and the first match is the
// reason.
func (t *Tracker) decideCoalesce(flight *types.Flight, last, fix *types.Fix) decision {
	gap := fix.Timestamp.Sub(last.Timestamp)
	d := decision{distanceM: distanceMeters(last, fix)}
	d.speedKnots = impliedSpeedKnots(d.distanceM, gap)

	if fix.Callsign != nil && flight.Callsign != nil && *fix.Callsign != *flight.Callsign {
		d.reason = ReasonCallsignMismatch
		return d
	}

	// Past the coalesce window the aircraft has long since come down
	timedOutAt := last.Timestamp
	if flight.TimedOutAt != nil {
		timedOutAt = *flight.TimedOutAt
	}
	if fix.Timestamp.Sub(timedOutAt) > t.cfg.CoalesceWindow {
		d.reason = ReasonProbableLanding
		return d
	}

	if !isAirborne(fix) {
		d.reason = ReasonProbableLanding
		return d
	}
	if gap >= probableLandingGap && last.GroundSpeedKnots != nil && *last.GroundSpeedKnots > probableLandingMinSpeed {
		expected := *last.GroundSpeedKnots * gap.Hours() * metersPerNM
		if d.distanceM < probableLandingDistanceMax*expected {
			d.reason = ReasonProbableLanding
			return d
		}
	}

	if d.speedKnots > t.maxSpeedKnots(fix) {
		d.reason = ReasonImplausibleDistance
	}
	return d
}
