package tracker

import (
	"time"

	"github.com/google/uuid"

	"github.com/saviobatista/flight-tracker/internal/stats"
	"github.com/saviobatista/flight-tracker/internal/types"
)

const recentFixes = 64

// aircraftState is everything the tracker remembers about one aircraft.
// It is owned by exactly one shard.
type aircraftState struct {
	aircraftID uuid.UUID

	// flight is the open flight, Airborne when TimedOutAt is nil and
	// TimedOut otherwise. nil means NoActiveFlight.
	flight      *types.Flight
	flightFixes int
	firstFixAt  time.Time
	lastFix     *types.Fix

	// groundSeen is set once the aircraft was seen on the ground since
	// its last flight, which makes the next takeoff time known
	groundSeen bool
	inactive   int

	recent    [recentFixes]uuid.UUID
	recentPos int
}

func (s *aircraftState) airborne() bool {
	return s.flight != nil && s.flight.TimedOutAt == nil
}

func (s *aircraftState) timedOut() bool {
	return s.flight != nil && s.flight.TimedOutAt != nil
}

func (s *aircraftState) seen(id uuid.UUID) bool {
	for _, r := range s.recent {
		if r == id {
			return true
		}
	}
	return false
}

func (s *aircraftState) remember(id uuid.UUID) {
	s.recent[s.recentPos] = id
	s.recentPos = (s.recentPos + 1) % recentFixes
}

// clone copies the state deeply enough that mutating the flight of the
// copy leaves the original untouched
func (s *aircraftState) clone() aircraftState {
	c := *s
	if s.flight != nil {
		f := *s.flight
		c.flight = &f
	}
	return c
}

// change collects the writes and metrics of one transition so that they
// are applied only after persistence succeeds
type change struct {
	created []*types.Flight
	updated []*types.Flight
	closed  bool
	metrics []func(s *stats.Stats)

	// flightID is the flight the fix belongs to
	flightID *uuid.UUID
}

func (c *change) create(f *types.Flight) {
	c.created = append(c.created, f)
}

func (c *change) update(f *types.Flight) {
	for _, existing := range c.created {
		if existing == f {
			return
		}
	}
	for _, existing := range c.updated {
		if existing == f {
			return
		}
	}
	c.updated = append(c.updated, f)
}

func (c *change) record(m func(s *stats.Stats)) {
	c.metrics = append(c.metrics, m)
}

// openFlight starts a new flight at fix. The takeoff time is only known
// when the aircraft was seen on the ground before.
func (t *Tracker) openFlight(st *aircraftState, fix *types.Fix, c *change) {
	now := t.now().UTC()
	ts := fix.Timestamp
	flight := &types.Flight{
		ID:                    uuid.NewSHA1(fix.ID, []byte("flight")),
		AircraftID:            st.aircraftID,
		Callsign:              fix.Callsign,
		LastFixAt:             fix.Timestamp,
		FirstObservedAirborne: !st.groundSeen,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	kind := stats.CreatedAirborne
	if st.groundSeen {
		flight.TakeoffTime = &ts
		kind = stats.CreatedTakeoff
	}

	st.flight = flight
	st.flightFixes = 1
	st.firstFixAt = fix.Timestamp
	c.flightID = &flight.ID
	st.groundSeen = false
	st.inactive = 0
	c.create(flight)
	c.record(func(s *stats.Stats) { s.IncrementFlightsCreated(kind) })
}

// land closes the airborne flight at the time of fix
func (t *Tracker) land(st *aircraftState, fix *types.Fix, c *change) {
	ts := fix.Timestamp
	st.flight.LandingTime = &ts
	st.flight.LastFixAt = fix.Timestamp
	c.update(st.flight)
	c.record(func(s *stats.Stats) { s.IncrementFlightsLanded() })

	st.flight = nil
	st.groundSeen = !isAirborne(fix)
	st.inactive = 0
	c.closed = true
}

// timeOut marks the airborne flight timed out at its last fix
func (t *Tracker) timeOut(st *aircraftState, c *change) {
	at := st.flight.LastFixAt
	if st.lastFix != nil {
		at = st.lastFix.Timestamp
	}
	st.flight.TimedOutAt = &at
	st.flight.TimeoutPhase = types.PhaseUnknown
	if st.flightFixes >= minPhaseFixes {
		st.flight.TimeoutPhase = Phase(st.lastFix)
	}
	st.inactive = 0
	c.update(st.flight)
	c.record(func(s *stats.Stats) { s.IncrementFlightsTimedOut() })
}

// resolve permanently closes a timed-out flight. timed_out_at stays set
// and no landing is recorded.
func (t *Tracker) resolve(st *aircraftState, c *change) {
	st.flight.TimeoutResolved = true
	c.update(st.flight)
	st.flight = nil
	c.closed = true
}

// extend applies a fix to the airborne flight
func (t *Tracker) extend(st *aircraftState, fix *types.Fix, c *change) {
	flight := st.flight
	airborne := isAirborne(fix)
	c.flightID = &flight.ID

	if fix.Callsign != nil && flight.Callsign != nil && *fix.Callsign != *flight.Callsign {
		t.land(st, fix, c)
		if airborne {
			// The new flight was already airborne when the callsign changed
			t.openFlight(st, fix, c)
		}
		return
	}
	if flight.Callsign == nil && fix.Callsign != nil {
		flight.Callsign = fix.Callsign
	}

	if st.lastFix != nil {
		flight.DistanceMeters += distanceMeters(st.lastFix, fix)
	}
	st.flightFixes++
	flight.LastFixAt = fix.Timestamp
	c.update(flight)

	switch {
	case reportsOnGround(fix):
		t.land(st, fix, c)
	case !airborne:
		st.inactive++
		if st.inactive >= landingInactiveFixes {
			t.land(st, fix, c)
		}
	default:
		st.inactive = 0
	}
}

// coalesce decides whether fix resumes the timed-out flight
func (t *Tracker) coalesce(st *aircraftState, fix *types.Fix, c *change) {
	flight := st.flight
	d := t.decideCoalesce(flight, st.lastFix, fix)
	if !d.accepted() {
		reason := d.reason
		c.record(func(s *stats.Stats) { s.IncrementCoalesceRejected(reason) })
		t.resolve(st, c)
		t.startOrGround(st, fix, c)
		return
	}

	c.record(func(s *stats.Stats) { s.RecordCoalesceResumed(d.distanceM, d.speedKnots) })
	flight.TimedOutAt = nil
	flight.TimeoutPhase = ""
	t.extend(st, fix, c)
}

// startOrGround handles a fix for an aircraft without an open flight
func (t *Tracker) startOrGround(st *aircraftState, fix *types.Fix, c *change) {
	if isAirborne(fix) {
		t.openFlight(st, fix, c)
		return
	}
	st.groundSeen = true
}

// apply runs the state machine for one in-order fix
func (t *Tracker) apply(st *aircraftState, fix *types.Fix, c *change) {
	switch {
	case st.timedOut():
		if st.lastFix == nil {
			t.resolve(st, c)
			t.startOrGround(st, fix, c)
			break
		}
		t.coalesce(st, fix, c)
	case st.airborne():
		if st.lastFix != nil && fix.Timestamp.Sub(st.lastFix.Timestamp) >= t.cfg.ReceptionGapTimeout {
			t.timeOut(st, c)
			t.coalesce(st, fix, c)
			break
		}
		t.extend(st, fix, c)
	default:
		t.startOrGround(st, fix, c)
	}
}
