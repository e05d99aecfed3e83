package beast

import (
	"sync"
	"time"
)

// Record is a complete airborne report assembled from several Mode-S
// messages. One is produced for every decoded position.
type Record struct {
	ICAO       uint32
	Timestamp  time.Time
	Latitude   float64
	Longitude  float64
	Signal     byte
	Raw        string
	Callsign   *string
	Squawk     *string
	Category   *string
	OnGround   *bool
	Altitude   *int
	Speed      *float64
	Track      *float64
	ClimbRate  *int
	FramesUsed int
}

// sender is the cached state of one transponder
type sender struct {
	lastSeen time.Time

	callsign  *string
	squawk    *string
	category  *string
	onGround  *bool
	altitude  *int
	speed     *float64
	track     *float64
	climbRate *int

	even, odd *CPRFrame
}

// Accumulator merges partial Mode-S messages per aircraft. Senders that
// stay quiet for MaxQuietTime are forgotten.
type Accumulator struct {
	MaxQuietTime time.Duration

	senders    map[uint32]*sender
	lastAgeOut time.Time
	mu         sync.Mutex
}

// NewAccumulator creates an empty accumulator
func NewAccumulator() *Accumulator {
	return &Accumulator{
		MaxQuietTime: 6 * time.Minute,
		senders:      make(map[uint32]*sender),
	}
}

// Len returns the number of tracked transponders
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.senders)
}

// Add merges m into the sender's state. It returns a Record when m
// completes a position.
func (a *Accumulator) Add(m *Message, at time.Time) *Record {
	a.mu.Lock()
	defer a.mu.Unlock()

	if at.Sub(a.lastAgeOut) > time.Minute {
		a.ageOut(at)
	}

	s, ok := a.senders[m.ICAO]
	if !ok {
		if m.DF != DFExtendedSquit && m.DF != DFNonTransponder && m.DF != DFAllCall {
			// Address/parity replies are only trusted for aircraft we
			// already heard squitter
			return nil
		}
		s = &sender{}
		a.senders[m.ICAO] = s
	}
	s.lastSeen = at

	if m.Callsign != nil {
		s.callsign = m.Callsign
	}
	if m.Squawk != nil {
		s.squawk = m.Squawk
	}
	if m.Category != nil {
		s.category = m.Category
	}
	if m.OnGround != nil {
		s.onGround = m.OnGround
	}
	if m.AltitudeFeet != nil {
		s.altitude = m.AltitudeFeet
	}
	if m.GroundSpeed != nil {
		s.speed = m.GroundSpeed
		s.track = m.Track
	}
	if m.VerticalRateFPM != nil {
		s.climbRate = m.VerticalRateFPM
	}

	if m.CPR == nil {
		return nil
	}
	if m.CPR.Odd {
		s.odd = m.CPR
	} else {
		s.even = m.CPR
	}
	if s.even == nil || s.odd == nil {
		return nil
	}

	pos, err := DecodeGlobal(*s.even, *s.odd)
	if err != nil {
		if err == ErrCPRStale {
			// Keep only the frame we just got
			if m.CPR.Odd {
				s.even = nil
			} else {
				s.odd = nil
			}
		}
		return nil
	}

	return &Record{
		ICAO:       m.ICAO,
		Timestamp:  at,
		Latitude:   pos.Latitude,
		Longitude:  pos.Longitude,
		Signal:     m.Signal,
		Raw:        m.Raw,
		Callsign:   s.callsign,
		Squawk:     s.squawk,
		Category:   s.category,
		OnGround:   s.onGround,
		Altitude:   s.altitude,
		Speed:      s.speed,
		Track:      s.track,
		ClimbRate:  s.climbRate,
		FramesUsed: 2,
	}
}

func (a *Accumulator) ageOut(now time.Time) {
	for icao, s := range a.senders {
		if now.Sub(s.lastSeen) > a.MaxQuietTime {
			delete(a.senders, icao)
		}
	}
	a.lastAgeOut = now
}
