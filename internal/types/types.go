package types

import (
	"time"

	"github.com/google/uuid"
)

// Protocol identifies the wire format a fix was decoded from
type Protocol string

const (
	ProtocolAPRS Protocol = "aprs"
	ProtocolADSB Protocol = "adsb"
)

// AddressType tells how a device address was assigned
type AddressType string

const (
	AddressUnknown AddressType = "unknown"
	AddressICAO    AddressType = "icao"
	AddressFlarm   AddressType = "flarm"
	AddressOGN     AddressType = "ogn"
)

// AddressTypeFromOGN maps the two address-type bits of an OGN id field
func AddressTypeFromOGN(bits int) AddressType {
	switch bits & 0x03 {
	case 1:
		return AddressICAO
	case 2:
		return AddressFlarm
	case 3:
		return AddressOGN
	default:
		return AddressUnknown
	}
}

// Fix is one normalized position report of one aircraft.
// All fields except FlightID are fixed once the normalizer returns it.
type Fix struct {
	ID          uuid.UUID `json:"id"`
	Protocol    Protocol  `json:"protocol"`
	Source      string    `json:"source"`
	Destination string    `json:"destination,omitempty"`
	Via         []string  `json:"via,omitempty"`
	RawPacket   string    `json:"raw_packet"`
	Receiver    string    `json:"receiver,omitempty"`

	Timestamp  time.Time `json:"timestamp"`
	ReceivedAt time.Time `json:"received_at"`

	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	AltitudeFeet *int    `json:"altitude_feet,omitempty"`

	Address         uint32      `json:"address"`
	AddressType     AddressType `json:"address_type"`
	AircraftType    string      `json:"aircraft_type,omitempty"`
	EmitterCategory *string     `json:"emitter_category,omitempty"`
	Registration    *string     `json:"registration,omitempty"`
	Model           *string     `json:"model,omitempty"`
	Callsign        *string     `json:"callsign,omitempty"`
	Squawk          *string     `json:"squawk,omitempty"`

	GroundSpeedKnots *float64 `json:"ground_speed_knots,omitempty"`
	TrackDegrees     *float64 `json:"track_degrees,omitempty"`
	ClimbFPM         *int     `json:"climb_fpm,omitempty"`
	TurnRateROT      *float64 `json:"turn_rate_rot,omitempty"`
	OnGround         *bool    `json:"on_ground,omitempty"`

	SNRdB              *float64 `json:"snr_db,omitempty"`
	BitErrorsCorrected *int     `json:"bit_errors_corrected,omitempty"`
	FreqOffsetKHz      *float64 `json:"freq_offset_khz,omitempty"`

	AircraftID uuid.UUID  `json:"aircraft_id"`
	FlightID   *uuid.UUID `json:"flight_id,omitempty"`
}

// AddressHex renders the 24-bit address the way receivers print it
func (f *Fix) AddressHex() string {
	return FormatAddress(f.Address)
}

// FormatAddress renders a 24-bit device address as six upper-case hex digits
func FormatAddress(addr uint32) string {
	const digits = "0123456789ABCDEF"
	var b [6]byte
	for i := 5; i >= 0; i-- {
		b[i] = digits[addr&0x0F]
		addr >>= 4
	}
	return string(b[:])
}

// FlightPhase is the vertical phase of flight derived from climb rate
type FlightPhase string

const (
	PhaseUnknown    FlightPhase = "unknown"
	PhaseClimbing   FlightPhase = "climbing"
	PhaseCruising   FlightPhase = "cruising"
	PhaseDescending FlightPhase = "descending"
)

// Flight is one continuous period of flight of one aircraft
type Flight struct {
	ID         uuid.UUID `json:"id"`
	AircraftID uuid.UUID `json:"aircraft_id"`

	// TakeoffTime is nil when the aircraft was first observed already airborne
	TakeoffTime *time.Time `json:"takeoff_time,omitempty"`
	LandingTime *time.Time `json:"landing_time,omitempty"`
	TimedOutAt  *time.Time `json:"timed_out_at,omitempty"`

	DepartureAirport    *string    `json:"departure_airport,omitempty"`
	ArrivalAirport      *string    `json:"arrival_airport,omitempty"`
	TowAircraftID       *uuid.UUID `json:"tow_aircraft_id,omitempty"`
	TowReleaseHeightMSL *int       `json:"tow_release_height_msl,omitempty"`

	Callsign              *string     `json:"callsign,omitempty"`
	LastFixAt             time.Time   `json:"last_fix_at"`
	DistanceMeters        float64     `json:"distance_meters"`
	FirstObservedAirborne bool        `json:"first_observed_airborne"`
	TimeoutPhase          FlightPhase `json:"timeout_phase,omitempty"`
	// TimeoutResolved marks a timed-out flight that can no longer be resumed
	TimeoutResolved bool `json:"timeout_resolved"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsOpen reports whether the flight is neither landed nor permanently timed out
func (f *Flight) IsOpen() bool {
	return f.LandingTime == nil && !f.TimeoutResolved
}

// Aircraft is the identity record a fix is attributed to
type Aircraft struct {
	ID           uuid.UUID   `json:"id"`
	Address      uint32      `json:"address"`
	AddressType  AddressType `json:"address_type"`
	Registration *string     `json:"registration,omitempty"`
	Model        *string     `json:"model,omitempty"`
	AircraftType string      `json:"aircraft_type,omitempty"`
	// Identified is false for placeholders created for unseen addresses
	Identified bool      `json:"identified"`
	CreatedAt  time.Time `json:"created_at"`
}

// Receiver is a ground station feeding the APRS network
type Receiver struct {
	Callsign       string     `json:"callsign"`
	Latitude       *float64   `json:"latitude,omitempty"`
	Longitude      *float64   `json:"longitude,omitempty"`
	AltitudeFeet   *int       `json:"altitude_feet,omitempty"`
	LastPositionAt *time.Time `json:"last_position_at,omitempty"`
	LastStatus     *string    `json:"last_status,omitempty"`
	LastStatusAt   *time.Time `json:"last_status_at,omitempty"`
}
