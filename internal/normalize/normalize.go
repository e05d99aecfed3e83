// Package normalize turns decoded Beast records and APRS packets into
// protocol-independent fixes attributed to an aircraft.
package normalize

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/saviobatista/flight-tracker/internal/aprs"
	"github.com/saviobatista/flight-tracker/internal/beast"
	"github.com/saviobatista/flight-tracker/internal/stats"
	"github.com/saviobatista/flight-tracker/internal/types"
)

var (
	ErrUnsupported     = errors.New("record does not describe an aircraft position")
	ErrNoAddress       = errors.New("no device address")
	ErrInvalidPosition = errors.New("position out of range")
)

// Record is exactly one of a Beast record or an APRS packet
type Record struct {
	Beast *beast.Record
	APRS  *aprs.Packet

	// Receiver names the Beast source the record came from
	Receiver   string
	ReceivedAt time.Time
}

// Protocol returns the wire protocol of the record
func (r Record) Protocol() types.Protocol {
	if r.Beast != nil {
		return types.ProtocolADSB
	}
	return types.ProtocolAPRS
}

// Normalizer builds fixes
type Normalizer struct {
	resolver *Resolver
	stats    *stats.Stats
}

// New creates a normalizer
func New(resolver *Resolver, s *stats.Stats) *Normalizer {
	return &Normalizer{resolver: resolver, stats: s}
}

// FixID derives the deterministic id of a fix, so a redelivered packet
// maps to the same fix
func FixID(protocol types.Protocol, raw string, ts time.Time) uuid.UUID {
	return uuid.NewSHA1(Namespace, []byte(fmt.Sprintf("%s|%s|%s", protocol, raw, ts.UTC().Format(time.RFC3339Nano))))
}

// Normalize converts rec into a fix
func (n *Normalizer) Normalize(ctx context.Context, rec Record) (*types.Fix, error) {
	start := time.Now()

	var (
		fix   *types.Fix
		hints Hints
		err   error
	)
	switch {
	case rec.Beast != nil:
		fix = fromBeast(rec)
	case rec.APRS != nil:
		fix, hints, err = fromAPRS(rec)
	default:
		err = ErrUnsupported
	}
	if err == nil && !validPosition(fix.Latitude, fix.Longitude) {
		err = ErrInvalidPosition
	}
	if err != nil {
		n.stats.IncrementNormalizeFailed(failureReason(err))
		return nil, err
	}

	a, err := n.resolver.Resolve(ctx, fix.AddressType, fix.Address, hints)
	if err != nil {
		n.stats.IncrementNormalizeFailed("identity")
		return nil, err
	}
	fix.AircraftID = a.ID
	if fix.AircraftType == "" {
		fix.AircraftType = a.AircraftType
	}

	n.stats.ObserveProcessing(stats.StageFixCreation, time.Since(start))
	return fix, nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrNoAddress):
		return "no_address"
	case errors.Is(err, ErrInvalidPosition):
		return "invalid_position"
	default:
		return "unsupported"
	}
}

func validPosition(lat, lon float64) bool {
	return !math.IsNaN(lat) && !math.IsNaN(lon) && lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

func fromBeast(rec Record) *types.Fix {
	b := rec.Beast
	received := rec.ReceivedAt
	if received.IsZero() {
		received = b.Timestamp
	}
	zero := 0

	fix := &types.Fix{
		Protocol:           types.ProtocolADSB,
		Source:             types.FormatAddress(b.ICAO),
		RawPacket:          b.Raw,
		Receiver:           rec.Receiver,
		Timestamp:          b.Timestamp.UTC(),
		ReceivedAt:         received.UTC(),
		Latitude:           b.Latitude,
		Longitude:          b.Longitude,
		AltitudeFeet:       b.Altitude,
		Address:            b.ICAO,
		AddressType:        types.AddressICAO,
		EmitterCategory:    b.Category,
		Callsign:           b.Callsign,
		Squawk:             b.Squawk,
		GroundSpeedKnots:   b.Speed,
		TrackDegrees:       b.Track,
		ClimbFPM:           b.ClimbRate,
		OnGround:           b.OnGround,
		SNRdB:              signalLevel(b.Signal),
		BitErrorsCorrected: &zero,
	}
	fix.ID = FixID(fix.Protocol, fix.RawPacket, fix.Timestamp)
	return fix
}

// signalLevel converts the Beast signal byte (the square root of the
// received power scaled to 255) into dB relative to full scale
func signalLevel(s byte) *float64 {
	if s == 0 {
		return nil
	}
	v := 20 * math.Log10(float64(s)/255)
	return &v
}

func fromAPRS(rec Record) (*types.Fix, Hints, error) {
	p := rec.APRS
	if p.Kind() != aprs.KindAircraftPosition || !p.HasPosition {
		return nil, Hints{}, ErrUnsupported
	}
	addr, addrType, ok := p.DeviceAddress()
	if !ok {
		return nil, Hints{}, ErrNoAddress
	}
	received := rec.ReceivedAt
	if received.IsZero() {
		received = p.Timestamp
	}

	fix := &types.Fix{
		Protocol:         types.ProtocolAPRS,
		Source:           p.Source,
		Destination:      p.Destination,
		Via:              p.Via,
		RawPacket:        p.Raw,
		Receiver:         p.Receiver,
		Timestamp:        p.Timestamp.UTC(),
		ReceivedAt:       received.UTC(),
		Latitude:         p.Latitude,
		Longitude:        p.Longitude,
		AltitudeFeet:     p.AltitudeFeet,
		Address:          addr,
		AddressType:      addrType,
		EmitterCategory:  p.Category,
		Registration:     p.Registration,
		Model:            p.Model,
		Callsign:         p.Callsign,
		Squawk:           p.Squawk,
		GroundSpeedKnots: p.SpeedKnots,
		TrackDegrees:     p.Course,
		ClimbFPM:         p.ClimbFPM,
		TurnRateROT:      p.TurnRateROT,
		SNRdB:            p.SignalDB,
		FreqOffsetKHz:    p.FreqOffsetKHz,
	}
	fix.BitErrorsCorrected = p.ErrorsCount
	if p.ID != nil {
		fix.AircraftType = aprs.AircraftTypeName(p.ID.AircraftType)
	}
	fix.ID = FixID(fix.Protocol, fix.RawPacket, fix.Timestamp)

	return fix, Hints{AircraftType: fix.AircraftType, Registration: p.Registration, Model: p.Model}, nil
}
