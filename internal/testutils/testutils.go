package testutils

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/saviobatista/flight-tracker/internal/types"
)

// FixOption customises a fix built by NewFix
type FixOption func(*types.Fix)

// NewFix creates an ADS-B fix for an aircraft with only a position set
func NewFix(aircraftID uuid.UUID, ts time.Time, lat, lon float64, opts ...FixOption) *types.Fix {
	f := &types.Fix{
		ID:          uuid.New(),
		Protocol:    types.ProtocolADSB,
		Source:      "ABC123",
		RawPacket:   fmt.Sprintf("test-%d", ts.UnixNano()),
		Timestamp:   ts.UTC(),
		ReceivedAt:  ts.UTC(),
		Latitude:    lat,
		Longitude:   lon,
		Address:     0xABC123,
		AddressType: types.AddressICAO,
		AircraftID:  aircraftID,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func WithSpeed(knots float64) FixOption {
	return func(f *types.Fix) { f.GroundSpeedKnots = &knots }
}

func WithAltitude(feet int) FixOption {
	return func(f *types.Fix) { f.AltitudeFeet = &feet }
}

func WithClimb(fpm int) FixOption {
	return func(f *types.Fix) { f.ClimbFPM = &fpm }
}

func WithOnGround(onGround bool) FixOption {
	return func(f *types.Fix) { f.OnGround = &onGround }
}

func WithCallsign(callsign string) FixOption {
	return func(f *types.Fix) { f.Callsign = &callsign }
}

func WithAircraftType(aircraftType string) FixOption {
	return func(f *types.Fix) { f.AircraftType = aircraftType }
}

// Airborne is shorthand for a fix flying at speed and altitude
func Airborne(knots float64, feet int) FixOption {
	return func(f *types.Fix) {
		WithSpeed(knots)(f)
		WithAltitude(feet)(f)
	}
}

// APRSLine renders an OGN aircraft beacon for a FLARM device
func APRSLine(device uint32, receiver string, ts time.Time, lat, lon float64, course, knots, feet int) string {
	return fmt.Sprintf("FLR%06X>APRS,qAS,%s:/%sh%s/%s'%03d/%03d/A=%06d id06%06X",
		device, receiver, ts.UTC().Format("150405"),
		coordinate(lat, 2, 'N', 'S'), coordinate(lon, 3, 'E', 'W'),
		course, knots, feet, device)
}

func coordinate(v float64, degDigits int, pos, neg byte) string {
	hemi := pos
	if v < 0 {
		hemi = neg
		v = -v
	}
	deg := math.Floor(v)
	minutes := (v - deg) * 60
	return fmt.Sprintf("%0*d%05.2f%c", degDigits, int(deg), minutes, hemi)
}

// WaitForCondition waits for a condition to be true with timeout
func WaitForCondition(condition func() bool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if condition() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for condition")
		case <-ticker.C:
		}
	}
}
