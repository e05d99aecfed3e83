package normalize

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/saviobatista/flight-tracker/internal/aprs"
	"github.com/saviobatista/flight-tracker/internal/beast"
	"github.com/saviobatista/flight-tracker/internal/stats"
	"github.com/saviobatista/flight-tracker/internal/types"
)

type fakeStore struct {
	aircraft map[string]*types.Aircraft
	upserts  int
	err      error
}

func newFakeStore() *fakeStore {
	return &fakeStore{aircraft: map[string]*types.Aircraft{}}
}

func key(t types.AddressType, addr uint32) string {
	return string(t) + ":" + types.FormatAddress(addr)
}

func (f *fakeStore) GetAircraftByAddress(ctx context.Context, t types.AddressType, addr uint32) (*types.Aircraft, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.aircraft[key(t, addr)], nil
}

func (f *fakeStore) UpsertAircraft(ctx context.Context, a *types.Aircraft) (*types.Aircraft, error) {
	f.upserts++
	if existing, ok := f.aircraft[key(a.AddressType, a.Address)]; ok {
		return existing, nil
	}
	f.aircraft[key(a.AddressType, a.Address)] = a
	return a, nil
}

type fakeCache struct {
	aircraft map[string]*types.Aircraft
	err      error
}

func (f *fakeCache) GetAircraft(ctx context.Context, t types.AddressType, addr uint32) (*types.Aircraft, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.aircraft[key(t, addr)], nil
}

func (f *fakeCache) StoreAircraft(ctx context.Context, a *types.Aircraft) error {
	f.aircraft[key(a.AddressType, a.Address)] = a
	return nil
}

const gliderLine = "FLRDDE626>APRS,qAS,EGHL:/074548h5111.32N/00102.04W'086/007/A=000607 id06DDE626 -019fpm +0.0rot 5.5dB 3e -4.3kHz"

func TestNormalize_APRS(t *testing.T) {
	received := time.Date(2024, 6, 1, 7, 46, 0, 0, time.UTC)
	p, err := aprs.ParseLine(gliderLine, received)
	if err != nil {
		t.Fatalf("ParseLine() failed: %v", err)
	}

	s := stats.New()
	store := newFakeStore()
	n := New(NewResolver(store, nil, s), s)

	fix, err := n.Normalize(context.Background(), Record{APRS: p, ReceivedAt: received})
	if err != nil {
		t.Fatalf("Normalize() failed: %v", err)
	}

	if fix.Protocol != types.ProtocolAPRS || fix.Source != "FLRDDE626" || fix.Receiver != "EGHL" {
		t.Errorf("Unexpected header fields %+v", fix)
	}
	if fix.Address != 0xDDE626 || fix.AddressType != types.AddressFlarm || fix.AircraftType != "glider" {
		t.Errorf("Unexpected identity %06X %s %s", fix.Address, fix.AddressType, fix.AircraftType)
	}
	if !fix.Timestamp.Equal(time.Date(2024, 6, 1, 7, 45, 48, 0, time.UTC)) || !fix.ReceivedAt.Equal(received) {
		t.Errorf("Unexpected times %s / %s", fix.Timestamp, fix.ReceivedAt)
	}
	if fix.ClimbFPM == nil || *fix.ClimbFPM != -19 || fix.SNRdB == nil || *fix.SNRdB != 5.5 {
		t.Errorf("Expected OGN tokens carried over, got climb %v snr %v", fix.ClimbFPM, fix.SNRdB)
	}
	if fix.AircraftID != PlaceholderID(types.AddressFlarm, 0xDDE626) {
		t.Errorf("Expected placeholder aircraft id, got %s", fix.AircraftID)
	}
	if a := store.aircraft[key(types.AddressFlarm, 0xDDE626)]; a == nil || a.Identified || a.AircraftType != "glider" {
		t.Errorf("Expected unidentified glider placeholder, got %+v", a)
	}
	if fix.FlightID != nil {
		t.Error("Normalizer must not assign a flight")
	}

	// Same packet again maps to the same fix id
	again, err := n.Normalize(context.Background(), Record{APRS: p, ReceivedAt: received.Add(time.Second)})
	if err != nil {
		t.Fatalf("Normalize() failed: %v", err)
	}
	if again.ID != fix.ID {
		t.Errorf("Expected deterministic fix id, got %s and %s", fix.ID, again.ID)
	}
}

func TestNormalize_Beast(t *testing.T) {
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	alt, speed := 38000, 450.0
	cs := "KLM1023"
	rec := &beast.Record{
		ICAO: 0x4840D6, Timestamp: at, Latitude: 52.2572, Longitude: 3.9194,
		Signal: 255, Raw: "8d4840d658c382d690c8ac2863a7", Callsign: &cs, Altitude: &alt, Speed: &speed,
	}

	s := stats.New()
	n := New(NewResolver(newFakeStore(), nil, s), s)
	fix, err := n.Normalize(context.Background(), Record{Beast: rec, Receiver: "home"})
	if err != nil {
		t.Fatalf("Normalize() failed: %v", err)
	}

	if fix.Protocol != types.ProtocolADSB || fix.AddressType != types.AddressICAO || fix.Source != "4840D6" {
		t.Errorf("Unexpected identity %+v", fix)
	}
	if fix.Receiver != "home" || !fix.ReceivedAt.Equal(at) {
		t.Errorf("Unexpected receiver/received at %q %s", fix.Receiver, fix.ReceivedAt)
	}
	if fix.SNRdB == nil || *fix.SNRdB != 0 {
		t.Errorf("Expected full-scale signal to be 0 dB, got %v", fix.SNRdB)
	}
	if fix.BitErrorsCorrected == nil || *fix.BitErrorsCorrected != 0 {
		t.Errorf("Expected 0 corrected bits, got %v", fix.BitErrorsCorrected)
	}
	if fix.Callsign == nil || *fix.Callsign != "KLM1023" || fix.AltitudeFeet == nil || *fix.AltitudeFeet != 38000 {
		t.Errorf("Expected accumulated fields, got %v %v", fix.Callsign, fix.AltitudeFeet)
	}
}

func TestNormalize_Rejects(t *testing.T) {
	received := time.Date(2024, 6, 1, 7, 46, 0, 0, time.UTC)
	receiver, _ := aprs.ParseLine("EGHL>OGNSDR,TCPIP*,qAC,GLIDERN1:/074555h5122.10NI00000.00W&/A=000377", received)
	anonymous, _ := aprs.ParseLine("ABCDEF>APRS,qAS,LFMX:!4400.00N/00500.00E'000/000/A=001500", received)

	tests := []struct {
		name   string
		rec    Record
		want   error
		reason string
	}{
		{"empty record", Record{}, ErrUnsupported, "unsupported"},
		{"receiver beacon", Record{APRS: receiver}, ErrUnsupported, "unsupported"},
		{"no address", Record{APRS: anonymous}, ErrNoAddress, "no_address"},
		{"bad position", Record{Beast: &beast.Record{ICAO: 1, Latitude: 95, Timestamp: received}}, ErrInvalidPosition, "invalid_position"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := stats.New()
			n := New(NewResolver(newFakeStore(), nil, s), s)
			_, err := n.Normalize(context.Background(), tt.rec)
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
			if got := s.GetStats()["normalize_failed_total"]; got != 1 {
				t.Errorf("Expected failure counted, got %v", got)
			}
		})
	}
}

func TestResolver_CacheThenStore(t *testing.T) {
	s := stats.New()
	store := newFakeStore()
	cache := &fakeCache{aircraft: map[string]*types.Aircraft{}}
	r := NewResolver(store, cache, s)
	ctx := context.Background()

	first, err := r.Resolve(ctx, types.AddressICAO, 0xABC123, Hints{})
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	second, err := r.Resolve(ctx, types.AddressICAO, 0xABC123, Hints{})
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("Expected stable aircraft id, got %s and %s", first.ID, second.ID)
	}
	if store.upserts != 1 {
		t.Errorf("Expected one placeholder insert, got %d", store.upserts)
	}

	m := s.GetStats()
	if m["resolver_cache_hits_total"] != 1 || m["resolver_cache_misses_total"] != 1 {
		t.Errorf("Expected 1 hit and 1 miss, got %v/%v", m["resolver_cache_hits_total"], m["resolver_cache_misses_total"])
	}
	if m["tracker_fix_processing_seconds_count"] != 2 {
		t.Errorf("Expected identity lookups observed, got %v", m["tracker_fix_processing_seconds_count"])
	}
}

func TestResolver_CacheErrorFallsBackToStore(t *testing.T) {
	s := stats.New()
	store := newFakeStore()
	known := &types.Aircraft{ID: PlaceholderID(types.AddressOGN, 0x123456), Address: 0x123456, AddressType: types.AddressOGN, Identified: true}
	store.aircraft[key(types.AddressOGN, 0x123456)] = known

	r := NewResolver(store, &fakeCache{aircraft: map[string]*types.Aircraft{}, err: errors.New("redis down")}, s)
	a, err := r.Resolve(context.Background(), types.AddressOGN, 0x123456, Hints{})
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if a != known || store.upserts != 0 {
		t.Errorf("Expected existing aircraft without upsert, got %+v (%d upserts)", a, store.upserts)
	}
}

func TestResolver_StoreError(t *testing.T) {
	s := stats.New()
	store := newFakeStore()
	store.err = errors.New("connection refused")
	r := NewResolver(store, nil, s)

	if _, err := r.Resolve(context.Background(), types.AddressICAO, 1, Hints{}); err == nil {
		t.Error("Expected store error to propagate")
	}
}
