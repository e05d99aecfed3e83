package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	rediscontainer "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/saviobatista/flight-tracker/internal/types"
)

// memoryRedis is an in-memory RedisClientInterface
type memoryRedis struct {
	data   map[string]string
	ttls   map[string]time.Duration
	getErr error
}

func newMemoryRedis() *memoryRedis {
	return &memoryRedis{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (m *memoryRedis) Ping(ctx context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", nil)
}

func (m *memoryRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	switch v := value.(type) {
	case []byte:
		m.data[key] = string(v)
	case string:
		m.data[key] = v
	}
	m.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (m *memoryRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	if m.getErr != nil {
		return redis.NewStringResult("", m.getErr)
	}
	v, ok := m.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (m *memoryRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	var n int64
	for _, k := range keys {
		if _, ok := m.data[k]; ok {
			delete(m.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (m *memoryRedis) Close() error { return nil }

func TestClient_Aircraft(t *testing.T) {
	mem := newMemoryRedis()
	client := NewWithClient(mem)
	ctx := context.Background()

	miss, err := client.GetAircraft(ctx, types.AddressFlarm, 0xDDE626)
	if err != nil || miss != nil {
		t.Fatalf("Expected clean miss, got %v, %v", miss, err)
	}

	a := &types.Aircraft{ID: uuid.New(), Address: 0xDDE626, AddressType: types.AddressFlarm, AircraftType: "glider"}
	if err := client.StoreAircraft(ctx, a); err != nil {
		t.Fatalf("StoreAircraft() failed: %v", err)
	}
	if _, ok := mem.data["aircraft:flarm:DDE626"]; !ok {
		t.Errorf("Expected key aircraft:flarm:DDE626, have %v", mem.data)
	}
	if mem.ttls["aircraft:flarm:DDE626"] != aircraftTTL {
		t.Errorf("Expected TTL %s, got %s", aircraftTTL, mem.ttls["aircraft:flarm:DDE626"])
	}

	got, err := client.GetAircraft(ctx, types.AddressFlarm, 0xDDE626)
	if err != nil {
		t.Fatalf("GetAircraft() failed: %v", err)
	}
	if got == nil || got.ID != a.ID || got.AircraftType != "glider" {
		t.Errorf("Unexpected aircraft: %+v", got)
	}

	// Same address under another address type is a different aircraft
	other, err := client.GetAircraft(ctx, types.AddressICAO, 0xDDE626)
	if err != nil || other != nil {
		t.Errorf("Expected miss for other address type, got %v, %v", other, err)
	}
}

func TestClient_GetErrors(t *testing.T) {
	mem := newMemoryRedis()
	mem.getErr = errors.New("connection refused")
	client := NewWithClient(mem)

	if _, err := client.GetAircraft(context.Background(), types.AddressICAO, 1); err == nil {
		t.Error("Expected error to propagate")
	}

	mem.getErr = nil
	mem.data["aircraft:icao:000001"] = "{not json"
	if _, err := client.GetAircraft(context.Background(), types.AddressICAO, 1); err == nil {
		t.Error("Expected unmarshal error")
	}
}

func TestClient_LatestFixAndFlight(t *testing.T) {
	client := NewWithClient(newMemoryRedis())
	ctx := context.Background()
	aircraftID := uuid.New()

	fix := &types.Fix{ID: uuid.New(), AircraftID: aircraftID, Latitude: 51.5, Longitude: -0.1, Timestamp: time.Now().UTC()}
	if err := client.StoreLatestFix(ctx, fix); err != nil {
		t.Fatalf("StoreLatestFix() failed: %v", err)
	}
	gotFix, err := client.GetLatestFix(ctx, aircraftID)
	if err != nil || gotFix == nil || gotFix.ID != fix.ID {
		t.Fatalf("GetLatestFix() = %v, %v", gotFix, err)
	}

	flight := &types.Flight{ID: uuid.New(), AircraftID: aircraftID}
	if err := client.StoreFlight(ctx, flight); err != nil {
		t.Fatalf("StoreFlight() failed: %v", err)
	}
	gotFlight, err := client.GetFlight(ctx, aircraftID)
	if err != nil || gotFlight == nil || gotFlight.ID != flight.ID {
		t.Fatalf("GetFlight() = %v, %v", gotFlight, err)
	}

	if err := client.DeleteFlight(ctx, aircraftID); err != nil {
		t.Fatalf("DeleteFlight() failed: %v", err)
	}
	gone, err := client.GetFlight(ctx, aircraftID)
	if err != nil || gone != nil {
		t.Errorf("Expected flight to be deleted, got %v, %v", gone, err)
	}
}

func TestClient_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()
	container, err := rediscontainer.Run(ctx, "redis:7-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections"),
		),
	)
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}
	defer func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("Failed to terminate Redis container: %v", err)
		}
	}()

	addr, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}

	client, err := New(addr)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer client.Close()

	a := &types.Aircraft{ID: uuid.New(), Address: 0xABC123, AddressType: types.AddressICAO}
	if err := client.StoreAircraft(ctx, a); err != nil {
		t.Fatalf("StoreAircraft() failed: %v", err)
	}
	got, err := client.GetAircraft(ctx, types.AddressICAO, 0xABC123)
	if err != nil || got == nil || got.ID != a.ID {
		t.Fatalf("GetAircraft() = %v, %v", got, err)
	}
}

func TestNew_InvalidAddress(t *testing.T) {
	client, err := New("invalid:address:12345")
	if err == nil {
		client.Close()
		t.Fatal("New() should fail with invalid address")
	}
	if client != nil {
		t.Error("New() should return nil client on error")
	}
}
