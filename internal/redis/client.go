package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/saviobatista/flight-tracker/internal/types"
)

const (
	aircraftTTL = time.Hour
	liveTTL     = time.Hour
	flightTTL   = 24 * time.Hour
)

// RedisClientInterface defines the Redis operations used by our client
type RedisClientInterface interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Close() error
}

// Client manages Redis connections and operations
type Client struct {
	client RedisClientInterface
}

// New creates a new Redis client
func New(addr string) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Client{client: client}, nil
}

// NewWithClient creates a new Redis client with a custom RedisClientInterface (useful for testing)
func NewWithClient(client RedisClientInterface) *Client {
	return &Client{client: client}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.client.Close()
}

func aircraftKey(addrType types.AddressType, addr uint32) string {
	return fmt.Sprintf("aircraft:%s:%s", addrType, types.FormatAddress(addr))
}

func latestFixKey(aircraftID uuid.UUID) string {
	return fmt.Sprintf("fix:latest:%s", aircraftID)
}

func flightKey(aircraftID uuid.UUID) string {
	return fmt.Sprintf("flight:%s", aircraftID)
}

func (c *Client) setData(ctx context.Context, key string, value interface{}, ttl time.Duration, dataType string) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s data: %w", dataType, err)
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store %s data: %w", dataType, err)
	}
	return nil
}

// getData retrieves data from Redis and unmarshals it into the target.
// found is false when the key does not exist.
func (c *Client) getData(ctx context.Context, key string, target interface{}, dataType string) (found bool, err error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get %s data: %w", dataType, err)
	}

	if err := json.Unmarshal(data, target); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s data: %w", dataType, err)
	}
	return true, nil
}

// StoreAircraft caches an aircraft identity under its device address
func (c *Client) StoreAircraft(ctx context.Context, a *types.Aircraft) error {
	return c.setData(ctx, aircraftKey(a.AddressType, a.Address), a, aircraftTTL, "aircraft")
}

// GetAircraft returns the cached aircraft for an address, or nil on a miss
func (c *Client) GetAircraft(ctx context.Context, addrType types.AddressType, addr uint32) (*types.Aircraft, error) {
	var a types.Aircraft
	found, err := c.getData(ctx, aircraftKey(addrType, addr), &a, "aircraft")
	if err != nil || !found {
		return nil, err
	}
	return &a, nil
}

// StoreLatestFix keeps the most recent fix of an aircraft for live views
func (c *Client) StoreLatestFix(ctx context.Context, fix *types.Fix) error {
	return c.setData(ctx, latestFixKey(fix.AircraftID), fix, liveTTL, "fix")
}

// GetLatestFix returns the most recent cached fix of an aircraft, or nil
func (c *Client) GetLatestFix(ctx context.Context, aircraftID uuid.UUID) (*types.Fix, error) {
	var f types.Fix
	found, err := c.getData(ctx, latestFixKey(aircraftID), &f, "fix")
	if err != nil || !found {
		return nil, err
	}
	return &f, nil
}

// StoreFlight caches the open flight of an aircraft
func (c *Client) StoreFlight(ctx context.Context, flight *types.Flight) error {
	return c.setData(ctx, flightKey(flight.AircraftID), flight, flightTTL, "flight")
}

// GetFlight returns the cached open flight of an aircraft, or nil
func (c *Client) GetFlight(ctx context.Context, aircraftID uuid.UUID) (*types.Flight, error) {
	var f types.Flight
	found, err := c.getData(ctx, flightKey(aircraftID), &f, "flight")
	if err != nil || !found {
		return nil, err
	}
	return &f, nil
}

// DeleteFlight removes the cached open flight of an aircraft
func (c *Client) DeleteFlight(ctx context.Context, aircraftID uuid.UUID) error {
	return c.client.Del(ctx, flightKey(aircraftID)).Err()
}
