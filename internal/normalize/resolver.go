package normalize

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/saviobatista/flight-tracker/internal/stats"
	"github.com/saviobatista/flight-tracker/internal/types"
)

// Namespace seeds the deterministic ids of fixes and placeholder aircraft
var Namespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/saviobatista/flight-tracker"))

// AircraftStore is the persistent aircraft registry
type AircraftStore interface {
	GetAircraftByAddress(ctx context.Context, addrType types.AddressType, addr uint32) (*types.Aircraft, error)
	UpsertAircraft(ctx context.Context, a *types.Aircraft) (*types.Aircraft, error)
}

// AircraftCache is a read-through cache in front of the store
type AircraftCache interface {
	GetAircraft(ctx context.Context, addrType types.AddressType, addr uint32) (*types.Aircraft, error)
	StoreAircraft(ctx context.Context, a *types.Aircraft) error
}

// Hints are identity details carried by the packet itself
type Hints struct {
	AircraftType string
	Registration *string
	Model        *string
}

// Resolver maps device addresses to aircraft ids, creating placeholders
// for addresses never seen before
type Resolver struct {
	store AircraftStore
	cache AircraftCache
	stats *stats.Stats
}

// NewResolver creates a resolver; cache may be nil
func NewResolver(store AircraftStore, cache AircraftCache, s *stats.Stats) *Resolver {
	return &Resolver{store: store, cache: cache, stats: s}
}

// PlaceholderID is the id given to an aircraft first seen at an address
func PlaceholderID(addrType types.AddressType, addr uint32) uuid.UUID {
	return uuid.NewSHA1(Namespace, []byte(fmt.Sprintf("%s:%s", addrType, types.FormatAddress(addr))))
}

// Resolve returns the aircraft for an address
func (r *Resolver) Resolve(ctx context.Context, addrType types.AddressType, addr uint32, hints Hints) (*types.Aircraft, error) {
	start := time.Now()
	defer func() {
		r.stats.ObserveProcessing(stats.StageIdentityLookup, time.Since(start))
	}()

	if r.cache != nil {
		a, err := r.cache.GetAircraft(ctx, addrType, addr)
		if err != nil {
			log.Printf("Warning: aircraft cache lookup failed for %s:%s: %v", addrType, types.FormatAddress(addr), err)
		} else if a != nil {
			r.stats.IncrementCacheHit()
			return a, nil
		}
	}
	r.stats.IncrementCacheMiss()

	a, err := r.store.GetAircraftByAddress(ctx, addrType, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to look up aircraft: %w", err)
	}
	if a == nil {
		a, err = r.store.UpsertAircraft(ctx, &types.Aircraft{
			ID:           PlaceholderID(addrType, addr),
			Address:      addr,
			AddressType:  addrType,
			Registration: hints.Registration,
			Model:        hints.Model,
			AircraftType: hints.AircraftType,
			Identified:   false,
			CreatedAt:    time.Now().UTC(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create placeholder aircraft: %w", err)
		}
	}

	if r.cache != nil {
		if err := r.cache.StoreAircraft(ctx, a); err != nil {
			log.Printf("Warning: failed to cache aircraft %s: %v", a.ID, err)
		}
	}
	return a, nil
}
