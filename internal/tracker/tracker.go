// Package tracker turns a stream of fixes into flights. Each aircraft is
// owned by one shard goroutine, so its fixes are applied strictly one at a
// time without a global lock.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/saviobatista/flight-tracker/internal/config"
	"github.com/saviobatista/flight-tracker/internal/stats"
	"github.com/saviobatista/flight-tracker/internal/types"
)

var ErrNotRunning = errors.New("tracker is not running")

// Repository persists fixes and flights. CommitFix applies all of its
// writes or none of them; fix may be nil.
type Repository interface {
	CommitFix(ctx context.Context, updated, created []*types.Flight, fix *types.Fix) error
	GetOpenFlights(ctx context.Context) ([]*types.Flight, error)
	GetLastFixForFlight(ctx context.Context, flightID uuid.UUID) (*types.Fix, error)
}

// LiveCache holds the latest view of every aircraft. Failures are logged
// and never fail a fix.
type LiveCache interface {
	StoreLatestFix(ctx context.Context, fix *types.Fix) error
	StoreFlight(ctx context.Context, flight *types.Flight) error
	DeleteFlight(ctx context.Context, aircraftID uuid.UUID) error
}

// DefaultConfig returns the tracker defaults
func DefaultConfig() config.TrackerConfig {
	return config.TrackerConfig{
		Workers:             8,
		ReceptionGapTimeout: 5 * time.Minute,
		CoalesceWindow:      12 * time.Hour,
		SweepInterval:       30 * time.Second,
		MaxSpeedGliderKnots: 150,
		MaxSpeedKnots:       350,
		MaxSpeedJetKnots:    650,
	}
}

type request struct {
	ctx   context.Context
	fix   *types.Fix
	sweep bool
	done  chan error
}

type shard struct {
	in     chan request
	states map[uuid.UUID]*aircraftState
	open   int

	aircraft atomic.Int64
	flights  atomic.Int64
}

func (sh *shard) state(id uuid.UUID) *aircraftState {
	st, ok := sh.states[id]
	if !ok {
		st = &aircraftState{aircraftID: id}
		sh.states[id] = st
	}
	return st
}

func (sh *shard) adjust(hadFlight, hasFlight bool) {
	switch {
	case hasFlight && !hadFlight:
		sh.open++
	case hadFlight && !hasFlight:
		sh.open--
	}
	sh.aircraft.Store(int64(len(sh.states)))
	sh.flights.Store(int64(sh.open))
}

// Tracker owns the flight state of every aircraft
type Tracker struct {
	cfg   config.TrackerConfig
	repo  Repository
	live  LiveCache
	stats *stats.Stats
	now   func() time.Time

	shards []*shard

	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a tracker; live may be nil
func New(cfg config.TrackerConfig, repo Repository, live LiveCache, s *stats.Stats) *Tracker {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	t := &Tracker{
		cfg:    cfg,
		repo:   repo,
		live:   live,
		stats:  s,
		now:    time.Now,
		shards: make([]*shard, cfg.Workers),
	}
	for i := range t.shards {
		t.shards[i] = &shard{
			in:     make(chan request, 256),
			states: make(map[uuid.UUID]*aircraftState),
		}
	}
	return t
}

func (t *Tracker) shardFor(aircraftID uuid.UUID) *shard {
	h := fnv.New32a()
	_, _ = h.Write(aircraftID[:])
	return t.shards[h.Sum32()%uint32(len(t.shards))]
}

// Start restores open flights from persistence and starts the shard
// workers and the periodic sweep
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return nil
	}

	if err := t.restore(ctx); err != nil {
		return err
	}

	for _, sh := range t.shards {
		t.wg.Add(1)
		go func(sh *shard) {
			defer t.wg.Done()
			t.run(sh)
		}(sh)
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	if t.cfg.SweepInterval > 0 {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.sweepLoop(sweepCtx)
		}()
	}

	t.running = true
	return nil
}

func (t *Tracker) restore(ctx context.Context) error {
	flights, err := t.repo.GetOpenFlights(ctx)
	if err != nil {
		return fmt.Errorf("failed to load open flights: %w", err)
	}

	restored := 0
	for _, f := range flights {
		last, err := t.repo.GetLastFixForFlight(ctx, f.ID)
		if err != nil {
			return fmt.Errorf("failed to load last fix of flight %s: %w", f.ID, err)
		}

		sh := t.shardFor(f.AircraftID)
		st := sh.state(f.AircraftID)
		if last == nil || st.flight != nil {
			// Nothing to resume from, close it for good
			if f.TimedOutAt == nil {
				at := f.LastFixAt
				f.TimedOutAt = &at
			}
			f.TimeoutResolved = true
			if err := t.repo.CommitFix(ctx, []*types.Flight{f}, nil, nil); err != nil {
				return fmt.Errorf("failed to resolve flight %s: %w", f.ID, err)
			}
			continue
		}

		st.flight = f
		st.flightFixes = 1
		st.lastFix = last
		if f.TakeoffTime != nil {
			st.firstFixAt = *f.TakeoffTime
		}
		st.remember(last.ID)
		sh.adjust(false, true)
		restored++

		if t.live != nil {
			if err := t.live.StoreFlight(ctx, f); err != nil {
				log.Printf("Warning: Failed to cache flight in Redis: %v", err)
			}
		}
	}

	t.publishCounts()
	log.Printf("Restored %d open flights", restored)
	return nil
}

func (t *Tracker) run(sh *shard) {
	for req := range sh.in {
		if req.sweep {
			t.sweepShard(req.ctx, sh)
			req.done <- nil
			continue
		}
		req.done <- t.process(req.ctx, sh, req.fix)
	}
}

// Submit hands a fix to the shard owning its aircraft. The returned
// channel yields the outcome once the fix is durably applied.
func (t *Tracker) Submit(ctx context.Context, fix *types.Fix) <-chan error {
	done := make(chan error, 1)

	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.running {
		done <- ErrNotRunning
		return done
	}

	select {
	case t.shardFor(fix.AircraftID).in <- request{ctx: ctx, fix: fix, done: done}:
	case <-ctx.Done():
		done <- ctx.Err()
	}
	return done
}

// Process applies a fix and waits for the result
func (t *Tracker) Process(ctx context.Context, fix *types.Fix) error {
	select {
	case err := <-t.Submit(ctx, fix):
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop stops accepting fixes, finishes the ones already queued and waits
// for the workers to exit
func (t *Tracker) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	t.cancel()
	for _, sh := range t.shards {
		close(sh.in)
	}
	t.mu.Unlock()

	t.wg.Wait()
}

func (t *Tracker) process(ctx context.Context, sh *shard, fix *types.Fix) error {
	start := time.Now()
	st := sh.state(fix.AircraftID)

	if st.seen(fix.ID) {
		t.stats.IncrementDuplicateFixes()
		return nil
	}
	if st.lastFix != nil && fix.Timestamp.Before(st.lastFix.Timestamp) {
		return t.processLate(ctx, st, fix)
	}

	snapshot := st.clone()
	hadFlight := st.flight != nil
	var c change
	t.apply(st, fix, &c)
	fix.FlightID = c.flightID
	t.stats.ObserveProcessing(stats.StageStateMachine, time.Since(start))

	if err := t.commit(ctx, &c, fix); err != nil {
		*st = snapshot
		fix.FlightID = nil
		return err
	}

	st.lastFix = fix
	st.remember(fix.ID)
	sh.adjust(hadFlight, st.flight != nil)
	for _, m := range c.metrics {
		m(t.stats)
	}
	t.stats.IncrementFixesProcessed()
	t.updateLive(ctx, st, fix, c.closed)
	t.publishCounts()
	t.stats.ObserveProcessing(stats.StageTotal, time.Since(start))
	return nil
}

// processLate stores a fix older than the last applied one. It joins the
// open flight when it falls inside it and never changes state.
func (t *Tracker) processLate(ctx context.Context, st *aircraftState, fix *types.Fix) error {
	t.stats.IncrementOutOfOrderFixes()
	if st.flight != nil && !fix.Timestamp.Before(st.firstFixAt) {
		id := st.flight.ID
		fix.FlightID = &id
	}
	if err := t.repo.CommitFix(ctx, nil, nil, fix); err != nil {
		fix.FlightID = nil
		return err
	}
	st.remember(fix.ID)
	t.stats.IncrementFixesProcessed()
	return nil
}

// commit persists the flights touched by a transition together with the
// fix that caused it. fix is nil for sweeps.
func (t *Tracker) commit(ctx context.Context, c *change, fix *types.Fix) error {
	now := t.now().UTC()
	for _, f := range c.updated {
		f.UpdatedAt = now
	}
	return t.repo.CommitFix(ctx, c.updated, c.created, fix)
}

func (t *Tracker) updateLive(ctx context.Context, st *aircraftState, fix *types.Fix, closed bool) {
	if t.live == nil {
		return
	}
	if fix != nil {
		if err := t.live.StoreLatestFix(ctx, fix); err != nil {
			log.Printf("Warning: Failed to store latest fix in Redis: %v", err)
		}
	}
	switch {
	case st.flight != nil:
		if err := t.live.StoreFlight(ctx, st.flight); err != nil {
			log.Printf("Warning: Failed to store flight in Redis: %v", err)
		}
	case closed:
		if err := t.live.DeleteFlight(ctx, st.aircraftID); err != nil {
			log.Printf("Warning: Failed to delete flight from Redis: %v", err)
		}
	}
}

func (t *Tracker) publishCounts() {
	var aircraft, flights int64
	for _, sh := range t.shards {
		aircraft += sh.aircraft.Load()
		flights += sh.flights.Load()
	}
	t.stats.SetActiveAircraft(int(aircraft))
	t.stats.SetActiveFlights(int(flights))
}

func (t *Tracker) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sweep(ctx)
		}
	}
}

// sweep asks every shard to time out silent flights and waits for them
func (t *Tracker) sweep(ctx context.Context) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.running {
		return
	}

	pending := make([]chan error, 0, len(t.shards))
	for _, sh := range t.shards {
		done := make(chan error, 1)
		select {
		case sh.in <- request{ctx: ctx, sweep: true, done: done}:
			pending = append(pending, done)
		case <-ctx.Done():
			return
		}
	}
	for _, done := range pending {
		<-done
	}
	t.publishCounts()
}

// sweepShard times out airborne flights that went quiet, resolves timed-out
// flights that can no longer be resumed and forgets idle aircraft
func (t *Tracker) sweepShard(ctx context.Context, sh *shard) {
	now := t.now()
	for id, st := range sh.states {
		hadFlight := st.flight != nil
		snapshot := st.clone()
		var c change

		switch {
		case st.airborne() && now.Sub(st.flight.LastFixAt) >= t.cfg.ReceptionGapTimeout:
			t.timeOut(st, &c)
		case st.timedOut() && now.Sub(*st.flight.TimedOutAt) >= t.cfg.CoalesceWindow:
			t.resolve(st, &c)
		case st.flight == nil && (st.lastFix == nil || now.Sub(st.lastFix.Timestamp) >= t.cfg.CoalesceWindow):
			delete(sh.states, id)
			continue
		default:
			continue
		}

		if err := t.commit(ctx, &c, nil); err != nil {
			log.Printf("Warning: Failed to persist sweep of aircraft %s: %v", id, err)
			*st = snapshot
			continue
		}
		sh.adjust(hadFlight, st.flight != nil)
		for _, m := range c.metrics {
			m(t.stats)
		}
		t.updateLive(ctx, st, nil, c.closed)
	}
	sh.aircraft.Store(int64(len(sh.states)))
}
