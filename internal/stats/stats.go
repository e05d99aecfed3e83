package stats

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/saviobatista/flight-tracker/internal/db"
)

const namespace = "flight_tracker"

// Processing stages observed by the fix latency histogram
const (
	StageIdentityLookup = "identity_lookup"
	StageFixCreation    = "fix_creation"
	StageStateMachine   = "state_machine"
	StageTotal          = "total"
)

// Flight creation kinds
const (
	CreatedTakeoff  = "takeoff"
	CreatedAirborne = "airborne"
)

// Persister stores periodic statistics snapshots
type Persister interface {
	StoreSystemStats(ctx context.Context, s db.SystemStats) error
}

// Stats is the process-wide metrics handle. It owns its own registry so
// every component records into the instance it was handed.
type Stats struct {
	registry *prometheus.Registry
	started  time.Time

	connEstablished *prometheus.CounterVec
	connFailed      *prometheus.CounterVec
	connected       *prometheus.GaugeVec

	beastBytes     prometheus.Counter
	beastFrames    prometheus.Counter
	beastMalformed prometheus.Counter
	aprsLines      prometheus.Counter
	aprsMalformed  prometheus.Counter
	serverMessage  prometheus.Gauge

	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
	normalizeFailed *prometheus.CounterVec

	publishSuccess *prometheus.CounterVec
	publishErrors  *prometheus.CounterVec
	publishLatency prometheus.Histogram

	queueClosed *prometheus.CounterVec

	fixesProcessed   prometheus.Counter
	fixesDuplicate   prometheus.Counter
	fixesOutOfOrder  prometheus.Counter
	flightsCreated   *prometheus.CounterVec
	flightsLanded    prometheus.Counter
	flightsTimedOut  prometheus.Counter
	coalesceResumed  prometheus.Counter
	coalesceRejected *prometheus.CounterVec
	resumedDistance  prometheus.Histogram
	resumedSpeed     prometheus.Histogram
	processing       *prometheus.HistogramVec
	activeAircraft   prometheus.Gauge
	activeFlights    prometheus.Gauge

	// Database client for persistence
	db Persister

	mu sync.RWMutex
}

// New creates a new Stats instance with a fresh registry
func New() *Stats {
	s := &Stats{
		registry: prometheus.NewRegistry(),
		started:  time.Now(),
	}

	s.connEstablished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "ingest", Name: "connections_established_total",
		Help: "Upstream connections established.",
	}, []string{"source"})
	s.connFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "ingest", Name: "connections_failed_total",
		Help: "Upstream connection attempts or sessions that failed.",
	}, []string{"source"})
	s.connected = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "ingest", Name: "connected",
		Help: "1 while the upstream connection is up.",
	}, []string{"source"})

	s.beastBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "beast", Name: "bytes_received_total",
		Help: "Bytes read from Beast receivers.",
	})
	s.beastFrames = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "beast", Name: "frames_received_total",
		Help: "Well-formed Beast frames.",
	})
	s.beastMalformed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "beast", Name: "frames_malformed_total",
		Help: "Beast frames discarded while resynchronising.",
	})
	s.aprsLines = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "aprs", Name: "lines_received_total",
		Help: "Lines read from APRS-IS.",
	})
	s.aprsMalformed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "aprs", Name: "lines_malformed_total",
		Help: "APRS lines that could not be parsed.",
	})
	s.serverMessage = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "aprs", Name: "last_server_message_timestamp_seconds",
		Help: "Unix time of the last APRS-IS server comment.",
	})

	s.cacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "resolver", Name: "cache_hits_total",
		Help: "Aircraft lookups served from cache.",
	})
	s.cacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "resolver", Name: "cache_misses_total",
		Help: "Aircraft lookups that went to the database.",
	})
	s.normalizeFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "normalize", Name: "failed_total",
		Help: "Records that could not be turned into a fix.",
	}, []string{"reason"})

	s.publishSuccess = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "broker", Name: "publish_success_total",
		Help: "Fixes published to the broker.",
	}, []string{"subject"})
	s.publishErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "broker", Name: "publish_error_total",
		Help: "Fixes dropped after exhausting publish retries.",
	}, []string{"subject"})
	s.publishLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "broker", Name: "publish_duration_seconds",
		Help:    "Time to publish one fix including retries.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	})

	s.queueClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "queue", Name: "send_on_closed_total",
		Help: "Sends attempted after a queue was closed.",
	}, []string{"queue"})

	s.fixesProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "tracker", Name: "fixes_processed_total",
		Help: "Fixes applied by the flight tracker.",
	})
	s.fixesDuplicate = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "tracker", Name: "fixes_duplicate_total",
		Help: "Redelivered fixes that were already applied.",
	})
	s.fixesOutOfOrder = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "tracker", Name: "fixes_out_of_order_total",
		Help: "Fixes older than the last applied fix of their aircraft.",
	})
	s.flightsCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "tracker", Name: "flights_created_total",
		Help: "Flights opened, by how the start was observed.",
	}, []string{"kind"})
	s.flightsLanded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "tracker", Name: "flights_landed_total",
		Help: "Flights closed by a landing.",
	})
	s.flightsTimedOut = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "tracker", Name: "flights_timed_out_total",
		Help: "Flights suspended by a reception gap.",
	})
	s.coalesceResumed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "tracker", Name: "coalesce_resumed_total",
		Help: "Timed-out flights resumed by a plausible fix.",
	})
	s.coalesceRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "tracker", Name: "coalesce_rejected_total",
		Help: "Timed-out flights that could not be resumed.",
	}, []string{"reason"})
	s.resumedDistance = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "tracker", Name: "coalesce_resumed_distance_meters",
		Help:    "Distance covered across a resumed reception gap.",
		Buckets: prometheus.ExponentialBuckets(100, 2, 14),
	})
	s.resumedSpeed = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "tracker", Name: "coalesce_resumed_speed_knots",
		Help:    "Implied speed across a resumed reception gap.",
		Buckets: prometheus.LinearBuckets(0, 25, 24),
	})
	s.processing = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "tracker", Name: "fix_processing_seconds",
		Help:    "Fix processing latency by stage.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
	}, []string{"stage"})
	s.activeAircraft = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "tracker", Name: "active_aircraft",
		Help: "Aircraft with in-memory tracking state.",
	})
	s.activeFlights = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "tracker", Name: "active_flights",
		Help: "Flights that are airborne or timed out and resumable.",
	})

	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		s.connEstablished, s.connFailed, s.connected,
		s.beastBytes, s.beastFrames, s.beastMalformed,
		s.aprsLines, s.aprsMalformed, s.serverMessage,
		s.cacheHits, s.cacheMisses, s.normalizeFailed,
		s.publishSuccess, s.publishErrors, s.publishLatency,
		s.queueClosed,
		s.fixesProcessed, s.fixesDuplicate, s.fixesOutOfOrder,
		s.flightsCreated, s.flightsLanded, s.flightsTimedOut,
		s.coalesceResumed, s.coalesceRejected, s.resumedDistance, s.resumedSpeed,
		s.processing, s.activeAircraft, s.activeFlights,
	)
	return s
}

// Registry exposes the underlying registry
func (s *Stats) Registry() *prometheus.Registry {
	return s.registry
}

// Handler serves the registry in the Prometheus exposition format
func (s *Stats) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled
func (s *Stats) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("failed to serve metrics: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// LogPeriodically logs the statistics every interval until ctx is cancelled
func (s *Stats) LogPeriodically(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Printf("Statistics:\n%s", s)
		}
	}
}

// SetDB sets the database client for persistence
func (s *Stats) SetDB(p Persister) {
	s.mu.Lock()
	s.db = p
	s.mu.Unlock()
}

// ConnectionEstablished records a successful connect and marks the source up
func (s *Stats) ConnectionEstablished(source string) {
	s.connEstablished.WithLabelValues(source).Inc()
	s.connected.WithLabelValues(source).Set(1)
}

// ConnectionFailed records a failed dial or a dropped session
func (s *Stats) ConnectionFailed(source string) {
	s.connFailed.WithLabelValues(source).Inc()
}

// SetDisconnected marks the source down
func (s *Stats) SetDisconnected(source string) {
	s.connected.WithLabelValues(source).Set(0)
}

func (s *Stats) AddBeastBytes(n int) {
	if n > 0 {
		s.beastBytes.Add(float64(n))
	}
}

func (s *Stats) IncrementBeastFrames()    { s.beastFrames.Inc() }
func (s *Stats) IncrementBeastMalformed() { s.beastMalformed.Inc() }
func (s *Stats) IncrementAPRSLines()      { s.aprsLines.Inc() }
func (s *Stats) IncrementAPRSMalformed()  { s.aprsMalformed.Inc() }

// UpdateServerMessageTime records when APRS-IS last spoke to us
func (s *Stats) UpdateServerMessageTime(t time.Time) {
	s.serverMessage.Set(float64(t.Unix()))
}

func (s *Stats) IncrementCacheHit()  { s.cacheHits.Inc() }
func (s *Stats) IncrementCacheMiss() { s.cacheMisses.Inc() }

// IncrementNormalizeFailed counts a record dropped by the normalizer
func (s *Stats) IncrementNormalizeFailed(reason string) {
	s.normalizeFailed.WithLabelValues(reason).Inc()
}

// RecordPublish records the outcome and latency of one publish
func (s *Stats) RecordPublish(subject string, err error, d time.Duration) {
	s.publishLatency.Observe(d.Seconds())
	if err != nil {
		s.publishErrors.WithLabelValues(subject).Inc()
		return
	}
	s.publishSuccess.WithLabelValues(subject).Inc()
}

// RegisterQueue exposes the depth of a bounded queue as a gauge
func (s *Stats) RegisterQueue(name string, depth func() int) {
	g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Subsystem:   "queue",
		Name:        "depth",
		Help:        "Items waiting in a bounded queue.",
		ConstLabels: prometheus.Labels{"queue": name},
	}, func() float64 { return float64(depth()) })
	if err := s.registry.Register(g); err != nil {
		log.Printf("Warning: failed to register depth gauge for queue %s: %v", name, err)
	}
}

// IncrementQueueClosed counts a send on a closed queue
func (s *Stats) IncrementQueueClosed(name string) {
	s.queueClosed.WithLabelValues(name).Inc()
}

func (s *Stats) IncrementFixesProcessed()  { s.fixesProcessed.Inc() }
func (s *Stats) IncrementDuplicateFixes()  { s.fixesDuplicate.Inc() }
func (s *Stats) IncrementOutOfOrderFixes() { s.fixesOutOfOrder.Inc() }

// IncrementFlightsCreated counts a new flight; kind is CreatedTakeoff or CreatedAirborne
func (s *Stats) IncrementFlightsCreated(kind string) {
	s.flightsCreated.WithLabelValues(kind).Inc()
}

func (s *Stats) IncrementFlightsLanded()   { s.flightsLanded.Inc() }
func (s *Stats) IncrementFlightsTimedOut() { s.flightsTimedOut.Inc() }

// RecordCoalesceResumed counts a resumed flight and observes the gap it bridged
func (s *Stats) RecordCoalesceResumed(distanceMeters, speedKnots float64) {
	s.coalesceResumed.Inc()
	s.resumedDistance.Observe(distanceMeters)
	s.resumedSpeed.Observe(speedKnots)
}

// IncrementCoalesceRejected counts a rejected resume by reason
func (s *Stats) IncrementCoalesceRejected(reason string) {
	s.coalesceRejected.WithLabelValues(reason).Inc()
}

// ObserveProcessing records the latency of one processing stage
func (s *Stats) ObserveProcessing(stage string, d time.Duration) {
	s.processing.WithLabelValues(stage).Observe(d.Seconds())
}

func (s *Stats) SetActiveAircraft(n int) { s.activeAircraft.Set(float64(n)) }
func (s *Stats) SetActiveFlights(n int)  { s.activeFlights.Set(float64(n)) }

// GetStats returns the current value of every application metric, summed
// over labels. Histograms are reported by sample count.
func (s *Stats) GetStats() map[string]float64 {
	out := make(map[string]float64)
	families, err := s.registry.Gather()
	if err != nil {
		log.Printf("Warning: failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		name := mf.GetName()
		if !strings.HasPrefix(name, namespace+"_") {
			continue
		}
		name = strings.TrimPrefix(name, namespace+"_")
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				out[name] += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				out[name] += m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				out[name+"_count"] += float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return out
}

// Snapshot converts the current totals into a system_stats row
func (s *Stats) Snapshot() db.SystemStats {
	m := s.GetStats()
	return db.SystemStats{
		Time:             time.Now().UTC(),
		FixesProcessed:   int64(m["tracker_fixes_processed_total"]),
		FixesDuplicate:   int64(m["tracker_fixes_duplicate_total"]),
		FixesOutOfOrder:  int64(m["tracker_fixes_out_of_order_total"]),
		FlightsCreated:   int64(m["tracker_flights_created_total"]),
		FlightsLanded:    int64(m["tracker_flights_landed_total"]),
		FlightsTimedOut:  int64(m["tracker_flights_timed_out_total"]),
		CoalesceResumed:  int64(m["tracker_coalesce_resumed_total"]),
		CoalesceRejected: int64(m["tracker_coalesce_rejected_total"]),
		ActiveAircraft:   int64(m["tracker_active_aircraft"]),
		ActiveFlights:    int64(m["tracker_active_flights"]),
	}
}

// Persist stores the current statistics in the database
func (s *Stats) Persist(ctx context.Context) error {
	s.mu.RLock()
	p := s.db
	s.mu.RUnlock()
	if p == nil {
		return fmt.Errorf("database client not set")
	}

	return p.StoreSystemStats(ctx, s.Snapshot())
}

// String returns a string representation of the statistics
func (s *Stats) String() string {
	m := s.GetStats()
	keys := make([]string, 0, len(m))
	for k, v := range m {
		if v != 0 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "Uptime: %s", time.Since(s.started).Round(time.Second))
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %g", k, m[k])
	}
	return b.String()
}

// StartPersistence starts periodic persistence of statistics
func (s *Stats) StartPersistence(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final persistence before shutdown
			finalCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.Persist(finalCtx); err != nil {
				log.Printf("Failed to persist final statistics: %v", err)
			}
			cancel()
			return
		case <-ticker.C:
			if err := s.Persist(ctx); err != nil {
				log.Printf("Failed to persist statistics: %v", err)
			}
		}
	}
}
