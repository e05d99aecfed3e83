package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/saviobatista/flight-tracker/internal/aprs"
	"github.com/saviobatista/flight-tracker/internal/beast"
	"github.com/saviobatista/flight-tracker/internal/capture"
	"github.com/saviobatista/flight-tracker/internal/config"
	"github.com/saviobatista/flight-tracker/internal/db"
	"github.com/saviobatista/flight-tracker/internal/ingest"
	"github.com/saviobatista/flight-tracker/internal/nats"
	"github.com/saviobatista/flight-tracker/internal/normalize"
	"github.com/saviobatista/flight-tracker/internal/redis"
	"github.com/saviobatista/flight-tracker/internal/stats"
)

// ErrNoSources is returned when neither Beast nor APRS is configured
var ErrNoSources = errors.New("no sources configured: set BEAST_SOURCES or APRS_ENABLED")

func main() {
	if err := run(); err != nil {
		log.Printf("Ingestor failed: %v", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if !cfg.HasSources() {
		return ErrNoSources
	}

	s := stats.New()
	natsClient, dbClient, cache, err := createClients(cfg, s)
	if err != nil {
		return err
	}
	defer closeClients(natsClient, dbClient, cache)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := s.Serve(ctx, cfg.MetricsAddr); err != nil {
			log.Printf("Metrics server stopped: %v", err)
		}
	}()
	go s.LogPeriodically(ctx, cfg.StatsInterval)

	pipeline := newPipeline(cfg, s, natsClient, dbClient, cache)
	pipeline.Start(ctx)

	capt := capture.New(buildSources(cfg, s, pipeline), s)
	pipeline.AddProducer(capt)
	capt.Start(ctx)

	log.Printf("Ingesting from %d Beast source(s), APRS enabled: %v", len(cfg.BeastSources), cfg.APRS.Enabled)
	<-ctx.Done()

	log.Println("Shutting down...")
	pipeline.Shutdown()
	return nil
}

// createClients connects to the broker, the database and the cache. The
// cache is optional; without it every lookup goes to the database.
func createClients(cfg *config.Config, s *stats.Stats) (*nats.Client, *db.Client, *redis.Client, error) {
	natsClient, err := nats.New(cfg.NATSURL, s, cfg.Staging)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create NATS client: %w", err)
	}

	dbClient, err := db.New(cfg.DBConnStr)
	if err != nil {
		natsClient.Close()
		return nil, nil, nil, fmt.Errorf("failed to create database client: %w", err)
	}

	redisClient, err := redis.New(cfg.RedisAddr)
	if err != nil {
		log.Printf("Warning: Redis unavailable, aircraft lookups go to the database: %v", err)
		redisClient = nil
	}

	return natsClient, dbClient, redisClient, nil
}

func closeClients(natsClient *nats.Client, dbClient *db.Client, redisClient *redis.Client) {
	natsClient.Close()
	if err := dbClient.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "error closing dbClient: %v\n", err)
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "error closing redisClient: %v\n", err)
		}
	}
}

func newPipeline(cfg *config.Config, s *stats.Stats, publisher ingest.Publisher, dbClient *db.Client, redisClient *redis.Client) *ingest.Pipeline {
	var cache normalize.AircraftCache
	if redisClient != nil {
		cache = redisClient
	}
	n := normalize.New(normalize.NewResolver(dbClient, cache, s), s)
	return ingest.New(n, publisher, dbClient, s, cfg.QueueSize, runtime.NumCPU())
}

// buildSources creates one capture source per Beast receiver plus the APRS
// server when enabled
func buildSources(cfg *config.Config, s *stats.Stats, pipeline *ingest.Pipeline) []capture.Source {
	var sources []capture.Source
	for _, addr := range cfg.BeastSources {
		client := beast.NewClient(s, pipeline.BeastHandler(addr))
		sources = append(sources, client.Source(addr, addr))
	}
	if cfg.APRS.Enabled {
		sources = append(sources, aprs.NewClient(cfg.APRS, s, pipeline.RouteAPRS).Source())
	}
	return sources
}
