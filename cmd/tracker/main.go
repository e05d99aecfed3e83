package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/saviobatista/flight-tracker/internal/config"
	"github.com/saviobatista/flight-tracker/internal/db"
	"github.com/saviobatista/flight-tracker/internal/nats"
	"github.com/saviobatista/flight-tracker/internal/redis"
	"github.com/saviobatista/flight-tracker/internal/stats"
	"github.com/saviobatista/flight-tracker/internal/tracker"
)

const (
	durableName         = "tracker"
	persistenceInterval = 5 * time.Minute
)

func main() {
	if err := run(); err != nil {
		log.Printf("Tracker failed: %v", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	s := stats.New()
	natsClient, dbClient, redisClient, err := createClients(cfg, s)
	if err != nil {
		return err
	}
	defer closeClients(natsClient, dbClient, redisClient)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tr, err := setupTracker(ctx, cfg, s, dbClient, redisClient)
	if err != nil {
		return err
	}
	defer tr.Stop()

	go func() {
		if err := s.Serve(ctx, cfg.MetricsAddr); err != nil {
			log.Printf("Metrics server stopped: %v", err)
		}
	}()
	go s.LogPeriodically(ctx, cfg.StatsInterval)
	go s.StartPersistence(ctx, persistenceInterval)

	log.Printf("Consuming %v as %s", nats.ConsumedSubjects(cfg.Staging), durableName)
	err = natsClient.ConsumePipelined(ctx, durableName, tr.Submit, nats.DefaultConsumeOptions())

	log.Println("Shutting down...")
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("failed to consume fixes: %w", err)
	}
	return nil
}

// createClients connects to the broker, the database and the live cache.
// The live cache is optional.
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
		log.Printf("Warning: Redis unavailable, live flight state disabled: %v", err)
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

// setupTracker creates the tracker, restores open flights and wires
// statistics persistence to the database
func setupTracker(ctx context.Context, cfg *config.Config, s *stats.Stats, dbClient *db.Client, redisClient *redis.Client) (*tracker.Tracker, error) {
	if err := dbClient.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	var live tracker.LiveCache
	if redisClient != nil {
		live = redisClient
	}

	tr := tracker.New(cfg.Tracker, dbClient, live, s)
	if err := tr.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start tracker: %w", err)
	}
	s.SetDB(dbClient)
	return tr, nil
}
