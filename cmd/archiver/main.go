package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/saviobatista/flight-tracker/internal/config"
	"github.com/saviobatista/flight-tracker/internal/nats"
	"github.com/saviobatista/flight-tracker/internal/stats"
	"github.com/saviobatista/flight-tracker/internal/storage"
	"github.com/saviobatista/flight-tracker/internal/types"
)

const durableName = "archiver"

func main() {
	if err := runArchiver(); err != nil {
		log.Printf("Archiver failed: %v", err)
		os.Exit(1)
	}
}

// runArchiver contains the main application logic and can be tested
func runArchiver() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	archive := storage.New(cfg.ArchiveDir)
	if err := archive.Start(); err != nil {
		return fmt.Errorf("failed to start archive: %w", err)
	}
	defer func() {
		if err := archive.Stop(); err != nil {
			log.Printf("Failed to close archive: %v", err)
		}
	}()

	s := stats.New()
	client, err := nats.New(cfg.NATSURL, s, cfg.Staging)
	if err != nil {
		return fmt.Errorf("failed to create NATS client: %w", err)
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := s.Serve(ctx, cfg.MetricsAddr); err != nil {
			log.Printf("Metrics server stopped: %v", err)
		}
	}()

	log.Printf("Archiving %v to %s", nats.ConsumedSubjects(cfg.Staging), cfg.ArchiveDir)
	err = client.Consume(ctx, durableName, writeFix(archive), nats.DefaultConsumeOptions())

	log.Println("Shutting down...")
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("failed to consume fixes: %w", err)
	}
	return nil
}

// writeFix archives each delivery. A failed write naks it for redelivery.
func writeFix(archive *storage.Archive) nats.FixHandler {
	return func(_ context.Context, fix *types.Fix) error {
		if err := archive.WriteFix(fix); err != nil {
			log.Printf("Failed to write message: %v", err)
			return err
		}
		return nil
	}
}
