package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
)

// Migration represents a database migration
type Migration struct {
	Name    string
	UpSQL   string
	DownSQL string
}

// All lists every migration in the order it must be applied
func All() []*Migration {
	return []*Migration{
		InitialSchema,
		RetentionPolicies,
	}
}

// Migrator manages database migrations
type Migrator struct {
	db *sql.DB
}

// New creates a new Migrator
func New(db *sql.DB) *Migrator {
	return &Migrator{db: db}
}

// Initialize creates the migrations table if it doesn't exist
func (m *Migrator) Initialize(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			id SERIAL PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`
	_, err := m.db.ExecContext(ctx, query)
	return err
}

// GetAppliedMigrations returns the names of applied migrations
func (m *Migrator) GetAppliedMigrations(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT name FROM schema_migrations ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		applied[name] = true
	}
	return applied, rows.Err()
}

// Pending returns the migrations of list that have not been applied yet
func (m *Migrator) Pending(ctx context.Context, list []*Migration) ([]*Migration, error) {
	applied, err := m.GetAppliedMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get applied migrations: %w", err)
	}
	var pending []*Migration
	for _, mig := range list {
		if !applied[mig.Name] {
			pending = append(pending, mig)
		}
	}
	return pending, nil
}

// run executes one migration step and its bookkeeping in a single transaction
func (m *Migrator) run(ctx context.Context, name, stmt, recordQuery string) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			log.Printf("Warning: failed to rollback transaction: %v", err)
		}
	}()

	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to execute migration %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, recordQuery, name); err != nil {
		return fmt.Errorf("failed to record migration %s: %w", name, err)
	}

	return tx.Commit()
}

// ApplyMigration applies a single migration
func (m *Migrator) ApplyMigration(ctx context.Context, mig *Migration) error {
	return m.run(ctx, mig.Name, mig.UpSQL, "INSERT INTO schema_migrations (name) VALUES ($1)")
}

// RollbackMigration rolls back a single migration
func (m *Migrator) RollbackMigration(ctx context.Context, mig *Migration) error {
	return m.run(ctx, mig.Name, mig.DownSQL, "DELETE FROM schema_migrations WHERE name = $1")
}

// Migrate applies all pending migrations
func (m *Migrator) Migrate(ctx context.Context, list []*Migration) error {
	if err := m.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}

	pending, err := m.Pending(ctx, list)
	if err != nil {
		return err
	}

	for _, mig := range pending {
		if err := m.ApplyMigration(ctx, mig); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", mig.Name, err)
		}
		log.Printf("Applied migration: %s", mig.Name)
	}
	return nil
}

// Rollback rolls back the last applied migration
func (m *Migrator) Rollback(ctx context.Context, list []*Migration) error {
	applied, err := m.GetAppliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}

	var last *Migration
	for i := len(list) - 1; i >= 0; i-- {
		if applied[list[i].Name] {
			last = list[i]
			break
		}
	}
	if last == nil {
		return fmt.Errorf("no migrations to rollback")
	}

	if err := m.RollbackMigration(ctx, last); err != nil {
		return fmt.Errorf("failed to rollback migration %s: %w", last.Name, err)
	}

	log.Printf("Rolled back migration: %s", last.Name)
	return nil
}
