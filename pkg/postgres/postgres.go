package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/ds124wfegd/playverse/config"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	_ "github.com/lib/pq"
)

func NewPostgresDB(cfg *config.DatabaseConfig) (*sqlx.DB, error) {
	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode,
	)

	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logrus.WithFields(logrus.Fields{"host": cfg.Host, "dbname": cfg.DBName}).Info("Successfully connected to PostgreSQL")
	return db, nil
}

// Migrations are idempotent and applied in order on every start.
var Migrations = []string{
	`CREATE TABLE IF NOT EXISTS events (
		id BIGSERIAL PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		date TIMESTAMPTZ NOT NULL,
		slot VARCHAR(100) NOT NULL,
		sports_name VARCHAR(100) NOT NULL,
		venue_name VARCHAR(255) NOT NULL,
		venue_image TEXT NOT NULL DEFAULT '',
		location VARCHAR(255) NOT NULL,
		participants_limit INTEGER NOT NULL CHECK (participants_limit > 0),
		price BIGINT NOT NULL CHECK (price > 0),
		confirmed_slots INTEGER NOT NULL DEFAULT 0,
		confirmation_count INTEGER NOT NULL DEFAULT 0,
		cancellation_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS participants (
		id UUID PRIMARY KEY,
		event_id BIGINT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
		name VARCHAR(255) NOT NULL,
		phone VARCHAR(20) NOT NULL,
		email VARCHAR(255) NOT NULL DEFAULT '',
		skill_level VARCHAR(50) NOT NULL,
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		status VARCHAR(20) NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'confirmed', 'failed')),
		transaction_ref VARCHAR(64) NOT NULL,
		payment_ref VARCHAR(64) NOT NULL DEFAULT '',
		gateway VARCHAR(20) NOT NULL,
		amount BIGINT NOT NULL,
		failure_reason VARCHAR(50) NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		confirmed_at TIMESTAMPTZ,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	// Indexes
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_participants_transaction_ref ON participants(transaction_ref)`,
	`CREATE INDEX IF NOT EXISTS idx_participants_event_status ON participants(event_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_participants_status_created ON participants(status, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_events_date ON events(date)`,
	`CREATE INDEX IF NOT EXISTS idx_events_sports_name ON events(sports_name)`,
}

func RunMigrations(ctx context.Context, db *sqlx.DB) error {
	for i, migration := range Migrations {
		if _, err := db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("failed to execute migration %d: %w", i, err)
		}
	}

	logrus.WithField("count", len(Migrations)).Info("Database migrations completed successfully")
	return nil
}
