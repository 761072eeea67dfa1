// Package quarantine persists an audit record for every message that
// exhausted its retry budget, so operators can inspect and replay poison
// messages without digging through the error queue.
package quarantine

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // The blank import is for the PostgreSQL driver
	"github.com/rs/zerolog/log"

	"github.com/umbrellio/sneakers-handlers/config"
	"github.com/umbrellio/sneakers-handlers/internal/models"
)

// Store writes quarantine audit records to PostgreSQL.
type Store struct {
	SQL *sqlx.DB
}

// New creates a new database connection pool.
func New(cfg config.Config) (*Store, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBSSLMode)

	log.Info().Msg("Connecting to database...")
	db, err := sqlx.Connect("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetConnMaxLifetime(time.Minute * 3)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)

	log.Info().Msg("Database connection successful.")
	return &Store{SQL: db}, nil
}

// Close gracefully closes the database connection.
func (s *Store) Close() {
	log.Info().Msg("Closing database connection.")
	s.SQL.Close()
}

// Record inserts one quarantine audit row.
func (s *Store) Record(ctx context.Context, rec models.QuarantinedMessage) error {
	query := `INSERT INTO quarantined_messages
		(message_id, queue, routing_key, reason, attempts, body, quarantined_at)
		VALUES (:message_id, :queue, :routing_key, :reason, :attempts, :body, :quarantined_at)`

	if _, err := s.SQL.NamedExecContext(ctx, query, rec); err != nil {
		return fmt.Errorf("could not record quarantined message %s: %w", rec.MessageID, err)
	}
	return nil
}

// Recent returns the most recent quarantine records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]models.QuarantinedMessage, error) {
	var records []models.QuarantinedMessage
	query := `SELECT id, message_id, queue, routing_key, reason, attempts, body, quarantined_at
		FROM quarantined_messages ORDER BY quarantined_at DESC LIMIT $1`

	if err := s.SQL.SelectContext(ctx, &records, query, limit); err != nil {
		return nil, fmt.Errorf("could not list quarantined messages: %w", err)
	}
	return records, nil
}
