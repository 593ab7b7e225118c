package store

import (
	"context"
	"fmt"

	"github.com/andresmejia3/dashlink/internal/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Store manages the PostgreSQL connection holding the transmission log.
type Store struct {
	conn *pgx.Conn
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// initSchema creates the transmission table if it doesn't exist (Auto-Migration).
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS transmissions (
			id TEXT PRIMARY KEY,
			observed_at TIMESTAMPTZ NOT NULL,
			sent_at TIMESTAMPTZ NOT NULL,
			peer TEXT NOT NULL,
			frame_bytes BIGINT NOT NULL,
			preprocessed_bytes BIGINT NOT NULL,
			processed_bytes BIGINT NOT NULL,
			scores REAL[] NOT NULL,
			digest TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS transmissions_sent_at_idx ON transmissions (sent_at DESC);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// RecordTransmission saves one sent frame. Recording the same trigger twice is a no-op.
func (s *Store) RecordTransmission(ctx context.Context, t types.Transmission) error {
	scores := t.Scores
	if scores == nil {
		scores = []float32{} // NOT NULL column
	}
	_, err := s.conn.Exec(ctx, `
		INSERT INTO transmissions (id, observed_at, sent_at, peer, frame_bytes, preprocessed_bytes, processed_bytes, scores, digest)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`, t.ID.String(), t.ObservedAt, t.SentAt, t.Peer, t.FrameBytes, t.PreprocessedBytes, t.ProcessedBytes, scores, t.Digest)
	return err
}

// ListTransmissions returns the most recent transmissions, newest first.
func (s *Store) ListTransmissions(ctx context.Context, limit int) ([]types.Transmission, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT id, observed_at, sent_at, peer, frame_bytes, preprocessed_bytes, processed_bytes, scores, digest
		FROM transmissions
		ORDER BY sent_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Transmission
	for rows.Next() {
		var (
			t  types.Transmission
			id string
		)
		if err := rows.Scan(&id, &t.ObservedAt, &t.SentAt, &t.Peer, &t.FrameBytes, &t.PreprocessedBytes, &t.ProcessedBytes, &t.Scores, &t.Digest); err != nil {
			return nil, err
		}
		if t.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("corrupt transmission id %q: %w", id, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Reset drops the application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `DROP TABLE IF EXISTS transmissions CASCADE;`)
	return err
}
