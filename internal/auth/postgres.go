package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store against the apikeys table:
//
//	CREATE TABLE apikeys (
//	    key          TEXT PRIMARY KEY,
//	    description  TEXT,
//	    models       TEXT[],
//	    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    last_used_at TIMESTAMPTZ
//	);
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an existing connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetByKey(ctx context.Context, key string) (*APIKey, error) {
	query := `
		SELECT key, description, models, created_at, last_used_at
		FROM apikeys
		WHERE key = $1`

	var (
		apiKey      APIKey
		description sql.NullString
		models      pq.StringArray
		lastUsedAt  sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, key).Scan(
		&apiKey.Key, &description, &models, &apiKey.CreatedAt, &lastUsedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query api key: %w", err)
	}

	apiKey.Description = description.String
	apiKey.Models = []string(models)
	if lastUsedAt.Valid {
		apiKey.LastUsedAt = &lastUsedAt.Time
	}
	return &apiKey, nil
}

func (s *PostgresStore) TouchLastUsed(ctx context.Context, key string, usedAt time.Time) error {
	query := `UPDATE apikeys SET last_used_at = $2 WHERE key = $1`
	if _, err := s.db.ExecContext(ctx, query, key, usedAt); err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}
