package registry

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	_ "github.com/lib/pq" // PostgreSQL driver
)

// PostgresSource loads model routes from the models table:
//
//	model TEXT PRIMARY KEY, provider TEXT, strategy TEXT,
//	enable_affinity BOOL, affinity_write_on_success BOOL NULL,
//	min_error_rate JSONB NULL, backends JSONB, updated_at TIMESTAMPTZ
//
// Change detection polls a cheap fingerprint (row count plus max updated_at)
// instead of reloading the full table on every tick.
type PostgresSource struct {
	db       *sql.DB
	logger   *slog.Logger
	interval time.Duration

	lastCount int64
	lastStamp time.Time
}

// NewPostgresSource creates a database-backed model source polling at the
// given interval.
func NewPostgresSource(db *sql.DB, interval time.Duration, logger *slog.Logger) *PostgresSource {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &PostgresSource{db: db, logger: logger, interval: interval}
}

// Name identifies the source in logs.
func (s *PostgresSource) Name() string { return "postgres models" }

// Load reads all model documents.
func (s *PostgresSource) Load(ctx context.Context) ([]*Model, error) {
	query := `
		SELECT model, provider, strategy, enable_affinity,
		       affinity_write_on_success, min_error_rate, backends
		FROM models
		ORDER BY model`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query models: %w", err)
	}
	defer rows.Close()

	var models []*Model
	for rows.Next() {
		var (
			m            Model
			writeOnOK    sql.NullBool
			minErrorJSON []byte
			backendsJSON []byte
		)
		if err := rows.Scan(&m.Name, &m.Provider, &m.Strategy, &m.EnableAffinity,
			&writeOnOK, &minErrorJSON, &backendsJSON); err != nil {
			return nil, fmt.Errorf("scan model row: %w", err)
		}
		if writeOnOK.Valid {
			v := writeOnOK.Bool
			m.AffinityWriteOnSuccess = &v
		}
		if len(minErrorJSON) > 0 {
			var opts MinErrorRateOptions
			if err := json.Unmarshal(minErrorJSON, &opts); err != nil {
				return nil, fmt.Errorf("model %q: parse min_error_rate: %w", m.Name, err)
			}
			m.MinErrorRate = &opts
		}
		if err := json.Unmarshal(backendsJSON, &m.Backends); err != nil {
			return nil, fmt.Errorf("model %q: parse backends: %w", m.Name, err)
		}
		models = append(models, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate model rows: %w", err)
	}
	return models, nil
}

// Watch polls the change fingerprint and invokes notify when it moves.
func (s *PostgresSource) Watch(ctx context.Context, notify func()) error {
	// Seed the fingerprint so startup does not look like a change.
	if count, stamp, err := s.fingerprint(ctx); err == nil {
		s.lastCount, s.lastStamp = count, stamp
	}

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				count, stamp, err := s.fingerprint(ctx)
				if err != nil {
					s.logger.Error("model table poll failed", "error", err)
					continue
				}
				if count != s.lastCount || !stamp.Equal(s.lastStamp) {
					s.lastCount, s.lastStamp = count, stamp
					notify()
				}
			}
		}
	}()
	return nil
}

func (s *PostgresSource) fingerprint(ctx context.Context) (int64, time.Time, error) {
	var (
		count int64
		stamp sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MAX(updated_at) FROM models`).Scan(&count, &stamp)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("query models fingerprint: %w", err)
	}
	return count, stamp.Time, nil
}
