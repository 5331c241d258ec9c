package stats

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

// PostgresStore implements Store against the request_metrics table:
//
//	CREATE TABLE request_metrics (
//	    request_id  TEXT PRIMARY KEY,
//	    backend_id  TEXT NOT NULL,
//	    instance_id TEXT NOT NULL,
//	    model       TEXT,
//	    recorded_at TIMESTAMPTZ NOT NULL,
//	    success     BOOLEAN NOT NULL,
//	    duration_ms DOUBLE PRECISION NOT NULL,
//	    ttft_ms     DOUBLE PRECISION,
//	    stream_type TEXT,
//	    error_type  TEXT,
//	    status_code INT
//	);
//	CREATE INDEX request_metrics_backend_time_idx
//	    ON request_metrics (backend_id, recorded_at);
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an existing connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Record(ctx context.Context, metric *RequestMetric) error {
	query := `
		INSERT INTO request_metrics
			(request_id, backend_id, instance_id, model, recorded_at,
			 success, duration_ms, ttft_ms, stream_type, error_type, status_code)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (request_id) DO NOTHING`

	_, err := s.db.ExecContext(ctx, query,
		metric.RequestID,
		metric.BackendID,
		metric.InstanceID,
		nullString(metric.Model),
		metric.Timestamp,
		metric.Success,
		metric.DurationMs,
		nullFloat(metric.TTFTMs),
		nullString(string(metric.StreamType)),
		nullString(metric.ErrorType),
		nullInt(metric.StatusCode),
	)
	if err != nil {
		return fmt.Errorf("insert request metric: %w", err)
	}
	return nil
}

const aggregateColumns = `
		COUNT(*) AS total,
		COUNT(*) FILTER (WHERE success) AS successes,
		COALESCE(AVG(ttft_ms) FILTER (WHERE stream_type = 'streaming'), 0) AS streaming_avg,
		COUNT(ttft_ms) FILTER (WHERE stream_type = 'streaming') AS streaming_samples,
		COALESCE(AVG(ttft_ms) FILTER (WHERE stream_type = 'non-streaming'), 0) AS non_streaming_avg,
		COUNT(ttft_ms) FILTER (WHERE stream_type = 'non-streaming') AS non_streaming_samples`

func (s *PostgresStore) GetStats(ctx context.Context, backendID string, w Window) (*Stats, error) {
	query := `
		SELECT` + aggregateColumns + `
		FROM request_metrics
		WHERE backend_id = $1 AND recorded_at >= $2 AND recorded_at < $3`

	st := emptyStats(backendID)
	var streamingAvg, nonStreamingAvg float64
	err := s.db.QueryRowContext(ctx, query, backendID, w.Start, w.End).Scan(
		&st.TotalRequests, &st.SuccessfulRequests,
		&streamingAvg, &st.StreamingTTFTSamples,
		&nonStreamingAvg, &st.NonStreamingTTFTSamples,
	)
	if err != nil {
		return nil, fmt.Errorf("query backend stats: %w", err)
	}

	finishStats(st, streamingAvg, nonStreamingAvg)
	return st, nil
}

func (s *PostgresStore) GetAllStats(ctx context.Context, w Window) (map[string]*Stats, error) {
	query := `
		SELECT backend_id,` + aggregateColumns + `
		FROM request_metrics
		WHERE recorded_at >= $1 AND recorded_at < $2
		GROUP BY backend_id`

	rows, err := s.db.QueryContext(ctx, query, w.Start, w.End)
	if err != nil {
		return nil, fmt.Errorf("query all backend stats: %w", err)
	}
	defer rows.Close()

	all := make(map[string]*Stats)
	for rows.Next() {
		var backendID string
		var streamingAvg, nonStreamingAvg float64
		st := &Stats{}
		if err := rows.Scan(
			&backendID, &st.TotalRequests, &st.SuccessfulRequests,
			&streamingAvg, &st.StreamingTTFTSamples,
			&nonStreamingAvg, &st.NonStreamingTTFTSamples,
		); err != nil {
			return nil, fmt.Errorf("scan backend stats: %w", err)
		}
		st.BackendID = backendID
		finishStats(st, streamingAvg, nonStreamingAvg)
		all[backendID] = st
	}
	return all, rows.Err()
}

func (s *PostgresStore) GetHistoricalStats(ctx context.Context, q HistoryQuery) ([]*MinuteBucket, error) {
	var sb strings.Builder
	sb.WriteString(`
		SELECT backend_id, date_trunc('minute', recorded_at) AS minute,` + aggregateColumns + `
		FROM request_metrics
		WHERE recorded_at >= $1 AND recorded_at < $2`)
	args := []interface{}{q.Start, q.End}

	if q.BackendID != "" {
		args = append(args, q.BackendID)
		sb.WriteString(" AND backend_id = $" + strconv.Itoa(len(args)))
	}
	if q.InstanceID != "" {
		args = append(args, q.InstanceID)
		sb.WriteString(" AND instance_id = $" + strconv.Itoa(len(args)))
	}
	sb.WriteString(`
		GROUP BY backend_id, minute
		ORDER BY minute DESC, backend_id`)
	if q.Limit > 0 {
		args = append(args, q.Limit)
		sb.WriteString(" LIMIT $" + strconv.Itoa(len(args)))
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query historical stats: %w", err)
	}
	defer rows.Close()

	var out []*MinuteBucket
	for rows.Next() {
		b := &MinuteBucket{}
		var successes int64
		if err := rows.Scan(
			&b.BackendID, &b.Minute, &b.TotalRequests, &successes,
			&b.AvgStreamingTTFTMs, &b.StreamingTTFTSamples,
			&b.AvgNonStreamingTTFTMs, &b.NonStreamingTTFTSamples,
		); err != nil {
			return nil, fmt.Errorf("scan minute bucket: %w", err)
		}
		b.SuccessCount = successes
		b.FailureCount = b.TotalRequests - successes
		out = append(out, b)
	}
	return out, rows.Err()
}

func finishStats(st *Stats, streamingAvg, nonStreamingAvg float64) {
	st.FailedRequests = st.TotalRequests - st.SuccessfulRequests
	if st.TotalRequests > 0 {
		st.SuccessRate = float64(st.SuccessfulRequests) / float64(st.TotalRequests)
	} else {
		st.SuccessRate = 1.0
	}
	st.AvgStreamingTTFTMs = streamingAvg
	st.AvgNonStreamingTTFTMs = nonStreamingAvg
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullFloat(f float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: f, Valid: f > 0}
}

func nullInt(i int) sql.NullInt32 {
	return sql.NullInt32{Int32: int32(i), Valid: i != 0}
}
