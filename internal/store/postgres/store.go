// Package postgres provides the durable transcript segment store.
//
// Segments promoted out of the mutable map land here, keyed uniquely by
// (session_uid, start_time). Inserting the same key twice is a no-op, which
// gives the promoter at-least-once semantics without duplicate rows.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	n, _ := store.UpsertSegments(ctx, "42", segments)
//	rows, _ := store.SegmentsByMeeting(ctx, "42", from, to)
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/loqui-ai/loqui/pkg/types"
)

// Store is the PostgreSQL-backed segment store. It holds a single
// [pgxpool.Pool]; all operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store, establishes the connection pool for dsn, and runs
// [Migrate] to ensure the schema exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping probes the database, for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// UpsertSegments inserts the given final segments for a meeting in one
// transaction. Rows whose (session_uid, start_time) already exist are left
// intact. Returns the number of rows actually inserted.
func (s *Store) UpsertSegments(ctx context.Context, meetingID string, segments []types.Segment) (int, error) {
	if len(segments) == 0 {
		return 0, nil
	}

	const q = `
		INSERT INTO transcript_segments
		    (meeting_id, session_uid, start_time, end_time, text,
		     language, speaker_id, speaker_name, absolute_start_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (session_uid, start_time) DO NOTHING`

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("postgres store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var batch pgx.Batch
	for _, seg := range segments {
		batch.Queue(q,
			meetingID,
			seg.SessionUID,
			seg.Start,
			seg.End,
			seg.Text,
			seg.Language,
			seg.SpeakerID,
			seg.SpeakerName,
			parseAbsolute(seg.AbsoluteStartTime),
		)
	}

	br := tx.SendBatch(ctx, &batch)
	inserted := 0
	for range segments {
		tag, err := br.Exec()
		if err != nil {
			br.Close()
			return 0, fmt.Errorf("postgres store: upsert segment: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	if err := br.Close(); err != nil {
		return 0, fmt.Errorf("postgres store: close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("postgres store: commit: %w", err)
	}
	return inserted, nil
}

// SegmentsByMeeting returns the stored segments for a meeting whose absolute
// start time falls within [from, to), ordered by session and start time. Zero
// bounds disable the corresponding filter.
func (s *Store) SegmentsByMeeting(ctx context.Context, meetingID string, from, to time.Time) ([]types.Segment, error) {
	args := []any{meetingID}
	q := `
		SELECT session_uid, start_time, end_time, text,
		       language, speaker_id, speaker_name, absolute_start_time
		FROM   transcript_segments
		WHERE  meeting_id = $1`
	if !from.IsZero() {
		args = append(args, from)
		q += fmt.Sprintf("\n  AND  absolute_start_time >= $%d", len(args))
	}
	if !to.IsZero() {
		args = append(args, to)
		q += fmt.Sprintf("\n  AND  absolute_start_time < $%d", len(args))
	}
	q += "\nORDER BY session_uid, start_time"

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: query segments: %w", err)
	}

	segments, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Segment, error) {
		var (
			seg types.Segment
			abs *time.Time
		)
		if err := row.Scan(
			&seg.SessionUID,
			&seg.Start,
			&seg.End,
			&seg.Text,
			&seg.Language,
			&seg.SpeakerID,
			&seg.SpeakerName,
			&abs,
		); err != nil {
			return types.Segment{}, err
		}
		seg.Completed = types.SegmentFinal
		if abs != nil {
			seg.AbsoluteStartTime = abs.Format(time.RFC3339Nano)
		}
		return seg, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan rows: %w", err)
	}
	if segments == nil {
		segments = []types.Segment{}
	}
	return segments, nil
}

// parseAbsolute converts the wire-format absolute timestamp to a nullable
// column value. Unparseable strings store NULL rather than failing the batch.
func parseAbsolute(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &t
}
