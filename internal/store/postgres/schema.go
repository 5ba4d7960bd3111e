package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlTranscriptSegments = `
CREATE TABLE IF NOT EXISTS transcript_segments (
    id                  BIGSERIAL         PRIMARY KEY,
    meeting_id          TEXT              NOT NULL,
    session_uid         TEXT              NOT NULL,
    start_time          DOUBLE PRECISION  NOT NULL,
    end_time            DOUBLE PRECISION  NOT NULL,
    text                TEXT              NOT NULL,
    language            TEXT              NOT NULL DEFAULT '',
    speaker_id          TEXT              NOT NULL DEFAULT '',
    speaker_name        TEXT              NOT NULL DEFAULT '',
    absolute_start_time TIMESTAMPTZ,
    created_at          TIMESTAMPTZ       NOT NULL DEFAULT now(),
    UNIQUE (session_uid, start_time)
);

CREATE INDEX IF NOT EXISTS idx_segments_meeting
    ON transcript_segments (meeting_id);

CREATE INDEX IF NOT EXISTS idx_segments_meeting_abs_time
    ON transcript_segments (meeting_id, absolute_start_time);
`

// Migrate creates or ensures the transcript_segments table and its indexes.
// Idempotent; safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlTranscriptSegments); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
