// Package pgstore keeps a durable log of committed transcript utterances in
// PostgreSQL.
//
// [Store] is a [transcript.Listener]: attach it to the reconciler and every
// committed utterance is appended to the transcript_entries table, labelled
// with the recording session and its position in that session. Interim text
// is never stored.
//
// Usage:
//
//	store, err := pgstore.New(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//	rec := transcript.NewReconciler(transcript.WithListener(store))
package pgstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// The 'simple' text search configuration is used because sessions switch
// between languages.
const ddlTranscriptEntries = `
CREATE TABLE IF NOT EXISTS transcript_entries (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    seq         INTEGER      NOT NULL,
    text        TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    UNIQUE (session_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_transcript_entries_created_at
    ON transcript_entries (created_at);

CREATE INDEX IF NOT EXISTS idx_transcript_entries_fts
    ON transcript_entries USING GIN (to_tsvector('simple', text));
`

// Migrate creates the transcript tables if they do not exist. It is
// idempotent and safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlTranscriptEntries); err != nil {
		return fmt.Errorf("pgstore: migrate: %w", err)
	}
	return nil
}
