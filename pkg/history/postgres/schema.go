// Package postgres provides a PostgreSQL-backed implementation of the Cadenza
// conversation history (turn log and semantic index).
//
// Both layers share a single [pgxpool.Pool] connection pool. The pgvector
// extension must be available in the target database; [Migrate] installs it
// automatically via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, 768)
//	if err != nil { … }
//
//	// Turn log
//	_ = store.Turns().WriteTurn(ctx, turn)
//
//	// Semantic recall
//	_ = store.Index().IndexTurn(ctx, indexed)
//	results, _ := store.Index().Search(ctx, queryEmbedding, 5, history.Filter{})
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// Turn log DDL
// ─────────────────────────────────────────────────────────────────────────────

const ddlTurns = `
CREATE TABLE IF NOT EXISTS turns (
    id              BIGSERIAL    PRIMARY KEY,
    conversation_id TEXT         NOT NULL,
    user_text       TEXT         NOT NULL,
    dialogue        TEXT         NOT NULL,
    mood            TEXT         NOT NULL DEFAULT '',
    timestamp       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    duration_ns     BIGINT       NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_turns_conversation_id
    ON turns (conversation_id);

CREATE INDEX IF NOT EXISTS idx_turns_timestamp
    ON turns (timestamp);

CREATE INDEX IF NOT EXISTS idx_turns_conversation_timestamp
    ON turns (conversation_id, timestamp);

CREATE INDEX IF NOT EXISTS idx_turns_fts
    ON turns USING GIN (to_tsvector('english', user_text || ' ' || dialogue));
`

// ddlIndexedTurns returns the semantic index DDL with the embedding dimension
// substituted. The vector dimension is baked into the column type at schema
// creation time.
func ddlIndexedTurns(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS indexed_turns (
    id              TEXT         PRIMARY KEY,
    conversation_id TEXT         NOT NULL,
    dialogue        TEXT         NOT NULL,
    mood            TEXT         NOT NULL DEFAULT '',
    embedding       vector(%d),
    timestamp       TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_indexed_turns_conversation_id
    ON indexed_turns (conversation_id);

CREATE INDEX IF NOT EXISTS idx_indexed_turns_embedding
    ON indexed_turns USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates or ensures all required database tables and extensions exist.
// It is idempotent (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS) and
// safe to call on every application start.
//
// embeddingDimensions must match the vector model configured for your deployment
// (e.g., 768 for nomic-embed-text, 1536 for OpenAI text-embedding-3-small).
// Changing this value after the first migration requires a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlTurns,
		ddlIndexedTurns(embeddingDimensions),
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
