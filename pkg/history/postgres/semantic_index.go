package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/MrWong99/cadenza/pkg/history"
)

// SemanticIndexImpl is the recall layer backed by a PostgreSQL indexed_turns
// table with a pgvector HNSW index for fast approximate nearest-neighbour
// search.
//
// Obtain one via [Store.Index] rather than constructing directly.
// All methods are safe for concurrent use.
type SemanticIndexImpl struct {
	pool *pgxpool.Pool
}

// IndexTurn implements [history.SemanticIndex]. It upserts a pre-embedded
// [history.IndexedTurn] into the indexed_turns table. If an entry with the
// same ID already exists it is completely replaced.
func (s *SemanticIndexImpl) IndexTurn(ctx context.Context, turn history.IndexedTurn) error {
	const q = `
		INSERT INTO indexed_turns
		    (id, conversation_id, dialogue, mood, embedding, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
		    conversation_id = EXCLUDED.conversation_id,
		    dialogue        = EXCLUDED.dialogue,
		    mood            = EXCLUDED.mood,
		    embedding       = EXCLUDED.embedding,
		    timestamp       = EXCLUDED.timestamp`

	vec := pgvector.NewVector(turn.Embedding)
	_, err := s.pool.Exec(ctx, q,
		turn.ID,
		turn.ConversationID,
		turn.Dialogue,
		turn.Mood,
		vec,
		turn.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("semantic index: index turn: %w", err)
	}
	return nil
}

// Search implements [history.SemanticIndex]. It finds the topK indexed turns
// whose embeddings are closest (cosine distance) to the supplied query
// embedding, optionally filtered by filter.
//
// Results are ordered by ascending cosine distance (most similar first).
func (s *SemanticIndexImpl) Search(ctx context.Context, embedding []float32, topK int, filter history.Filter) ([]history.SearchResult, error) {
	queryVec := pgvector.NewVector(embedding)

	args := []any{queryVec} // $1 = query vector
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var conditions []string
	if filter.ConversationID != "" {
		conditions = append(conditions, "conversation_id = "+next(filter.ConversationID))
	}
	if filter.Mood != "" {
		conditions = append(conditions, "mood = "+next(filter.Mood))
	}
	if !filter.After.IsZero() {
		conditions = append(conditions, "timestamp > "+next(filter.After))
	}
	if !filter.Before.IsZero() {
		conditions = append(conditions, "timestamp < "+next(filter.Before))
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, "\n  AND ")
	}

	args = append(args, topK)
	limitArg := fmt.Sprintf("$%d", len(args))

	q := fmt.Sprintf(`
		SELECT id, conversation_id, dialogue, mood, embedding, timestamp,
		       embedding <=> $1 AS distance
		FROM   indexed_turns
		%s
		ORDER  BY distance
		LIMIT  %s`, whereClause, limitArg)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("semantic index: search: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (history.SearchResult, error) {
		var (
			sr  history.SearchResult
			vec pgvector.Vector
		)
		if err := row.Scan(
			&sr.Turn.ID,
			&sr.Turn.ConversationID,
			&sr.Turn.Dialogue,
			&sr.Turn.Mood,
			&vec,
			&sr.Turn.Timestamp,
			&sr.Distance,
		); err != nil {
			return history.SearchResult{}, err
		}
		sr.Turn.Embedding = vec.Slice()
		return sr, nil
	})
	if err != nil {
		return nil, fmt.Errorf("semantic index: scan rows: %w", err)
	}
	if results == nil {
		results = []history.SearchResult{}
	}
	return results, nil
}
