package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/cadenza/pkg/history"
)

// defaultRecentTurns is the number of turns Recent returns when the caller
// passes a limit of 0.
const defaultRecentTurns = 20

// TurnStoreImpl is the turn log layer backed by a PostgreSQL turns table with
// a GIN full-text search index over the user and character text.
//
// Obtain one via [Store.Turns] rather than constructing directly.
// All methods are safe for concurrent use.
type TurnStoreImpl struct {
	pool *pgxpool.Pool
}

// WriteTurn implements [history.TurnStore]. It appends turn to the turns table.
func (s *TurnStoreImpl) WriteTurn(ctx context.Context, turn history.Turn) error {
	const q = `
		INSERT INTO turns
		    (conversation_id, user_text, dialogue, mood, timestamp, duration_ns)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.pool.Exec(ctx, q,
		turn.ConversationID,
		turn.UserText,
		turn.Dialogue,
		turn.Mood,
		turn.Timestamp,
		turn.Duration.Nanoseconds(),
	)
	if err != nil {
		return fmt.Errorf("turn store: write turn: %w", err)
	}
	return nil
}

// Recent implements [history.TurnStore]. It returns the last limit turns of
// conversationID in chronological order (oldest first).
//
// The inner query selects the newest turns; the outer query restores
// chronological order so the result can be folded into a prompt as-is.
func (s *TurnStoreImpl) Recent(ctx context.Context, conversationID string, limit int) ([]history.Turn, error) {
	if limit <= 0 {
		limit = defaultRecentTurns
	}

	const q = `
		SELECT conversation_id, user_text, dialogue, mood, timestamp, duration_ns
		FROM (
		    SELECT conversation_id, user_text, dialogue, mood, timestamp, duration_ns
		    FROM   turns
		    WHERE  conversation_id = $1
		    ORDER  BY timestamp DESC
		    LIMIT  $2
		) AS newest
		ORDER  BY timestamp`

	rows, err := s.pool.Query(ctx, q, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("turn store: recent: %w", err)
	}
	return collectTurns(rows)
}

// Search implements [history.TurnStore]. It performs a PostgreSQL full-text
// search over the combined user and character text and applies optional
// filters from opts.
//
// The query is passed to plainto_tsquery so no special operator syntax is required.
func (s *TurnStoreImpl) Search(ctx context.Context, query string, opts history.SearchOpts) ([]history.Turn, error) {
	args := []any{query} // $1 = FTS query string
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{
		"to_tsvector('english', user_text || ' ' || dialogue) @@ plainto_tsquery('english', $1)",
	}
	if opts.ConversationID != "" {
		conditions = append(conditions, "conversation_id = "+next(opts.ConversationID))
	}
	if !opts.After.IsZero() {
		conditions = append(conditions, "timestamp > "+next(opts.After))
	}
	if !opts.Before.IsZero() {
		conditions = append(conditions, "timestamp < "+next(opts.Before))
	}
	if opts.Mood != "" {
		conditions = append(conditions, "mood = "+next(opts.Mood))
	}

	q := "SELECT conversation_id, user_text, dialogue, mood, timestamp, duration_ns\n" +
		"FROM   turns\n" +
		"WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n" +
		"ORDER  BY timestamp"

	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		q += fmt.Sprintf("\nLIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("turn store: search: %w", err)
	}
	return collectTurns(rows)
}

// collectTurns scans pgx rows into a slice of Turn values.
func collectTurns(rows pgx.Rows) ([]history.Turn, error) {
	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (history.Turn, error) {
		var (
			t          history.Turn
			durationNS int64
		)
		if err := row.Scan(
			&t.ConversationID,
			&t.UserText,
			&t.Dialogue,
			&t.Mood,
			&t.Timestamp,
			&durationNS,
		); err != nil {
			return history.Turn{}, err
		}
		t.Duration = time.Duration(durationNS)
		return t, nil
	})
	if err != nil {
		return nil, fmt.Errorf("turn store: scan rows: %w", err)
	}
	if turns == nil {
		turns = []history.Turn{}
	}
	return turns, nil
}
