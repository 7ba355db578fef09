// Package history defines the two-layer conversation memory used by Cadenza
// characters.
//
// The architecture is organised as a hierarchy of increasing abstraction:
//
//   - Turn log ([TurnStore]): hot, time-ordered record of completed
//     conversation turns. Allows fast writes when a turn finishes speaking and
//     recency retrieval when the next prompt is assembled.
//   - Semantic index ([SemanticIndex]): vector store for embedding-based
//     similarity search over past spoken dialogue, so a character can recall
//     what it said long after the turn has scrolled out of the prompt window.
//
// All interfaces are public so that external packages can supply alternative
// storage backends (Postgres/pgvector, Redis, in-memory, …) without depending
// on cadenza internals.
//
// Every implementation must be safe for concurrent use.
package history

import (
	"context"
	"time"
)

// ─────────────────────────────────────────────────────────────────────────────
// Turn log supporting types
// ─────────────────────────────────────────────────────────────────────────────

// Turn is one completed exchange: what the user said and what the character
// answered. A Turn is recorded only after the reply has been fully spoken, so
// Dialogue always holds the reconciled final text, never a partial stream.
type Turn struct {
	// ConversationID is the conversation this turn belongs to.
	ConversationID string

	// UserText is the user utterance that started the turn.
	UserText string

	// Dialogue is the character's complete spoken reply.
	Dialogue string

	// Mood is the expression label the character carried while speaking
	// (e.g., "happy", "thoughtful"). Empty when the model supplied none.
	Mood string

	// Timestamp is when the turn completed.
	Timestamp time.Time

	// Duration is how long the turn took from first user input to the end of
	// playback.
	Duration time.Duration
}

// SearchOpts configures a keyword / full-text search over recorded turns.
// All non-zero fields are applied as AND conditions.
type SearchOpts struct {
	// ConversationID restricts the search to a single conversation.
	// An empty string searches across all conversations.
	ConversationID string

	// After filters turns completed after this instant (exclusive).
	// A zero Time disables the lower bound.
	After time.Time

	// Before filters turns completed before this instant (exclusive).
	// A zero Time disables the upper bound.
	Before time.Time

	// Mood restricts results to turns spoken with a specific expression.
	// An empty string matches all moods.
	Mood string

	// Limit caps the number of results returned.
	// A value of 0 means the implementation may apply its own default.
	Limit int
}

// ─────────────────────────────────────────────────────────────────────────────
// Semantic index supporting types
// ─────────────────────────────────────────────────────────────────────────────

// IndexedTurn is a completed turn prepared for semantic recall. It carries its
// pre-computed embedding so the index does not need to re-embed on insertion.
type IndexedTurn struct {
	// ID is the unique identifier for this index entry (e.g., a UUID).
	ID string

	// ConversationID is the conversation the turn belongs to.
	ConversationID string

	// Dialogue is the spoken reply that was embedded.
	Dialogue string

	// Mood is the expression label the reply was spoken with.
	Mood string

	// Embedding is the vector representation of Dialogue.
	// Dimension must match the index configuration (e.g., 768 for
	// nomic-embed-text).
	Embedding []float32

	// Timestamp is when the turn completed.
	Timestamp time.Time
}

// Filter narrows a semantic search to a subset of indexed turns.
// All non-zero fields are applied as AND conditions.
type Filter struct {
	// ConversationID restricts results to a single conversation.
	ConversationID string

	// Mood restricts results to turns spoken with a specific expression.
	Mood string

	// After filters turns completed after this instant (exclusive).
	After time.Time

	// Before filters turns completed before this instant (exclusive).
	Before time.Time
}

// SearchResult pairs a retrieved turn with its vector-space distance from the
// query embedding. Lower Distance values indicate higher semantic similarity.
type SearchResult struct {
	// Turn is the retrieved index entry.
	Turn IndexedTurn

	// Distance is the vector-space distance to the query embedding
	// (cosine distance for the Postgres backend).
	Distance float64
}

// ─────────────────────────────────────────────────────────────────────────────
// Turn log interface
// ─────────────────────────────────────────────────────────────────────────────

// TurnStore is the turn log layer: a time-ordered, append-only record of
// completed [Turn] exchanges for one or more conversations.
//
// Turns must be returned in chronological order unless otherwise specified.
// Implementations must be safe for concurrent use.
type TurnStore interface {
	// WriteTurn appends a completed turn to the log.
	// turn.ConversationID must be non-empty.
	// Returns an error only on persistent storage failure.
	WriteTurn(ctx context.Context, turn Turn) error

	// Recent returns the last limit turns of the given conversation in
	// chronological order, oldest first, ready to be folded into the next
	// prompt. A limit of 0 means the implementation may apply its own default.
	// Returns an empty (non-nil) slice when the conversation has no turns.
	Recent(ctx context.Context, conversationID string, limit int) ([]Turn, error)

	// Search performs keyword / full-text search over recorded turns.
	// The query string is matched against both UserText and Dialogue.
	// opts refines the result set by time range, mood, or conversation scope.
	// Returns an empty (non-nil) slice when no turns match.
	Search(ctx context.Context, query string, opts SearchOpts) ([]Turn, error)
}

// ─────────────────────────────────────────────────────────────────────────────
// Semantic index interface
// ─────────────────────────────────────────────────────────────────────────────

// SemanticIndex is the recall layer: a vector store for embedding-based
// similarity search over past spoken dialogue.
//
// Callers are responsible for producing embeddings before calling IndexTurn or
// Search. Implementations must be safe for concurrent use.
type SemanticIndex interface {
	// IndexTurn stores a pre-embedded [IndexedTurn] in the vector index.
	// If an entry with the same ID already exists it must be replaced (upsert).
	IndexTurn(ctx context.Context, turn IndexedTurn) error

	// Search finds the topK indexed turns whose embeddings are closest to the
	// query embedding, filtered by filter.
	// Results are ordered by ascending Distance (most similar first).
	// Returns an empty (non-nil) slice when no turns match.
	Search(ctx context.Context, embedding []float32, topK int, filter Filter) ([]SearchResult, error)
}
