package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/cadenza/pkg/history"
)

// Compile-time interface checks.
//
// TurnStore and SemanticIndex both define a method named Search but with
// different signatures. Go does not allow a single struct to implement both
// simultaneously, so they are exposed as sub-types via [Store.Turns] and
// [Store.Index].
var (
	_ history.TurnStore     = (*TurnStoreImpl)(nil)
	_ history.SemanticIndex = (*SemanticIndexImpl)(nil)
)

// Store is the central PostgreSQL-backed history store for Cadenza. It holds a
// single [pgxpool.Pool] and exposes the two-layer conversation history:
//
//   - [Store.Turns] returns a [TurnStoreImpl] implementing [history.TurnStore]
//   - [Store.Index] returns a [SemanticIndexImpl] implementing [history.SemanticIndex]
//
// All operations are safe for concurrent use.
type Store struct {
	pool     *pgxpool.Pool
	turns    *TurnStoreImpl
	semantic *SemanticIndexImpl
}

// NewStore creates a new Store, establishes a connection pool to the PostgreSQL
// database at dsn, registers pgvector types on every connection, and runs
// [Migrate] to ensure all required tables and extensions exist.
//
// embeddingDimensions must match the output dimension of the embedding model
// used to produce [history.IndexedTurn.Embedding] values (e.g., 768 for
// nomic-embed-text). Changing this value after the first migration requires a
// manual schema change.
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("history store: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so that vector columns
	// can be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("history store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history store: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history store: migrate: %w", err)
	}

	return &Store{
		pool:     pool,
		turns:    &TurnStoreImpl{pool: pool},
		semantic: &SemanticIndexImpl{pool: pool},
	}, nil
}

// Turns returns the turn log implementation which satisfies [history.TurnStore].
func (s *Store) Turns() *TurnStoreImpl { return s.turns }

// Index returns the semantic index implementation which satisfies [history.SemanticIndex].
func (s *Store) Index() *SemanticIndexImpl { return s.semantic }

// Ping verifies the database is reachable. It is used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("history store: ping: %w", err)
	}
	return nil
}

// Close releases all connections held by the underlying connection pool.
// It should be called when the Store is no longer needed, typically via defer.
func (s *Store) Close() {
	s.pool.Close()
}
