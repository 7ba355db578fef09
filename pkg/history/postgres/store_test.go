package postgres_test

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/cadenza/pkg/history"
	"github.com/MrWong99/cadenza/pkg/history/postgres"
)

const testEmbeddingDim = 4

// testDSN returns the test database DSN from the environment, or skips the
// test if CADENZA_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("CADENZA_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CADENZA_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [postgres.Store] with a clean schema.
// It calls t.Cleanup to close the store when the test finishes.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	// Use a bare pool to drop and recreate the schema.
	cleanPool := mustPool(t, ctx, dsn)
	t.Cleanup(cleanPool.Close)
	dropSchema(t, ctx, cleanPool)

	store, err := postgres.NewStore(ctx, dsn, testEmbeddingDim)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

// mustPool opens a pgxpool with pgvector types registered (needed for HNSW
// index to not refuse our connection during dropSchema).
func mustPool(t *testing.T, ctx context.Context, dsn string) *pgxpool.Pool {
	t.Helper()
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		// best-effort: pgvector may not be installed yet on a fresh DB
		_ = pgxvec.RegisterTypes(ctx, conn)
		return nil
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	return pool
}

// dropSchema removes all tables created by Migrate.
func dropSchema(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS indexed_turns CASCADE",
		"DROP TABLE IF EXISTS turns CASCADE",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("dropSchema %q: %v", stmt, err)
		}
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Turn log
// ─────────────────────────────────────────────────────────────────────────────

func TestTurnStore_WriteAndRecent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	turns := store.Turns()

	convID := "conv-1"
	now := time.Now()
	written := []history.Turn{
		{
			ConversationID: convID,
			UserText:       "Good morning!",
			Dialogue:       "Morning! Did you sleep well?",
			Mood:           "happy",
			Timestamp:      now.Add(-10 * time.Minute),
			Duration:       2 * time.Second,
		},
		{
			ConversationID: convID,
			UserText:       "Not really, I stayed up reading again.",
			Dialogue:       "Again? You really should get more rest.",
			Mood:           "concerned",
			Timestamp:      now.Add(-9 * time.Minute),
			Duration:       3 * time.Second,
		},
		{
			ConversationID: convID,
			UserText:       "I know, I know.",
			Dialogue:       "I will remind you tonight, then.",
			Mood:           "amused",
			Timestamp:      now.Add(-8 * time.Minute),
			Duration:       2500 * time.Millisecond,
		},
	}

	for _, turn := range written {
		if err := turns.WriteTurn(ctx, turn); err != nil {
			t.Fatalf("WriteTurn: %v", err)
		}
	}

	// A wide limit returns all 3 in chronological order, oldest first.
	recent, err := turns.Recent(ctx, convID, 10)
	if err != nil {
		t.Fatalf("Recent(10): %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("Recent(10): want 3, got %d", len(recent))
	}
	if recent[0].UserText != written[0].UserText {
		t.Errorf("Recent(10): want oldest turn first, got %q", recent[0].UserText)
	}

	// Limit 2 keeps only the newest two, still oldest first.
	last2, err := turns.Recent(ctx, convID, 2)
	if err != nil {
		t.Fatalf("Recent(2): %v", err)
	}
	if len(last2) != 2 {
		t.Fatalf("Recent(2): want 2, got %d", len(last2))
	}
	if last2[0].UserText != written[1].UserText || last2[1].UserText != written[2].UserText {
		t.Errorf("Recent(2): want newest two in order, got %q then %q", last2[0].UserText, last2[1].UserText)
	}

	// Limit 0 falls back to the implementation default.
	all, err := turns.Recent(ctx, convID, 0)
	if err != nil {
		t.Fatalf("Recent(0): %v", err)
	}
	if len(all) != 3 {
		t.Errorf("Recent(0): want 3, got %d", len(all))
	}

	// Recent for a different conversation returns nothing.
	other, err := turns.Recent(ctx, "other-conversation", 10)
	if err != nil {
		t.Fatalf("Recent other: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("Recent other: want 0, got %d", len(other))
	}

	// Mood and duration are round-tripped correctly.
	if recent[1].Mood != written[1].Mood {
		t.Errorf("Mood: want %q, got %q", written[1].Mood, recent[1].Mood)
	}
	if recent[2].Duration != written[2].Duration {
		t.Errorf("Duration: want %v, got %v", written[2].Duration, recent[2].Duration)
	}
}

func TestTurnStore_Search(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	turns := store.Turns()

	convID := "search-conv"
	writeTurns(t, ctx, turns, []history.Turn{
		{
			ConversationID: convID,
			UserText:       "Tell me about the weather today.",
			Dialogue:       "Grey skies now, but the rain should clear by evening.",
			Mood:           "thoughtful",
			Timestamp:      time.Now().Add(-5 * time.Minute),
		},
		{
			ConversationID: convID,
			UserText:       "Can you sing something for me?",
			Dialogue:       "La la laaa! I have been practising that one all week.",
			Mood:           "happy",
			Timestamp:      time.Now().Add(-4 * time.Minute),
		},
		{
			ConversationID: convID,
			UserText:       "Will the weather be better tomorrow?",
			Dialogue:       "Sunny and warm, perfect for a walk.",
			Mood:           "happy",
			Timestamp:      time.Now().Add(-3 * time.Minute),
		},
	})

	tests := []struct {
		name      string
		query     string
		opts      history.SearchOpts
		wantCount int
		wantText  string
	}{
		{
			name:      "rain in dialogue",
			query:     "rain",
			opts:      history.SearchOpts{ConversationID: convID},
			wantCount: 1,
			wantText:  "rain",
		},
		{
			name:      "sing in user text",
			query:     "sing",
			opts:      history.SearchOpts{ConversationID: convID},
			wantCount: 1,
			wantText:  "sing",
		},
		{
			name:      "mood filter",
			query:     "weather",
			opts:      history.SearchOpts{ConversationID: convID, Mood: "happy"},
			wantCount: 1,
		},
		{
			name:      "no match",
			query:     "spaceship",
			opts:      history.SearchOpts{ConversationID: convID},
			wantCount: 0,
		},
		{
			name:      "limit",
			query:     "weather",
			opts:      history.SearchOpts{ConversationID: convID, Limit: 1},
			wantCount: 1,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			results, err := turns.Search(ctx, tc.query, tc.opts)
			if err != nil {
				t.Fatalf("Search: %v", err)
			}
			if len(results) != tc.wantCount {
				t.Errorf("want %d results, got %d", tc.wantCount, len(results))
			}
			if tc.wantText != "" && len(results) > 0 {
				combined := strings.ToLower(results[0].UserText + " " + results[0].Dialogue)
				if !strings.Contains(combined, strings.ToLower(tc.wantText)) {
					t.Errorf("want %q in first result, got user %q / dialogue %q",
						tc.wantText, results[0].UserText, results[0].Dialogue)
				}
			}
		})
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Semantic index
// ─────────────────────────────────────────────────────────────────────────────

func TestSemanticIndex_IndexAndSearch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	index := store.Index()

	entries := []history.IndexedTurn{
		{
			ID:             "turn-1",
			ConversationID: "c1",
			Dialogue:       "The bakery on the corner finally reopened.",
			Mood:           "happy",
			Embedding:      []float32{1, 0, 0, 0},
			Timestamp:      time.Now(),
		},
		{
			ID:             "turn-2",
			ConversationID: "c1",
			Dialogue:       "Thunderstorms are expected all weekend.",
			Mood:           "thoughtful",
			Embedding:      []float32{0, 1, 0, 0},
			Timestamp:      time.Now(),
		},
		{
			ID:             "turn-3",
			ConversationID: "c2",
			Dialogue:       "Your package should arrive on Tuesday.",
			Mood:           "neutral",
			Embedding:      []float32{0, 0, 1, 0},
			Timestamp:      time.Now(),
		},
	}

	for _, e := range entries {
		if err := index.IndexTurn(ctx, e); err != nil {
			t.Fatalf("IndexTurn %s: %v", e.ID, err)
		}
	}

	// Query closest to turn-1 (embedding [1,0,0,0]).
	results, err := index.Search(ctx, []float32{1, 0, 0, 0}, 3, history.Filter{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 3 {
		t.Errorf("Search topK=3: want 3 results, got %d", len(results))
	}
	if len(results) > 0 && results[0].Turn.ID != "turn-1" {
		t.Errorf("closest turn: want turn-1, got %s (distance %.4f)", results[0].Turn.ID, results[0].Distance)
	}

	// Scope to conversation c2.
	scoped, err := index.Search(ctx, []float32{0, 0, 1, 0}, 10, history.Filter{ConversationID: "c2"})
	if err != nil {
		t.Fatalf("Search scoped: %v", err)
	}
	if len(scoped) != 1 || scoped[0].Turn.ID != "turn-3" {
		t.Errorf("conversation scope: want [turn-3], got %v", resultIDs(scoped))
	}

	// Filter by mood.
	moodFiltered, err := index.Search(ctx, []float32{1, 0, 0, 0}, 10, history.Filter{Mood: "happy"})
	if err != nil {
		t.Fatalf("Search mood filter: %v", err)
	}
	if len(moodFiltered) != 1 {
		t.Errorf("mood filter: want 1, got %d", len(moodFiltered))
	}

	// Upsert: re-indexing turn-1 with new data should replace it.
	updated := entries[0]
	updated.Dialogue = "Updated dialogue after upsert."
	updated.Embedding = []float32{0, 0, 0, 1}
	if err := index.IndexTurn(ctx, updated); err != nil {
		t.Fatalf("IndexTurn upsert: %v", err)
	}
	upserted, err := index.Search(ctx, []float32{0, 0, 0, 1}, 1, history.Filter{ConversationID: "c1"})
	if err != nil {
		t.Fatalf("Search after upsert: %v", err)
	}
	if len(upserted) < 1 {
		t.Fatal("upsert: no results returned")
	}
	if upserted[0].Turn.Dialogue != updated.Dialogue {
		t.Errorf("upsert: want dialogue %q, got %q", updated.Dialogue, upserted[0].Turn.Dialogue)
	}

	// Time filters.
	past := time.Now().Add(-1 * time.Hour)
	future := time.Now().Add(1 * time.Hour)
	afterFiltered, err := index.Search(ctx, []float32{0, 1, 0, 0}, 10, history.Filter{After: past})
	if err != nil {
		t.Fatalf("Search after filter: %v", err)
	}
	if len(afterFiltered) == 0 {
		t.Error("after filter: expected results, got none")
	}
	beforeFiltered, err := index.Search(ctx, []float32{0, 1, 0, 0}, 10, history.Filter{Before: future})
	if err != nil {
		t.Fatalf("Search before filter: %v", err)
	}
	if len(beforeFiltered) == 0 {
		t.Error("before filter: expected results, got none")
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Store
// ─────────────────────────────────────────────────────────────────────────────

func TestStore_Ping(t *testing.T) {
	store := newTestStore(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

func writeTurns(t *testing.T, ctx context.Context, turns *postgres.TurnStoreImpl, entries []history.Turn) {
	t.Helper()
	for i := range entries {
		if entries[i].Timestamp.IsZero() {
			entries[i].Timestamp = time.Now()
		}
		if err := turns.WriteTurn(ctx, entries[i]); err != nil {
			t.Fatalf("WriteTurn[%d]: %v", i, err)
		}
	}
}

func resultIDs(results []history.SearchResult) []string {
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.Turn.ID
	}
	return ids
}
