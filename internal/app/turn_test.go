package app_test

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/cadenza/internal/app"
	"github.com/MrWong99/cadenza/internal/config"
	"github.com/MrWong99/cadenza/pkg/history"
	"github.com/MrWong99/cadenza/pkg/provider/llm"
	"github.com/MrWong99/cadenza/pkg/provider/tts"
	ttsmock "github.com/MrWong99/cadenza/pkg/provider/tts/mock"
)

// writtenTurns extracts every turn passed to WriteTurn, in order.
func writtenTurns(t *testing.T, fx *fixture) []history.Turn {
	t.Helper()
	var wrote []history.Turn
	for _, c := range fx.turns.Calls() {
		if c.Method == "WriteTurn" {
			wrote = append(wrote, c.Args[0].(history.Turn))
		}
	}
	return wrote
}

func TestConverse_SpeaksDialogue(t *testing.T) {
	t.Parallel()

	fx := startFixture(t, testConfig())
	fx.llm.StreamChunks = envelopeChunks("Hello there, friend.", "happy")

	var mu sync.Mutex
	var displays []string
	var exprLabel string
	var exprConf float64
	fx.app.OnDisplay(func(text string) {
		mu.Lock()
		displays = append(displays, text)
		mu.Unlock()
	})
	fx.app.OnExpression(func(label string, confidence float64) {
		mu.Lock()
		exprLabel, exprConf = label, confidence
		mu.Unlock()
	})

	res, err := fx.app.Converse(context.Background(), "Hi Aria")
	if err != nil {
		t.Fatalf("Converse() error: %v", err)
	}

	if res.Dialogue != "Hello there, friend." {
		t.Errorf("Dialogue = %q, want %q", res.Dialogue, "Hello there, friend.")
	}
	if res.Mood != "happy" {
		t.Errorf("Mood = %q, want %q", res.Mood, "happy")
	}
	if res.Expression != "happy" || res.Confidence != 1.0 {
		t.Errorf("Expression = %q (%.2f), want %q (1.00)", res.Expression, res.Confidence, "happy")
	}
	if res.Duration <= 0 {
		t.Errorf("Duration = %v, want > 0", res.Duration)
	}

	if texts := fx.tts.CallTexts(); !slices.Contains(texts, "Hello there, friend.") {
		t.Errorf("synthesized clauses = %v, want the dialogue among them", texts)
	}

	// The prompt carries the persona, the reply format, and the mood choices.
	if len(fx.llm.StreamCalls) != 1 {
		t.Fatalf("StreamCompletion calls = %d, want 1", len(fx.llm.StreamCalls))
	}
	sys := fx.llm.StreamCalls[0].Req.SystemPrompt
	for _, want := range []string{"A cheerful assistant.", `"dialogue"`, "happy, thoughtful, concerned"} {
		if !strings.Contains(sys, want) {
			t.Errorf("system prompt missing %q:\n%s", want, sys)
		}
	}
	msgs := fx.llm.StreamCalls[0].Req.Messages
	if len(msgs) != 1 || msgs[0].Role != "user" || msgs[0].Content != "Hi Aria" {
		t.Errorf("messages = %+v, want single user message %q", msgs, "Hi Aria")
	}

	// The spoken turn lands in the log and the semantic index.
	wrote := writtenTurns(t, fx)
	if len(wrote) != 1 {
		t.Fatalf("WriteTurn calls = %d, want 1", len(wrote))
	}
	turn := wrote[0]
	if turn.ConversationID != "conv-aria" {
		t.Errorf("ConversationID = %q, want %q", turn.ConversationID, "conv-aria")
	}
	if turn.UserText != "Hi Aria" || turn.Dialogue != "Hello there, friend." {
		t.Errorf("recorded turn = %+v", turn)
	}
	if turn.Mood != "happy" {
		t.Errorf("recorded mood = %q, want %q", turn.Mood, "happy")
	}
	if turn.Duration <= 0 {
		t.Errorf("recorded duration = %v, want > 0", turn.Duration)
	}
	if got := fx.recall.CallCount("IndexTurn"); got != 1 {
		t.Errorf("IndexTurn calls = %d, want 1", got)
	}
	if len(fx.embed.EmbedCalls) != 1 || fx.embed.EmbedCalls[0].Text != "Hello there, friend." {
		t.Errorf("Embed calls = %+v, want one for the dialogue", fx.embed.EmbedCalls)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(displays) == 0 || displays[len(displays)-1] != "Hello there, friend." {
		t.Errorf("displays = %v, want final delivery of the full dialogue", displays)
	}
	if exprLabel != "happy" || exprConf != 1.0 {
		t.Errorf("expression delivery = %q (%.2f), want %q (1.00)", exprLabel, exprConf, "happy")
	}
}

func TestConverse_MultiClause(t *testing.T) {
	t.Parallel()

	fx := startFixture(t, testConfig())
	fx.llm.StreamChunks = envelopeChunks("Yes. No. Maybe.", "thoughtful")

	res, err := fx.app.Converse(context.Background(), "Will it rain?")
	if err != nil {
		t.Fatalf("Converse() error: %v", err)
	}
	if res.Dialogue != "Yes. No. Maybe." {
		t.Errorf("Dialogue = %q, want %q", res.Dialogue, "Yes. No. Maybe.")
	}

	want := []string{"Yes.", "No.", "Maybe."}
	if got := fx.tts.CallTexts(); !slices.Equal(got, want) {
		t.Errorf("synthesized clauses = %v, want %v", got, want)
	}
}

func TestConverse_FoldsRecentHistory(t *testing.T) {
	t.Parallel()

	fx := startFixture(t, testConfig())
	fx.turns.RecentResult = []history.Turn{
		{UserText: "What's the weather?", Dialogue: "Sunny, I believe."},
	}
	fx.llm.StreamChunks = envelopeChunks("Rain tomorrow.", "thoughtful")

	if _, err := fx.app.Converse(context.Background(), "And tomorrow?"); err != nil {
		t.Fatalf("Converse() error: %v", err)
	}

	msgs := fx.llm.StreamCalls[0].Req.Messages
	want := []llm.Message{
		{Role: "user", Content: "What's the weather?"},
		{Role: "assistant", Content: "Sunny, I believe."},
		{Role: "user", Content: "And tomorrow?"},
	}
	if !slices.Equal(msgs, want) {
		t.Errorf("messages = %+v, want %+v", msgs, want)
	}
}

func TestConverse_TrimsPromptToBudget(t *testing.T) {
	t.Parallel()

	fx := startFixture(t, testConfig())
	fx.llm.TokenCount = 1000
	fx.llm.ModelCapabilities = llm.ModelCapabilities{
		ContextWindow:   900,
		MaxOutputTokens: 100,
	}
	fx.turns.RecentResult = []history.Turn{
		{UserText: "one", Dialogue: "first"},
		{UserText: "two", Dialogue: "second"},
		{UserText: "three", Dialogue: "third"},
	}
	fx.llm.StreamChunks = envelopeChunks("Short answer.", "happy")

	if _, err := fx.app.Converse(context.Background(), "question"); err != nil {
		t.Fatalf("Converse() error: %v", err)
	}

	// Every history pair is over budget; only the current message survives.
	msgs := fx.llm.StreamCalls[0].Req.Messages
	if len(msgs) != 1 || msgs[0].Content != "question" {
		t.Errorf("messages = %+v, want only the current user message", msgs)
	}
	if len(fx.llm.CountTokensCalls) == 0 {
		t.Error("CountTokens was never consulted")
	}
}

func TestConverse_RecentFailureDegrades(t *testing.T) {
	t.Parallel()

	fx := startFixture(t, testConfig())
	fx.turns.RecentErr = errors.New("connection timeout")
	fx.llm.StreamChunks = envelopeChunks("Still here.", "happy")

	res, err := fx.app.Converse(context.Background(), "Anyone home?")
	if err != nil {
		t.Fatalf("Converse() error: %v", err)
	}
	if res.Dialogue != "Still here." {
		t.Errorf("Dialogue = %q, want %q", res.Dialogue, "Still here.")
	}
	if msgs := fx.llm.StreamCalls[0].Req.Messages; len(msgs) != 1 {
		t.Errorf("messages = %+v, want only the current user message", msgs)
	}
}

func TestConverse_StreamFailureSpeaksFallback(t *testing.T) {
	t.Parallel()

	fx := startFixture(t, testConfig())
	fx.llm.StreamChunks = []llm.Chunk{
		{FinishReason: "error", Err: errors.New("connection reset")},
	}

	_, err := fx.app.Converse(context.Background(), "Hello?")
	if err == nil {
		t.Fatal("Converse() succeeded despite a failed stream")
	}
	if !strings.Contains(err.Error(), "completion stream") {
		t.Errorf("Converse() error = %q, want the stream failure surfaced", err)
	}

	if texts := fx.tts.CallTexts(); !slices.Contains(texts, "Sorry, I lost my train of thought.") {
		t.Errorf("synthesized clauses = %v, want the fallback utterance", texts)
	}
	if got := fx.turns.CallCount("WriteTurn"); got != 0 {
		t.Errorf("WriteTurn calls = %d, want 0 for a failed turn", got)
	}
}

func TestConverse_StreamFailureAfterDialogueSkipsFallback(t *testing.T) {
	t.Parallel()

	fx := startFixture(t, testConfig())
	fx.llm.StreamChunks = []llm.Chunk{
		{Text: `{"dialogue": "One. `},
		{FinishReason: "error", Err: errors.New("cut off")},
	}

	_, err := fx.app.Converse(context.Background(), "Count for me")
	if err == nil {
		t.Fatal("Converse() succeeded despite a failed stream")
	}

	// The clause extracted before the failure is spoken; the fallback is not.
	texts := fx.tts.CallTexts()
	if !slices.Contains(texts, "One.") {
		t.Errorf("synthesized clauses = %v, want the partial dialogue spoken", texts)
	}
	if slices.Contains(texts, "Sorry, I lost my train of thought.") {
		t.Errorf("synthesized clauses = %v, fallback should not play after real dialogue", texts)
	}
	if got := fx.turns.CallCount("WriteTurn"); got != 0 {
		t.Errorf("WriteTurn calls = %d, want 0 for a failed turn", got)
	}
}

func TestConverse_PreemptsActiveTurn(t *testing.T) {
	t.Parallel()

	fx := startFixture(t, testConfig())
	fx.tts.BlockOn = map[string]bool{"Slow clause one.": true}
	fx.llm.StreamChunks = envelopeChunks("Slow clause one. And then some more.", "thoughtful")

	firstErr := make(chan error, 1)
	go func() {
		_, err := fx.app.Converse(context.Background(), "first question")
		firstErr <- err
	}()

	waitFor(t, 2*time.Second, func() bool {
		return slices.Contains(fx.tts.CallTexts(), "Slow clause one.")
	}, "first clause to reach synthesis")

	fx.llm.StreamChunks = envelopeChunks("Quick reply.", "happy")
	res, err := fx.app.Converse(context.Background(), "second question")
	if err != nil {
		t.Fatalf("second Converse() error: %v", err)
	}
	if res.Dialogue != "Quick reply." {
		t.Errorf("second Dialogue = %q, want %q", res.Dialogue, "Quick reply.")
	}

	select {
	case err := <-firstErr:
		if !errors.Is(err, app.ErrPreempted) {
			t.Errorf("first Converse() error = %v, want ErrPreempted", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first Converse() did not return after preemption")
	}
}

func TestConverse_EmptyDialogueSkipsHistory(t *testing.T) {
	t.Parallel()

	fx := startFixture(t, testConfig())
	fx.llm.StreamChunks = envelopeChunks("", "happy")

	res, err := fx.app.Converse(context.Background(), "Say nothing")
	if err != nil {
		t.Fatalf("Converse() error: %v", err)
	}
	if res.Dialogue != "" {
		t.Errorf("Dialogue = %q, want empty", res.Dialogue)
	}
	if got := fx.turns.CallCount("WriteTurn"); got != 0 {
		t.Errorf("WriteTurn calls = %d, want 0 for an empty reply", got)
	}
	if got := fx.recall.CallCount("IndexTurn"); got != 0 {
		t.Errorf("IndexTurn calls = %d, want 0 for an empty reply", got)
	}
	if texts := fx.tts.CallTexts(); len(texts) != 0 {
		t.Errorf("synthesized clauses = %v, want none", texts)
	}
}

func TestConverse_UnmatchedMoodKeptRaw(t *testing.T) {
	t.Parallel()

	fx := startFixture(t, testConfig())
	fx.llm.StreamChunks = envelopeChunks("Fine then.", "bewildered")

	var mu sync.Mutex
	var label string
	fx.app.OnExpression(func(l string, _ float64) {
		mu.Lock()
		label = l
		mu.Unlock()
	})

	res, err := fx.app.Converse(context.Background(), "How do you feel?")
	if err != nil {
		t.Fatalf("Converse() error: %v", err)
	}
	if res.Mood != "bewildered" {
		t.Errorf("Mood = %q, want %q", res.Mood, "bewildered")
	}
	if res.Expression != "" || res.Confidence != 0 {
		t.Errorf("Expression = %q (%.2f), want unresolved", res.Expression, res.Confidence)
	}

	wrote := writtenTurns(t, fx)
	if len(wrote) != 1 || wrote[0].Mood != "bewildered" {
		t.Errorf("recorded turns = %+v, want one with the raw mood", wrote)
	}

	mu.Lock()
	defer mu.Unlock()
	if label != "bewildered" {
		t.Errorf("expression delivery = %q, want the raw mood forwarded", label)
	}
}

func TestConverse_ExpressionsHotReload(t *testing.T) {
	t.Parallel()

	fx := startFixture(t, testConfig())

	next := testConfig()
	next.Character.Expressions = []string{"grumpy", "serene"}
	if d := fx.app.ApplyConfig(next); !d.ExpressionsChanged {
		t.Fatal("ApplyConfig() did not report an expression change")
	}

	fx.llm.StreamChunks = envelopeChunks("So be it.", "grumpy")
	res, err := fx.app.Converse(context.Background(), "Change of plans")
	if err != nil {
		t.Fatalf("Converse() error: %v", err)
	}
	if res.Expression != "grumpy" {
		t.Errorf("Expression = %q, want %q", res.Expression, "grumpy")
	}
	if sys := fx.llm.StreamCalls[0].Req.SystemPrompt; !strings.Contains(sys, "grumpy, serene") {
		t.Errorf("system prompt does not offer the new expression set:\n%s", sys)
	}
}

func TestConverse_VoiceHotSwap(t *testing.T) {
	t.Parallel()

	replacement := &ttsmock.Synthesizer{}
	factory := func(*config.Config) (tts.Synthesizer, []app.NamedSynthesizer, error) {
		return replacement, nil, nil
	}

	fx := startFixture(t, testConfig(), app.WithSynthesizerFactory(factory))

	fx.llm.StreamChunks = envelopeChunks("Old voice here.", "happy")
	if _, err := fx.app.Converse(context.Background(), "Speak up"); err != nil {
		t.Fatalf("first Converse() error: %v", err)
	}
	if texts := fx.tts.CallTexts(); len(texts) == 0 {
		t.Fatal("original synthesizer was never used")
	}
	before := len(fx.tts.CallTexts())

	next := testConfig()
	next.Character.Voice.VoiceID = "aria-v3"
	if d := fx.app.ApplyConfig(next); !d.VoiceChanged {
		t.Fatal("ApplyConfig() did not report a voice change")
	}

	fx.llm.StreamChunks = envelopeChunks("New voice here.", "happy")
	if _, err := fx.app.Converse(context.Background(), "Speak again"); err != nil {
		t.Fatalf("second Converse() error: %v", err)
	}

	if texts := replacement.CallTexts(); !slices.Contains(texts, "New voice here.") {
		t.Errorf("replacement synthesizer clauses = %v, want the second reply", texts)
	}
	if got := len(fx.tts.CallTexts()); got != before {
		t.Errorf("original synthesizer calls grew from %d to %d after the swap", before, got)
	}
}

func TestConverse_EmbeddingFailureStillWritesTurn(t *testing.T) {
	t.Parallel()

	fx := startFixture(t, testConfig())
	fx.embed.EmbedErr = errors.New("quota exceeded")
	fx.llm.StreamChunks = envelopeChunks("Noted anyway.", "happy")

	if _, err := fx.app.Converse(context.Background(), "Remember this"); err != nil {
		t.Fatalf("Converse() error: %v", err)
	}
	if got := fx.turns.CallCount("WriteTurn"); got != 1 {
		t.Errorf("WriteTurn calls = %d, want 1", got)
	}
	if got := fx.recall.CallCount("IndexTurn"); got != 0 {
		t.Errorf("IndexTurn calls = %d, want 0 when embedding fails", got)
	}
}

func TestConverse_WriteFailureStillIndexes(t *testing.T) {
	t.Parallel()

	fx := startFixture(t, testConfig())
	fx.turns.WriteTurnErr = errors.New("postgres down")
	fx.llm.StreamChunks = envelopeChunks("Carrying on.", "happy")

	if _, err := fx.app.Converse(context.Background(), "Log this"); err != nil {
		t.Fatalf("Converse() error: %v", err)
	}
	if got := fx.recall.CallCount("IndexTurn"); got != 1 {
		t.Errorf("IndexTurn calls = %d, want 1 despite the log failure", got)
	}
}

func TestConverse_EmptyText(t *testing.T) {
	t.Parallel()

	fx := startFixture(t, testConfig())

	if _, err := fx.app.Converse(context.Background(), "   "); err == nil {
		t.Fatal("Converse() accepted blank user text")
	}
	if got := len(fx.llm.StreamCalls); got != 0 {
		t.Errorf("StreamCompletion calls = %d, want 0", got)
	}
}
