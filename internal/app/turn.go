package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/cadenza/internal/expression"
	"github.com/MrWong99/cadenza/internal/observe"
	"github.com/MrWong99/cadenza/pkg/audio"
	"github.com/MrWong99/cadenza/pkg/history"
	"github.com/MrWong99/cadenza/pkg/provider/embeddings"
	"github.com/MrWong99/cadenza/pkg/provider/llm"
	"github.com/MrWong99/cadenza/pkg/speech"
)

// ErrPreempted is returned by Converse when a newer call took over the turn
// before this one could finish speaking.
var ErrPreempted = errors.New("app: turn preempted by newer input")

// defaultDrainPoll is the cadence of the playback drain wait.
const defaultDrainPoll = 10 * time.Millisecond

// recordTimeout bounds how long persisting a completed turn may take.
const recordTimeout = 5 * time.Second

// envelopeInstruction tells the model how to shape its reply so the dialogue
// field can be extracted and spoken while it streams.
const envelopeInstruction = `Reply with exactly one JSON object of the form {"dialogue": "<text to speak aloud>", "mood": "<one or two words>"} and nothing else. Put the dialogue field first.`

// TurnRunnerConfig carries the collaborators for NewTurnRunner.
type TurnRunnerConfig struct {
	LLM         llm.Provider
	LLMName     string
	Session     *speech.Session
	Queue       *speech.Queue
	Buffer      *audio.SampleBuffer
	Coordinator *speech.Coordinator

	// Turns, Recall and Embedder are optional; nil disables the dialogue log
	// and semantic recall respectively.
	Turns    history.TurnStore
	Recall   history.SemanticIndex
	Embedder embeddings.Provider

	Resolver *expression.Resolver
	Metrics  *observe.Metrics

	ConversationID string
	Persona        string

	// Expressions is the set the character can show; moods resolve against it.
	Expressions []string

	// FallbackUtterance is spoken when the completion stream fails before any
	// dialogue has reached the listener.
	FallbackUtterance string

	// RecentTurns is how many prior turns to fold into each prompt. Zero
	// lets the store apply its own default.
	RecentTurns int

	// PollInterval is the cadence of the playback drain wait.
	PollInterval time.Duration

	// PromptBudget caps the prompt token count. Zero derives the budget from
	// the model capabilities.
	PromptBudget int
}

// TurnResult reports one completed turn.
type TurnResult struct {
	// Dialogue is the full text that was spoken.
	Dialogue string

	// Mood is the raw mood value streamed by the model, if any.
	Mood string

	// Expression is the resolved expression label. Empty when the mood did
	// not match the configured set.
	Expression string

	// Confidence is the match confidence for Expression.
	Confidence float64

	// Duration spans from the start of the turn to the end of playback.
	Duration time.Duration
}

// TurnRunner executes conversational turns one at a time: it builds the
// prompt from recorded history, streams the completion into the speech
// session, waits for playback to finish and records the spoken turn. A new
// Converse call preempts the turn still speaking.
type TurnRunner struct {
	llm      llm.Provider
	llmName  string
	session  *speech.Session
	queue    *speech.Queue
	buffer   *audio.SampleBuffer
	coord    *speech.Coordinator
	turns    history.TurnStore
	recall   history.SemanticIndex
	embedder embeddings.Provider
	resolver *expression.Resolver
	metrics  *observe.Metrics

	conversationID string
	persona        string
	fallback       string
	recentTurns    int
	pollInterval   time.Duration
	promptBudget   int

	// gen orders competing Converse calls; the newest generation wins.
	gen atomic.Int64

	// turnMu serialises whole turns.
	turnMu sync.Mutex

	mu           sync.Mutex
	cancel       context.CancelFunc
	expressions  []string
	displayCb    func(string)
	expressionCb func(string, float64)

	// Per-turn capture, touched only by the goroutine holding turnMu.
	captured capturedTurn
}

type capturedTurn struct {
	Text string
	Mood string
	Expr string
	Conf float64
}

// NewTurnRunner wires a runner to an assembled speech pipeline and registers
// itself for the session's display and mood deliveries.
func NewTurnRunner(cfg TurnRunnerConfig) *TurnRunner {
	r := &TurnRunner{
		llm:            cfg.LLM,
		llmName:        cfg.LLMName,
		session:        cfg.Session,
		queue:          cfg.Queue,
		buffer:         cfg.Buffer,
		coord:          cfg.Coordinator,
		turns:          cfg.Turns,
		recall:         cfg.Recall,
		embedder:       cfg.Embedder,
		resolver:       cfg.Resolver,
		metrics:        cfg.Metrics,
		conversationID: cfg.ConversationID,
		persona:        cfg.Persona,
		fallback:       cfg.FallbackUtterance,
		recentTurns:    cfg.RecentTurns,
		pollInterval:   cfg.PollInterval,
		promptBudget:   cfg.PromptBudget,
		expressions:    slices.Clone(cfg.Expressions),
	}
	if r.resolver == nil {
		r.resolver = expression.New()
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	if r.pollInterval <= 0 {
		r.pollInterval = defaultDrainPoll
	}
	r.session.OnDisplay(r.handleDisplay)
	r.session.OnMood(r.handleMood)
	return r
}

// OnDisplay registers cb to receive the active turn's dialogue text as it
// grows. Deliveries happen on the turn goroutine; cb must return quickly.
func (r *TurnRunner) OnDisplay(cb func(text string)) {
	r.mu.Lock()
	r.displayCb = cb
	r.mu.Unlock()
}

// OnExpression registers cb to receive the turn's expression once the mood
// has streamed. Moods that match no configured expression are forwarded
// unresolved with zero confidence.
func (r *TurnRunner) OnExpression(cb func(label string, confidence float64)) {
	r.mu.Lock()
	r.expressionCb = cb
	r.mu.Unlock()
}

// SetExpressions replaces the expression set used for mood resolution,
// effective from the next streamed mood.
func (r *TurnRunner) SetExpressions(exprs []string) {
	r.mu.Lock()
	r.expressions = slices.Clone(exprs)
	r.mu.Unlock()
}

// Expressions returns the current expression set.
func (r *TurnRunner) Expressions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.expressions
}

// Converse runs one full conversational turn for userText and returns once
// the reply has been spoken to the end. A Converse call that arrives while a
// turn is in flight cancels that turn; the superseded call returns
// [ErrPreempted].
func (r *TurnRunner) Converse(ctx context.Context, userText string) (*TurnResult, error) {
	userText = strings.TrimSpace(userText)
	if userText == "" {
		return nil, errors.New("app: empty user text")
	}

	gen := r.gen.Add(1)
	r.CancelActive()

	r.turnMu.Lock()
	defer r.turnMu.Unlock()
	if r.gen.Load() != gen {
		// An even newer call arrived while this one waited its turn.
		return nil, ErrPreempted
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.cancel = nil
		r.mu.Unlock()
		cancel()
	}()

	runCtx, span := observe.StartSpan(runCtx, "turn",
		trace.WithAttributes(
			attribute.String("conversation_id", r.conversationID),
			attribute.String("llm.provider", r.llmName),
		))
	defer span.End()

	res, err := r.runTurn(runCtx, userText)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() == nil {
			// Preemption is control flow; the span stays unset.
			return nil, ErrPreempted
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "turn failed")
		return nil, err
	}
	return res, nil
}

// CancelActive cancels the turn currently speaking, if any, silencing
// playback immediately. Safe to call from any goroutine.
func (r *TurnRunner) CancelActive() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.session.CancelTurn()
}

// runTurn drives one turn end to end under the turn mutex.
func (r *TurnRunner) runTurn(ctx context.Context, userText string) (*TurnResult, error) {
	start := time.Now()
	r.captured = capturedTurn{}

	r.session.StartTurn(ctx)
	req := r.buildRequest(ctx, userText)

	streamStart := time.Now()
	stream, err := r.llm.StreamCompletion(ctx, req)
	if err != nil {
		return nil, r.failTurn(ctx, fmt.Errorf("app: start completion stream: %w", err))
	}

	var streamErr error
	for chunk := range stream {
		if chunk.Err != nil {
			// Keep draining; the channel closes right after the error chunk.
			streamErr = chunk.Err
			continue
		}
		r.session.SubmitDelta(chunk.Text)
	}
	r.metrics.RecordLLMStream(ctx, r.llmName, time.Since(streamStart))

	if ctx.Err() != nil {
		r.session.CancelTurn()
		return nil, ctx.Err()
	}
	if streamErr != nil {
		observe.Logger(ctx).Warn("completion stream failed", "provider", r.llmName, "error", streamErr)
		return nil, r.failTurn(ctx, fmt.Errorf("app: completion stream: %w", streamErr))
	}

	r.session.CompleteTurn()
	if err := r.waitDrained(ctx); err != nil {
		r.session.CancelTurn()
		return nil, err
	}

	res := &TurnResult{
		Dialogue:   r.captured.Text,
		Mood:       r.captured.Mood,
		Expression: r.captured.Expr,
		Confidence: r.captured.Conf,
		Duration:   time.Since(start),
	}
	r.record(userText, res)
	return res, nil
}

// failTurn finalises a turn whose completion stream broke: dialogue that was
// already extracted is flushed and spoken, the fallback utterance covers the
// case where nothing was, and playback drains before the error is returned.
func (r *TurnRunner) failTurn(ctx context.Context, cause error) error {
	r.session.CompleteTurn()
	r.speakFallback(ctx)
	if err := r.waitDrained(ctx); err != nil {
		r.session.CancelTurn()
		return err
	}
	return cause
}

// speakFallback queues the character's fallback utterance, provided one is
// configured and no dialogue has reached the listener yet. The request is
// detached from the turn scope so the turn's deferred cancel cannot drop it;
// a preempting turn still clears it from the queue.
func (r *TurnRunner) speakFallback(ctx context.Context) {
	if r.fallback == "" || r.captured.Text != "" || ctx.Err() != nil {
		return
	}
	r.queue.Enqueue(context.WithoutCancel(ctx), r.fallback, nil)
	observe.Logger(ctx).Info("speaking fallback utterance")
}

// waitDrained blocks until every queued clause has been synthesised and
// played to the end: queue empty, coordinator idle, playback backlog zero.
// The condition must hold on two consecutive polls; a single observation can
// land between the coordinator dequeueing the final clause and marking
// itself dispatching.
func (r *TurnRunner) waitDrained(ctx context.Context) error {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	confirmed := false
	for {
		drained := r.queue.Len() == 0 &&
			r.coord.State() == speech.StateIdle &&
			r.buffer.Backlog() == 0
		if drained && confirmed {
			return nil
		}
		confirmed = drained
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// buildRequest assembles the completion request: recent turns folded in as
// user/assistant pairs, the current user text last, and the persona plus
// reply-format instruction as the system prompt. Unavailable history degrades
// to a prompt without it.
func (r *TurnRunner) buildRequest(ctx context.Context, userText string) llm.CompletionRequest {
	var msgs []llm.Message
	if r.turns != nil {
		prior, err := r.turns.Recent(ctx, r.conversationID, r.recentTurns)
		if err != nil {
			observe.Logger(ctx).Warn("recent turns unavailable", "error", err)
		}
		for _, t := range prior {
			msgs = append(msgs,
				llm.Message{Role: "user", Content: t.UserText},
				llm.Message{Role: "assistant", Content: t.Dialogue},
			)
		}
	}
	msgs = append(msgs, llm.Message{Role: "user", Content: userText})

	system := r.systemPrompt()
	return llm.CompletionRequest{
		Messages:     r.trimToBudget(msgs, system),
		SystemPrompt: system,
	}
}

// systemPrompt combines the character persona with the reply-format
// instruction and, when an expression set is configured, the mood choices.
func (r *TurnRunner) systemPrompt() string {
	var b strings.Builder
	if r.persona != "" {
		b.WriteString(r.persona)
		b.WriteString("\n\n")
	}
	b.WriteString(envelopeInstruction)
	if exprs := r.Expressions(); len(exprs) > 0 {
		b.WriteString(" Choose the mood from: ")
		b.WriteString(strings.Join(exprs, ", "))
		b.WriteString(".")
	}
	return b.String()
}

// trimToBudget drops the oldest history pairs until the prompt fits the
// token budget. The current user message is never dropped. When the token
// counter fails the prompt is sent as is.
func (r *TurnRunner) trimToBudget(msgs []llm.Message, system string) []llm.Message {
	budget := r.promptBudget
	if budget <= 0 {
		caps := r.llm.Capabilities()
		budget = caps.ContextWindow - caps.MaxOutputTokens
	}
	if budget <= 0 {
		return msgs
	}
	for len(msgs) > 1 {
		all := make([]llm.Message, 0, len(msgs)+1)
		all = append(all, llm.Message{Role: "system", Content: system})
		all = append(all, msgs...)
		n, err := r.llm.CountTokens(all)
		if err != nil {
			slog.Warn("token count unavailable, sending prompt unchanged", "error", err)
			return msgs
		}
		if n <= budget {
			return msgs
		}
		msgs = msgs[2:] // drop the oldest user/assistant pair
	}
	return msgs
}

// record persists the completed turn to the dialogue log and the semantic
// index. Failures are logged and never fail the turn.
func (r *TurnRunner) record(userText string, res *TurnResult) {
	if res.Dialogue == "" {
		return
	}

	mood := res.Expression
	if mood == "" {
		mood = res.Mood
	}
	now := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	if r.turns != nil {
		turn := history.Turn{
			ConversationID: r.conversationID,
			UserText:       userText,
			Dialogue:       res.Dialogue,
			Mood:           mood,
			Timestamp:      now,
			Duration:       res.Duration,
		}
		if err := r.turns.WriteTurn(ctx, turn); err != nil {
			slog.Warn("turn log write failed", "error", err)
		}
	}

	if r.recall == nil || r.embedder == nil {
		return
	}
	emb, err := r.embedder.Embed(ctx, res.Dialogue)
	if err != nil {
		slog.Warn("turn embedding failed", "error", err)
		return
	}
	idx := history.IndexedTurn{
		ID:             fmt.Sprintf("%s-%d", r.conversationID, now.UnixNano()),
		ConversationID: r.conversationID,
		Dialogue:       res.Dialogue,
		Mood:           mood,
		Embedding:      emb,
		Timestamp:      now,
	}
	if err := r.recall.IndexTurn(ctx, idx); err != nil {
		slog.Warn("turn index write failed", "error", err)
	}
}

// handleDisplay captures the turn's best-known dialogue text and forwards it
// to the registered display callback.
func (r *TurnRunner) handleDisplay(text string) {
	r.captured.Text = text
	r.mu.Lock()
	cb := r.displayCb
	r.mu.Unlock()
	if cb != nil {
		cb(text)
	}
}

// handleMood resolves the streamed mood against the configured expression
// set and forwards the outcome.
func (r *TurnRunner) handleMood(mood string) {
	r.captured.Mood = mood
	label, conf := mood, 0.0
	if exprs := r.Expressions(); len(exprs) > 0 {
		if expr, c, ok := r.resolver.Resolve(mood, exprs); ok {
			r.captured.Expr = expr
			r.captured.Conf = c
			label, conf = expr, c
		}
	}
	r.mu.Lock()
	cb := r.expressionCb
	r.mu.Unlock()
	if cb != nil {
		cb(label, conf)
	}
}
