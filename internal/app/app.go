// Package app wires all Cadenza subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the playback and coordination loops, and Shutdown
// tears everything down in reverse order. Converse drives one conversational
// turn through the speech pipeline; a new call preempts the turn still
// speaking.
//
// For testing, inject mock implementations via functional options
// (WithTurnStore, WithMetrics, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/cadenza/internal/config"
	"github.com/MrWong99/cadenza/internal/expression"
	"github.com/MrWong99/cadenza/internal/health"
	"github.com/MrWong99/cadenza/internal/observe"
	"github.com/MrWong99/cadenza/internal/resilience"
	"github.com/MrWong99/cadenza/pkg/audio"
	"github.com/MrWong99/cadenza/pkg/history"
	"github.com/MrWong99/cadenza/pkg/history/postgres"
	"github.com/MrWong99/cadenza/pkg/provider/embeddings"
	"github.com/MrWong99/cadenza/pkg/provider/llm"
	"github.com/MrWong99/cadenza/pkg/provider/tts"
	"github.com/MrWong99/cadenza/pkg/segment"
	"github.com/MrWong99/cadenza/pkg/speech"
)

// ErrNoCharacter is returned by Converse when the config declared no
// character and therefore no turn runner was built.
var ErrNoCharacter = errors.New("app: no character configured")

// gaugeInterval is the sampling cadence for the queue depth and backlog
// gauges.
const gaugeInterval = time.Second

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	LLM        llm.Provider
	TTS        tts.Synthesizer
	Embeddings embeddings.Provider
	Audio      audio.Sink

	// LLMFallbacks are tried in order when the primary LLM fails.
	LLMFallbacks []NamedLLM

	// TTSFallbacks are tried in order when the primary synthesizer fails
	// before delivering any audio for a clause.
	TTSFallbacks []NamedSynthesizer
}

// NamedLLM pairs an LLM provider with the registry name it was built from.
type NamedLLM struct {
	Name     string
	Provider llm.Provider
}

// NamedSynthesizer pairs a synthesizer with the registry name it was built
// from. The name becomes the provider attribute on its metrics.
type NamedSynthesizer struct {
	Name        string
	Synthesizer tts.Synthesizer
}

// SynthesizerFactory rebuilds the TTS backends for a changed config. Used by
// ApplyConfig to apply voice changes without a restart; main.go supplies one
// backed by the provider registry.
type SynthesizerFactory func(cfg *config.Config) (primary tts.Synthesizer, fallbacks []NamedSynthesizer, err error)

// App owns all subsystem lifetimes and orchestrates the Cadenza speech
// pipeline.
type App struct {
	mu        sync.Mutex
	cfg       *config.Config
	providers *Providers

	// Subsystems — initialised in New, torn down in Shutdown.
	metrics     *observe.Metrics
	store       *postgres.Store
	turns       history.TurnStore
	recall      history.SemanticIndex
	buffer      *audio.SampleBuffer
	queue       *speech.Queue
	session     *speech.Session
	synth       *switchableSynth
	coordinator *speech.Coordinator
	runner      *TurnRunner
	health      *health.Handler

	logLevel       *slog.LevelVar
	rebuildSynth   SynthesizerFactory
	conversationID string

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMetrics injects a metrics instance instead of using the package default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithTurnStore injects a turn log instead of creating one from config.
func WithTurnStore(s history.TurnStore) Option {
	return func(a *App) { a.turns = s }
}

// WithSemanticIndex injects a semantic index instead of creating one from config.
func WithSemanticIndex(idx history.SemanticIndex) Option {
	return func(a *App) { a.recall = idx }
}

// WithLogLevelVar hands the app the level var behind the process logger so
// ApplyConfig can retune verbosity on a config reload.
func WithLogLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// WithSynthesizerFactory wires the rebuild path for hot voice changes.
func WithSynthesizerFactory(f SynthesizerFactory) Option {
	return func(a *App) { a.rebuildSynth = f }
}

// WithConversationID pins the conversation identity instead of deriving it
// from the character name.
func WithConversationID(id string) Option {
	return func(a *App) { a.conversationID = id }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option functions
// to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: history store connection and
// migration, speech pipeline assembly, turn runner construction, and health
// endpoint registration.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Observability ─────────────────────────────────────────────────
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 2. Dialogue history ──────────────────────────────────────────────
	if err := a.initHistory(ctx); err != nil {
		return nil, fmt.Errorf("app: init history: %w", err)
	}

	// ── 3. Speech pipeline ───────────────────────────────────────────────
	a.initSpeech()

	// ── 4. Turn runner ───────────────────────────────────────────────────
	if err := a.initRunner(); err != nil {
		return nil, fmt.Errorf("app: init turn runner: %w", err)
	}

	// ── 5. Health endpoints ──────────────────────────────────────────────
	a.initHealth()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initHistory connects the PostgreSQL history store or uses injected mocks.
// With no DSN and no injected stores, dialogue history stays disabled.
func (a *App) initHistory(ctx context.Context) error {
	if a.turns != nil && a.recall != nil {
		return nil // both injected
	}

	dsn := a.cfg.History.PostgresDSN
	if dsn == "" {
		slog.Info("history.postgres_dsn not set, dialogue history disabled")
		return nil
	}

	dims := a.cfg.History.EmbeddingDimensions
	if dims == 0 {
		dims = 1536 // sensible default for OpenAI text-embedding-3-small
	}
	if e := a.providers.Embeddings; e != nil {
		// Dimensions may probe the backend once for models it cannot resolve
		// locally; 0 means the probe failed and the schema stands as declared.
		if pd := e.Dimensions(); pd != 0 && pd != dims {
			slog.Warn("embedding model length differs from the history schema, recall writes will fail",
				"model", e.ModelID(), "model_dims", pd, "schema_dims", dims)
		}
	}

	store, err := postgres.NewStore(ctx, dsn, dims)
	if err != nil {
		return err
	}
	a.store = store

	if a.turns == nil {
		a.turns = store.Turns()
	}
	if a.recall == nil {
		a.recall = store.Index()
	}

	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	return nil
}

// initSpeech assembles the clause pipeline: sample buffer, request queue,
// session, synthesizer chain, and coordinator. A nil audio sink falls back to
// [audio.NullSink] so flow control keeps moving without an output device.
func (a *App) initSpeech() {
	a.buffer = audio.NewSampleBuffer()
	a.queue = speech.NewQueue()

	segCfg := segment.DefaultConfig()
	if v := a.cfg.Speech.MinCommaSpan; v > 0 {
		segCfg.MinCommaSpan = v
	}
	if v := a.cfg.Speech.MinCommaOffset; v > 0 {
		segCfg.MinCommaOffset = v
	}
	a.session = speech.NewSession(a.queue, a.buffer, segment.New(segCfg), speech.SessionConfig{})

	a.synth = &switchableSynth{}
	if a.providers.TTS != nil {
		a.synth.swap(a.buildSynthesizer(a.providers.TTS, a.providers.TTSFallbacks))
	}
	a.coordinator = speech.NewCoordinator(a.queue, a.buffer, a.synth, speech.CoordinatorConfig{
		LowWaterMark: a.cfg.Speech.LowWaterMark,
	})

	if a.providers.Audio == nil {
		a.providers.Audio = &audio.NullSink{}
	}
}

// buildSynthesizer instruments the configured backends and, when fallbacks
// are present, stacks them into a circuit-broken chain.
func (a *App) buildSynthesizer(primary tts.Synthesizer, fallbacks []NamedSynthesizer) tts.Synthesizer {
	name := a.cfg.Providers.TTS.Name
	if name == "" {
		name = "tts"
	}
	wrapped := observe.WrapSynthesizer(primary, name, a.metrics)
	if len(fallbacks) == 0 {
		return wrapped
	}

	chain := resilience.NewSynthesizerChain(wrapped, name, resilience.FallbackConfig{})
	for _, fb := range fallbacks {
		chain.AddFallback(fb.Name, observe.WrapSynthesizer(fb.Synthesizer, fb.Name, a.metrics))
	}
	return chain
}

// initRunner builds the turn runner for the configured character.
func (a *App) initRunner() error {
	ch := a.cfg.Character
	if ch.IsZero() {
		slog.Warn("no character configured")
		return nil
	}
	if a.providers.LLM == nil {
		return fmt.Errorf("character %q requires an LLM provider", ch.Name)
	}
	if a.providers.TTS == nil {
		return fmt.Errorf("character %q requires a TTS provider", ch.Name)
	}

	llmName := a.cfg.Providers.LLM.Name
	if llmName == "" {
		llmName = "llm"
	}
	// Capability metadata may be incomplete for unknown models, so a missing
	// streaming flag is a warning rather than a startup failure.
	if caps := a.providers.LLM.Capabilities(); !caps.SupportsStreaming {
		slog.Warn("llm provider does not report streaming support; turns stream regardless", "provider", llmName)
	}
	llmProvider := a.providers.LLM
	if len(a.providers.LLMFallbacks) > 0 {
		fb := resilience.NewLLMFallback(llmProvider, llmName, resilience.FallbackConfig{})
		for _, f := range a.providers.LLMFallbacks {
			fb.AddFallback(f.Name, f.Provider)
		}
		llmProvider = fb
	}

	if a.conversationID == "" {
		a.conversationID = "conv-" + sanitizeName(ch.Name)
	}

	a.runner = NewTurnRunner(TurnRunnerConfig{
		LLM:               llmProvider,
		LLMName:           llmName,
		Session:           a.session,
		Queue:             a.queue,
		Buffer:            a.buffer,
		Coordinator:       a.coordinator,
		Turns:             a.turns,
		Recall:            a.recall,
		Embedder:          a.providers.Embeddings,
		Resolver:          expression.New(),
		Metrics:           a.metrics,
		ConversationID:    a.conversationID,
		Persona:           ch.Persona,
		Expressions:       ch.Expressions,
		FallbackUtterance: ch.FallbackUtterance,
		RecentTurns:       a.cfg.History.RecentTurns,
	})

	slog.Info("character loaded",
		"name", ch.Name,
		"voice", ch.Voice.Provider,
		"expressions", len(ch.Expressions),
	)
	return nil
}

// initHealth registers readiness checkers for the dependencies the app owns.
func (a *App) initHealth() {
	var checkers []health.Checker
	if a.store != nil {
		checkers = append(checkers, health.Checker{Name: "history", Check: a.store.Ping})
	}
	if a.synth != nil {
		checkers = append(checkers, health.Checker{Name: "synthesis", Check: a.checkSynthesis})
	}
	a.health = health.New(checkers...)
}

// checkSynthesis derives synthesis readiness from the circuit states of the
// active chain. An unhealthy primary with a serviceable fallback reports
// degraded; readiness fails only when every backend's circuit is open.
func (a *App) checkSynthesis(context.Context) error {
	chain, ok := a.synth.current().(interface{ Health() []resilience.EntryHealth })
	if !ok {
		// A single backend has no breaker in front of it.
		return nil
	}
	entries := chain.Health()
	if len(entries) == 0 || entries[0].State == resilience.StateClosed {
		return nil
	}
	for _, e := range entries[1:] {
		if e.State != resilience.StateOpen {
			return health.Degraded(fmt.Sprintf("primary %s circuit %s, serving via %s",
				entries[0].Name, entries[0].State, e.Name))
		}
	}
	return errors.New("every synthesis backend circuit is open")
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the audio sink and the coordination loops, then blocks until ctx
// is cancelled. When ctx is done, Run returns context.Canceled (or the
// underlying cause).
func (a *App) Run(ctx context.Context) error {
	if err := a.providers.Audio.Start(a.buffer.Pull); err != nil {
		return fmt.Errorf("app: start audio sink: %w", err)
	}

	a.metrics.ActiveSessions.Add(ctx, 1)
	defer a.metrics.ActiveSessions.Add(ctx, -1)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.coordinator.Run(gctx)
		return gctx.Err()
	})
	g.Go(func() error {
		a.observeGauges(gctx)
		return gctx.Err()
	})

	slog.Info("app running", "character", a.config().Character.Name, "conversation", a.conversationID)
	return g.Wait()
}

// observeGauges samples queue depth and playback backlog until ctx ends.
func (a *App) observeGauges(ctx context.Context) {
	ticker := time.NewTicker(gaugeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.metrics.ObserveQueueDepth(ctx, a.queue.Len())
			a.metrics.ObserveBacklog(ctx, a.buffer.Backlog())
		}
	}
}

// Converse runs one conversational turn: userText goes to the LLM, the reply
// streams through the speech pipeline, and the result reports what was said.
// A second call while a turn is in flight preempts it. Run must be active for
// synthesis and playback to progress.
func (a *App) Converse(ctx context.Context, userText string) (*TurnResult, error) {
	if a.runner == nil {
		return nil, ErrNoCharacter
	}
	return a.runner.Converse(ctx, userText)
}

// OnDisplay registers cb to receive the active turn's dialogue text as it
// grows. No-op without a configured character.
func (a *App) OnDisplay(cb func(text string)) {
	if a.runner != nil {
		a.runner.OnDisplay(cb)
	}
}

// OnExpression registers cb to receive the resolved expression once per turn.
// No-op without a configured character.
func (a *App) OnExpression(cb func(label string, confidence float64)) {
	if a.runner != nil {
		a.runner.OnExpression(cb)
	}
}

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig applies a hot-reloaded configuration. Only the diffable fields
// move: log level, character voice, and the expression set. The computed diff
// is returned so callers can log what changed.
func (a *App) ApplyConfig(next *config.Config) config.ConfigDiff {
	a.mu.Lock()
	prev := a.cfg
	a.cfg = next
	a.mu.Unlock()

	d := config.Diff(prev, next)
	if !d.Any() {
		return d
	}

	if d.LogLevelChanged {
		if a.logLevel != nil {
			a.logLevel.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		} else {
			slog.Warn("log level changed but no level var is wired, restart to apply")
		}
	}

	if d.ExpressionsChanged && a.runner != nil {
		a.runner.SetExpressions(next.Character.Expressions)
		slog.Info("expression set changed", "count", len(next.Character.Expressions))
	}

	if d.VoiceChanged {
		a.applyVoiceChange(next)
	}

	return d
}

// applyVoiceChange rebuilds the synthesizer chain for the new voice and swaps
// it in; the change takes effect from the next synthesised clause.
func (a *App) applyVoiceChange(next *config.Config) {
	if a.rebuildSynth == nil {
		slog.Warn("voice changed but no synthesizer factory is wired, restart to apply")
		return
	}
	primary, fallbacks, err := a.rebuildSynth(next)
	if err != nil {
		slog.Error("voice change failed, keeping previous synthesizer", "err", err)
		return
	}
	a.synth.swap(a.buildSynthesizer(primary, fallbacks))
	slog.Info("voice changed",
		"provider", next.Character.Voice.Provider,
		"voice_id", next.Character.Voice.VoiceID,
	)
}

// config returns the current configuration snapshot.
func (a *App) config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		// Silence the active turn and stop playback first.
		if a.runner != nil {
			a.runner.CancelActive()
		}
		if err := a.providers.Audio.Stop(); err != nil {
			slog.Warn("audio sink stop error", "err", err)
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// switchableSynth lets ApplyConfig swap the synthesizer chain between clauses
// without restarting the coordinator.
type switchableSynth struct {
	mu    sync.RWMutex
	inner tts.Synthesizer
}

var _ tts.Synthesizer = (*switchableSynth)(nil)

func (s *switchableSynth) Synthesize(ctx context.Context, text string, onChunk func(pcm []byte) error) error {
	s.mu.RLock()
	inner := s.inner
	s.mu.RUnlock()
	if inner == nil {
		return errors.New("app: no synthesizer configured")
	}
	return inner.Synthesize(ctx, text, onChunk)
}

func (s *switchableSynth) swap(next tts.Synthesizer) {
	s.mu.Lock()
	s.inner = next
	s.mu.Unlock()
}

func (s *switchableSynth) current() tts.Synthesizer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inner
}

// slogLevel converts a config.LogLevel to its slog equivalent.
func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// sanitizeName replaces spaces with hyphens and lowercases a name for use in
// conversation IDs.
func sanitizeName(name string) string {
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, " ", "-")
	return name
}
