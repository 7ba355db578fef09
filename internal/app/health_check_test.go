package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/cadenza/internal/health"
	"github.com/MrWong99/cadenza/internal/resilience"
	ttsmock "github.com/MrWong99/cadenza/pkg/provider/tts/mock"
)

func TestCheckSynthesis_DegradedWhenPrimaryOpen(t *testing.T) {
	primary := &ttsmock.Synthesizer{
		FailOn: map[string]error{"trip": errors.New("backend down")},
	}
	chain := resilience.NewSynthesizerChain(primary, "elevenlabs", resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})
	chain.AddFallback("openai", &ttsmock.Synthesizer{})

	// One failing clause opens the primary's breaker; the fallback serves it.
	if err := chain.Synthesize(context.Background(), "trip", func([]byte) error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	a := &App{synth: &switchableSynth{}}
	a.synth.swap(chain)

	err := a.checkSynthesis(context.Background())
	var de *health.DegradedError
	if !errors.As(err, &de) {
		t.Fatalf("err = %v, want a degraded report", err)
	}
	if !strings.Contains(de.Reason, "elevenlabs") || !strings.Contains(de.Reason, "openai") {
		t.Fatalf("reason = %q, want primary and serving backend names", de.Reason)
	}
}

func TestCheckSynthesis_FailsWhenAllCircuitsOpen(t *testing.T) {
	primary := &ttsmock.Synthesizer{
		FailOn: map[string]error{"trip": errors.New("primary down")},
	}
	fallback := &ttsmock.Synthesizer{
		FailOn: map[string]error{"trip": errors.New("fallback down")},
	}
	chain := resilience.NewSynthesizerChain(primary, "elevenlabs", resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})
	chain.AddFallback("openai", fallback)
	_ = chain.Synthesize(context.Background(), "trip", func([]byte) error { return nil })

	a := &App{synth: &switchableSynth{}}
	a.synth.swap(chain)

	err := a.checkSynthesis(context.Background())
	if err == nil {
		t.Fatal("expected an error with every circuit open")
	}
	if errors.As(err, new(*health.DegradedError)) {
		t.Fatalf("err = %v, want a hard failure, not degraded", err)
	}
}

func TestCheckSynthesis_Healthy(t *testing.T) {
	a := &App{synth: &switchableSynth{}}

	// A single backend carries no breaker to inspect.
	a.synth.swap(&ttsmock.Synthesizer{})
	if err := a.checkSynthesis(context.Background()); err != nil {
		t.Fatalf("plain synthesizer: unexpected error: %v", err)
	}

	chain := resilience.NewSynthesizerChain(&ttsmock.Synthesizer{}, "elevenlabs", resilience.FallbackConfig{})
	chain.AddFallback("openai", &ttsmock.Synthesizer{})
	a.synth.swap(chain)
	if err := a.checkSynthesis(context.Background()); err != nil {
		t.Fatalf("closed circuits: unexpected error: %v", err)
	}
}
