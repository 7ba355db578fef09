package observe

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/cadenza/pkg/provider/tts"
)

// Synthesizer wraps a [tts.Synthesizer] and records per-clause latency,
// clause counts, and error counts under the backend's provider name.
type Synthesizer struct {
	inner   tts.Synthesizer
	metrics *Metrics
	name    string
}

var _ tts.Synthesizer = (*Synthesizer)(nil)

// WrapSynthesizer returns a [Synthesizer] that instruments inner. The name
// becomes the "provider" attribute on every recorded metric.
func WrapSynthesizer(inner tts.Synthesizer, name string, m *Metrics) *Synthesizer {
	return &Synthesizer{inner: inner, metrics: m, name: name}
}

// Synthesize times the wrapped call and records its outcome. A clause is
// counted with status "ok", "error", or "cancelled"; only non-cancellation
// failures increment the error counter.
func (s *Synthesizer) Synthesize(ctx context.Context, text string, onChunk func(pcm []byte) error) error {
	start := time.Now()
	err := s.inner.Synthesize(ctx, text, onChunk)

	s.metrics.SynthesisDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(Attr("provider", s.name)),
	)

	switch {
	case err == nil:
		s.metrics.RecordClause(ctx, s.name, "ok")
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		s.metrics.RecordClause(ctx, s.name, "cancelled")
	default:
		s.metrics.RecordClause(ctx, s.name, "error")
		s.metrics.RecordSynthesisError(ctx, s.name)
	}
	return err
}
