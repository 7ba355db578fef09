package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"tts":        {"elevenlabs", "coqui", "openai"},
	"embeddings": {"openai", "ollama"},
	"audio":      {"discord", "device", "null"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	validateProviderName("audio", cfg.Providers.Audio.Name)

	// Fallback entries need a name to be looked up in the registry.
	for i, entry := range cfg.Providers.LLMFallbacks {
		if entry.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("llm", entry.Name)
	}
	for i, entry := range cfg.Providers.TTSFallbacks {
		if entry.Name == "" {
			errs = append(errs, fmt.Errorf("providers.tts_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("tts", entry.Name)
	}

	// Character
	ch := cfg.Character
	if !ch.IsZero() {
		if ch.Name == "" {
			errs = append(errs, errors.New("character.name is required"))
		}

		// Character ↔ provider cross-validation: a speaking character needs
		// both pipeline stages.
		if cfg.Providers.LLM.Name == "" {
			errs = append(errs, errors.New("character requires an LLM provider but providers.llm is not configured"))
		}
		if cfg.Providers.TTS.Name == "" {
			errs = append(errs, errors.New("character requires a TTS provider but providers.tts is not configured"))
		}
	}
	if ch.Voice.Rate != 0 {
		if ch.Voice.Rate < 0.5 || ch.Voice.Rate > 2.0 {
			errs = append(errs, fmt.Errorf("character.voice.rate %.2f is out of range [0.5, 2.0]", ch.Voice.Rate))
		}
	}

	// Duplicate expressions would make mood resolution ambiguous.
	exprSeen := make(map[string]int, len(ch.Expressions))
	for i, expr := range ch.Expressions {
		key := strings.ToLower(strings.TrimSpace(expr))
		if key == "" {
			errs = append(errs, fmt.Errorf("character.expressions[%d] is empty", i))
			continue
		}
		if prev, ok := exprSeen[key]; ok {
			errs = append(errs, fmt.Errorf("character.expressions[%d] %q is a duplicate of character.expressions[%d]", i, expr, prev))
		}
		exprSeen[key] = i
	}

	// Voice provider ↔ TTS provider cross-validation
	if ch.Voice.Provider != "" && cfg.Providers.TTS.Name != "" {
		known := ch.Voice.Provider == cfg.Providers.TTS.Name
		for _, entry := range cfg.Providers.TTSFallbacks {
			if entry.Name == ch.Voice.Provider {
				known = true
			}
		}
		if !known {
			slog.Warn("character voice provider does not match any configured TTS provider",
				"voice_provider", ch.Voice.Provider,
				"tts_provider", cfg.Providers.TTS.Name,
			)
		}
	}

	// Speech tuning
	if cfg.Speech.MinCommaSpan < 0 {
		errs = append(errs, fmt.Errorf("speech.min_comma_span %d is negative", cfg.Speech.MinCommaSpan))
	}
	if cfg.Speech.MinCommaOffset < 0 {
		errs = append(errs, fmt.Errorf("speech.min_comma_offset %d is negative", cfg.Speech.MinCommaOffset))
	}
	if cfg.Speech.LowWaterMark < 0 {
		errs = append(errs, fmt.Errorf("speech.low_water_mark %d is negative", cfg.Speech.LowWaterMark))
	}

	// Embeddings ↔ history dimensions
	if cfg.Providers.Embeddings.Name != "" && cfg.History.EmbeddingDimensions <= 0 {
		slog.Warn("providers.embeddings is configured but history.embedding_dimensions is not set; defaulting to 1536")
	}

	// History availability
	if cfg.History.PostgresDSN == "" && !ch.IsZero() {
		slog.Warn("history.postgres_dsn is empty; dialogue history will not be persisted")
	}
	if cfg.History.RecentTurns < 0 {
		errs = append(errs, fmt.Errorf("history.recent_turns %d is negative", cfg.History.RecentTurns))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
