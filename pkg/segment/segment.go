// Package segment decides when enough streamed dialogue has accumulated to
// be worth vocalising.
//
// A Segmenter scans a span of not-yet-dispatched text for the first
// legitimate clause boundary using a prioritised rule set: strong terminal
// marks anywhere, ASCII sentence enders only before whitespace or span end,
// and a comma fallback on long unpunctuated runs. Boundaries are byte
// indices so callers can slice the span directly.
package segment

import (
	"strings"
	"unicode/utf8"
)

// DefaultStrongMarks are terminal marks that end a clause wherever they
// appear: the fullwidth sentence enders, ellipsis, and newline.
const DefaultStrongMarks = "。！？…\n"

// asciiMarks end a clause only when followed by whitespace or the end of the
// span, which keeps decimal points and abbreviations intact.
const asciiMarks = ".!?"

// commaMarks are the clause separators used by the long-run fallback.
const commaMarks = ",、"

// Config carries the segmentation tuning knobs. The thresholds are tuning
// choices, not correctness properties; defaults come from [DefaultConfig].
type Config struct {
	// StrongMarks is the set of runes that terminate a clause unconditionally.
	StrongMarks string

	// MinCommaSpan is the minimum span length in runes before the comma
	// fallback may fire at all. Guards against micro-utterances.
	MinCommaSpan int

	// MinCommaOffset is the minimum rune offset of a qualifying comma from
	// the span start. Prevents synthesising a one-word fragment.
	MinCommaOffset int
}

// DefaultConfig returns the tuning used when fields are zero.
func DefaultConfig() Config {
	return Config{
		StrongMarks:    DefaultStrongMarks,
		MinCommaSpan:   24,
		MinCommaOffset: 12,
	}
}

// Segmenter finds clause boundaries in dialogue spans. Safe for concurrent
// use; it holds only immutable config.
type Segmenter struct {
	strong         string
	minCommaSpan   int
	minCommaOffset int
}

// New creates a Segmenter. Zero-value config fields fall back to
// [DefaultConfig] values.
func New(cfg Config) *Segmenter {
	def := DefaultConfig()
	if cfg.StrongMarks == "" {
		cfg.StrongMarks = def.StrongMarks
	}
	if cfg.MinCommaSpan <= 0 {
		cfg.MinCommaSpan = def.MinCommaSpan
	}
	if cfg.MinCommaOffset <= 0 {
		cfg.MinCommaOffset = def.MinCommaOffset
	}
	return &Segmenter{
		strong:         cfg.StrongMarks,
		minCommaSpan:   cfg.MinCommaSpan,
		minCommaOffset: cfg.MinCommaOffset,
	}
}

// FirstBoundary returns the byte index of the last byte of the first
// complete clause in span, or -1 if the caller should keep buffering.
//
// Rule order:
//  1. earliest strong mark,
//  2. earliest ASCII ender followed by whitespace or end-of-span,
//  3. on spans of at least MinCommaSpan runes, the earliest comma at or past
//     MinCommaOffset runes,
//  4. none.
func (s *Segmenter) FirstBoundary(span string) int {
	if span == "" {
		return -1
	}

	if idx := s.strongBoundary(span); idx >= 0 {
		return idx
	}
	if idx := asciiBoundary(span); idx >= 0 {
		return idx
	}
	return s.commaBoundary(span)
}

// Split cuts span at the first boundary. clause is the trimmed dispatch
// unit, rest the remainder with leading whitespace dropped. ok is false when
// no boundary exists; clause and rest are then empty.
func (s *Segmenter) Split(span string) (clause, rest string, ok bool) {
	idx := s.FirstBoundary(span)
	if idx < 0 {
		return "", "", false
	}
	clause = strings.TrimSpace(span[:idx+1])
	rest = strings.TrimLeft(span[idx+1:], " \t\r\n")
	return clause, rest, true
}

func (s *Segmenter) strongBoundary(span string) int {
	if i := strings.IndexAny(span, s.strong); i >= 0 {
		_, size := utf8.DecodeRuneInString(span[i:])
		return i + size - 1
	}
	return -1
}

func asciiBoundary(span string) int {
	for i := 0; i < len(span); i++ {
		if !strings.ContainsRune(asciiMarks, rune(span[i])) {
			continue
		}
		if i == len(span)-1 {
			return i
		}
		switch span[i+1] {
		case ' ', '\t', '\r', '\n':
			return i
		}
	}
	return -1
}

func (s *Segmenter) commaBoundary(span string) int {
	if utf8.RuneCountInString(span) < s.minCommaSpan {
		return -1
	}
	runeOffset := 0
	for i, r := range span {
		if runeOffset >= s.minCommaOffset && strings.ContainsRune(commaMarks, r) {
			return i + utf8.RuneLen(r) - 1
		}
		runeOffset++
	}
	return -1
}
