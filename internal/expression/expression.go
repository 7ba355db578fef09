// Package expression resolves the free-form mood label of an utterance
// envelope onto a character's configured expression set.
//
// The system prompt asks the model to pick moods from the character's
// expression list, but models routinely drift: different casing, misspellings
// ("thoughtfull"), or qualified phrases ("slightly annoyed"). The resolver
// maps such variants back onto the configured set in three stages:
//
//  1. Exact matching: a case-insensitive, whitespace-trimmed comparison.
//     An exact hit resolves with confidence 1.0.
//
//  2. Phonetic candidate filtering: Double Metaphone codes are computed for
//     each word in the mood and for each configured expression. If any code
//     from the mood overlaps with any code from an expression, the expression
//     becomes a phonetic candidate. Among candidates, the expression with the
//     highest Jaro-Winkler similarity (computed on the original strings,
//     case-insensitive) is selected when its score exceeds the phonetic
//     threshold.
//
//  3. Fuzzy fallback: when no phonetic candidate is found, a secondary pass
//     tests pure Jaro-Winkler similarity against all expressions using a
//     higher fuzzy threshold (default 0.85).
//
// Multi-word moods are supported: the resolver computes phonetic codes per
// word and considers the best pairwise score across all word pairs when
// ranking candidates, so "slightly annoyed" still resolves to "annoyed".
package expression

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Option is a functional option for configuring a [Resolver].
type Option func(*Resolver)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically-matched expression to be accepted. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(r *Resolver) {
		r.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when no
// phonetic match is found and the resolver falls back to pure string
// similarity. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(r *Resolver) {
		r.fuzzyThreshold = threshold
	}
}

// Resolver maps mood labels onto a fixed expression set.
// All methods are safe for concurrent use; the Resolver is read-only after
// construction.
type Resolver struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a new [Resolver] configured with the supplied options.
// Default thresholds are 0.70 for phonetic matches and 0.85 for fuzzy
// fallback matches.
func New(opts ...Option) *Resolver {
	r := &Resolver{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve attempts to find the expression from expressions that best matches
// mood.
//
// mood may be a single word or a space-separated phrase. When mood contains
// multiple tokens, the resolver checks whether any token phonetically aligns
// with any token of a multi-word expression, then ranks by Jaro-Winkler on
// the full strings.
//
// The returned expression carries the casing of the configured list, not of
// the input. When matched is false, expression equals mood unchanged and
// confidence is 0; the caller decides whether to forward the raw label or
// substitute a default.
func (r *Resolver) Resolve(mood string, expressions []string) (expression string, confidence float64, matched bool) {
	if len(expressions) == 0 || strings.TrimSpace(mood) == "" {
		return mood, 0, false
	}

	moodLower := strings.ToLower(strings.TrimSpace(mood))
	moodTokens := strings.Fields(moodLower)

	// Stage 1: exact match against the configured set.
	for _, expr := range expressions {
		if strings.ToLower(strings.TrimSpace(expr)) == moodLower {
			return expr, 1.0, true
		}
	}

	// Build phonetic code set for the input.
	inputCodes := codesForTokens(moodTokens)

	type candidate struct {
		expr     string
		score    float64
		phonetic bool
	}

	var best candidate

	for _, expr := range expressions {
		exprLower := strings.ToLower(strings.TrimSpace(expr))
		if exprLower == "" {
			continue
		}
		exprTokens := strings.Fields(exprLower)

		// Check phonetic overlap between mood tokens and expression tokens.
		exprCodes := codesForTokens(exprTokens)
		phoneticMatch := codesOverlap(inputCodes, exprCodes)

		// Compute the best Jaro-Winkler score for this expression using
		// several comparison strategies to handle multi-word mismatches.
		jwScore := bestJWScore(moodTokens, exprTokens, moodLower, exprLower)

		if phoneticMatch {
			if jwScore >= r.phoneticThreshold {
				if !best.phonetic || jwScore > best.score {
					best = candidate{expr: expr, score: jwScore, phonetic: true}
				}
			}
		} else if !best.phonetic {
			if jwScore >= r.fuzzyThreshold && jwScore > best.score {
				best = candidate{expr: expr, score: jwScore, phonetic: false}
			}
		}
	}

	if best.expr != "" {
		return best.expr, best.score, true
	}
	return mood, 0, false
}

// codesForTokens returns the union of all Double Metaphone codes for the
// given tokens. Empty codes (produced when the word is too short or
// contains no consonants) are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

// codesOverlap returns true if the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	// Iterate over the smaller set for efficiency.
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJWScore computes the highest Jaro-Winkler similarity between the mood
// and the expression using three strategies:
//
//  1. Full-string comparison (e.g., "thoughtfull" vs "thoughtful").
//  2. Space-stripped comparison (e.g., "halfasleep" vs "half asleep").
//  3. Best pairwise word comparison, the maximum JW score between any mood
//     token and any expression token (useful when one mood word corresponds
//     to one expression word).
//
// longTolerance is passed as false to use standard Jaro-Winkler scoring.
func bestJWScore(moodTokens, exprTokens []string, moodFull, exprFull string) float64 {
	// Strategy 1: full strings.
	score := matchr.JaroWinkler(moodFull, exprFull, false)

	// Strategy 2: concatenated (no spaces).
	if len(moodTokens) > 1 || len(exprTokens) > 1 {
		concat1 := strings.Join(moodTokens, "")
		concat2 := strings.Join(exprTokens, "")
		if s := matchr.JaroWinkler(concat1, concat2, false); s > score {
			score = s
		}
	}

	// Strategy 3: best pairwise token score.
	for _, mt := range moodTokens {
		for _, et := range exprTokens {
			if s := matchr.JaroWinkler(mt, et, false); s > score {
				score = s
			}
		}
	}

	return score
}
