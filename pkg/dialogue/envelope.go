package dialogue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoDialogue is returned by ParseEnvelope when the document parses but
// carries no dialogue field.
var ErrNoDialogue = errors.New("dialogue: envelope has no dialogue field")

// Envelope is the complete utterance object streamed by the model. Unknown
// fields are permitted and ignored; models routinely attach extras.
type Envelope struct {
	// Dialogue is the text to speak and display.
	Dialogue string `json:"dialogue"`

	// Mood is a free-form expression hint for the avatar ("cheerful",
	// "slightly annoyed"). May be empty.
	Mood string `json:"mood"`
}

// ParseEnvelope decodes a complete envelope document. It is the
// reconciliation path run once a turn's stream has finished: where the
// incremental scan had to stop at a truncated escape, the full parse is
// authoritative.
//
// Markdown code fences around the object are stripped before decoding, since
// several models wrap JSON output in ```json blocks regardless of prompting.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	trimmed := stripFences(string(raw))
	if trimmed == "" {
		return env, ErrNoDialogue
	}
	if err := json.Unmarshal([]byte(trimmed), &env); err != nil {
		return env, fmt.Errorf("dialogue: parse envelope: %w", err)
	}
	if env.Dialogue == "" {
		return env, ErrNoDialogue
	}
	return env, nil
}

// stripFences removes a leading ```/```json fence line and a trailing ```
// fence, plus surrounding whitespace.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if rest, ok := strings.CutPrefix(s, "```"); ok {
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			s = rest[nl+1:]
		} else {
			s = rest
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}
