// Package dialogue recovers the spoken text of a streaming utterance
// envelope before the envelope is complete.
//
// The LLM streams a JSON object of the form
//
//	{"dialogue": "Hello there!", "mood": "cheerful"}
//
// as raw token deltas that may split anywhere — inside an escape sequence,
// between the two halves of a \uXXXX surrogate pair, or in the middle of a
// multi-byte UTF-8 rune. [Extractor] consumes those deltas incrementally and
// yields decoded dialogue text as soon as it is known, so that downstream
// segmentation and synthesis can start while the model is still writing.
//
// The extractor guarantees prefix stability: for a growing input, the
// cumulative dialogue text only ever extends, never shrinks or diverges.
// [ParseEnvelope] is the companion full-document path used once a turn's
// stream has completed.
package dialogue

import (
	"fmt"
	"strings"
	"unicode/utf16"
	"unicode/utf8"
)

// Envelope field keys recognised by the extractor. Key comparison is
// case-insensitive to tolerate model drift ("Dialogue", "MOOD").
const (
	keyDialogue = "dialogue"
	keyMood     = "mood"
)

// stringRole classifies the JSON string token currently being decoded.
type stringRole int

const (
	roleNone stringRole = iota
	roleKey
	roleDialogue
	roleMood
)

type containerKind int

const (
	kindObject containerKind = iota + 1
	kindArray
)

type objState int

const (
	objExpectKeyOrEnd objState = iota + 1
	objExpectColon
	objExpectValue
	objExpectCommaOrEnd
)

type arrState int

const (
	arrExpectValueOrEnd arrState = iota + 1
	arrExpectCommaOrEnd
)

// container is one level of the JSON nesting stack. key holds the most
// recently completed member key while its value is pending.
type container struct {
	kind containerKind
	obj  objState
	arr  arrState
	key  string
}

// Extractor incrementally extracts the dialogue and mood values from a
// streaming utterance envelope. The zero value is ready to use; one
// Extractor serves exactly one turn and is not safe for concurrent use.
//
// Feed tolerates arbitrary chunk boundaries. Bytes outside any JSON
// container (markdown fences around the envelope, stray prose) are skipped.
// Only the first dialogue and first mood string bind; repeats are ignored.
type Extractor struct {
	buf []byte
	pos int

	stack []container

	inString bool
	role     stringRole

	keyBuilder   strings.Builder
	dialogueText strings.Builder
	dialogueDone bool
	moodText     strings.Builder
	moodDone     bool

	dec stringDecoder

	// err latches the first decode failure. A malformed stream cannot be
	// resynchronised mid-string, so every later Feed reports the same error.
	err error
}

// Feed appends delta to the internal buffer, advances the scan as far as the
// available bytes allow, and returns only the newly decoded dialogue text.
// An empty return with nil error means no new dialogue is recoverable yet;
// decoder state holds any partial escape for the next call.
func (e *Extractor) Feed(delta string) (string, error) {
	if e.err != nil {
		return "", e.err
	}
	if delta == "" {
		return "", nil
	}
	e.buf = append(e.buf, delta...)

	var newly strings.Builder

	for e.pos < len(e.buf) {
		b := e.buf[e.pos]

		if e.inString {
			decoded, n, done, err := e.dec.Consume(e.buf[e.pos:])
			if err != nil {
				e.err = err
				return "", err
			}
			if n == 0 {
				// Decoder needs bytes that have not arrived yet.
				break
			}
			e.pos += n

			if decoded != "" {
				switch e.role {
				case roleKey:
					e.keyBuilder.WriteString(decoded)
				case roleDialogue:
					e.dialogueText.WriteString(decoded)
					newly.WriteString(decoded)
				case roleMood:
					e.moodText.WriteString(decoded)
				}
			}
			if done {
				e.inString = false
				switch e.role {
				case roleKey:
					e.bindKey(e.keyBuilder.String())
					e.keyBuilder.Reset()
				case roleDialogue:
					e.dialogueDone = true
					e.valueEnded()
				case roleMood:
					e.moodDone = true
					e.valueEnded()
				default:
					e.valueEnded()
				}
				e.role = roleNone
			}
			continue
		}

		switch b {
		case ' ', '\t', '\r', '\n':
			e.pos++
		case '{':
			e.pushObject()
			e.pos++
		case '[':
			e.pushArray()
			e.pos++
		case '}':
			e.pop(kindObject)
			e.pos++
		case ']':
			e.pop(kindArray)
			e.pos++
		case ',':
			e.sawComma()
			e.pos++
		case ':':
			e.sawColon()
			e.pos++
		case '"':
			e.pos++
			e.dec.Reset()
			e.inString = true
			e.role = e.roleForString()
			if e.role == roleKey {
				e.keyBuilder.Reset()
			}
		default:
			// Non-string primitives (numbers, true/false/null) and any junk
			// outside the envelope. Their content is irrelevant; only the
			// container state transition matters.
			e.valueEnded()
			e.pos++
		}
	}

	if e.pos > 0 {
		// Keep unconsumed suffix only; partial escape state lives in dec.
		e.buf = append(e.buf[:0:0], e.buf[e.pos:]...)
		e.pos = 0
	}

	return newly.String(), nil
}

// Text returns all dialogue decoded so far.
func (e *Extractor) Text() string {
	return e.dialogueText.String()
}

// Mood returns the mood value and whether its string has fully closed.
// Callers that drive an avatar should wait for complete to act.
func (e *Extractor) Mood() (mood string, complete bool) {
	return e.moodText.String(), e.moodDone
}

// ─── container stack transitions ─────────────────────────────────────────────

func (e *Extractor) pushObject() {
	e.consumeValueSlot()
	e.stack = append(e.stack, container{kind: kindObject, obj: objExpectKeyOrEnd})
}

func (e *Extractor) pushArray() {
	e.consumeValueSlot()
	e.stack = append(e.stack, container{kind: kindArray, arr: arrExpectValueOrEnd})
}

// consumeValueSlot marks the parent container as having received the value
// that is about to be opened.
func (e *Extractor) consumeValueSlot() {
	if len(e.stack) == 0 {
		return
	}
	top := &e.stack[len(e.stack)-1]
	switch top.kind {
	case kindObject:
		if top.obj == objExpectValue {
			top.obj = objExpectCommaOrEnd
			top.key = ""
		}
	case kindArray:
		if top.arr == arrExpectValueOrEnd {
			top.arr = arrExpectCommaOrEnd
		}
	}
}

func (e *Extractor) pop(kind containerKind) {
	if len(e.stack) == 0 {
		return
	}
	if e.stack[len(e.stack)-1].kind != kind {
		return
	}
	e.stack = e.stack[:len(e.stack)-1]
}

func (e *Extractor) sawComma() {
	if len(e.stack) == 0 {
		return
	}
	top := &e.stack[len(e.stack)-1]
	switch top.kind {
	case kindObject:
		if top.obj == objExpectCommaOrEnd {
			top.obj = objExpectKeyOrEnd
			top.key = ""
		}
	case kindArray:
		if top.arr == arrExpectCommaOrEnd {
			top.arr = arrExpectValueOrEnd
		}
	}
}

func (e *Extractor) sawColon() {
	if len(e.stack) == 0 {
		return
	}
	top := &e.stack[len(e.stack)-1]
	if top.kind == kindObject && top.obj == objExpectColon {
		top.obj = objExpectValue
	}
}

// valueEnded advances the enclosing container past a completed scalar value.
func (e *Extractor) valueEnded() {
	if len(e.stack) == 0 {
		return
	}
	top := &e.stack[len(e.stack)-1]
	switch top.kind {
	case kindObject:
		if top.obj == objExpectValue {
			top.obj = objExpectCommaOrEnd
			top.key = ""
		}
	case kindArray:
		if top.arr == arrExpectValueOrEnd {
			top.arr = arrExpectCommaOrEnd
		}
	}
}

// roleForString decides what the string token opening at the cursor is:
// an object key, the dialogue value, the mood value, or an ignorable string.
func (e *Extractor) roleForString() stringRole {
	if len(e.stack) == 0 {
		// A bare string before any brace: treat the stream as an implicit
		// object so that `"dialogue": "..."` without braces still works.
		e.stack = append(e.stack, container{kind: kindObject, obj: objExpectKeyOrEnd})
		return roleKey
	}
	top := e.stack[len(e.stack)-1]
	if top.kind == kindObject && top.obj == objExpectKeyOrEnd {
		return roleKey
	}
	if top.kind == kindObject && top.obj == objExpectValue {
		switch {
		case !e.dialogueDone && e.dialogueText.Len() == 0 && strings.EqualFold(top.key, keyDialogue):
			return roleDialogue
		case !e.moodDone && e.moodText.Len() == 0 && strings.EqualFold(top.key, keyMood):
			return roleMood
		}
	}
	return roleNone
}

// bindKey records a completed member key on the top object.
func (e *Extractor) bindKey(key string) {
	if len(e.stack) == 0 {
		return
	}
	top := &e.stack[len(e.stack)-1]
	if top.kind != kindObject || top.obj != objExpectKeyOrEnd {
		return
	}
	top.key = key
	top.obj = objExpectColon
}

// ─── incremental string decoding ─────────────────────────────────────────────

// stringDecoder decodes the body of a JSON string (the bytes between the
// quotes) across arbitrary chunk splits. Pending state survives between
// Consume calls: an open escape, up to four outstanding \uXXXX hex digits, a
// held high surrogate awaiting its low half, and a partially received UTF-8
// rune.
type stringDecoder struct {
	inEscape bool

	// lowEscape tracks progress through the mandatory `\u` prefix of the
	// low half of a surrogate pair: 0 none, 1 expect '\', 2 expect 'u'.
	lowEscape   int
	pendingHigh uint16

	hexLeft int
	hexVal  uint16

	runeBuf []byte
}

// Reset prepares the decoder for a new string token.
func (d *stringDecoder) Reset() {
	d.inEscape = false
	d.lowEscape = 0
	d.pendingHigh = 0
	d.hexLeft = 0
	d.hexVal = 0
	d.runeBuf = d.runeBuf[:0]
}

// Consume decodes as much of data as possible. It returns the decoded text,
// the number of input bytes consumed, and done=true once the unescaped
// closing quote was consumed. n may be len(data) with done=false when the
// string continues in a later chunk.
func (d *stringDecoder) Consume(data []byte) (decoded string, n int, done bool, err error) {
	var out strings.Builder
	i := 0
	for i < len(data) {
		b := data[i]

		if d.hexLeft > 0 {
			v, ok := hexVal(b)
			if !ok {
				return "", 0, false, fmt.Errorf("dialogue: invalid \\u escape digit %q", b)
			}
			d.hexVal = d.hexVal<<4 | uint16(v)
			d.hexLeft--
			i++
			if d.hexLeft > 0 {
				continue
			}
			cp := d.hexVal
			d.hexVal = 0
			switch {
			case d.pendingHigh != 0:
				if cp < 0xDC00 || cp > 0xDFFF {
					return "", 0, false, fmt.Errorf("dialogue: surrogate pair high %#04x followed by %#04x", d.pendingHigh, cp)
				}
				out.WriteRune(utf16.DecodeRune(rune(d.pendingHigh), rune(cp)))
				d.pendingHigh = 0
				d.lowEscape = 0
			case cp >= 0xD800 && cp <= 0xDBFF:
				d.pendingHigh = cp
				d.lowEscape = 1
			case cp >= 0xDC00 && cp <= 0xDFFF:
				return "", 0, false, fmt.Errorf("dialogue: lone low surrogate %#04x", cp)
			default:
				out.WriteRune(rune(cp))
			}
			continue
		}

		if d.lowEscape == 1 {
			if b != '\\' {
				return "", 0, false, fmt.Errorf("dialogue: high surrogate not followed by \\u escape")
			}
			d.lowEscape = 2
			i++
			continue
		}
		if d.lowEscape == 2 {
			if b != 'u' {
				return "", 0, false, fmt.Errorf("dialogue: high surrogate not followed by \\u escape")
			}
			d.lowEscape = 0
			d.hexLeft = 4
			i++
			continue
		}

		if len(d.runeBuf) > 0 {
			d.runeBuf = append(d.runeBuf, b)
			i++
			if !utf8.FullRune(d.runeBuf) {
				continue
			}
			r, size := utf8.DecodeRune(d.runeBuf)
			if r == utf8.RuneError && size == 1 {
				return "", 0, false, fmt.Errorf("dialogue: invalid utf-8 sequence")
			}
			out.WriteRune(r)
			d.runeBuf = d.runeBuf[:0]
			continue
		}

		if d.inEscape {
			switch b {
			case '"', '\\', '/':
				out.WriteByte(b)
			case 'b':
				out.WriteByte('\b')
			case 'f':
				out.WriteByte('\f')
			case 'n':
				out.WriteByte('\n')
			case 'r':
				out.WriteByte('\r')
			case 't':
				out.WriteByte('\t')
			case 'u':
				d.hexLeft = 4
				d.hexVal = 0
			default:
				return "", 0, false, fmt.Errorf("dialogue: invalid escape \\%c", b)
			}
			d.inEscape = false
			i++
			continue
		}

		switch {
		case b == '\\':
			d.inEscape = true
			i++
		case b == '"':
			return out.String(), i + 1, true, nil
		case b < 0x20:
			return "", 0, false, fmt.Errorf("dialogue: unescaped control byte %#02x in string", b)
		case b < utf8.RuneSelf:
			out.WriteByte(b)
			i++
		default:
			d.runeBuf = append(d.runeBuf, b)
			i++
		}
	}

	return out.String(), i, false, nil
}

func hexVal(b byte) (byte, bool) {
	switch {
	case b >= '0' && b <= '9':
		return b - '0', true
	case b >= 'a' && b <= 'f':
		return b - 'a' + 10, true
	case b >= 'A' && b <= 'F':
		return b - 'A' + 10, true
	default:
		return 0, false
	}
}
