package tokenize

import (
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding is the tiktoken encoding used when none is configured.
const DefaultEncoding = "cl100k_base"

// Counter reports the token footprint of a piece of text.
type Counter interface {
	Count(text string) int
}

// Encoder counts tokens with a real BPE encoding.
type Encoder struct {
	enc *tiktoken.Tiktoken
}

func New(encoding string) (*Encoder, error) {
	encoding = strings.TrimSpace(encoding)
	if encoding == "" {
		encoding = DefaultEncoding
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer %s: %w", encoding, err)
	}
	return &Encoder{enc: enc}, nil
}

func (e *Encoder) Count(text string) int {
	if e == nil || e.enc == nil || text == "" {
		return 0
	}
	return len(e.enc.Encode(text, nil, nil))
}

// Truncate cuts text down to at most maxTokens tokens and returns the
// kept prefix together with its token count.
func (e *Encoder) Truncate(text string, maxTokens int) (string, int) {
	if e == nil || e.enc == nil || text == "" || maxTokens <= 0 {
		return "", 0
	}
	tokens := e.enc.Encode(text, nil, nil)
	if len(tokens) <= maxTokens {
		return text, len(tokens)
	}
	return e.enc.Decode(tokens[:maxTokens]), maxTokens
}

// Heuristic approximates token counts from rune length. It needs no
// encoding data, so it works without network access.
type Heuristic struct{}

func (Heuristic) Count(text string) int {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}
	return len([]rune(text))/4 + 1
}

// Fallback returns an Encoder for the given encoding when its data is
// available, and a Heuristic otherwise.
func Fallback(encoding string) Counter {
	if enc, err := New(encoding); err == nil {
		return enc
	}
	return Heuristic{}
}
