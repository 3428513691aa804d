// Package tokenizer estimates prompt token counts for request budgeting.
// Known OpenAI-family models get exact tiktoken counts; everything else
// falls back to a character-ratio heuristic.
package tokenizer

import (
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Message is a lightweight role/content pair, kept local to avoid a
// dependency cycle with the llm package.
type Message struct {
	Role    string
	Content string
}

// Counter counts tokens for a model family.
type Counter interface {
	// CountText returns the token count of plain text.
	CountText(text string) (int, error)

	// CountMessages returns the total token count of a conversation,
	// including per-message framing overhead.
	CountMessages(messages []Message) (int, error)

	// Name identifies the counting strategy.
	Name() string
}

// modelEncodings maps model name prefixes to tiktoken encodings.
var modelEncodings = map[string]string{
	"gpt-4o":        "o200k_base",
	"gpt-4.1":       "o200k_base",
	"gpt-4-turbo":   "cl100k_base",
	"gpt-4":         "cl100k_base",
	"gpt-3.5-turbo": "cl100k_base",
}

// ForModel returns the best counter for the model: tiktoken for known
// encodings, the heuristic estimator otherwise. Tiktoken initialization
// is lazy; if it fails at first use the counter degrades to the
// heuristic rather than erroring every call.
func ForModel(model string) Counter {
	encoding, ok := modelEncodings[model]
	if !ok {
		for prefix, enc := range modelEncodings {
			if len(model) >= len(prefix) && model[:len(prefix)] == prefix {
				encoding = enc
				ok = true
				break
			}
		}
	}
	if !ok {
		return NewHeuristicCounter()
	}
	return &tiktokenCounter{encoding: encoding, fallback: NewHeuristicCounter()}
}

type tiktokenCounter struct {
	encoding string
	fallback Counter

	once    sync.Once
	enc     *tiktoken.Tiktoken
	initErr error
}

// init loads the encoding on first use. Loading can fetch encoding data
// over the network, so it must not happen at construction time.
func (t *tiktokenCounter) init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.initErr = fmt.Errorf("load tiktoken encoding %s: %w", t.encoding, err)
			return
		}
		t.enc = enc
	})
	return t.initErr
}

func (t *tiktokenCounter) CountText(text string) (int, error) {
	if err := t.init(); err != nil {
		return t.fallback.CountText(text)
	}
	return len(t.enc.Encode(text, nil, nil)), nil
}

func (t *tiktokenCounter) CountMessages(messages []Message) (int, error) {
	if err := t.init(); err != nil {
		return t.fallback.CountMessages(messages)
	}
	total := 0
	for _, msg := range messages {
		// Per-message framing: start marker, role, separator, end marker.
		total += 4
		total += len(t.enc.Encode(msg.Role, nil, nil))
		total += len(t.enc.Encode(msg.Content, nil, nil))
	}
	total += 3
	return total, nil
}

func (t *tiktokenCounter) Name() string {
	return fmt.Sprintf("tiktoken[%s]", t.encoding)
}

// HeuristicCounter estimates tokens from character counts. CJK text
// averages roughly 1.5 characters per token, ASCII roughly 4.
type HeuristicCounter struct{}

// NewHeuristicCounter creates the character-ratio estimator.
func NewHeuristicCounter() *HeuristicCounter {
	return &HeuristicCounter{}
}

func (h *HeuristicCounter) CountText(text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	totalChars := utf8.RuneCountInString(text)
	cjkChars := 0
	for _, r := range text {
		if isCJK(r) {
			cjkChars++
		}
	}
	estimated := int(float64(cjkChars)/1.5 + float64(totalChars-cjkChars)/4.0)
	if estimated == 0 {
		estimated = 1
	}
	return estimated, nil
}

func (h *HeuristicCounter) CountMessages(messages []Message) (int, error) {
	total := 0
	for _, msg := range messages {
		tokens, err := h.CountText(msg.Content)
		if err != nil {
			return 0, err
		}
		total += tokens + 4
	}
	total += 3
	return total, nil
}

func (h *HeuristicCounter) Name() string { return "heuristic" }

func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0x3400 && r <= 0x4DBF) ||
		(r >= 0x20000 && r <= 0x2A6DF) ||
		(r >= 0xF900 && r <= 0xFAFF) ||
		(r >= 0x3000 && r <= 0x303F) ||
		(r >= 0xFF00 && r <= 0xFFEF)
}
