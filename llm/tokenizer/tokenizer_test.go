package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForModel_SelectsStrategy(t *testing.T) {
	tests := []struct {
		model    string
		wantName string
	}{
		{"gpt-4o", "tiktoken[o200k_base]"},
		{"gpt-4o-mini", "tiktoken[o200k_base]"},
		{"gpt-3.5-turbo-0125", "tiktoken[cl100k_base]"},
		{"claude-sonnet-4-5", "heuristic"},
		{"", "heuristic"},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			assert.Equal(t, tt.wantName, ForModel(tt.model).Name())
		})
	}
}

func TestHeuristicCounter_CountText(t *testing.T) {
	h := NewHeuristicCounter()

	empty, err := h.CountText("")
	require.NoError(t, err)
	assert.Equal(t, 0, empty)

	short, err := h.CountText("x")
	require.NoError(t, err)
	assert.Equal(t, 1, short, "non-empty text is never zero tokens")

	ascii, err := h.CountText("the quick brown fox jumps over the lazy dog")
	require.NoError(t, err)
	assert.InDelta(t, 11, ascii, 3)

	cjk, err := h.CountText("今天天气很好")
	require.NoError(t, err)
	assert.InDelta(t, 4, cjk, 2)
}

func TestHeuristicCounter_CountMessages(t *testing.T) {
	h := NewHeuristicCounter()

	total, err := h.CountMessages([]Message{
		{Role: "system", Content: "answer briefly"},
		{Role: "user", Content: "what is the capital of France"},
	})
	require.NoError(t, err)

	// Two messages of framing overhead plus the conversation trailer.
	assert.Greater(t, total, 2*4+3)
}
