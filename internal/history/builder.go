// Package history reduces the transcript to the prior-conversation payload
// sent with every chat request.
package history

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/morgan/internal/transcript"
)

// Entry is one prior message as the backend expects it.
type Entry struct {
	Content string `json:"content"`
	Agent   string `json:"agent"`
}

// Counter returns the token cost of a string.
type Counter func(text string) int

// Builder selects the most recent transcript records that fit a token
// budget.
type Builder struct {
	count     Counter
	maxTokens int
}

// New creates a Builder using the tokenizer for model. A maxTokens of zero
// or less disables trimming and skips loading a tokenizer.
func New(model string, maxTokens int) (*Builder, error) {
	if maxTokens <= 0 {
		return &Builder{}, nil
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Fallback to cl100k_base for unknown models
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return &Builder{
		count: func(text string) int {
			return len(enc.Encode(text, nil, nil))
		},
		maxTokens: maxTokens,
	}, nil
}

// NewWithCounter creates a Builder with a custom token counter.
func NewWithCounter(count Counter, maxTokens int) *Builder {
	return &Builder{count: count, maxTokens: maxTokens}
}

// Build converts messages to history entries in conversation order,
// dropping the oldest records once the budget is spent. Records with no
// content are skipped.
func (b *Builder) Build(messages []transcript.Message) []Entry {
	entries := make([]Entry, 0, len(messages))
	used := 0

	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		if msg.Content == "" {
			continue
		}
		if b.maxTokens > 0 && b.count != nil {
			cost := b.count(msg.Content)
			if used+cost > b.maxTokens {
				break
			}
			used += cost
		}
		entries = append(entries, Entry{Content: msg.Content, Agent: msg.Origin.Agent()})
	}

	// Walked newest first; restore chronological order.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries
}
