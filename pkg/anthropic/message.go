package anthropic

import "strings"

// MessageRequest carries everything one completion call needs. Nil
// Temperature and ThinkingBudget leave the provider defaults in place.
type MessageRequest struct {
	Model     string
	MaxTokens int64
	System    []SystemBlock
	Messages  []Message

	Temperature *float64

	// ThinkingBudget switches on extended thinking with the given token
	// allowance.
	ThinkingBudget *int64
}

// SystemBlock is one block of the system prompt. A non-nil CacheControl
// marks it as a prompt-cache breakpoint.
type SystemBlock struct {
	Text         string
	CacheControl *CacheControl
}

// CacheControl asks the provider to cache everything up to and including
// the block it is attached to.
type CacheControl struct {
	TTL string // "5m" or "1h"
}

// Message is one conversational turn.
type Message struct {
	Role         string // "user" or "assistant"
	Content      string
	CacheControl *CacheControl
}

// MessageResponse is the provider's reply, flattened to the fields the
// pipeline reads.
type MessageResponse struct {
	ID           string
	Model        string
	Content      []ContentBlock
	StopReason   string
	Usage        TokenUsage
	StopSequence string
}

// ContentBlock is one piece of response content. Thinking output arrives
// with Type "thinking" and its transcript in Text.
type ContentBlock struct {
	Type string
	Text string
}

// Text joins the response's text blocks, skipping thinking output.
func (r *MessageResponse) Text() string {
	var parts []string
	for _, b := range r.Content {
		if b.Type == "text" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n\n")
}

// TokenUsage breaks down what a call consumed. Cache writes and reads are
// reported separately from plain input tokens because they bill at
// different rates.
type TokenUsage struct {
	InputTokens              int64
	OutputTokens             int64
	CacheCreationInputTokens int64
	CacheReadInputTokens     int64
}
