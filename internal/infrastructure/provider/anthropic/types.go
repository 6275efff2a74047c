// Package anthropic defines the Anthropic Messages API wire types accepted
// and produced by the broker.
package anthropic

import (
	"encoding/json"
	"fmt"
)

// MessagesRequest is the body of POST /v1/messages.
type MessagesRequest struct {
	Model         string          `json:"model"`
	MaxTokens     int             `json:"max_tokens,omitempty"`
	Messages      []Message       `json:"messages"`
	System        SystemPrompt    `json:"system,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Stream        *bool           `json:"stream,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	TopK          *int            `json:"top_k,omitempty"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
	Tools         []Tool          `json:"tools,omitempty"`
	ToolChoice    map[string]any  `json:"tool_choice,omitempty"`
	Thinking      *ThinkingConfig `json:"thinking,omitempty"`
	ExtraBody     map[string]any  `json:"extra_body,omitempty"`

	// The model id the client originally asked for, before mapping.
	OriginalModel string `json:"-"`
}

// TokenCountRequest is the body of POST /v1/messages/count_tokens.
type TokenCountRequest struct {
	Model      string          `json:"model"`
	Messages   []Message       `json:"messages"`
	System     SystemPrompt    `json:"system,omitempty"`
	Tools      []Tool          `json:"tools,omitempty"`
	Thinking   *ThinkingConfig `json:"thinking,omitempty"`
	ToolChoice map[string]any  `json:"tool_choice,omitempty"`
}

// Message is one conversation turn.
type Message struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

// MessageContent is either a plain string or a list of content blocks.
type MessageContent struct {
	Text   string
	IsText bool
	Blocks []ContentBlock
}

func (c *MessageContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.Text = s
		c.IsText = true
		c.Blocks = nil
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return fmt.Errorf("message content must be string or block list: %w", err)
	}
	c.IsText = false
	c.Blocks = blocks
	return nil
}

func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.IsText {
		return json.Marshal(c.Text)
	}
	return json.Marshal(c.Blocks)
}

// ContentBlock is one element of a block-list message. Type selects which
// fields are meaningful: text, image, thinking, tool_use, tool_result.
type ContentBlock struct {
	Type string `json:"type"`

	Text     string         `json:"text,omitempty"`
	Thinking string         `json:"thinking,omitempty"`
	Source   map[string]any `json:"source,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result; content may be a string or a block list
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// SystemPrompt is either a plain string or a list of text blocks.
type SystemPrompt struct {
	Text   string
	IsText bool
	Blocks []SystemContent
}

// IsZero reports an absent or empty system prompt.
func (s SystemPrompt) IsZero() bool {
	if s.IsText {
		return s.Text == ""
	}
	return len(s.Blocks) == 0
}

func (s *SystemPrompt) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		s.Text = text
		s.IsText = true
		s.Blocks = nil
		return nil
	}
	var blocks []SystemContent
	if err := json.Unmarshal(data, &blocks); err != nil {
		return fmt.Errorf("system must be string or block list: %w", err)
	}
	s.IsText = false
	s.Blocks = blocks
	return nil
}

func (s SystemPrompt) MarshalJSON() ([]byte, error) {
	if s.IsText {
		return json.Marshal(s.Text)
	}
	if s.Blocks == nil {
		return []byte("null"), nil
	}
	return json.Marshal(s.Blocks)
}

// SystemContent is one system prompt block.
type SystemContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Tool declares a client tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

// ThinkingConfig enables extended thinking. Anthropic clients send
// {"type":"enabled"}; older callers send {"enabled":true}.
type ThinkingConfig struct {
	Type         string `json:"type,omitempty"`
	Enabled      *bool  `json:"enabled,omitempty"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// IsEnabled resolves the two encodings; a present config defaults to on.
func (t *ThinkingConfig) IsEnabled() bool {
	if t == nil {
		return false
	}
	if t.Enabled != nil {
		return *t.Enabled
	}
	return t.Type != "disabled"
}

// MessagesResponse is a non-streaming /v1/messages response.
type MessagesResponse struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Role         string          `json:"role"`
	Model        string          `json:"model"`
	Content      []ResponseBlock `json:"content"`
	StopReason   string          `json:"stop_reason"`
	StopSequence *string         `json:"stop_sequence"`
	Usage        Usage           `json:"usage"`
}

// ResponseBlock is one assistant content block in a response.
type ResponseBlock struct {
	Type     string         `json:"type"`
	Text     string         `json:"text,omitempty"`
	Thinking string         `json:"thinking,omitempty"`
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name,omitempty"`
	Input    map[string]any `json:"input,omitempty"`
}

// Usage reports token accounting in Anthropic's shape.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}
