// Package convert translates between the Anthropic Messages format and the
// OpenAI chat completions format.
package convert

import (
	"encoding/json"
	"strings"

	"github.com/nimbridge/nimbridge/internal/infrastructure/provider/anthropic"
	"github.com/nimbridge/nimbridge/internal/infrastructure/provider/openai"
)

// Messages converts Anthropic conversation turns to OpenAI messages.
// Assistant turns collapse to a single message (thinking re-encoded as
// <think> tags, tool_use as tool_calls); user turns may expand, since each
// tool_result becomes its own role:"tool" message ahead of the batched text.
func Messages(messages []anthropic.Message) []openai.Message {
	result := make([]openai.Message, 0, len(messages))

	for _, msg := range messages {
		if msg.Content.IsText {
			result = append(result, openai.Message{Role: msg.Role, Content: msg.Content.Text})
			continue
		}
		switch msg.Role {
		case "assistant":
			result = append(result, assistantMessage(msg.Content.Blocks))
		case "user":
			result = append(result, userMessages(msg.Content.Blocks)...)
		}
	}

	return result
}

func assistantMessage(blocks []anthropic.ContentBlock) openai.Message {
	var contentParts []string
	var toolCalls []openai.ToolCall

	for _, block := range blocks {
		switch block.Type {
		case "text":
			contentParts = append(contentParts, block.Text)
		case "thinking":
			contentParts = append(contentParts, "<think>\n"+block.Thinking+"\n</think>")
		case "tool_use":
			args, err := json.Marshal(block.Input)
			if err != nil {
				args = []byte("{}")
			}
			toolCalls = append(toolCalls, openai.ToolCall{
				ID:   block.ID,
				Type: "function",
				Function: openai.FunctionCall{
					Name:      block.Name,
					Arguments: string(args),
				},
			})
		}
	}

	content := strings.Join(contentParts, "\n\n")
	// Some upstream models reject assistant turns that carry neither
	// content nor tool calls; a single space keeps them valid.
	if content == "" && len(toolCalls) == 0 {
		content = " "
	}

	return openai.Message{
		Role:      "assistant",
		Content:   content,
		ToolCalls: toolCalls,
	}
}

func userMessages(blocks []anthropic.ContentBlock) []openai.Message {
	var result []openai.Message
	var textParts []string

	flushText := func() {
		if len(textParts) > 0 {
			result = append(result, openai.Message{
				Role:    "user",
				Content: strings.Join(textParts, "\n"),
			})
			textParts = nil
		}
	}

	for _, block := range blocks {
		switch block.Type {
		case "text":
			textParts = append(textParts, block.Text)
		case "tool_result":
			flushText()
			result = append(result, openai.Message{
				Role:       "tool",
				ToolCallID: block.ToolUseID,
				Content:    toolResultText(block.Content),
			})
		}
	}

	flushText()
	return result
}

// toolResultText flattens a tool_result payload to plain text. The payload
// may be a string or a list of blocks whose text fields are joined.
func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var items []any
	if err := json.Unmarshal(raw, &items); err == nil {
		parts := make([]string, 0, len(items))
		for _, item := range items {
			if m, ok := item.(map[string]any); ok {
				if text, ok := m["text"].(string); ok {
					parts = append(parts, text)
					continue
				}
			}
			encoded, err := json.Marshal(item)
			if err != nil {
				continue
			}
			parts = append(parts, string(encoded))
		}
		return strings.Join(parts, "\n")
	}

	return string(raw)
}

// SystemPrompt converts an Anthropic system prompt to a single OpenAI
// system message. Returns false when there is nothing to send.
func SystemPrompt(system anthropic.SystemPrompt) (openai.Message, bool) {
	if system.IsText {
		return openai.Message{Role: "system", Content: system.Text}, true
	}

	var textParts []string
	for _, block := range system.Blocks {
		if block.Type == "text" {
			textParts = append(textParts, block.Text)
		}
	}
	if len(textParts) == 0 {
		return openai.Message{}, false
	}
	return openai.Message{
		Role:    "system",
		Content: strings.TrimSpace(strings.Join(textParts, "\n\n")),
	}, true
}

// Tools converts Anthropic tool declarations to OpenAI function tools.
func Tools(tools []anthropic.Tool) []openai.Tool {
	result := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		result = append(result, openai.Tool{
			Type: "function",
			Function: openai.Function{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		})
	}
	return result
}
