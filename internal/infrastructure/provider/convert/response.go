package convert

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/nimbridge/nimbridge/internal/infrastructure/provider/anthropic"
	"github.com/nimbridge/nimbridge/internal/infrastructure/provider/openai"
	"github.com/nimbridge/nimbridge/internal/infrastructure/provider/stream"
)

var thinkBlockRe = regexp.MustCompile(`(?s)<think>(.*?)</think>`)

// ExtractThinkContent splits an inline <think> block out of model output.
// Returns the thinking text and the remaining content.
func ExtractThinkContent(content string) (string, string) {
	match := thinkBlockRe.FindStringSubmatchIndex(content)
	if match == nil {
		return "", content
	}
	thinking := strings.TrimSpace(content[match[2]:match[3]])
	rest := content[:match[0]] + content[match[1]:]
	return thinking, strings.TrimSpace(rest)
}

// Response converts a non-streaming OpenAI completion to an Anthropic
// message. The response reports the model id the client originally sent.
func Response(resp *openai.Response, originalModel string) *anthropic.MessagesResponse {
	var content []anthropic.ResponseBlock
	var choice openai.Choice
	if len(resp.Choices) > 0 {
		choice = resp.Choices[0]
	}
	message := choice.Message

	reasoning := message.ReasoningContent
	if reasoning == "" && len(message.ReasoningDetails) > 0 {
		parts := make([]string, 0, len(message.ReasoningDetails))
		for _, item := range message.ReasoningDetails {
			parts = append(parts, item.Text)
		}
		reasoning = strings.Join(parts, "\n")
	}
	if reasoning != "" {
		content = append(content, anthropic.ResponseBlock{Type: "thinking", Thinking: reasoning})
	}

	if len(message.Content) > 0 {
		var text string
		if err := json.Unmarshal(message.Content, &text); err == nil {
			// Models without a reasoning channel inline their thinking as
			// <think> tags inside content.
			if reasoning == "" {
				var thinking string
				thinking, text = ExtractThinkContent(text)
				if thinking != "" {
					content = append(content, anthropic.ResponseBlock{Type: "thinking", Thinking: thinking})
				}
			}
			if text != "" {
				content = append(content, anthropic.ResponseBlock{Type: "text", Text: text})
			}
		} else {
			var blocks []map[string]any
			if err := json.Unmarshal(message.Content, &blocks); err == nil {
				for _, block := range blocks {
					if block["type"] == "text" {
						text, _ := block["text"].(string)
						content = append(content, anthropic.ResponseBlock{Type: "text", Text: text})
					}
				}
			}
		}
	}

	for _, tc := range message.ToolCalls {
		var input map[string]any
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
			// Unparseable arguments are preserved raw rather than dropped.
			input = map[string]any{"raw": tc.Function.Arguments}
		}
		content = append(content, anthropic.ResponseBlock{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: input,
		})
	}

	if len(content) == 0 {
		// Empty content renders as "(no content)" in clients; a single
		// space avoids that while staying valid for strict models.
		content = append(content, anthropic.ResponseBlock{Type: "text", Text: " "})
	}

	id := resp.ID
	if id == "" {
		id = "msg_" + uuid.NewString()
	}

	var usage anthropic.Usage
	if resp.Usage != nil {
		usage.InputTokens = resp.Usage.PromptTokens
		usage.OutputTokens = resp.Usage.CompletionTokens
	}

	return &anthropic.MessagesResponse{
		ID:         id,
		Type:       "message",
		Role:       "assistant",
		Model:      originalModel,
		Content:    content,
		StopReason: stream.MapStopReason(choice.FinishReason),
		Usage:      usage,
	}
}
