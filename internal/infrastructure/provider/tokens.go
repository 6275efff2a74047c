package provider

import (
	"encoding/json"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/nimbridge/nimbridge/internal/infrastructure/provider/anthropic"
)

var (
	countEncoderOnce sync.Once
	countEncoder     *tiktoken.Tiktoken
)

func inputEncoder() *tiktoken.Tiktoken {
	countEncoderOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			countEncoder = enc
		}
	})
	return countEncoder
}

// CountInputTokens estimates the prompt size of a request: all message
// text, the system prompt, and the serialized tool schemas. Without
// encoding data it falls back to a chars/4 heuristic.
func CountInputTokens(messages []anthropic.Message, system anthropic.SystemPrompt, tools []anthropic.Tool) int {
	var total int

	for _, msg := range messages {
		total += countText(msg.Content.Text)
		for _, block := range msg.Content.Blocks {
			total += countText(block.Text)
			total += countText(block.Thinking)
			if block.Input != nil {
				if raw, err := json.Marshal(block.Input); err == nil {
					total += countText(string(raw))
				}
			}
			total += countText(blockResultText(block))
		}
	}

	total += countText(system.Text)
	for _, part := range system.Blocks {
		total += countText(part.Text)
	}

	for _, tool := range tools {
		total += countText(tool.Name)
		total += countText(tool.Description)
		if tool.InputSchema != nil {
			if raw, err := json.Marshal(tool.InputSchema); err == nil {
				total += countText(string(raw))
			}
		}
	}
	return total
}

func blockResultText(block anthropic.ContentBlock) string {
	if len(block.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(block.Content, &s); err == nil {
		return s
	}
	return string(block.Content)
}

func countText(text string) int {
	if text == "" {
		return 0
	}
	if enc := inputEncoder(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return len(text) / 4
}
