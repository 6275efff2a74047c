package convert

import (
	"encoding/json"
	"testing"

	"github.com/nimbridge/nimbridge/internal/infrastructure/provider/anthropic"
	"github.com/nimbridge/nimbridge/internal/infrastructure/provider/openai"
)

func textBlock(text string) anthropic.ContentBlock {
	return anthropic.ContentBlock{Type: "text", Text: text}
}

func blockMessage(role string, blocks ...anthropic.ContentBlock) anthropic.Message {
	return anthropic.Message{Role: role, Content: anthropic.MessageContent{Blocks: blocks}}
}

// === Message conversion ===

func TestMessagesPlainString(t *testing.T) {
	result := Messages([]anthropic.Message{
		{Role: "user", Content: anthropic.MessageContent{IsText: true, Text: "hello"}},
	})
	if len(result) != 1 || result[0].Role != "user" || result[0].Content != "hello" {
		t.Errorf("result = %v", result)
	}
}

func TestAssistantBlocksCollapse(t *testing.T) {
	result := Messages([]anthropic.Message{
		blockMessage("assistant",
			anthropic.ContentBlock{Type: "thinking", Thinking: "let me think"},
			textBlock("the answer"),
		),
	})
	if len(result) != 1 {
		t.Fatalf("result = %v", result)
	}
	want := "<think>\nlet me think\n</think>\n\nthe answer"
	if result[0].Content != want {
		t.Errorf("content = %q, want %q", result[0].Content, want)
	}
}

func TestAssistantToolUse(t *testing.T) {
	result := Messages([]anthropic.Message{
		blockMessage("assistant",
			textBlock("running it"),
			anthropic.ContentBlock{
				Type:  "tool_use",
				ID:    "toolu_1",
				Name:  "Bash",
				Input: map[string]any{"command": "ls"},
			},
		),
	})
	if len(result) != 1 {
		t.Fatalf("result = %v", result)
	}
	msg := result[0]
	if msg.Content != "running it" {
		t.Errorf("content = %q", msg.Content)
	}
	if len(msg.ToolCalls) != 1 {
		t.Fatalf("tool calls = %v", msg.ToolCalls)
	}
	tc := msg.ToolCalls[0]
	if tc.ID != "toolu_1" || tc.Type != "function" || tc.Function.Name != "Bash" {
		t.Errorf("tool call = %+v", tc)
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil || args["command"] != "ls" {
		t.Errorf("arguments = %q", tc.Function.Arguments)
	}
}

func TestAssistantEmptyGetsSpace(t *testing.T) {
	result := Messages([]anthropic.Message{blockMessage("assistant")})
	if len(result) != 1 || result[0].Content != " " {
		t.Errorf("result = %v", result)
	}

	// With tool calls present the space filler is not needed.
	result = Messages([]anthropic.Message{
		blockMessage("assistant", anthropic.ContentBlock{
			Type: "tool_use", ID: "t", Name: "X", Input: map[string]any{},
		}),
	})
	if len(result) != 1 || result[0].Content != "" {
		t.Errorf("result = %v", result)
	}
}

func TestUserToolResultsInterleaved(t *testing.T) {
	result := Messages([]anthropic.Message{
		blockMessage("user",
			textBlock("first"),
			anthropic.ContentBlock{
				Type:      "tool_result",
				ToolUseID: "toolu_1",
				Content:   json.RawMessage(`"output line"`),
			},
			textBlock("second"),
			textBlock("third"),
		),
	})
	if len(result) != 3 {
		t.Fatalf("result = %v", result)
	}
	if result[0].Role != "user" || result[0].Content != "first" {
		t.Errorf("first = %+v", result[0])
	}
	if result[1].Role != "tool" || result[1].ToolCallID != "toolu_1" || result[1].Content != "output line" {
		t.Errorf("tool = %+v", result[1])
	}
	if result[2].Role != "user" || result[2].Content != "second\nthird" {
		t.Errorf("batched text = %+v", result[2])
	}
}

func TestToolResultBlockList(t *testing.T) {
	raw := json.RawMessage(`[{"type":"text","text":"line one"},{"type":"text","text":"line two"}]`)
	if got := toolResultText(raw); got != "line one\nline two" {
		t.Errorf("joined = %q", got)
	}

	// Non-text items fall back to their JSON encoding.
	raw = json.RawMessage(`[{"type":"image","source":{"data":"x"}}]`)
	if got := toolResultText(raw); got != `{"source":{"data":"x"},"type":"image"}` {
		t.Errorf("fallback = %q", got)
	}

	if got := toolResultText(nil); got != "" {
		t.Errorf("empty = %q", got)
	}
}

// === System prompt ===

func TestSystemPromptString(t *testing.T) {
	msg, ok := SystemPrompt(anthropic.SystemPrompt{IsText: true, Text: "be brief"})
	if !ok || msg.Role != "system" || msg.Content != "be brief" {
		t.Errorf("msg = %+v ok=%v", msg, ok)
	}
}

func TestSystemPromptBlocks(t *testing.T) {
	msg, ok := SystemPrompt(anthropic.SystemPrompt{Blocks: []anthropic.SystemContent{
		{Type: "text", Text: "part one"},
		{Type: "text", Text: "part two"},
	}})
	if !ok || msg.Content != "part one\n\npart two" {
		t.Errorf("msg = %+v ok=%v", msg, ok)
	}

	if _, ok := SystemPrompt(anthropic.SystemPrompt{}); ok {
		t.Error("empty block list reported present")
	}
}

// === Tool declarations ===

func TestToolsConversion(t *testing.T) {
	result := Tools([]anthropic.Tool{{
		Name:        "get_weather",
		Description: "Look up weather",
		InputSchema: map[string]any{"type": "object"},
	}})
	if len(result) != 1 {
		t.Fatalf("result = %v", result)
	}
	tool := result[0]
	if tool.Type != "function" || tool.Function.Name != "get_weather" || tool.Function.Description != "Look up weather" {
		t.Errorf("tool = %+v", tool)
	}
}

// === Think extraction ===

func TestExtractThinkContent(t *testing.T) {
	thinking, rest := ExtractThinkContent("<think> plan </think> answer")
	if thinking != "plan" || rest != "answer" {
		t.Errorf("thinking = %q rest = %q", thinking, rest)
	}

	thinking, rest = ExtractThinkContent("no tags here")
	if thinking != "" || rest != "no tags here" {
		t.Errorf("thinking = %q rest = %q", thinking, rest)
	}
}

// === Non-streaming response conversion ===

func upstreamResponse(message openai.ResponseMessage, finish string, usage *openai.Usage) *openai.Response {
	return &openai.Response{
		ID:      "chatcmpl-1",
		Choices: []openai.Choice{{Message: message, FinishReason: finish}},
		Usage:   usage,
	}
}

func TestResponseTextAndReasoning(t *testing.T) {
	resp := Response(upstreamResponse(openai.ResponseMessage{
		Content:          json.RawMessage(`"the answer"`),
		ReasoningContent: "my reasoning",
	}, "stop", &openai.Usage{PromptTokens: 11, CompletionTokens: 5}), "claude-sonnet-4")

	if resp.Model != "claude-sonnet-4" {
		t.Errorf("model = %q", resp.Model)
	}
	if resp.StopReason != "end_turn" {
		t.Errorf("stop_reason = %q", resp.StopReason)
	}
	if len(resp.Content) != 2 {
		t.Fatalf("content = %v", resp.Content)
	}
	if resp.Content[0].Type != "thinking" || resp.Content[0].Thinking != "my reasoning" {
		t.Errorf("thinking block = %+v", resp.Content[0])
	}
	if resp.Content[1].Type != "text" || resp.Content[1].Text != "the answer" {
		t.Errorf("text block = %+v", resp.Content[1])
	}
	if resp.Usage.InputTokens != 11 || resp.Usage.OutputTokens != 5 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestResponseInlineThinkTags(t *testing.T) {
	resp := Response(upstreamResponse(openai.ResponseMessage{
		Content: json.RawMessage(`"<think>hidden</think>visible"`),
	}, "stop", nil), "m")

	if len(resp.Content) != 2 {
		t.Fatalf("content = %v", resp.Content)
	}
	if resp.Content[0].Thinking != "hidden" || resp.Content[1].Text != "visible" {
		t.Errorf("content = %+v", resp.Content)
	}
}

func TestResponseToolCalls(t *testing.T) {
	resp := Response(upstreamResponse(openai.ResponseMessage{
		ToolCalls: []openai.ToolCall{{
			ID:   "call_1",
			Type: "function",
			Function: openai.FunctionCall{
				Name:      "Bash",
				Arguments: `{"command":"ls"}`,
			},
		}},
	}, "tool_calls", nil), "m")

	if resp.StopReason != "tool_use" {
		t.Errorf("stop_reason = %q", resp.StopReason)
	}
	if len(resp.Content) != 1 {
		t.Fatalf("content = %v", resp.Content)
	}
	block := resp.Content[0]
	if block.Type != "tool_use" || block.ID != "call_1" || block.Name != "Bash" {
		t.Errorf("block = %+v", block)
	}
	if block.Input["command"] != "ls" {
		t.Errorf("input = %v", block.Input)
	}
}

func TestResponseUnparseableToolArgs(t *testing.T) {
	resp := Response(upstreamResponse(openai.ResponseMessage{
		ToolCalls: []openai.ToolCall{{
			ID:       "call_1",
			Function: openai.FunctionCall{Name: "X", Arguments: "not json"},
		}},
	}, "tool_calls", nil), "m")

	if resp.Content[0].Input["raw"] != "not json" {
		t.Errorf("input = %v", resp.Content[0].Input)
	}
}

func TestResponseEmptyContentFallback(t *testing.T) {
	resp := Response(upstreamResponse(openai.ResponseMessage{}, "stop", nil), "m")
	if len(resp.Content) != 1 || resp.Content[0].Type != "text" || resp.Content[0].Text != " " {
		t.Errorf("content = %+v", resp.Content)
	}
}
