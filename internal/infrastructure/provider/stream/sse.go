package stream

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encoderOnce sync.Once
	encoder     *tiktoken.Tiktoken
)

// outputEncoder returns the shared cl100k_base encoder, or nil when the
// encoding data is unavailable (offline hosts fall back to a heuristic).
func outputEncoder() *tiktoken.Tiktoken {
	encoderOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoder = enc
		}
	})
	return encoder
}

// SSEBuilder emits Anthropic Messages SSE events as wire-ready strings and
// tracks accumulated output for token estimation.
type SSEBuilder struct {
	MessageID   string
	Model       string
	InputTokens int
	Blocks      *BlockManager

	accumulatedText      strings.Builder
	accumulatedReasoning strings.Builder

	heuristicToolCount int
	heuristicToolArgs  strings.Builder
}

func NewSSEBuilder(messageID, model string, inputTokens int) *SSEBuilder {
	return &SSEBuilder{
		MessageID:   messageID,
		Model:       model,
		InputTokens: inputTokens,
		Blocks:      NewBlockManager(),
	}
}

// AccumulatedText returns all text emitted so far.
func (s *SSEBuilder) AccumulatedText() string {
	return s.accumulatedText.String()
}

// AccumulatedReasoning returns all thinking emitted so far.
func (s *SSEBuilder) AccumulatedReasoning() string {
	return s.accumulatedReasoning.String()
}

func sseEvent(eventType string, payload any) string {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte("{}")
	}
	return fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, data)
}

// === Message lifecycle ===

// MessageStart opens the message envelope. output_tokens starts at 1, the
// placeholder the Anthropic API itself uses before real counts exist.
func (s *SSEBuilder) MessageStart() string {
	return sseEvent("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            s.MessageID,
			"type":          "message",
			"role":          "assistant",
			"content":       []any{},
			"model":         s.Model,
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage": map[string]any{
				"input_tokens":                s.InputTokens,
				"cache_creation_input_tokens": 0,
				"cache_read_input_tokens":     0,
				"output_tokens":               1,
			},
		},
	})
}

func (s *SSEBuilder) MessageDelta(stopReason string, outputTokens int) string {
	return sseEvent("message_delta", map[string]any{
		"type": "message_delta",
		"delta": map[string]any{
			"stop_reason":   stopReason,
			"stop_sequence": nil,
		},
		"usage": map[string]any{"output_tokens": outputTokens},
	})
}

func (s *SSEBuilder) MessageStop() string {
	return sseEvent("message_stop", map[string]any{"type": "message_stop"})
}

// Done is the stream terminator line.
func (s *SSEBuilder) Done() string {
	return "data: [DONE]\n\n"
}

// === Raw content block events ===

// ContentBlockStart opens a block. extra carries type-specific fields
// (text, thinking, id/name/input for tool_use).
func (s *SSEBuilder) ContentBlockStart(index int, blockType string, extra map[string]any) string {
	block := map[string]any{"type": blockType}
	switch blockType {
	case "text":
		block["text"] = ""
	case "thinking":
		block["thinking"] = ""
	case "tool_use":
		block["input"] = map[string]any{}
	}
	for k, v := range extra {
		block[k] = v
	}
	return sseEvent("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         index,
		"content_block": block,
	})
}

func (s *SSEBuilder) ContentBlockDelta(index int, deltaType, content string) string {
	delta := map[string]any{"type": deltaType}
	switch deltaType {
	case "text_delta":
		delta["text"] = content
	case "thinking_delta":
		delta["thinking"] = content
	case "input_json_delta":
		delta["partial_json"] = content
	}
	return sseEvent("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": index,
		"delta": delta,
	})
}

func (s *SSEBuilder) ContentBlockStop(index int) string {
	return sseEvent("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": index,
	})
}

// === High-level helpers ===

func (s *SSEBuilder) StartThinkingBlock() string {
	s.Blocks.ThinkingIndex = s.Blocks.AllocateIndex()
	s.Blocks.ThinkingStarted = true
	return s.ContentBlockStart(s.Blocks.ThinkingIndex, "thinking", nil)
}

func (s *SSEBuilder) StopThinkingBlock() string {
	s.Blocks.ThinkingStarted = false
	return s.ContentBlockStop(s.Blocks.ThinkingIndex)
}

func (s *SSEBuilder) EmitThinkingDelta(content string) string {
	s.accumulatedReasoning.WriteString(content)
	return s.ContentBlockDelta(s.Blocks.ThinkingIndex, "thinking_delta", content)
}

func (s *SSEBuilder) StartTextBlock() string {
	s.Blocks.TextIndex = s.Blocks.AllocateIndex()
	s.Blocks.TextStarted = true
	return s.ContentBlockStart(s.Blocks.TextIndex, "text", nil)
}

func (s *SSEBuilder) StopTextBlock() string {
	s.Blocks.TextStarted = false
	return s.ContentBlockStop(s.Blocks.TextIndex)
}

func (s *SSEBuilder) EmitTextDelta(content string) string {
	s.accumulatedText.WriteString(content)
	return s.ContentBlockDelta(s.Blocks.TextIndex, "text_delta", content)
}

// StartToolBlock opens a tool_use block for an upstream tool call index.
func (s *SSEBuilder) StartToolBlock(toolIndex int, toolID, name string) string {
	blockIndex := s.Blocks.AllocateIndex()
	s.Blocks.ToolIndices[toolIndex] = blockIndex
	if name != "" {
		s.Blocks.ToolNames[toolIndex] = name
	}
	return s.ContentBlockStart(blockIndex, "tool_use", map[string]any{
		"id":   toolID,
		"name": name,
	})
}

func (s *SSEBuilder) EmitToolDelta(toolIndex int, partialJSON string) string {
	s.Blocks.ToolContents[toolIndex] += partialJSON
	return s.ContentBlockDelta(s.Blocks.ToolIndices[toolIndex], "input_json_delta", partialJSON)
}

func (s *SSEBuilder) StopToolBlock(toolIndex int) string {
	s.Blocks.ToolStarted[toolIndex] = false
	return s.ContentBlockStop(s.Blocks.ToolIndices[toolIndex])
}

// === State management ===

// EnsureThinkingBlock makes a thinking block current, closing any open text
// block first. Thinking and text blocks are never open simultaneously.
func (s *SSEBuilder) EnsureThinkingBlock() []string {
	if s.Blocks.ThinkingStarted {
		return nil
	}
	var events []string
	if s.Blocks.TextStarted {
		events = append(events, s.StopTextBlock())
	}
	events = append(events, s.StartThinkingBlock())
	return events
}

// EnsureTextBlock makes a text block current, closing any open thinking
// block first.
func (s *SSEBuilder) EnsureTextBlock() []string {
	if s.Blocks.TextStarted {
		return nil
	}
	var events []string
	if s.Blocks.ThinkingStarted {
		events = append(events, s.StopThinkingBlock())
	}
	events = append(events, s.StartTextBlock())
	return events
}

// CloseContentBlocks closes any open thinking and text blocks, leaving tool
// blocks alone.
func (s *SSEBuilder) CloseContentBlocks() []string {
	var events []string
	if s.Blocks.ThinkingStarted {
		events = append(events, s.StopThinkingBlock())
	}
	if s.Blocks.TextStarted {
		events = append(events, s.StopTextBlock())
	}
	return events
}

// CloseAllBlocks closes every block that is still open, tool blocks
// included, in index order.
func (s *SSEBuilder) CloseAllBlocks() []string {
	events := s.CloseContentBlocks()

	toolIndices := make([]int, 0, len(s.Blocks.ToolIndices))
	for idx := range s.Blocks.ToolIndices {
		toolIndices = append(toolIndices, idx)
	}
	sort.Ints(toolIndices)
	for _, idx := range toolIndices {
		events = append(events, s.StopToolBlock(idx))
	}
	return events
}

// EmitError surfaces an error as an inline text block so clients that only
// render content still show it.
func (s *SSEBuilder) EmitError(message string) []string {
	index := s.Blocks.AllocateIndex()
	return []string{
		s.ContentBlockStart(index, "text", nil),
		s.ContentBlockDelta(index, "text_delta", message),
		s.ContentBlockStop(index),
	}
}

// NoteHeuristicTool records a tool call recovered from plain text, so the
// token estimate covers it alongside native tool blocks.
func (s *SSEBuilder) NoteHeuristicTool(argsJSON string) {
	s.heuristicToolCount++
	s.heuristicToolArgs.WriteString(argsJSON)
}

// HeuristicToolCount reports how many heuristic tool calls were emitted.
func (s *SSEBuilder) HeuristicToolCount() int {
	return s.heuristicToolCount
}

// EstimateOutputTokens approximates completion tokens when the upstream
// stream carried no usage. Uses the tokenizer when available, otherwise
// chars/4 plus a flat 50 per tool call, native and heuristic alike.
func (s *SSEBuilder) EstimateOutputTokens() int {
	combined := s.accumulatedText.String() + s.accumulatedReasoning.String()
	var toolText strings.Builder
	for _, content := range s.Blocks.ToolContents {
		toolText.WriteString(content)
	}
	toolText.WriteString(s.heuristicToolArgs.String())

	if enc := outputEncoder(); enc != nil {
		return len(enc.Encode(combined+toolText.String(), nil, nil))
	}
	return len(combined)/4 + 50*(len(s.Blocks.ToolIndices)+s.heuristicToolCount)
}
