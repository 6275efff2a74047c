package stream

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nimbridge/nimbridge/internal/infrastructure/provider/openai"
)

// MapStopReason converts an OpenAI finish_reason to an Anthropic
// stop_reason. Unknown and empty reasons map to end_turn.
func MapStopReason(finishReason string) string {
	switch finishReason {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	default:
		return "end_turn"
	}
}

// UpstreamEvent is one item of an upstream completion stream. Err is
// terminal: the producer sends it (already mapped) and closes the channel.
type UpstreamEvent struct {
	Chunk *openai.StreamChunk
	Err   error
}

// Translator converts an OpenAI chunk stream into an Anthropic SSE event
// stream. Whatever happens upstream, the emitted stream is always
// well-formed: blocks are closed, message_delta/message_stop/[DONE] are
// always the tail.
type Translator struct {
	sse       *SSEBuilder
	think     *ThinkParser
	heuristic *HeuristicParser
	logger    *zap.Logger
}

func NewTranslator(messageID, model string, inputTokens int, logger *zap.Logger) *Translator {
	return &Translator{
		sse:       NewSSEBuilder(messageID, model, inputTokens),
		think:     &ThinkParser{},
		heuristic: &HeuristicParser{},
		logger:    logger,
	}
}

// Run consumes upstream events and writes Anthropic SSE strings to out,
// closing out when the stream ends. A cancelled ctx abandons the stream
// without emitting further events.
func (t *Translator) Run(ctx context.Context, upstream <-chan UpstreamEvent, out chan<- string) {
	defer close(out)

	emit := func(events ...string) bool {
		for _, ev := range events {
			select {
			case <-ctx.Done():
				return false
			case out <- ev:
			}
		}
		return true
	}

	sse := t.sse
	if !emit(sse.MessageStart()) {
		return
	}

	finishReason := ""
	var usage *openai.Usage
	errorOccurred := false

loop:
	for {
		var ev UpstreamEvent
		var ok bool
		select {
		case <-ctx.Done():
			return
		case ev, ok = <-upstream:
			if !ok {
				break loop
			}
		}

		if ev.Err != nil {
			t.logger.Error("Upstream stream error", zap.Error(ev.Err))
			errorOccurred = true
			if !emit(sse.CloseContentBlocks()...) {
				return
			}
			if !emit(sse.EmitError(ev.Err.Error())...) {
				return
			}
			break loop
		}

		chunk := ev.Chunk
		if chunk == nil {
			continue
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}

		if choice.Delta.ReasoningContent != "" {
			if !emit(sse.EnsureThinkingBlock()...) {
				return
			}
			if !emit(sse.EmitThinkingDelta(choice.Delta.ReasoningContent)) {
				return
			}
		}

		if choice.Delta.Content != "" {
			if !t.handleContent(choice.Delta.Content, emit) {
				return
			}
		}

		if len(choice.Delta.ToolCalls) > 0 {
			if !emit(sse.CloseContentBlocks()...) {
				return
			}
			for _, tc := range choice.Delta.ToolCalls {
				if !t.processToolCall(tc, emit) {
					return
				}
			}
		}
	}

	// Drain split-tag and tool-call buffers.
	if seg, ok := t.think.Flush(); ok {
		if seg.Kind == SegmentThinking {
			if !emit(sse.EnsureThinkingBlock()...) {
				return
			}
			if !emit(sse.EmitThinkingDelta(seg.Content)) {
				return
			}
		} else {
			if !emit(sse.EnsureTextBlock()...) {
				return
			}
			if !emit(sse.EmitTextDelta(seg.Content)) {
				return
			}
		}
	}

	for _, tool := range t.heuristic.Flush() {
		if !t.emitHeuristicTool(tool, emit) {
			return
		}
	}

	// Clients choke on a message with no content blocks at all.
	if !errorOccurred && sse.Blocks.TextIndex == -1 && len(sse.Blocks.ToolIndices) == 0 && sse.HeuristicToolCount() == 0 {
		if !emit(sse.EnsureTextBlock()...) {
			return
		}
		if !emit(sse.EmitTextDelta(" ")) {
			return
		}
	}

	for _, flush := range sse.Blocks.FlushTaskArgBuffers() {
		if !emit(sse.EmitToolDelta(flush.ToolIndex, flush.JSON)) {
			return
		}
	}

	if !emit(sse.CloseAllBlocks()...) {
		return
	}

	outputTokens := sse.EstimateOutputTokens()
	if usage != nil {
		outputTokens = usage.CompletionTokens
	}
	emit(sse.MessageDelta(MapStopReason(finishReason), outputTokens), sse.MessageStop(), sse.Done())
}

// handleContent routes a content delta through the think-tag splitter, then
// the heuristic tool parser.
func (t *Translator) handleContent(content string, emit func(...string) bool) bool {
	sse := t.sse
	for _, seg := range t.think.Feed(content) {
		if seg.Kind == SegmentThinking {
			if !emit(sse.EnsureThinkingBlock()...) {
				return false
			}
			if !emit(sse.EmitThinkingDelta(seg.Content)) {
				return false
			}
			continue
		}

		filtered, tools := t.heuristic.Feed(seg.Content)
		if filtered != "" {
			if !emit(sse.EnsureTextBlock()...) {
				return false
			}
			if !emit(sse.EmitTextDelta(filtered)) {
				return false
			}
		}
		for _, tool := range tools {
			if !t.emitHeuristicTool(tool, emit) {
				return false
			}
		}
	}
	return true
}

// emitHeuristicTool emits a recovered tool call as a complete
// start/delta/stop block triple.
func (t *Translator) emitHeuristicTool(tool ToolUse, emit func(...string) bool) bool {
	sse := t.sse
	if !emit(sse.CloseContentBlocks()...) {
		return false
	}

	if tool.Name == "Task" && tool.Input != nil {
		// Background subagents detach from the CLI transcript; force
		// foreground so their output is visible.
		tool.Input["run_in_background"] = false
	}

	blockIndex := sse.Blocks.AllocateIndex()
	input, err := json.Marshal(tool.Input)
	if err != nil {
		input = []byte("{}")
	}
	sse.NoteHeuristicTool(string(input))
	return emit(
		sse.ContentBlockStart(blockIndex, "tool_use", map[string]any{
			"id":   tool.ID,
			"name": tool.Name,
		}),
		sse.ContentBlockDelta(blockIndex, "input_json_delta", string(input)),
		sse.ContentBlockStop(blockIndex),
	)
}

// processToolCall handles one native tool call delta. Names and ids may
// arrive in fragments across chunks; the block starts as soon as either a
// name or id is known, and argument fragments stream through as
// input_json_delta. Task tool arguments are buffered and rewritten to run
// in the foreground.
func (t *Translator) processToolCall(tc openai.ToolCallDelta, emit func(...string) bool) bool {
	sse := t.sse

	tcIndex := 0
	if tc.Index != nil {
		tcIndex = *tc.Index
	}
	if tcIndex < 0 {
		tcIndex = len(sse.Blocks.ToolIndices)
	}

	var args string
	if tc.Function != nil {
		if tc.Function.Name != nil {
			sse.Blocks.RegisterToolName(tcIndex, *tc.Function.Name)
		}
		args = tc.Function.Arguments
	}

	startBlock := func(toolID, name string) bool {
		if toolID == "" {
			toolID = "tool_" + uuid.NewString()
		}
		if !emit(sse.StartToolBlock(tcIndex, toolID, name)) {
			return false
		}
		sse.Blocks.ToolStarted[tcIndex] = true
		return true
	}

	if _, exists := sse.Blocks.ToolIndices[tcIndex]; !exists {
		name := sse.Blocks.ToolNames[tcIndex]
		if name != "" || tc.ID != "" {
			if !startBlock(tc.ID, name) {
				return false
			}
		}
	} else if !sse.Blocks.ToolStarted[tcIndex] && sse.Blocks.ToolNames[tcIndex] != "" {
		if !startBlock(tc.ID, sse.Blocks.ToolNames[tcIndex]) {
			return false
		}
	}

	if args == "" {
		return true
	}

	if !sse.Blocks.ToolStarted[tcIndex] {
		name := sse.Blocks.ToolNames[tcIndex]
		if name == "" {
			name = "tool_call"
		}
		if !startBlock(tc.ID, name) {
			return false
		}
	}

	if sse.Blocks.ToolNames[tcIndex] == "Task" {
		parsed, ready := sse.Blocks.BufferTaskArgs(tcIndex, args)
		if !ready {
			return true
		}
		encoded, err := json.Marshal(parsed)
		if err != nil {
			return true
		}
		return emit(sse.EmitToolDelta(tcIndex, string(encoded)))
	}

	return emit(sse.EmitToolDelta(tcIndex, args))
}
