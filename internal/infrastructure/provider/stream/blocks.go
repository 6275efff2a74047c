package stream

import (
	"encoding/json"
	"sort"
)

// BlockManager tracks Anthropic content block state during a stream: which
// indices are allocated, which thinking/text block is open, and per-tool
// accumulation keyed by the upstream tool call index.
type BlockManager struct {
	nextIndex int

	ThinkingIndex   int
	TextIndex       int
	ThinkingStarted bool
	TextStarted     bool

	// Upstream tool call index -> allocated block index.
	ToolIndices map[int]int
	ToolNames   map[int]string
	ToolStarted map[int]bool
	// Accumulated raw argument JSON per tool, for token estimation.
	ToolContents map[int]string

	taskArgBuffer   map[int]string
	taskArgsEmitted map[int]bool
}

func NewBlockManager() *BlockManager {
	return &BlockManager{
		ThinkingIndex:   -1,
		TextIndex:       -1,
		ToolIndices:     make(map[int]int),
		ToolNames:       make(map[int]string),
		ToolStarted:     make(map[int]bool),
		ToolContents:    make(map[int]string),
		taskArgBuffer:   make(map[int]string),
		taskArgsEmitted: make(map[int]bool),
	}
}

// AllocateIndex hands out the next block index.
func (b *BlockManager) AllocateIndex() int {
	idx := b.nextIndex
	b.nextIndex++
	return idx
}

// RegisterToolName appends a streamed name fragment for a tool call.
func (b *BlockManager) RegisterToolName(toolIndex int, fragment string) {
	b.ToolNames[toolIndex] += fragment
}

// BufferTaskArgs accumulates argument fragments for a Task tool call. Once
// the buffer parses as a JSON object it is rewritten to force foreground
// execution and returned exactly once; later fragments are swallowed.
func (b *BlockManager) BufferTaskArgs(toolIndex int, args string) (map[string]any, bool) {
	if b.taskArgsEmitted[toolIndex] {
		return nil, false
	}
	b.taskArgBuffer[toolIndex] += args

	var parsed map[string]any
	if err := json.Unmarshal([]byte(b.taskArgBuffer[toolIndex]), &parsed); err != nil {
		return nil, false
	}
	parsed["run_in_background"] = false
	b.taskArgsEmitted[toolIndex] = true
	return parsed, true
}

// TaskFlush is one pending Task argument buffer drained at end of stream.
type TaskFlush struct {
	ToolIndex int
	JSON      string
}

// FlushTaskArgBuffers drains Task buffers that never became parseable.
// Parseable remainders still get the foreground override; anything else is
// emitted as-is rather than dropped.
func (b *BlockManager) FlushTaskArgBuffers() []TaskFlush {
	indices := make([]int, 0, len(b.taskArgBuffer))
	for idx := range b.taskArgBuffer {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	var flushes []TaskFlush
	for _, idx := range indices {
		if b.taskArgsEmitted[idx] {
			continue
		}
		buffered := b.taskArgBuffer[idx]
		if buffered == "" {
			continue
		}

		out := buffered
		var parsed map[string]any
		if err := json.Unmarshal([]byte(buffered), &parsed); err == nil {
			parsed["run_in_background"] = false
			if encoded, err := json.Marshal(parsed); err == nil {
				out = string(encoded)
			}
		}
		b.taskArgsEmitted[idx] = true
		flushes = append(flushes, TaskFlush{ToolIndex: idx, JSON: out})
	}
	return flushes
}
