package cliproc

import "fmt"

// Normalized event kinds produced by ParseEvent.
const (
	KindThinking      = "thinking"
	KindContent       = "content"
	KindToolStart     = "tool_start"
	KindSubagentStart = "subagent_start"
	KindError         = "error"
	KindComplete      = "complete"
)

// Normalized is a CLI event reduced to what the message handler renders.
type Normalized struct {
	Kind      string
	Text      string
	ToolName  string
	ToolInput map[string]any
	Status    string
	ExitCode  int
}

// ParseEvent reduces one raw CLI event to zero or more normalized events.
// Unrecognized shapes produce nothing; the stream stays renderable even
// when the CLI adds new event types.
func ParseEvent(ev Event) []Normalized {
	eventType, _ := ev["type"].(string)

	switch eventType {
	case "assistant":
		return parseMessageContent(ev)

	case "result":
		out := parseMessageContent(ev)
		if text, ok := ev["result"].(string); ok && text != "" {
			out = append(out, Normalized{Kind: KindContent, Text: text})
		}
		status := "success"
		if isError, _ := ev["is_error"].(bool); isError {
			status = "error"
		} else if subtype, ok := ev["subtype"].(string); ok && subtype != "" && subtype != "success" {
			status = subtype
		}
		return append(out, Normalized{Kind: KindComplete, Status: status})

	case "content_block_delta":
		delta, ok := ev["delta"].(map[string]any)
		if !ok {
			return nil
		}
		switch delta["type"] {
		case "text_delta":
			if text, _ := delta["text"].(string); text != "" {
				return []Normalized{{Kind: KindContent, Text: text}}
			}
		case "thinking_delta":
			if text, _ := delta["thinking"].(string); text != "" {
				return []Normalized{{Kind: KindThinking, Text: text}}
			}
		}
		return nil

	case "content_block_start":
		block, ok := ev["content_block"].(map[string]any)
		if !ok || block["type"] != "tool_use" {
			return nil
		}
		return []Normalized{toolStart(block)}

	case "error":
		return []Normalized{{Kind: KindError, Text: errorMessage(ev)}}

	case "exit":
		code := 0
		switch v := ev["code"].(type) {
		case int:
			code = v
		case float64:
			code = int(v)
		}
		if code != 0 {
			message, _ := ev["stderr"].(string)
			if message == "" {
				message = fmt.Sprintf("Process exited with code %d", code)
			}
			return []Normalized{
				{Kind: KindError, Text: message},
				{Kind: KindComplete, Status: "error", ExitCode: code},
			}
		}
		return []Normalized{{Kind: KindComplete, Status: "success"}}
	}

	return nil
}

// parseMessageContent walks a message.content[] list of
// text/thinking/tool_use items.
func parseMessageContent(ev Event) []Normalized {
	message, ok := ev["message"].(map[string]any)
	if !ok {
		return nil
	}
	items, ok := message["content"].([]any)
	if !ok {
		return nil
	}

	var out []Normalized
	for _, item := range items {
		block, ok := item.(map[string]any)
		if !ok {
			continue
		}
		switch block["type"] {
		case "text":
			if text, _ := block["text"].(string); text != "" {
				out = append(out, Normalized{Kind: KindContent, Text: text})
			}
		case "thinking":
			if text, _ := block["thinking"].(string); text != "" {
				out = append(out, Normalized{Kind: KindThinking, Text: text})
			}
		case "tool_use":
			out = append(out, toolStart(block))
		}
	}
	return out
}

func toolStart(block map[string]any) Normalized {
	name, _ := block["name"].(string)
	input, _ := block["input"].(map[string]any)
	kind := KindToolStart
	if name == "Task" {
		kind = KindSubagentStart
	}
	return Normalized{Kind: kind, ToolName: name, ToolInput: input}
}

func errorMessage(ev Event) string {
	if inner, ok := ev["error"].(map[string]any); ok {
		if msg, ok := inner["message"].(string); ok {
			return msg
		}
	}
	if msg, ok := ev["message"].(string); ok {
		return msg
	}
	return "unknown CLI error"
}
