package messaging

import "strings"

const (
	maxThinkingRunes = 800
	maxMessageRunes  = 3800
)

// components accumulates everything the CLI has produced for one task, in
// the order the status message renders it.
type components struct {
	thinking  []string
	tools     []string
	subagents []string
	content   []string
	errors    []string
}

func (c *components) empty() bool {
	return len(c.thinking) == 0 && len(c.tools) == 0 && len(c.subagents) == 0 &&
		len(c.content) == 0 && len(c.errors) == 0
}

// render builds the status message: thinking, tools, subagents, content,
// errors, then the status line at the bottom.
func (c *components) render(status string) string {
	var lines []string

	if len(c.thinking) > 0 {
		display := truncateRunes(strings.Join(c.thinking, ""), maxThinkingRunes, true)
		lines = append(lines, "💭 **Thinking:**\n```\n"+display+"\n```")
	}

	if len(c.tools) > 0 {
		seen := make(map[string]bool)
		var unique []string
		for _, tool := range c.tools {
			if !seen[tool] {
				unique = append(unique, tool)
				seen[tool] = true
			}
		}
		lines = append(lines, "🛠 **Tools:** `"+strings.Join(unique, ", ")+"`")
	}

	for _, task := range c.subagents {
		lines = append(lines, "🤖 **Subagent:** `"+task+"`")
	}

	if len(c.content) > 0 {
		lines = append(lines, strings.Join(c.content, ""))
	}

	for _, err := range c.errors {
		lines = append(lines, "⚠️ **Error:** `"+err+"`")
	}

	if status != "" {
		lines = append(lines, "", status)
	}

	result := strings.Join(lines, "\n")

	// Platforms cap message length around 4096; keep the tail, which is
	// where the newest output lives.
	runes := []rune(result)
	if len(runes) > maxMessageRunes {
		result = "..." + string(runes[len(runes)-(maxMessageRunes-5):])
	}
	return result
}

// truncateRunes shortens s to limit runes. With head true the start is
// kept, otherwise the end.
func truncateRunes(s string, limit int, head bool) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	if head {
		return string(runes[:limit-5]) + "..."
	}
	return "..." + string(runes[len(runes)-(limit-5):])
}
