package telegram

import "strings"

// MessageLimit is Telegram's hard cap on message length.
const MessageLimit = 4096

// ChunkMarkdown splits text into sendable pieces, keeping fenced code
// blocks intact where it can and re-closing any fence a split cuts open.
func ChunkMarkdown(text string) []string {
	if len(text) <= MessageLimit {
		return []string{text}
	}

	fences := findCodeFences(text)

	var chunks []string
	remaining := text
	offset := 0
	for len(remaining) > 0 {
		if len(remaining) <= MessageLimit {
			chunks = append(chunks, remaining)
			break
		}

		splitAt := MessageLimit
		abs := offset + splitAt
		for _, f := range fences {
			if abs <= f.start || abs >= f.end {
				continue
			}
			if f.start-offset > MessageLimit/3 {
				splitAt = f.start - offset
			} else if f.end-offset <= MessageLimit*2 {
				// Keep the whole block even if it overshoots a little.
				splitAt = f.end - offset
			}
			break
		}

		if splitAt >= MessageLimit {
			if at := findSplitPoint(remaining, MessageLimit); at > 0 {
				splitAt = at
			}
		}

		chunks = append(chunks, closeOpenFence(remaining[:splitAt]))
		remaining = strings.TrimLeft(remaining[splitAt:], " \t\n\r")
		offset += splitAt
	}
	return chunks
}

type fence struct{ start, end int }

func findCodeFences(text string) []fence {
	var fences []fence
	i := 0
	for i < len(text) {
		if !strings.HasPrefix(text[i:], "```") {
			i++
			continue
		}
		start := i
		end := strings.Index(text[i+3:], "```")
		if end < 0 {
			fences = append(fences, fence{start, len(text)})
			break
		}
		i += 3 + end + 3
		fences = append(fences, fence{start, i})
	}
	return fences
}

// findSplitPoint prefers paragraph breaks, then line breaks, then sentence
// ends, then spaces. Returns maxLen when nothing reasonable is found.
func findSplitPoint(text string, maxLen int) int {
	if maxLen > len(text) {
		maxLen = len(text)
	}
	area := text[:maxLen]

	if idx := strings.LastIndex(area, "\n\n"); idx >= maxLen/2 {
		return idx
	}
	if idx := strings.LastIndex(area, "\n"); idx >= maxLen/2 {
		return idx
	}
	if idx := strings.LastIndex(area, ". "); idx >= maxLen/2 {
		return idx + 1
	}
	if idx := strings.LastIndex(area, " "); idx >= maxLen/3 {
		return idx
	}
	return maxLen
}

// closeOpenFence appends a closing fence if the chunk ends inside one.
func closeOpenFence(chunk string) string {
	if strings.Count(chunk, "```")%2 == 1 {
		return chunk + "\n```"
	}
	return chunk
}
