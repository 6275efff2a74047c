package stream

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Some OpenAI-compatible backends occasionally leak internal sentinel tokens
// into delta.content (e.g. "<|tool_call_end|>"). They must never reach end
// users, and they can disrupt downstream parsing if left in place.
var controlTokenRe = regexp.MustCompile(`<\|[^|>]{1,80}\|>`)

const (
	controlTokenStart = "<|"
	controlTokenEnd   = "|>"
)

type parserState int

const (
	stateText parserState = iota
	stateMatchingFunction
	stateParsingParameters
)

var (
	funcStartRe     = regexp.MustCompile(`●\s*<function=([^>]+)>`)
	completeParamRe = regexp.MustCompile(`(?s)<parameter=([^>]+)>(.*?)</parameter>`)
	partialParamRe  = regexp.MustCompile(`(?s)<parameter=([^>]+)>(.*)$`)
)

// ToolUse is a tool call recovered from plain text.
type ToolUse struct {
	ID    string
	Name  string
	Input map[string]any
}

// HeuristicParser detects raw text tool calls in the format
//
//	● <function=Name><parameter=key>value</parameter>...
//
// used as a fallback for models that emit tool calls as text instead of
// through the structured API.
type HeuristicParser struct {
	state     parserState
	buffer    string
	curID     string
	curName   string
	curParams map[string]any
}

func (p *HeuristicParser) stripControlTokens() {
	p.buffer = controlTokenRe.ReplaceAllString(p.buffer, "")
}

// splitIncompleteControlTokenTail keeps a trailing unterminated "<|..."
// fragment in the buffer and returns the safe-to-emit prefix, so a sentinel
// split across chunks never leaks.
func (p *HeuristicParser) splitIncompleteControlTokenTail() string {
	start := strings.LastIndex(p.buffer, controlTokenStart)
	if start == -1 {
		return ""
	}
	if strings.Contains(p.buffer[start:], controlTokenEnd) {
		return ""
	}
	prefix := p.buffer[:start]
	p.buffer = p.buffer[start:]
	return prefix
}

// Feed consumes a chunk and returns the text to pass through plus any tool
// calls completed by this chunk.
func (p *HeuristicParser) Feed(text string) (string, []ToolUse) {
	p.buffer += text
	p.stripControlTokens()

	var detected []ToolUse
	var filtered strings.Builder

	for {
		if p.state == stateText {
			if idx := strings.Index(p.buffer, "●"); idx != -1 {
				filtered.WriteString(p.buffer[:idx])
				p.buffer = p.buffer[idx:]
				p.state = stateMatchingFunction
			} else {
				if safePrefix := p.splitIncompleteControlTokenTail(); safePrefix != "" {
					filtered.WriteString(safePrefix)
					break
				}
				filtered.WriteString(p.buffer)
				p.buffer = ""
				break
			}
		}

		if p.state == stateMatchingFunction {
			if m := funcStartRe.FindStringSubmatchIndex(p.buffer); m != nil {
				p.curName = strings.TrimSpace(p.buffer[m[2]:m[3]])
				p.curID = "toolu_heuristic_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
				p.curParams = make(map[string]any)
				p.buffer = p.buffer[m[1]:]
				p.state = stateParsingParameters
			} else if len(p.buffer) > 100 {
				// Grown too large without a match: the ● was probably just
				// text. Release one character and rescan.
				_, size := utf8.DecodeRuneInString(p.buffer)
				filtered.WriteString(p.buffer[:size])
				p.buffer = p.buffer[size:]
				p.state = stateText
				continue
			} else {
				break
			}
		}

		if p.state == stateParsingParameters {
			for {
				m := completeParamRe.FindStringSubmatchIndex(p.buffer)
				if m == nil {
					break
				}
				// Text ahead of the parameter passes through, whitespace
				// included.
				filtered.WriteString(p.buffer[:m[0]])
				key := strings.TrimSpace(p.buffer[m[2]:m[3]])
				val := strings.TrimSpace(p.buffer[m[4]:m[5]])
				p.curParams[key] = val
				p.buffer = p.buffer[m[1]:]
			}

			finished := false
			if idx := strings.Index(p.buffer, "●"); idx != -1 {
				// Next tool call starting; close the current one.
				if idx > 0 {
					filtered.WriteString(p.buffer[:idx])
					p.buffer = p.buffer[idx:]
				}
				finished = true
			} else if p.buffer != "" && !strings.HasPrefix(strings.TrimSpace(p.buffer), "<") {
				if !strings.Contains(p.buffer, "<parameter=") {
					filtered.WriteString(p.buffer)
					p.buffer = ""
					finished = true
				}
			}

			if !finished {
				break
			}

			detected = append(detected, ToolUse{
				ID:    p.curID,
				Name:  p.curName,
				Input: p.curParams,
			})
			p.state = stateText
		}
	}

	return filtered.String(), detected
}

// Flush closes an in-flight tool call, salvaging parameters that never saw
// their closing tag.
func (p *HeuristicParser) Flush() []ToolUse {
	p.stripControlTokens()

	if p.state != stateParsingParameters {
		return nil
	}

	if m := partialParamRe.FindStringSubmatch(p.buffer); m != nil {
		p.curParams[strings.TrimSpace(m[1])] = strings.TrimSpace(m[2])
	}

	tool := ToolUse{ID: p.curID, Name: p.curName, Input: p.curParams}
	p.state = stateText
	p.buffer = ""
	return []ToolUse{tool}
}
