// Package stream translates OpenAI streaming chunks into the Anthropic SSE
// protocol, including recovery of thinking and tool calls that models leak
// through plain text.
package stream

import "strings"

const (
	openTag  = "<think>"
	closeTag = "</think>"
)

// SegmentKind classifies parsed content.
type SegmentKind int

const (
	SegmentText SegmentKind = iota
	SegmentThinking
)

// Segment is a run of content with a single kind.
type Segment struct {
	Kind    SegmentKind
	Content string
}

// ThinkParser is a streaming splitter for <think>...</think> regions.
// Partial tags at chunk boundaries are buffered until they resolve.
type ThinkParser struct {
	buffer  string
	inThink bool
}

// InThinkMode reports whether the parser is inside a think region.
func (p *ThinkParser) InThinkMode() bool {
	return p.inThink
}

// Feed consumes a chunk and returns the segments it completes. Content that
// might be a split tag stays buffered for the next call.
func (p *ThinkParser) Feed(content string) []Segment {
	p.buffer += content

	var segments []Segment
	for p.buffer != "" {
		var seg *Segment
		if p.inThink {
			seg = p.parseInsideThink()
		} else {
			seg = p.parseOutsideThink()
		}
		if seg == nil {
			break
		}
		segments = append(segments, *seg)
	}
	return segments
}

func (p *ThinkParser) parseOutsideThink() *Segment {
	thinkStart := strings.Index(p.buffer, openTag)
	orphanClose := strings.Index(p.buffer, closeTag)

	// Orphan </think>: some backends send reasoning via reasoning_content
	// but still leak a closing tag into content. Strip it silently.
	if orphanClose != -1 && (thinkStart == -1 || orphanClose < thinkStart) {
		pre := p.buffer[:orphanClose]
		p.buffer = p.buffer[orphanClose+len(closeTag):]
		if pre != "" {
			return &Segment{Kind: SegmentText, Content: pre}
		}
		return p.parseOutsideThink()
	}

	if thinkStart == -1 {
		// No full tag; hold back a trailing fragment that could grow into
		// <think> or </think>.
		if last := strings.LastIndex(p.buffer, "<"); last != -1 {
			potential := p.buffer[last:]
			if (len(potential) < len(openTag) && strings.HasPrefix(openTag, potential)) ||
				(len(potential) < len(closeTag) && strings.HasPrefix(closeTag, potential)) {
				emit := p.buffer[:last]
				p.buffer = p.buffer[last:]
				if emit != "" {
					return &Segment{Kind: SegmentText, Content: emit}
				}
				return nil
			}
		}

		emit := p.buffer
		p.buffer = ""
		if emit != "" {
			return &Segment{Kind: SegmentText, Content: emit}
		}
		return nil
	}

	pre := p.buffer[:thinkStart]
	p.buffer = p.buffer[thinkStart+len(openTag):]
	p.inThink = true
	if pre != "" {
		return &Segment{Kind: SegmentText, Content: pre}
	}
	return p.parseInsideThink()
}

func (p *ThinkParser) parseInsideThink() *Segment {
	thinkEnd := strings.Index(p.buffer, closeTag)

	if thinkEnd == -1 {
		if last := strings.LastIndex(p.buffer, "<"); last != -1 && len(p.buffer)-last < len(closeTag) {
			potential := p.buffer[last:]
			if strings.HasPrefix(closeTag, potential) {
				emit := p.buffer[:last]
				p.buffer = p.buffer[last:]
				if emit != "" {
					return &Segment{Kind: SegmentThinking, Content: emit}
				}
				return nil
			}
		}

		emit := p.buffer
		p.buffer = ""
		if emit != "" {
			return &Segment{Kind: SegmentThinking, Content: emit}
		}
		return nil
	}

	thinking := p.buffer[:thinkEnd]
	p.buffer = p.buffer[thinkEnd+len(closeTag):]
	p.inThink = false
	if thinking != "" {
		return &Segment{Kind: SegmentThinking, Content: thinking}
	}
	return p.parseOutsideThink()
}

// Flush drains any buffered content, typed by the current mode.
func (p *ThinkParser) Flush() (Segment, bool) {
	if p.buffer == "" {
		return Segment{}, false
	}
	kind := SegmentText
	if p.inThink {
		kind = SegmentThinking
	}
	seg := Segment{Kind: kind, Content: p.buffer}
	p.buffer = ""
	return seg, true
}

// Reset clears all parser state.
func (p *ThinkParser) Reset() {
	p.buffer = ""
	p.inThink = false
}
