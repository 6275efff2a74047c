package telegram

import (
	"bytes"
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// MarkdownToTelegramHTML renders Markdown as the HTML subset Telegram
// accepts: b, i, s, code, pre, a. Going through a real parser guarantees
// well-formed tags, which raw Markdown parse mode does not.
func MarkdownToTelegramHTML(markdown string) string {
	if markdown == "" {
		return ""
	}

	src := []byte(markdown)
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	var buf bytes.Buffer
	r := &htmlRenderer{src: src}
	r.renderChildren(&buf, doc)
	return strings.TrimRight(buf.String(), "\n")
}

type htmlRenderer struct {
	src []byte
}

func (r *htmlRenderer) renderChildren(w *bytes.Buffer, node ast.Node) {
	for child := node.FirstChild(); child != nil; child = child.NextSibling() {
		r.renderNode(w, child)
	}
}

func (r *htmlRenderer) renderNode(w *bytes.Buffer, node ast.Node) {
	switch n := node.(type) {
	case *ast.Paragraph:
		r.renderChildren(w, n)
		w.WriteString("\n\n")

	case *ast.Heading:
		// Telegram has no heading tags.
		w.WriteString("<b>")
		r.renderChildren(w, n)
		w.WriteString("</b>\n\n")

	case *ast.ThematicBreak:
		w.WriteString("———\n\n")

	case *ast.Blockquote:
		var inner bytes.Buffer
		r.renderChildren(&inner, n)
		for _, line := range strings.Split(strings.TrimRight(inner.String(), "\n"), "\n") {
			w.WriteString("▎")
			w.WriteString(line)
			w.WriteString("\n")
		}
		w.WriteString("\n")

	case *ast.FencedCodeBlock:
		if lang := string(n.Language(r.src)); lang != "" {
			fmt.Fprintf(w, "<pre><code class=\"language-%s\">", html.EscapeString(lang))
		} else {
			w.WriteString("<pre><code>")
		}
		r.writeLines(w, n.Lines())
		w.WriteString("</code></pre>\n\n")

	case *ast.CodeBlock:
		w.WriteString("<pre><code>")
		r.writeLines(w, n.Lines())
		w.WriteString("</code></pre>\n\n")

	case *ast.List:
		r.renderList(w, n)

	case *ast.ListItem:
		r.renderChildren(w, n)

	case *ast.Text:
		w.WriteString(html.EscapeString(string(n.Segment.Value(r.src))))
		if n.SoftLineBreak() || n.HardLineBreak() {
			w.WriteString("\n")
		}

	case *ast.String:
		w.WriteString(html.EscapeString(string(n.Value)))

	case *ast.CodeSpan:
		w.WriteString("<code>")
		r.renderCodeSpan(w, n)
		w.WriteString("</code>")

	case *ast.Emphasis:
		tag := "i"
		if n.Level == 2 {
			tag = "b"
		}
		w.WriteString("<" + tag + ">")
		r.renderChildren(w, n)
		w.WriteString("</" + tag + ">")

	case *ast.Link:
		fmt.Fprintf(w, "<a href=\"%s\">", html.EscapeString(string(n.Destination)))
		r.renderChildren(w, n)
		w.WriteString("</a>")

	case *ast.AutoLink:
		url := html.EscapeString(string(n.URL(r.src)))
		fmt.Fprintf(w, "<a href=\"%s\">%s</a>", url, url)

	case *ast.Image:
		// No inline images in Telegram HTML; degrade to the URL.
		fmt.Fprintf(w, "[image: %s]", html.EscapeString(string(n.Destination)))

	case *ast.RawHTML:
		for i := 0; i < n.Segments.Len(); i++ {
			seg := n.Segments.At(i)
			w.Write(seg.Value(r.src))
		}

	case *ast.HTMLBlock:
		r.writeLinesRaw(w, n.Lines())
		w.WriteString("\n")

	default:
		r.renderChildren(w, node)
	}
}

func (r *htmlRenderer) writeLines(w *bytes.Buffer, lines *text.Segments) {
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		w.WriteString(html.EscapeString(string(seg.Value(r.src))))
	}
}

func (r *htmlRenderer) writeLinesRaw(w *bytes.Buffer, lines *text.Segments) {
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		w.Write(seg.Value(r.src))
	}
}

func (r *htmlRenderer) renderCodeSpan(w *bytes.Buffer, node ast.Node) {
	for child := node.FirstChild(); child != nil; child = child.NextSibling() {
		if t, ok := child.(*ast.Text); ok {
			w.WriteString(html.EscapeString(string(t.Segment.Value(r.src))))
		} else {
			r.renderCodeSpan(w, child)
		}
	}
}

func (r *htmlRenderer) renderList(w *bytes.Buffer, list *ast.List) {
	idx := list.Start
	for child := list.FirstChild(); child != nil; child = child.NextSibling() {
		if list.IsOrdered() {
			fmt.Fprintf(w, "%d. ", idx)
			idx++
		} else {
			w.WriteString("• ")
		}
		var item bytes.Buffer
		r.renderChildren(&item, child)
		for i, line := range strings.Split(strings.TrimRight(item.String(), "\n"), "\n") {
			if i > 0 {
				w.WriteString("\n  ")
			}
			w.WriteString(line)
		}
		w.WriteString("\n")
	}
	w.WriteString("\n")
}

var reFormatting = regexp.MustCompile("(?s)```[^`]*```|`[^`]+`|\\*\\*|__|\\*|_|~~|#{1,6} |\\[([^]]+)\\]\\([^)]+\\)|!\\[[^]]*\\]\\([^)]+\\)")

// StripFormatting removes Markdown markers, keeping link text and code
// content. Last-resort fallback when even the HTML rendering is rejected.
func StripFormatting(md string) string {
	return reFormatting.ReplaceAllStringFunc(md, func(match string) string {
		switch {
		case strings.HasPrefix(match, "```"):
			inner := strings.TrimSuffix(strings.TrimPrefix(match, "```"), "```")
			if idx := strings.Index(inner, "\n"); idx >= 0 {
				inner = inner[idx+1:]
			}
			return inner
		case strings.HasPrefix(match, "!["):
			return ""
		case strings.HasPrefix(match, "["):
			if idx := strings.Index(match, "]("); idx > 0 {
				return match[1:idx]
			}
			return match
		case strings.HasPrefix(match, "`"):
			return strings.Trim(match, "`")
		case strings.HasPrefix(match, "#"):
			return ""
		default:
			return ""
		}
	})
}
