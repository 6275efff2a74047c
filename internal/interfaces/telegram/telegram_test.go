package telegram

import (
	"strings"
	"testing"
)

// === Markdown rendering ===

func TestMarkdownToTelegramHTML(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bold", "**hi**", "<b>hi</b>"},
		{"italic", "*hi*", "<i>hi</i>"},
		{"code span", "run `ls -la` now", "run <code>ls -la</code> now"},
		{"heading", "# Title", "<b>Title</b>"},
		{"escaping", "a < b & c", "a &lt; b &amp; c"},
		{"link", "[docs](https://example.com)", `<a href="https://example.com">docs</a>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MarkdownToTelegramHTML(tt.in); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMarkdownCodeBlock(t *testing.T) {
	got := MarkdownToTelegramHTML("```go\nfmt.Println(\"x < y\")\n```")
	if !strings.Contains(got, `<pre><code class="language-go">`) {
		t.Errorf("missing pre/code: %q", got)
	}
	if !strings.Contains(got, "x &lt; y") {
		t.Errorf("code not escaped: %q", got)
	}
}

func TestMarkdownList(t *testing.T) {
	got := MarkdownToTelegramHTML("- one\n- two")
	if !strings.Contains(got, "• one") || !strings.Contains(got, "• two") {
		t.Errorf("list = %q", got)
	}

	got = MarkdownToTelegramHTML("1. first\n2. second")
	if !strings.Contains(got, "1. first") || !strings.Contains(got, "2. second") {
		t.Errorf("ordered list = %q", got)
	}
}

func TestStripFormatting(t *testing.T) {
	in := "**bold** and `code` and [text](https://x) and # heading"
	got := StripFormatting(in)
	for _, banned := range []string{"**", "`", "](", "# "} {
		if strings.Contains(got, banned) {
			t.Errorf("marker %q survived: %q", banned, got)
		}
	}
	for _, kept := range []string{"bold", "code", "text"} {
		if !strings.Contains(got, kept) {
			t.Errorf("content %q lost: %q", kept, got)
		}
	}
}

// === Chunking ===

func TestChunkShortMessagePassthrough(t *testing.T) {
	chunks := ChunkMarkdown("short")
	if len(chunks) != 1 || chunks[0] != "short" {
		t.Errorf("chunks = %v", chunks)
	}
}

func TestChunkLongMessage(t *testing.T) {
	paragraph := strings.Repeat("some words here. ", 40) + "\n\n"
	long := strings.Repeat(paragraph, 20)

	chunks := ChunkMarkdown(long)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, chunk := range chunks {
		// Code-block preservation may overshoot, plain text must not.
		if len(chunk) > MessageLimit {
			t.Errorf("chunk %d length %d", i, len(chunk))
		}
	}

	var joined strings.Builder
	for _, chunk := range chunks {
		joined.WriteString(chunk)
		joined.WriteString(" ")
	}
	if !strings.Contains(joined.String(), "some words here.") {
		t.Error("content lost in chunking")
	}
}

func TestChunkReclosesCodeFence(t *testing.T) {
	long := strings.Repeat("filler text before the block. ", 130) +
		"```\n" + strings.Repeat("code line\n", 600) + "```"

	chunks := ChunkMarkdown(long)
	for i, chunk := range chunks {
		if strings.Count(chunk, "```")%2 != 0 {
			t.Errorf("chunk %d has unbalanced fences", i)
		}
	}
}

func TestFindSplitPointPrefersParagraphs(t *testing.T) {
	text := strings.Repeat("a", 3000) + "\n\n" + strings.Repeat("b", 3000)
	at := findSplitPoint(text, MessageLimit)
	if at != 3000 {
		t.Errorf("split at %d, want 3000", at)
	}
}

func TestEditKey(t *testing.T) {
	if got := editKey("12", "34"); got != "edit:12:34" {
		t.Errorf("key = %q", got)
	}
}
