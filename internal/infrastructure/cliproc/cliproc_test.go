package cliproc

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nimbridge/nimbridge/internal/infrastructure/config"
)

func testLogger(t *testing.T) *zap.Logger {
	t.Helper()
	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("create logger: %v", err)
	}
	return logger
}

// === Session id extraction ===

func TestExtractSessionID(t *testing.T) {
	cases := []struct {
		name  string
		event map[string]any
		want  string
	}{
		{"top level snake", map[string]any{"session_id": "abc"}, "abc"},
		{"top level camel", map[string]any{"sessionId": "def"}, "def"},
		{"nested init", map[string]any{"init": map[string]any{"session_id": "ghi"}}, "ghi"},
		{"nested system", map[string]any{"system": map[string]any{"sessionId": "jkl"}}, "jkl"},
		{"nested result", map[string]any{"result": map[string]any{"session_id": "mno"}}, "mno"},
		{"nested metadata", map[string]any{"metadata": map[string]any{"session_id": "pqr"}}, "pqr"},
		{"conversation id", map[string]any{"conversation": map[string]any{"id": "stu"}}, "stu"},
		{"absent", map[string]any{"type": "assistant"}, ""},
		{"empty string ignored", map[string]any{"session_id": ""}, ""},
		{"non-string ignored", map[string]any{"session_id": 42}, ""},
	}
	for _, tc := range cases {
		if got := ExtractSessionID(tc.event); got != tc.want {
			t.Errorf("%s: got %q, want %q", tc.name, got, tc.want)
		}
	}
}

// === Argument construction ===

func TestBuildArgsNewConversation(t *testing.T) {
	s := NewSession(config.CLIConfig{
		Binary:  "claude",
		AddDirs: []string{"/data", "/tmp/shared"},
	}, zap.NewNop())

	args := s.buildArgs("do the thing", "", false)
	want := []string{
		"-p", "do the thing",
		"--output-format", "stream-json",
		"--dangerously-skip-permissions",
		"--verbose",
		"--add-dir", "/data",
		"--add-dir", "/tmp/shared",
	}
	if len(args) != len(want) {
		t.Fatalf("args = %v", args)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Errorf("args[%d] = %q, want %q", i, args[i], want[i])
		}
	}
}

func TestBuildArgsResume(t *testing.T) {
	s := NewSession(config.CLIConfig{Binary: "claude"}, zap.NewNop())

	args := s.buildArgs("continue", "sess-1", false)
	if args[0] != "--resume" || args[1] != "sess-1" || args[2] != "-p" {
		t.Errorf("resume args = %v", args)
	}

	args = s.buildArgs("continue", "sess-1", true)
	if args[2] != "--fork-session" {
		t.Errorf("fork args = %v", args)
	}
}

// === Event normalization ===

func TestParseEventAssistantMessage(t *testing.T) {
	out := ParseEvent(Event{
		"type": "assistant",
		"message": map[string]any{
			"content": []any{
				map[string]any{"type": "thinking", "thinking": "hmm"},
				map[string]any{"type": "text", "text": "hello"},
				map[string]any{"type": "tool_use", "name": "Bash", "input": map[string]any{"command": "ls"}},
			},
		},
	})
	if len(out) != 3 {
		t.Fatalf("events = %v", out)
	}
	if out[0].Kind != KindThinking || out[0].Text != "hmm" {
		t.Errorf("thinking = %+v", out[0])
	}
	if out[1].Kind != KindContent || out[1].Text != "hello" {
		t.Errorf("content = %+v", out[1])
	}
	if out[2].Kind != KindToolStart || out[2].ToolName != "Bash" || out[2].ToolInput["command"] != "ls" {
		t.Errorf("tool = %+v", out[2])
	}
}

func TestParseEventTaskBecomesSubagent(t *testing.T) {
	out := ParseEvent(Event{
		"type": "content_block_start",
		"content_block": map[string]any{
			"type":  "tool_use",
			"name":  "Task",
			"input": map[string]any{"description": "explore"},
		},
	})
	if len(out) != 1 || out[0].Kind != KindSubagentStart {
		t.Errorf("events = %v", out)
	}
}

func TestParseEventDeltas(t *testing.T) {
	out := ParseEvent(Event{
		"type":  "content_block_delta",
		"delta": map[string]any{"type": "text_delta", "text": "chunk"},
	})
	if len(out) != 1 || out[0].Kind != KindContent || out[0].Text != "chunk" {
		t.Errorf("text delta = %v", out)
	}

	out = ParseEvent(Event{
		"type":  "content_block_delta",
		"delta": map[string]any{"type": "thinking_delta", "thinking": "pondering"},
	})
	if len(out) != 1 || out[0].Kind != KindThinking || out[0].Text != "pondering" {
		t.Errorf("thinking delta = %v", out)
	}
}

func TestParseEventResult(t *testing.T) {
	out := ParseEvent(Event{
		"type":    "result",
		"subtype": "success",
		"result":  "final answer",
	})
	if len(out) != 2 {
		t.Fatalf("events = %v", out)
	}
	if out[0].Kind != KindContent || out[0].Text != "final answer" {
		t.Errorf("content = %+v", out[0])
	}
	if out[1].Kind != KindComplete || out[1].Status != "success" {
		t.Errorf("complete = %+v", out[1])
	}

	out = ParseEvent(Event{"type": "result", "is_error": true})
	if len(out) != 1 || out[0].Status != "error" {
		t.Errorf("error result = %v", out)
	}
}

func TestParseEventErrorAndExit(t *testing.T) {
	out := ParseEvent(Event{
		"type":  "error",
		"error": map[string]any{"message": "boom"},
	})
	if len(out) != 1 || out[0].Kind != KindError || out[0].Text != "boom" {
		t.Errorf("error = %v", out)
	}

	out = ParseEvent(Event{"type": "exit", "code": float64(0)})
	if len(out) != 1 || out[0].Kind != KindComplete || out[0].Status != "success" {
		t.Errorf("clean exit = %v", out)
	}
}

func TestParseEventFailedExit(t *testing.T) {
	// A non-zero exit always yields an error event ahead of the complete,
	// even when the process wrote nothing to stderr.
	out := ParseEvent(Event{"type": "exit", "code": float64(3), "stderr": ""})
	if len(out) != 2 {
		t.Fatalf("events = %v", out)
	}
	if out[0].Kind != KindError || out[0].Text != "Process exited with code 3" {
		t.Errorf("error = %+v", out[0])
	}
	if out[1].Kind != KindComplete || out[1].Status != "error" || out[1].ExitCode != 3 {
		t.Errorf("complete = %+v", out[1])
	}

	out = ParseEvent(Event{"type": "exit", "code": float64(1), "stderr": "boom"})
	if len(out) != 2 || out[0].Kind != KindError || out[0].Text != "boom" {
		t.Errorf("stderr exit = %v", out)
	}
	if out[1].Status != "error" || out[1].ExitCode != 1 {
		t.Errorf("stderr complete = %+v", out[1])
	}
}

func TestParseEventIgnoresUnknown(t *testing.T) {
	for _, ev := range []Event{
		{"type": "session_info", "session_id": "x"},
		{"type": "raw", "content": "noise"},
		{"type": "ping"},
		{},
	} {
		if out := ParseEvent(ev); out != nil {
			t.Errorf("event %v produced %v", ev, out)
		}
	}
}

// === Session lifecycle ===

func TestSessionCancelWithUndrainedEvents(t *testing.T) {
	// A subprocess that outruns the event buffer must not wedge the session
	// when the consumer walks away without draining.
	script := filepath.Join(t.TempDir(), "fakecli.sh")
	body := "#!/bin/sh\n" +
		"i=0\n" +
		"while [ $i -lt 300 ]; do\n" +
		"  echo '{\"type\":\"assistant\",\"message\":{\"content\":[{\"type\":\"text\",\"text\":\"line\"}]}}'\n" +
		"  i=$((i+1))\n" +
		"done\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}

	s := NewSession(config.CLIConfig{Binary: script}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := s.StartTask(ctx, "go", "", false)
	if err != nil {
		t.Fatalf("StartTask: %v", err)
	}

	<-events
	cancel()

	deadline := time.Now().Add(3 * time.Second)
	for s.Busy() {
		if time.Now().After(deadline) {
			t.Fatal("session still busy after cancel with undrained events")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// === Manager ===

func newTestManager(t *testing.T, maxSessions int) *Manager {
	t.Helper()
	return NewManager(config.CLIConfig{
		Binary:      "claude",
		MaxSessions: maxSessions,
	}, testLogger(t))
}

func TestManagerCreatesWithTempID(t *testing.T) {
	m := newTestManager(t, 5)

	s, id, created, err := m.GetOrCreate("")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if s == nil || !created {
		t.Fatalf("session=%v created=%v", s, created)
	}
	if len(id) != len("pending_")+8 || id[:8] != "pending_" {
		t.Errorf("temp id = %q", id)
	}

	// Lookup by the temp id returns the same session without creating.
	s2, id2, created2, err := m.GetOrCreate(id)
	if err != nil || s2 != s || created2 || id2 != id {
		t.Errorf("lookup = (%v, %q, %v, %v)", s2, id2, created2, err)
	}
}

func TestManagerRebindsRealID(t *testing.T) {
	m := newTestManager(t, 5)
	s, tempID, _, err := m.GetOrCreate("")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	m.RegisterRealSessionID(tempID, "real-123")

	// Both the temp id and the real id resolve to the same session.
	byTemp, id, created, err := m.GetOrCreate(tempID)
	if err != nil || byTemp != s || created || id != "real-123" {
		t.Errorf("by temp = (%v, %q, %v, %v)", byTemp, id, created, err)
	}
	byReal, _, created, err := m.GetOrCreate("real-123")
	if err != nil || byReal != s || created {
		t.Errorf("by real = (%v, %v, %v)", byReal, created, err)
	}
}

func TestManagerCapWithIdleEviction(t *testing.T) {
	m := newTestManager(t, 2)
	_, id1, _, err := m.GetOrCreate("")
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, _, _, err := m.GetOrCreate(""); err != nil {
		t.Fatalf("second: %v", err)
	}

	// Pending sessions are never evicted, so the cap holds.
	if _, _, _, err := m.GetOrCreate(""); err == nil {
		t.Fatal("expected session limit error")
	}

	// A registered idle session is evictable; the next create succeeds.
	m.RegisterRealSessionID(id1, "real-1")
	if _, _, _, err := m.GetOrCreate(""); err != nil {
		t.Errorf("create after eviction: %v", err)
	}
}

func TestManagerStats(t *testing.T) {
	m := newTestManager(t, 4)
	_, tempID, _, _ := m.GetOrCreate("")
	m.GetOrCreate("")
	m.RegisterRealSessionID(tempID, "real-1")

	stats := m.Stats()
	if stats["active_sessions"] != 1 || stats["pending_sessions"] != 1 {
		t.Errorf("stats = %v", stats)
	}
	if stats["max_sessions"] != 4 || stats["busy_sessions"] != 0 {
		t.Errorf("stats = %v", stats)
	}
}

func TestManagerStopAllClears(t *testing.T) {
	m := newTestManager(t, 4)
	m.GetOrCreate("")
	_, tempID, _, _ := m.GetOrCreate("")
	m.RegisterRealSessionID(tempID, "real-1")

	// Idle sessions with no live process report no action taken.
	if stopped := m.StopAll(); stopped != 0 {
		t.Errorf("stopped = %d", stopped)
	}
	stats := m.Stats()
	if stats["active_sessions"] != 0 || stats["pending_sessions"] != 0 {
		t.Errorf("stats after StopAll = %v", stats)
	}
}
