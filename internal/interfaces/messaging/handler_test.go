package messaging

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nimbridge/nimbridge/internal/domain/entity"
	"github.com/nimbridge/nimbridge/internal/domain/tree"
	"github.com/nimbridge/nimbridge/internal/infrastructure/cliproc"
	"github.com/nimbridge/nimbridge/internal/infrastructure/store"
)

// === Fakes ===

type sentMessage struct {
	chatID, text, replyTo string
}

type editedMessage struct {
	chatID, messageID, text string
}

type fakePlatform struct {
	mu     sync.Mutex
	nextID int
	sent   []sentMessage
	edits  []editedMessage
}

func (f *fakePlatform) Name() string                    { return "fake" }
func (f *fakePlatform) Start(context.Context) error     { return nil }
func (f *fakePlatform) Stop(context.Context) error      { return nil }
func (f *fakePlatform) IsConnected() bool               { return true }
func (f *fakePlatform) OnMessage(MessageHandler)        {}
func (f *fakePlatform) QueueDeleteMessage(_, _ string)  {}
func (f *fakePlatform) DeleteMessage(_ context.Context, _, _ string) error {
	return nil
}

func (f *fakePlatform) SendMessage(_ context.Context, chatID, text, replyTo, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("bot-%d", f.nextID)
	f.sent = append(f.sent, sentMessage{chatID, text, replyTo})
	return id, nil
}

func (f *fakePlatform) EditMessage(_ context.Context, chatID, messageID, text, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, editedMessage{chatID, messageID, text})
	return nil
}

func (f *fakePlatform) QueueSendMessage(ctx context.Context, chatID, text, replyTo, parseMode string) (string, error) {
	return f.SendMessage(ctx, chatID, text, replyTo, parseMode)
}

func (f *fakePlatform) QueueEditMessage(chatID, messageID, text, parseMode string) {
	_ = f.EditMessage(context.Background(), chatID, messageID, text, parseMode)
}

func (f *fakePlatform) lastSent() sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return sentMessage{}
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakePlatform) editTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.edits))
	for i, e := range f.edits {
		out[i] = e.text
	}
	return out
}

type fakeSession struct {
	mu     sync.Mutex
	events []cliproc.Event
	starts []string
	busy   bool
}

func (f *fakeSession) Busy() bool { return f.busy }

func (f *fakeSession) StartTask(ctx context.Context, prompt, sessionID string, fork bool) (<-chan cliproc.Event, error) {
	f.mu.Lock()
	f.starts = append(f.starts, prompt)
	events := f.events
	f.mu.Unlock()

	out := make(chan cliproc.Event, len(events))
	for _, ev := range events {
		out <- ev
	}
	close(out)
	return out, nil
}

type fakeManager struct {
	mu       sync.Mutex
	session  *fakeSession
	createErr error
	rebinds  map[string]string
	stopped  int
	active   int
	max      int
}

func (f *fakeManager) GetOrCreate(sessionID string) (CLISession, string, bool, error) {
	if f.createErr != nil {
		return nil, "", false, f.createErr
	}
	if sessionID != "" {
		return f.session, sessionID, false, nil
	}
	return f.session, "pending_deadbeef", true, nil
}

func (f *fakeManager) RegisterRealSessionID(tempID, realID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rebinds == nil {
		f.rebinds = make(map[string]string)
	}
	f.rebinds[tempID] = realID
}

func (f *fakeManager) StopAll() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	return 0
}

func (f *fakeManager) Stats() map[string]any {
	return map[string]any{
		"active_sessions": f.active,
		"max_sessions":    f.max,
	}
}

// === Helpers ===

func newTestHandler(t *testing.T, mgr *fakeManager) (*Handler, *fakePlatform) {
	t.Helper()
	platform := &fakePlatform{}
	path := filepath.Join(t.TempDir(), "sessions.json")
	st := store.NewSessionStore(path, time.Hour, 0, zap.NewNop())
	repo := tree.NewRepository(zap.NewNop())
	return NewHandler(platform, mgr, st, repo, zap.NewNop()), platform
}

func userMessage(id, text string) entity.IncomingMessage {
	return entity.IncomingMessage{
		Text:      text,
		ChatID:    "chat-1",
		UserID:    "user-1",
		MessageID: id,
		Platform:  "fake",
		Timestamp: time.Now(),
	}
}

func replyMessage(id, text, replyTo string) entity.IncomingMessage {
	m := userMessage(id, text)
	m.ReplyToMessageID = replyTo
	return m
}

func successEvents(sessionID, text string) []cliproc.Event {
	return []cliproc.Event{
		{"type": "session_info", "session_id": sessionID},
		{
			"type": "assistant",
			"message": map[string]any{
				"content": []any{map[string]any{"type": "text", "text": text}},
			},
		},
		{"type": "result", "subtype": "success"},
		{"type": "exit", "code": 0},
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

// === Message flow ===

func TestHandleMessageRunsTask(t *testing.T) {
	mgr := &fakeManager{session: &fakeSession{events: successEvents("sess-1", "the answer")}, max: 3}
	h, platform := newTestHandler(t, mgr)

	h.HandleMessage(context.Background(), userMessage("m1", "hello"))

	first := platform.lastSent()
	if !strings.Contains(first.text, "Launching new Claude CLI instance") {
		t.Errorf("status = %q", first.text)
	}
	if first.replyTo != "m1" {
		t.Errorf("status not sent as reply: %q", first.replyTo)
	}

	waitFor(t, func() bool {
		_, node, ok := h.repo.ResolveNode("m1")
		return ok && node.State == entity.StateCompleted
	})

	_, node, _ := h.repo.ResolveNode("m1")
	if node.SessionID != "sess-1" {
		t.Errorf("session id = %q", node.SessionID)
	}
	mgr.mu.Lock()
	rebind := mgr.rebinds["pending_deadbeef"]
	mgr.mu.Unlock()
	if rebind != "sess-1" {
		t.Errorf("rebind = %q", rebind)
	}

	edits := platform.editTexts()
	if len(edits) == 0 {
		t.Fatal("no status edits")
	}
	final := edits[len(edits)-1]
	if !strings.Contains(final, "the answer") || !strings.Contains(final, "✅ **Complete**") {
		t.Errorf("final edit = %q", final)
	}
}

func TestHandleMessageIgnoresOwnStatusEcho(t *testing.T) {
	mgr := &fakeManager{session: &fakeSession{}, max: 3}
	h, platform := newTestHandler(t, mgr)

	h.HandleMessage(context.Background(), userMessage("m1", "✅ **Complete**"))
	h.HandleMessage(context.Background(), userMessage("m2", "📋 queued thing"))

	if len(platform.sent) != 0 {
		t.Errorf("status sent for echoed message: %v", platform.sent)
	}
}

func TestReplyExtendsTree(t *testing.T) {
	mgr := &fakeManager{session: &fakeSession{events: successEvents("sess-1", "done one")}, max: 3}
	h, _ := newTestHandler(t, mgr)

	h.HandleMessage(context.Background(), userMessage("m1", "first"))
	waitFor(t, func() bool {
		_, node, ok := h.repo.ResolveNode("m1")
		return ok && node.State.Terminal()
	})

	// Replying to the bot status message must resolve to the same tree.
	statusID := "bot-1"
	h.HandleMessage(context.Background(), replyMessage("m2", "second", statusID))

	tr, node, ok := h.repo.ResolveNode("m2")
	if !ok {
		t.Fatal("reply node not registered")
	}
	if node.ParentID != "m1" {
		t.Errorf("parent = %q", node.ParentID)
	}
	if tr.RootID != "m1" {
		t.Errorf("root = %q", tr.RootID)
	}

	waitFor(t, func() bool {
		_, node, ok := h.repo.ResolveNode("m2")
		return ok && node.State.Terminal()
	})

	// The second task resumed the parent's session.
	mgr.session.mu.Lock()
	starts := len(mgr.session.starts)
	mgr.session.mu.Unlock()
	if starts != 2 {
		t.Errorf("task starts = %d", starts)
	}
}

func TestHandleMessageErrorCascades(t *testing.T) {
	events := []cliproc.Event{
		{"type": "exit", "code": 1, "stderr": "boom"},
	}
	mgr := &fakeManager{session: &fakeSession{events: events}, max: 3}
	h, platform := newTestHandler(t, mgr)

	h.HandleMessage(context.Background(), userMessage("m1", "explode"))

	waitFor(t, func() bool {
		_, node, ok := h.repo.ResolveNode("m1")
		return ok && node.State == entity.StateError
	})

	_, node, _ := h.repo.ResolveNode("m1")
	if node.ErrorMessage != "boom" {
		t.Errorf("error message = %q", node.ErrorMessage)
	}

	found := false
	for _, text := range platform.editTexts() {
		if strings.Contains(text, "❌ **Error**") && strings.Contains(text, "boom") {
			found = true
		}
	}
	if !found {
		t.Errorf("no error edit: %v", platform.editTexts())
	}
}

func TestCrashWithoutStderrFailsNode(t *testing.T) {
	events := []cliproc.Event{
		{"type": "session_info", "session_id": "sess-1"},
		{"type": "exit", "code": 3, "stderr": ""},
	}
	mgr := &fakeManager{session: &fakeSession{events: events}, max: 3}
	h, platform := newTestHandler(t, mgr)

	h.HandleMessage(context.Background(), userMessage("m1", "crash"))

	waitFor(t, func() bool {
		_, node, ok := h.repo.ResolveNode("m1")
		return ok && node.State == entity.StateError
	})

	_, node, _ := h.repo.ResolveNode("m1")
	if node.ErrorMessage != "Process exited with code 3" {
		t.Errorf("error message = %q", node.ErrorMessage)
	}

	found := false
	for _, text := range platform.editTexts() {
		if strings.Contains(text, "Process exited with code 3") {
			found = true
		}
	}
	if !found {
		t.Errorf("edits = %v", platform.editTexts())
	}
}

func TestFailedResultFinalizesNode(t *testing.T) {
	// No error event at all, only a failed completion. The node must still
	// leave the in-progress state.
	events := []cliproc.Event{
		{"type": "session_info", "session_id": "sess-1"},
		{"type": "result", "is_error": true},
		{"type": "exit", "code": 0},
	}
	mgr := &fakeManager{session: &fakeSession{events: events}, max: 3}
	h, platform := newTestHandler(t, mgr)

	h.HandleMessage(context.Background(), userMessage("m1", "fail quietly"))

	waitFor(t, func() bool {
		_, node, ok := h.repo.ResolveNode("m1")
		return ok && node.State == entity.StateError
	})

	_, node, _ := h.repo.ResolveNode("m1")
	if node.ErrorMessage != `Task failed with status "error"` {
		t.Errorf("error message = %q", node.ErrorMessage)
	}

	found := false
	for _, text := range platform.editTexts() {
		if strings.Contains(text, "💥 **Task Failed**") {
			found = true
		}
	}
	if !found {
		t.Errorf("edits = %v", platform.editTexts())
	}
}

func TestSessionLimitReported(t *testing.T) {
	mgr := &fakeManager{createErr: errors.New("session limit reached"), max: 1, active: 1}
	h, platform := newTestHandler(t, mgr)

	h.HandleMessage(context.Background(), userMessage("m1", "hello"))

	waitFor(t, func() bool {
		_, node, ok := h.repo.ResolveNode("m1")
		return ok && node.State == entity.StateError
	})

	found := false
	for _, text := range platform.editTexts() {
		if strings.Contains(text, "Session limit reached") {
			found = true
		}
	}
	if !found {
		t.Errorf("edits = %v", platform.editTexts())
	}
}

// === Commands ===

func TestStopCommand(t *testing.T) {
	mgr := &fakeManager{session: &fakeSession{}, max: 3}
	h, platform := newTestHandler(t, mgr)

	h.HandleMessage(context.Background(), userMessage("cmd", "/stop"))

	mgr.mu.Lock()
	stopped := mgr.stopped
	mgr.mu.Unlock()
	if stopped != 1 {
		t.Errorf("StopAll calls = %d", stopped)
	}
	last := platform.lastSent()
	if !strings.Contains(last.text, "⏹ **Stopped.** Cancelled 0 pending or active requests.") {
		t.Errorf("reply = %q", last.text)
	}
}

func TestStatsCommand(t *testing.T) {
	mgr := &fakeManager{session: &fakeSession{}, active: 2, max: 5}
	h, platform := newTestHandler(t, mgr)

	h.HandleMessage(context.Background(), userMessage("cmd", "/stats"))

	last := platform.lastSent()
	want := "📊 **Stats**\n• Active CLI: 2\n• Max CLI: 5\n• Message Trees: 0"
	if last.text != want {
		t.Errorf("reply = %q", last.text)
	}
}

// === Rendering ===

func TestRenderOrderAndTruncation(t *testing.T) {
	c := &components{
		thinking:  []string{strings.Repeat("x", 1000)},
		tools:     []string{"Bash", "Read", "Bash"},
		subagents: []string{"explore repo"},
		content:   []string{"hello ", "world"},
		errors:    []string{"oops"},
	}
	out := c.render("✅ **Complete**")

	thinkIdx := strings.Index(out, "💭 **Thinking:**")
	toolIdx := strings.Index(out, "🛠 **Tools:** `Bash, Read`")
	subIdx := strings.Index(out, "🤖 **Subagent:** `explore repo`")
	contentIdx := strings.Index(out, "hello world")
	errIdx := strings.Index(out, "⚠️ **Error:** `oops`")
	statusIdx := strings.Index(out, "✅ **Complete**")

	for name, idx := range map[string]int{
		"thinking": thinkIdx, "tools": toolIdx, "subagent": subIdx,
		"content": contentIdx, "error": errIdx, "status": statusIdx,
	} {
		if idx < 0 {
			t.Fatalf("%s section missing:\n%s", name, out)
		}
	}
	if !(thinkIdx < toolIdx && toolIdx < subIdx && subIdx < contentIdx && contentIdx < errIdx && errIdx < statusIdx) {
		t.Errorf("sections out of order:\n%s", out)
	}
	if strings.Contains(out, strings.Repeat("x", 900)) {
		t.Error("thinking not truncated")
	}
}

func TestRenderTailTruncation(t *testing.T) {
	c := &components{content: []string{strings.Repeat("a", 5000), "TAIL"}}
	out := c.render("✅ **Complete**")
	if len([]rune(out)) > maxMessageRunes {
		t.Errorf("len = %d", len([]rune(out)))
	}
	if !strings.HasPrefix(out, "...") {
		t.Errorf("prefix = %q", out[:10])
	}
	if !strings.Contains(out, "TAIL") || !strings.Contains(out, "✅ **Complete**") {
		t.Error("tail content lost")
	}
}
