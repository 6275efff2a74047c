package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nimbridge/nimbridge/internal/domain/entity"
	"github.com/nimbridge/nimbridge/internal/domain/tree"
	"github.com/nimbridge/nimbridge/internal/infrastructure/cliproc"
	"github.com/nimbridge/nimbridge/internal/infrastructure/store"
)

// Status messages the handler itself sends start with one of these; an
// echo of our own output must never start a task.
var statusPrefixes = []string{"⏳", "💭", "🔧", "✅", "❌", "🚀", "🤖", "📋", "📊", "🔄"}

const uiDebounce = time.Second

// Handler turns incoming chat messages into CLI tasks tracked in
// conversation trees, editing one status message per task as it runs.
type Handler struct {
	platform  Platform
	cli       SessionManager
	store     *store.SessionStore
	repo      *tree.Repository
	processor *tree.Processor
	logger    *zap.Logger
}

func NewHandler(platform Platform, cli SessionManager, st *store.SessionStore, repo *tree.Repository, logger *zap.Logger) *Handler {
	h := &Handler{
		platform:  platform,
		cli:       cli,
		store:     st,
		repo:      repo,
		processor: tree.NewProcessor(repo, logger),
		logger:    logger,
	}
	h.processor.OnNodesAffected = h.editAffectedNodes
	return h
}

// Processor exposes the tree processor for the HTTP /stop route.
func (h *Handler) Processor() *tree.Processor {
	return h.processor
}

// RestoreState loads persisted trees and fails whatever was mid-flight
// when the previous run ended.
func (h *Handler) RestoreState() {
	trees, index := h.store.Trees()
	h.repo.Restore(trees, index)
	if stale := h.processor.CleanupStaleNodes(); stale > 0 {
		h.persistTrees()
	}
}

// HandleMessage is the platform callback for each incoming message.
func (h *Handler) HandleMessage(ctx context.Context, incoming entity.IncomingMessage) {
	switch strings.TrimSpace(incoming.Text) {
	case "/stop":
		h.handleStopCommand(ctx, incoming)
		return
	case "/stats":
		h.handleStatsCommand(ctx, incoming)
		return
	}

	for _, prefix := range statusPrefixes {
		if strings.HasPrefix(incoming.Text, prefix) {
			return
		}
	}

	// A reply to a known message extends that conversation; anything else
	// starts a new tree.
	var parentNode *entity.MessageNode
	var parentTree *tree.Tree
	if incoming.IsReply() {
		if t, node, ok := h.repo.ResolveNode(incoming.ReplyToMessageID); ok {
			parentTree = t
			parentNode = node
		}
	}

	statusText := h.initialStatus(parentTree, parentNode)
	statusMsgID, err := h.platform.QueueSendMessage(ctx, incoming.ChatID, statusText, incoming.MessageID, "markdown")
	if err != nil {
		h.logger.Error("Failed to send status message", zap.Error(err))
		return
	}
	h.store.RecordMessageID(incoming.Platform, incoming.ChatID, statusMsgID, "sent", "status")
	h.store.RecordMessageID(incoming.Platform, incoming.ChatID, incoming.MessageID, "received", "user")

	var node *entity.MessageNode
	var rootID string
	if parentNode != nil {
		node = entity.NewMessageNode(incoming, parentNode.NodeID)
		node.StatusMessageID = statusMsgID
		rootID = parentTree.RootID
		h.repo.AddNode(rootID, node)
	} else {
		node = entity.NewMessageNode(incoming, "")
		node.StatusMessageID = statusMsgID
		created := h.repo.CreateTree(node)
		rootID = created.RootID
	}
	h.repo.RegisterMessage(statusMsgID, rootID)
	h.persistTrees()

	queued, err := h.processor.Enqueue(node.NodeID, h.processNode)
	if err != nil {
		h.logger.Error("Failed to enqueue node", zap.String("node_id", node.NodeID), zap.Error(err))
		return
	}
	if queued {
		t, _ := h.repo.TreeByRoot(rootID)
		position := 0
		if t != nil {
			position = t.QueueLength()
		}
		h.platform.QueueEditMessage(incoming.ChatID, statusMsgID,
			fmt.Sprintf("📋 **Queued** (position %d) - waiting...", position), "markdown")
	}
}

func (h *Handler) initialStatus(parentTree *tree.Tree, parentNode *entity.MessageNode) string {
	if parentTree != nil && parentNode != nil {
		if parentTree.Processing() {
			return fmt.Sprintf("📋 **Queued** (position %d) - waiting...", parentTree.QueueLength()+1)
		}
		return "🔄 **Continuing conversation...**"
	}

	stats := h.cli.Stats()
	active, _ := stats["active_sessions"].(int)
	max, _ := stats["max_sessions"].(int)
	if max > 0 && active >= max {
		return fmt.Sprintf("⏳ **Waiting for slot...** (%d/%d)", active, max)
	}
	return "⏳ **Launching new Claude CLI instance...**"
}

// processNode runs one node's CLI task and narrates it into the status
// message.
func (h *Handler) processNode(ctx context.Context, node *entity.MessageNode) error {
	incoming := node.Incoming
	chatID := incoming.ChatID
	statusMsgID := node.StatusMessageID

	t, _ := h.repo.TreeByMessage(node.NodeID)
	node.SetState(entity.StateInProgress)

	comps := &components{}
	var lastUIUpdate time.Time

	updateUI := func(status string, force bool) {
		now := time.Now()
		if !force && now.Sub(lastUIUpdate) < uiDebounce {
			return
		}
		display := comps.render(status)
		if display == "" {
			return
		}
		h.platform.QueueEditMessage(chatID, statusMsgID, display, "markdown")
		lastUIUpdate = now
	}

	// A reply forks from the nearest ancestor that completed a session.
	parentSessionID := h.parentSessionID(t, node)
	fork := parentSessionID != ""

	session, sessionOrTempID, isNew, err := h.cli.GetOrCreate(parentSessionID)
	if err != nil {
		comps.errors = append(comps.errors, err.Error())
		updateUI("⏳ **Session limit reached**", true)
		return err
	}
	tempSessionID := ""
	capturedSessionID := ""
	if isNew {
		tempSessionID = sessionOrTempID
	} else {
		capturedSessionID = sessionOrTempID
	}

	resumeID := capturedSessionID
	if resumeID == "" && fork {
		resumeID = parentSessionID
	}

	events, err := session.StartTask(ctx, incoming.Text, resumeID, fork)
	if err != nil {
		comps.errors = append(comps.errors, err.Error())
		updateUI("💥 **Task Failed**", true)
		return err
	}

	for {
		var ev cliproc.Event
		var ok bool
		select {
		case <-ctx.Done():
			comps.errors = append(comps.errors, "Task was cancelled")
			updateUI("❌ **Cancelled**", true)
			return ctx.Err()
		case ev, ok = <-events:
			if !ok {
				return nil
			}
		}

		if ev["type"] == "session_info" {
			realID, _ := ev["session_id"].(string)
			if realID != "" {
				if tempSessionID != "" {
					h.cli.RegisterRealSessionID(tempSessionID, realID)
					tempSessionID = ""
				}
				capturedSessionID = realID
				node.SetSessionID(realID)
			}
			continue
		}

		for _, parsed := range cliproc.ParseEvent(ev) {
			switch parsed.Kind {
			case cliproc.KindThinking:
				comps.thinking = append(comps.thinking, parsed.Text)
				updateUI("🧠 **Claude is thinking...**", false)

			case cliproc.KindContent:
				if parsed.Text != "" {
					comps.content = append(comps.content, parsed.Text)
					updateUI("🧠 **Claude is working...**", false)
				}

			case cliproc.KindToolStart:
				comps.tools = append(comps.tools, parsed.ToolName)
				updateUI("⏳ **Executing tools...**", false)

			case cliproc.KindSubagentStart:
				description, _ := parsed.ToolInput["description"].(string)
				if description == "" {
					description = parsed.ToolName
				}
				comps.subagents = append(comps.subagents, description)
				updateUI("🤖 **Subagent working...**", false)

			case cliproc.KindComplete:
				if parsed.Status != "success" {
					// A failed run normally arrives with its own error
					// event; if none did, the node must still reach a
					// terminal state.
					if len(comps.errors) == 0 {
						text := fmt.Sprintf("Task failed with status %q", parsed.Status)
						comps.errors = append(comps.errors, text)
						affected := h.processor.MarkNodeError(node.NodeID, text, true)
						h.editCascadedChildren(affected)
					}
					updateUI("💥 **Task Failed**", true)
					h.persistTrees()
					continue
				}
				if !node.SetState(entity.StateCompleted) {
					continue
				}
				if comps.empty() {
					comps.content = append(comps.content, "Done.")
				}
				updateUI("✅ **Complete**", true)
				if capturedSessionID != "" {
					node.SetSessionID(capturedSessionID)
				}
				h.persistTrees()

			case cliproc.KindError:
				comps.errors = append(comps.errors, parsed.Text)
				updateUI("❌ **Error**", true)
				affected := h.processor.MarkNodeError(node.NodeID, parsed.Text, true)
				h.editCascadedChildren(affected)
				h.persistTrees()
			}
		}
	}
}

// parentSessionID walks up from the node's parent to the nearest ancestor
// with a recorded session.
func (h *Handler) parentSessionID(t *tree.Tree, node *entity.MessageNode) string {
	if t == nil || node.ParentID == "" {
		return ""
	}
	parentID := node.ParentID
	for parentID != "" {
		parent, ok := t.GetNode(parentID)
		if !ok {
			return ""
		}
		if parent.SessionID != "" {
			return parent.SessionID
		}
		parentID = parent.ParentID
	}
	return ""
}

// editCascadedChildren updates status messages of descendants failed by a
// cascade; the first entry is the failing node itself and keeps its own
// error rendering.
func (h *Handler) editCascadedChildren(affected []*entity.MessageNode) {
	for i, child := range affected {
		if i == 0 || child.StatusMessageID == "" {
			continue
		}
		h.platform.QueueEditMessage(child.Incoming.ChatID, child.StatusMessageID,
			"❌ **Cancelled:** Parent task failed", "markdown")
	}
}

// editAffectedNodes is the processor callback for cascades started
// outside processNode (task panics, cancellations).
func (h *Handler) editAffectedNodes(_ *tree.Tree, nodes []*entity.MessageNode) {
	h.editCascadedChildren(nodes)
	h.persistTrees()
}

func (h *Handler) persistTrees() {
	trees, index := h.repo.Export()
	h.store.SaveTrees(trees, index)
}

// StopAllTasks stops CLI sessions first so blocked reads unwind, then
// cancels every tree and updates the affected status messages.
func (h *Handler) StopAllTasks(ctx context.Context) int {
	h.logger.Info("Stopping all CLI sessions")
	h.cli.StopAll()

	var cancelled []*entity.MessageNode
	for _, t := range h.repo.Trees() {
		cancelled = append(cancelled, h.processor.CancelTree(t.RootID)...)
	}
	h.logger.Info("Cancelled nodes", zap.Int("count", len(cancelled)))

	for _, node := range cancelled {
		if node.StatusMessageID == "" {
			continue
		}
		h.platform.QueueEditMessage(node.Incoming.ChatID, node.StatusMessageID,
			"⏹ **Stopped.**", "markdown")
	}
	h.persistTrees()
	return len(cancelled)
}

func (h *Handler) handleStopCommand(ctx context.Context, incoming entity.IncomingMessage) {
	count := h.StopAllTasks(ctx)
	if _, err := h.platform.QueueSendMessage(ctx, incoming.ChatID,
		fmt.Sprintf("⏹ **Stopped.** Cancelled %d pending or active requests.", count), "", "markdown"); err != nil {
		h.logger.Error("Failed to send stop confirmation", zap.Error(err))
	}
}

func (h *Handler) handleStatsCommand(ctx context.Context, incoming entity.IncomingMessage) {
	stats := h.cli.Stats()
	text := fmt.Sprintf("📊 **Stats**\n• Active CLI: %v\n• Max CLI: %v\n• Message Trees: %d",
		stats["active_sessions"], stats["max_sessions"], len(h.repo.Trees()))
	if _, err := h.platform.QueueSendMessage(ctx, incoming.ChatID, text, "", "markdown"); err != nil {
		h.logger.Error("Failed to send stats", zap.Error(err))
	}
}

// Shutdown flushes pending persistence. Separate from StopAllTasks so the
// app can sequence platform stop, CLI stop, and store flush.
func (h *Handler) Shutdown() {
	if err := h.store.FlushPendingSave(); err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Error("Failed to flush session store", zap.Error(err))
	}
}
