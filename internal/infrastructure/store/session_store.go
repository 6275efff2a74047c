// Package store persists conversation state to a single JSON file with
// debounced writes.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nimbridge/nimbridge/internal/domain/tree"
)

// SessionRecord is kept for compatibility with files written by earlier
// versions; nothing reads it back beyond round-tripping.
type SessionRecord struct {
	SessionID    string `json:"session_id"`
	ChatID       string `json:"chat_id"`
	InitialMsgID string `json:"initial_msg_id,omitempty"`
	LastMsgID    string `json:"last_msg_id,omitempty"`
	Platform     string `json:"platform,omitempty"`
	CreatedAt    string `json:"created_at,omitempty"`
	UpdatedAt    string `json:"updated_at,omitempty"`
}

// MessageLogEntry is one sent or received chat message, logged so chats
// can be cleared best-effort later.
type MessageLogEntry struct {
	MessageID string    `json:"message_id"`
	Timestamp time.Time `json:"ts"`
	Direction string    `json:"direction"` // sent, received
	Kind      string    `json:"kind"`      // status, reply, user, ...
}

type fileState struct {
	Sessions   map[string]SessionRecord      `json:"sessions"`
	Trees      map[string]tree.PersistedTree `json:"trees"`
	NodeToTree map[string]string             `json:"node_to_tree"`
	MessageLog map[string][]MessageLogEntry  `json:"message_log"`
}

func newFileState() fileState {
	return fileState{
		Sessions:   make(map[string]SessionRecord),
		Trees:      make(map[string]tree.PersistedTree),
		NodeToTree: make(map[string]string),
		MessageLog: make(map[string][]MessageLogEntry),
	}
}

// SessionStore is a debounced JSON-file store. Mutations mark it dirty and
// arm a timer; the timer writes once for any burst of changes.
type SessionStore struct {
	path     string
	debounce time.Duration
	logCap   int
	logger   *zap.Logger

	mu    sync.Mutex
	state fileState
	dirty bool
	timer *time.Timer
}

func NewSessionStore(path string, debounce time.Duration, messageLogCap int, logger *zap.Logger) *SessionStore {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &SessionStore{
		path:     path,
		debounce: debounce,
		logCap:   messageLogCap,
		logger:   logger,
		state:    newFileState(),
	}
}

// Load reads the file if it exists. A missing file is a fresh store, not
// an error.
func (s *SessionStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read session store: %w", err)
	}

	// Legacy files used integer chat and message ids; normalize to
	// strings before decoding into the typed state.
	var loose map[string]json.RawMessage
	if err := json.Unmarshal(raw, &loose); err != nil {
		return fmt.Errorf("parse session store: %w", err)
	}

	state := newFileState()
	if section, ok := loose["sessions"]; ok {
		_ = json.Unmarshal(coerceIDsToStrings(section), &state.Sessions)
	}
	if section, ok := loose["trees"]; ok {
		_ = json.Unmarshal(coerceIDsToStrings(section), &state.Trees)
	}
	if section, ok := loose["node_to_tree"]; ok {
		_ = json.Unmarshal(coerceIDsToStrings(section), &state.NodeToTree)
	}
	if section, ok := loose["message_log"]; ok {
		_ = json.Unmarshal(coerceIDsToStrings(section), &state.MessageLog)
	}

	s.state = state
	s.logger.Info("Session store loaded",
		zap.String("path", s.path),
		zap.Int("trees", len(state.Trees)),
	)
	return nil
}

// coerceIDsToStrings rewrites numeric values of id-bearing fields to
// strings so legacy files decode.
func coerceIDsToStrings(raw json.RawMessage) json.RawMessage {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(coerceValue(v))
	if err != nil {
		return raw
	}
	return out
}

var idFields = map[string]bool{
	"chat_id": true, "message_id": true, "node_id": true, "user_id": true,
	"parent_id": true, "status_message_id": true, "reply_to_message_id": true,
	"initial_msg_id": true, "last_msg_id": true, "root_id": true,
}

func coerceValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, inner := range val {
			if num, ok := inner.(float64); ok && idFields[k] {
				val[k] = formatID(num)
				continue
			}
			val[k] = coerceValue(inner)
		}
		return val
	case []any:
		for i, inner := range val {
			val[i] = coerceValue(inner)
		}
		return val
	default:
		return v
	}
}

func formatID(num float64) string {
	return fmt.Sprintf("%.0f", num)
}

// markDirtyLocked arms the debounce timer. Caller holds the lock.
func (s *SessionStore) markDirtyLocked() {
	s.dirty = true
	if s.timer != nil {
		return
	}
	s.timer = time.AfterFunc(s.debounce, func() {
		if err := s.FlushPendingSave(); err != nil {
			s.logger.Error("Debounced session store write failed", zap.Error(err))
		}
	})
}

// FlushPendingSave writes immediately if there are unsaved changes.
func (s *SessionStore) FlushPendingSave() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if !s.dirty {
		return nil
	}
	if err := s.writeLocked(); err != nil {
		return err
	}
	s.dirty = false
	return nil
}

// writeLocked serialises the state and replaces the file atomically.
func (s *SessionStore) writeLocked() error {
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session store: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".sessions-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write session store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close session store: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace session store: %w", err)
	}
	return nil
}

// SaveTrees replaces the persisted tree state.
func (s *SessionStore) SaveTrees(trees map[string]tree.PersistedTree, nodeToTree map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Trees = trees
	s.state.NodeToTree = nodeToTree
	s.markDirtyLocked()
}

// Trees returns defensive copies of the persisted trees and node index.
func (s *SessionStore) Trees() (map[string]tree.PersistedTree, map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	trees := make(map[string]tree.PersistedTree, len(s.state.Trees))
	for k, v := range s.state.Trees {
		trees[k] = v
	}
	index := make(map[string]string, len(s.state.NodeToTree))
	for k, v := range s.state.NodeToTree {
		index[k] = v
	}
	return trees, index
}

func logKey(platform, chatID string) string {
	return platform + ":" + chatID
}

// RecordMessageID logs a chat message id, deduplicating per chat and
// trimming oldest entries past the configured cap.
func (s *SessionStore) RecordMessageID(platform, chatID, messageID, direction, kind string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := logKey(platform, chatID)
	for _, entry := range s.state.MessageLog[key] {
		if entry.MessageID == messageID {
			return
		}
	}

	entries := append(s.state.MessageLog[key], MessageLogEntry{
		MessageID: messageID,
		Timestamp: time.Now(),
		Direction: direction,
		Kind:      kind,
	})
	if s.logCap > 0 && len(entries) > s.logCap {
		entries = entries[len(entries)-s.logCap:]
	}
	s.state.MessageLog[key] = entries
	s.markDirtyLocked()
}

// MessageIDs returns the logged message ids for one chat, oldest first.
func (s *SessionStore) MessageIDs(platform, chatID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.state.MessageLog[logKey(platform, chatID)]
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		ids = append(ids, entry.MessageID)
	}
	return ids
}

// ClearMessageLog drops the log for one chat.
func (s *SessionStore) ClearMessageLog(platform, chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state.MessageLog, logKey(platform, chatID))
	s.markDirtyLocked()
}

// CleanupOldTrees drops trees older than maxAgeDays along with their node
// index entries. Returns the number removed.
func (s *SessionStore) CleanupOldTrees(maxAgeDays int) int {
	if maxAgeDays <= 0 {
		return 0
	}
	cutoff := time.Now().AddDate(0, 0, -maxAgeDays)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for rootID, pt := range s.state.Trees {
		if pt.CreatedAt.IsZero() || pt.CreatedAt.After(cutoff) {
			continue
		}
		delete(s.state.Trees, rootID)
		for nodeID, root := range s.state.NodeToTree {
			if root == rootID {
				delete(s.state.NodeToTree, nodeID)
			}
		}
		removed++
	}
	if removed > 0 {
		s.markDirtyLocked()
		s.logger.Info("Old trees cleaned up", zap.Int("removed", removed))
	}
	return removed
}
