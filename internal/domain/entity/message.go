// Package entity holds the conversation domain types shared by the tree
// processor, the message handler, and the session store.
package entity

import "time"

// IncomingMessage is one user message as received from a messaging
// platform. Ids are strings regardless of platform numbering.
type IncomingMessage struct {
	Text             string         `json:"text"`
	ChatID           string         `json:"chat_id"`
	UserID           string         `json:"user_id"`
	MessageID        string         `json:"message_id"`
	Platform         string         `json:"platform"`
	ReplyToMessageID string         `json:"reply_to_message_id,omitempty"`
	Username         string         `json:"username,omitempty"`
	Timestamp        time.Time      `json:"timestamp"`
	Raw              map[string]any `json:"-"`
}

// IsReply reports whether the message replies to another message.
func (m IncomingMessage) IsReply() bool {
	return m.ReplyToMessageID != ""
}

// MessageState is the lifecycle state of a message node.
type MessageState string

const (
	StatePending    MessageState = "pending"
	StateInProgress MessageState = "in_progress"
	StateCompleted  MessageState = "completed"
	StateError      MessageState = "error"
)

// Terminal reports whether the state admits no further transitions.
func (s MessageState) Terminal() bool {
	return s == StateCompleted || s == StateError
}

// MessageNode is one user turn in a conversation tree. NodeID equals the
// user message id; StatusMessageID is the bot reply edited in place as the
// task progresses.
type MessageNode struct {
	NodeID          string          `json:"node_id"`
	Incoming        IncomingMessage `json:"incoming"`
	StatusMessageID string          `json:"status_message_id,omitempty"`
	State           MessageState    `json:"state"`
	ParentID        string          `json:"parent_id,omitempty"`
	SessionID       string          `json:"session_id,omitempty"`
	ChildrenIDs     []string        `json:"children_ids,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
}

// NewMessageNode builds a pending node for an incoming message.
func NewMessageNode(incoming IncomingMessage, parentID string) *MessageNode {
	return &MessageNode{
		NodeID:    incoming.MessageID,
		Incoming:  incoming,
		State:     StatePending,
		ParentID:  parentID,
		CreatedAt: time.Now(),
	}
}

// SetState applies a transition, refusing to leave a terminal state.
func (n *MessageNode) SetState(state MessageState) bool {
	if n.State.Terminal() {
		return false
	}
	n.State = state
	if state.Terminal() {
		now := time.Now()
		n.CompletedAt = &now
	}
	return true
}

// SetSessionID records the agent session the node ran under; it is set at
// most once.
func (n *MessageNode) SetSessionID(id string) {
	if n.SessionID == "" {
		n.SessionID = id
	}
}
