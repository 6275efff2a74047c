// Package messaging defines the platform-agnostic chat layer: the
// platform capability interface and the handler driving CLI tasks from
// incoming messages.
package messaging

import (
	"context"

	"github.com/nimbridge/nimbridge/internal/domain/entity"
	"github.com/nimbridge/nimbridge/internal/infrastructure/cliproc"
)

// MessageHandler processes one incoming chat message.
type MessageHandler func(ctx context.Context, incoming entity.IncomingMessage)

// Platform is a messaging backend (Telegram, and whatever comes next).
// Queue* variants go through the messaging rate limiter; the plain
// variants send immediately and are reserved for low-volume paths.
type Platform interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	SendMessage(ctx context.Context, chatID, text, replyTo, parseMode string) (string, error)
	EditMessage(ctx context.Context, chatID, messageID, text, parseMode string) error
	DeleteMessage(ctx context.Context, chatID, messageID string) error

	// QueueSendMessage waits for the limiter and returns the new message
	// id. QueueEditMessage compacts on the edit's dedup key and runs fire
	// and forget.
	QueueSendMessage(ctx context.Context, chatID, text, replyTo, parseMode string) (string, error)
	QueueEditMessage(chatID, messageID, text, parseMode string)
	QueueDeleteMessage(chatID, messageID string)

	OnMessage(handler MessageHandler)
	IsConnected() bool
}

// CLISession is the slice of cliproc.Session the handler needs.
type CLISession interface {
	StartTask(ctx context.Context, prompt, sessionID string, fork bool) (<-chan cliproc.Event, error)
	Busy() bool
}

// SessionManager is the slice of cliproc.Manager the handler needs.
type SessionManager interface {
	GetOrCreate(sessionID string) (CLISession, string, bool, error)
	RegisterRealSessionID(tempID, realID string)
	StopAll() int
	Stats() map[string]any
}
