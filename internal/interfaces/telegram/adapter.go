// Package telegram adapts the Telegram Bot API to the messaging.Platform
// interface: long polling in, rate-limited sends and edits out.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/nimbridge/nimbridge/internal/domain/entity"
	"github.com/nimbridge/nimbridge/internal/infrastructure/config"
	"github.com/nimbridge/nimbridge/internal/infrastructure/ratelimit"
	"github.com/nimbridge/nimbridge/internal/interfaces/messaging"
	"github.com/nimbridge/nimbridge/pkg/safego"
)

const pollTimeoutSeconds = 30

// Adapter is the Telegram implementation of messaging.Platform. All
// outgoing traffic funnels through the messaging limiter; edits share a
// dedup key per message so a burst collapses to the newest text.
type Adapter struct {
	bot     *tgbotapi.BotAPI
	cfg     config.TelegramConfig
	limiter *ratelimit.MessagingLimiter
	logger  *zap.Logger

	handler messaging.MessageHandler
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewAdapter(cfg config.TelegramConfig, limiter *ratelimit.MessagingLimiter, logger *zap.Logger) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	logger.Info("Telegram bot authorized", zap.String("username", bot.Self.UserName))

	return &Adapter{
		bot:     bot,
		cfg:     cfg,
		limiter: limiter,
		logger:  logger,
		done:    make(chan struct{}),
	}, nil
}

func (a *Adapter) Name() string { return "telegram" }

func (a *Adapter) OnMessage(handler messaging.MessageHandler) {
	a.handler = handler
}

func (a *Adapter) IsConnected() bool {
	return a.bot != nil
}

// Start begins long polling. Returns once the poll loop is running.
func (a *Adapter) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	updateCfg := tgbotapi.NewUpdate(0)
	updateCfg.Timeout = pollTimeoutSeconds
	updates := a.bot.GetUpdatesChan(updateCfg)

	safego.Go(a.logger, "telegram-poll-loop", func() {
		defer close(a.done)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				a.handleUpdate(pollCtx, update)
			}
		}
	})

	a.logger.Info("Telegram polling started")
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	a.bot.StopReceivingUpdates()
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Adapter) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.Text == "" {
		return
	}
	if !a.userAllowed(msg.From) {
		a.logger.Warn("Message from unauthorized user dropped",
			zap.Int64("user_id", userID(msg.From)),
		)
		return
	}
	if a.handler == nil {
		return
	}

	incoming := entity.IncomingMessage{
		Text:      msg.Text,
		ChatID:    strconv.FormatInt(msg.Chat.ID, 10),
		MessageID: strconv.Itoa(msg.MessageID),
		Platform:  a.Name(),
		Timestamp: time.Unix(int64(msg.Date), 0),
	}
	if msg.From != nil {
		incoming.UserID = strconv.FormatInt(msg.From.ID, 10)
		incoming.Username = msg.From.UserName
	}
	if msg.ReplyToMessage != nil {
		incoming.ReplyToMessageID = strconv.Itoa(msg.ReplyToMessage.MessageID)
	}

	safego.Go(a.logger, "telegram-handle-message", func() {
		a.handler(ctx, incoming)
	})
}

func (a *Adapter) userAllowed(from *tgbotapi.User) bool {
	if len(a.cfg.AllowedUsers) == 0 {
		return true
	}
	if from == nil {
		return false
	}
	for _, id := range a.cfg.AllowedUsers {
		if id == from.ID {
			return true
		}
	}
	return false
}

func userID(from *tgbotapi.User) int64 {
	if from == nil {
		return 0
	}
	return from.ID
}

// SendMessage sends text immediately, bypassing the limiter. Long text is
// chunked; the returned id is the last chunk's, so replies land under the
// newest message.
func (a *Adapter) SendMessage(ctx context.Context, chatID, text, replyTo, parseMode string) (string, error) {
	chat, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("bad chat id %q: %w", chatID, err)
	}

	lastID := ""
	for i, chunk := range ChunkMarkdown(text) {
		msg := tgbotapi.NewMessage(chat, a.renderText(chunk, parseMode))
		msg.ParseMode = a.telegramParseMode(parseMode)
		if i == 0 && replyTo != "" {
			if replyID, err := strconv.Atoi(replyTo); err == nil {
				msg.ReplyToMessageID = replyID
			}
		}

		sent, err := a.bot.Send(msg)
		if err != nil {
			// Formatting rejections degrade to plain text.
			msg.Text = StripFormatting(chunk)
			msg.ParseMode = ""
			sent, err = a.bot.Send(msg)
			if err != nil {
				return "", fmt.Errorf("telegram send: %w", err)
			}
		}
		lastID = strconv.Itoa(sent.MessageID)
	}
	return lastID, nil
}

// EditMessage replaces a message's text immediately.
func (a *Adapter) EditMessage(ctx context.Context, chatID, messageID, text, parseMode string) error {
	chat, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("bad chat id %q: %w", chatID, err)
	}
	msgID, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("bad message id %q: %w", messageID, err)
	}

	edit := tgbotapi.NewEditMessageText(chat, msgID, a.renderText(text, parseMode))
	edit.ParseMode = a.telegramParseMode(parseMode)
	if _, err := a.bot.Send(edit); err != nil {
		edit.Text = StripFormatting(text)
		edit.ParseMode = ""
		if _, err := a.bot.Send(edit); err != nil {
			return fmt.Errorf("telegram edit: %w", err)
		}
	}
	return nil
}

func (a *Adapter) DeleteMessage(ctx context.Context, chatID, messageID string) error {
	chat, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("bad chat id %q: %w", chatID, err)
	}
	msgID, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("bad message id %q: %w", messageID, err)
	}
	if _, err := a.bot.Request(tgbotapi.NewDeleteMessage(chat, msgID)); err != nil {
		return fmt.Errorf("telegram delete: %w", err)
	}
	return nil
}

// QueueSendMessage sends through the limiter and waits for the message id.
func (a *Adapter) QueueSendMessage(ctx context.Context, chatID, text, replyTo, parseMode string) (string, error) {
	value, err := a.limiter.Enqueue(ctx, "", func(ctx context.Context) (any, error) {
		return a.SendMessage(ctx, chatID, text, replyTo, parseMode)
	})
	if err != nil {
		return "", err
	}
	id, _ := value.(string)
	return id, nil
}

// QueueEditMessage queues an edit fire-and-forget. Edits of the same
// message compact in the queue, so only the newest text is sent.
func (a *Adapter) QueueEditMessage(chatID, messageID, text, parseMode string) {
	key := editKey(chatID, messageID)
	a.limiter.FireAndForget(key, func(ctx context.Context) (any, error) {
		return nil, a.EditMessage(ctx, chatID, messageID, text, parseMode)
	})
}

func (a *Adapter) QueueDeleteMessage(chatID, messageID string) {
	a.limiter.FireAndForget("", func(ctx context.Context) (any, error) {
		return nil, a.DeleteMessage(ctx, chatID, messageID)
	})
}

func editKey(chatID, messageID string) string {
	return "edit:" + chatID + ":" + messageID
}

// renderText converts Markdown to Telegram HTML so malformed user markup
// cannot break the whole message.
func (a *Adapter) renderText(text, parseMode string) string {
	if parseMode == "markdown" {
		return MarkdownToTelegramHTML(text)
	}
	return text
}

func (a *Adapter) telegramParseMode(parseMode string) string {
	if parseMode == "markdown" {
		return tgbotapi.ModeHTML
	}
	return parseMode
}
