// Package handlers implements the gin route handlers of the broker API.
package handlers

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nimbridge/nimbridge/internal/infrastructure/config"
	"github.com/nimbridge/nimbridge/internal/infrastructure/provider"
	"github.com/nimbridge/nimbridge/internal/infrastructure/provider/anthropic"
	"github.com/nimbridge/nimbridge/internal/infrastructure/provider/stream"
	"github.com/nimbridge/nimbridge/pkg/safego"
)

// MessagesHandler serves the Anthropic-compatible message endpoints.
type MessagesHandler struct {
	client       *provider.Client
	defaultModel string
	logger       *zap.Logger
}

func NewMessagesHandler(client *provider.Client, cfg config.UpstreamConfig, logger *zap.Logger) *MessagesHandler {
	return &MessagesHandler{
		client:       client,
		defaultModel: cfg.Model,
		logger:       logger,
	}
}

// CreateMessage handles POST /v1/messages. The response always streams,
// regardless of the request's stream flag.
func (h *MessagesHandler) CreateMessage(c *gin.Context) {
	var req anthropic.MessagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeProviderError(c, provider.NewInvalidRequestError(err.Error()))
		return
	}

	req.OriginalModel = req.Model
	if override := modelOverride(c.Request.Header); override != "" {
		h.logger.Info("Model override via token",
			zap.String("from", req.Model),
			zap.String("to", override),
		)
		req.Model = override
	}
	req.Model = provider.NormalizeModelName(req.Model, h.defaultModel)

	requestID := "req_" + uuid.NewString()[:12]
	inputTokens := provider.CountInputTokens(req.Messages, req.System, req.Tools)
	h.logger.Info("Message request",
		zap.String("request_id", requestID),
		zap.String("model", req.Model),
		zap.Int("messages", len(req.Messages)),
		zap.Int("tools", len(req.Tools)),
		zap.Int("input_tokens", inputTokens),
	)

	ctx := c.Request.Context()
	upstream, err := h.client.Stream(ctx, &req)
	if err != nil {
		writeProviderError(c, provider.AsProviderError(err))
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	translator := stream.NewTranslator("msg_"+uuid.NewString(), req.Model, inputTokens, h.logger)
	out := make(chan string, 64)
	safego.Go(h.logger, "sse-translator-"+requestID, func() {
		translator.Run(ctx, upstream, out)
	})

	c.Stream(func(w io.Writer) bool {
		event, ok := <-out
		if !ok {
			return false
		}
		_, _ = io.WriteString(w, event)
		return true
	})
}

// CountTokens handles POST /v1/messages/count_tokens with the same counter
// the streaming path uses for message_start.
func (h *MessagesHandler) CountTokens(c *gin.Context) {
	var req anthropic.TokenCountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeProviderError(c, provider.NewInvalidRequestError(err.Error()))
		return
	}

	tokens := provider.CountInputTokens(req.Messages, req.System, req.Tools)
	h.logger.Info("Token count",
		zap.String("model", req.Model),
		zap.Int("input_tokens", tokens),
	)
	c.JSON(http.StatusOK, gin.H{"input_tokens": tokens})
}

// modelOverride extracts a per-session model from the auth credential.
// The claude-free picker encodes it as "freecc:org/model-name" in either
// the x-api-key header or a bearer token.
func modelOverride(header http.Header) string {
	key := header.Get("x-api-key")
	if key == "" {
		key = strings.TrimPrefix(header.Get("Authorization"), "Bearer ")
	}
	_, model, found := strings.Cut(key, ":")
	if !found {
		return ""
	}
	return strings.TrimSpace(model)
}

func writeProviderError(c *gin.Context, err *provider.Error) {
	c.JSON(err.StatusCode, err.AnthropicFormat())
}
