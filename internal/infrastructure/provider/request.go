package provider

import (
	"strings"

	"github.com/nimbridge/nimbridge/internal/infrastructure/config"
	"github.com/nimbridge/nimbridge/internal/infrastructure/provider/anthropic"
	"github.com/nimbridge/nimbridge/internal/infrastructure/provider/convert"
)

// BuildRequestBody converts an Anthropic request into an OpenAI chat
// completions body. Client-supplied values win; configured defaults fill
// the gaps.
func BuildRequestBody(req *anthropic.MessagesRequest, params config.ParamsConfig, streaming bool) map[string]any {
	converted := convert.Messages(req.Messages)
	messages := make([]any, 0, len(converted)+1)
	if !req.System.IsZero() {
		if sys, ok := convert.SystemPrompt(req.System); ok {
			messages = append(messages, sys)
		}
	}
	for _, m := range converted {
		messages = append(messages, m)
	}

	body := map[string]any{
		"model":    req.Model,
		"messages": messages,
		"stream":   streaming,
	}

	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		body["top_p"] = *req.TopP
	}
	if len(req.StopSequences) > 0 {
		body["stop"] = req.StopSequences
	}
	if len(req.Tools) > 0 {
		body["tools"] = convert.Tools(req.Tools)
	}

	// Pass-through extras plus thinking/reasoning switches.
	for k, v := range req.ExtraBody {
		body[k] = v
	}
	if req.Thinking.IsEnabled() {
		if _, ok := body["thinking"]; !ok {
			body["thinking"] = map[string]any{"type": "enabled"}
		}
		if _, ok := body["reasoning_split"]; !ok {
			body["reasoning_split"] = true
		}
	}
	if strings.Contains(strings.ToLower(req.Model), "deepseek") {
		if _, ok := body["chat_template_kwargs"]; !ok {
			body["chat_template_kwargs"] = map[string]any{"thinking": true}
		}
	}

	// Configured defaults, only where the request stayed silent.
	defaults := map[string]any{
		"temperature":       params.Temperature,
		"top_p":             params.TopP,
		"top_k":             params.TopK,
		"max_tokens":        params.MaxTokens,
		"presence_penalty":  params.PresencePenalty,
		"frequency_penalty": params.FrequencyPenalty,
		"reasoning_effort":  params.ReasoningEffort,
		"include_reasoning": params.IncludeReasoning,
	}
	for key, val := range defaults {
		if _, ok := body[key]; !ok {
			body[key] = val
		}
	}

	return body
}
