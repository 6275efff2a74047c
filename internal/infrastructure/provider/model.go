package provider

import "strings"

var providerPrefixes = []string{"anthropic/", "openai/", "gemini/"}

// StripProviderPrefixes removes a single leading provider prefix like
// "anthropic/" from a model id.
func StripProviderPrefixes(model string) string {
	for _, prefix := range providerPrefixes {
		if strings.HasPrefix(model, prefix) {
			return model[len(prefix):]
		}
	}
	return model
}

// IsClaudeModel reports whether the id names a Claude family model.
// Matches the family identifiers themselves too, since clients send bare
// "sonnet" or "haiku" aliases.
func IsClaudeModel(model string) bool {
	lower := strings.ToLower(model)
	for _, marker := range []string{"claude", "sonnet", "opus", "haiku"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// NormalizeModelName maps every Claude model request onto the single
// configured upstream model. Non-Claude ids pass through untouched,
// provider prefix included.
func NormalizeModelName(model, defaultModel string) string {
	if IsClaudeModel(StripProviderPrefixes(model)) {
		return defaultModel
	}
	return model
}
