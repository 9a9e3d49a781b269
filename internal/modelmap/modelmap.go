// Package modelmap translates client-visible Claude model names to the
// backend Gemini model identifiers.
package modelmap

import (
	"strings"

	"claudegate/internal/proxyerr"
)

// models is immutable after init; lookups need no locking.
var models = map[string]string{
	"claude-opus-4-5":   "gemini-3-pro-preview",
	"claude-opus-4.5":   "gemini-3-pro-preview",
	"claude-sonnet-4-5": "gemini-3-flash-preview",
	"claude-sonnet-4.5": "gemini-3-flash-preview",
	"claude-haiku-4-5":  "gemini-2.5-pro",
	"claude-haiku-4.5":  "gemini-2.5-pro",
	"claude-opus-4-1":   "gemini-2.5-pro",
	"claude-opus-4.1":   "gemini-2.5-pro",
	"claude-opus-4":     "gemini-2.5-pro",
	"claude-sonnet-4":   "gemini-2.5-flash",
	"claude-3-7-sonnet": "gemini-2.5-flash-lite",
	"claude-3.7-sonnet": "gemini-2.5-flash-lite",
}

// Resolve maps a client model name to a backend model. A trailing -YYYYMMDD
// release suffix is stripped before lookup. Unknown names are a hard error
// rather than a silent default.
func Resolve(clientModel string) (string, error) {
	if backend, ok := models[stripDateSuffix(clientModel)]; ok {
		return backend, nil
	}
	return "", proxyerr.UnsupportedModel(clientModel)
}

// UsesThinkingLevel reports whether the backend model configures reasoning
// with a discrete level rather than a token budget.
func UsesThinkingLevel(backendModel string) bool {
	return strings.HasPrefix(backendModel, "gemini-3")
}

// stripDateSuffix removes an 8-digit date suffix: "claude-sonnet-4-5-20250929"
// becomes "claude-sonnet-4-5".
func stripDateSuffix(model string) string {
	if len(model) < 10 || model[len(model)-9] != '-' {
		return model
	}
	for _, c := range model[len(model)-8:] {
		if c < '0' || c > '9' {
			return model
		}
	}
	return model[:len(model)-9]
}
