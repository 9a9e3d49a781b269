package translate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"claudegate/internal/anthropic"
)

// CacheKey is a content-addressed digest over the stable skeleton of a
// request: backend model, system prompt, tool declarations and effective
// thinking config. Conversation turns and volatile fields (stream flag,
// request ids, timestamps) are excluded, so successive turns of the same
// conversation share a key and the second turn reuses the first turn's
// sanitized schemas.
//
// Determinism: tool input schemas are map[string]any, which encoding/json
// serializes with sorted keys, and the tool list is hashed in name order.
// Reordering tools or object keys cannot change the key.
func CacheKey(backendModel string, req *anthropic.MessagesRequest) (string, error) {
	h := sha256.New()
	h.Write([]byte(backendModel))
	h.Write([]byte{0})
	h.Write([]byte(req.System.ToText()))
	h.Write([]byte{0})

	tools := make([]anthropic.Tool, len(req.Tools))
	copy(tools, req.Tools)
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	for _, t := range tools {
		enc, err := json.Marshal(t)
		if err != nil {
			return "", err
		}
		h.Write(enc)
		h.Write([]byte{0})
	}

	thinking, err := json.Marshal(EffectiveThinking(req, backendModel))
	if err != nil {
		return "", err
	}
	h.Write(thinking)

	return hex.EncodeToString(h.Sum(nil)), nil
}
