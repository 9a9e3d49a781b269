// Package translate converts between the client-facing Messages protocol and
// the backend generateContent wire format, in both directions.
package translate

import (
	"encoding/json"
	"strings"

	"claudegate/internal/anthropic"
	"claudegate/internal/gemini"
	"claudegate/internal/modelmap"
	"claudegate/internal/proxyerr"
	"claudegate/internal/signature"
	"claudegate/internal/vision"
)

const (
	// maxOutputTokens caps the client's max_tokens before it reaches the
	// backend, which rejects larger values.
	maxOutputTokens = 65536

	minThinkingBudget = 1024
	maxThinkingBudget = 30000

	// ultrathinkKeyword anywhere in user text forces the maximum budget.
	ultrathinkKeyword = "ultrathink"
)

// Skeleton is the conversation-independent part of a translated request:
// system instruction, sanitized tool declarations and thinking config. It is
// what the translation cache stores, so repeat turns of a session skip schema
// sanitization entirely.
type Skeleton struct {
	SystemInstruction *gemini.SystemInstruction
	Tools             []gemini.ToolDeclaration
	Thinking          *gemini.ThinkingConfig

	// Handle names backend-side cached content for this skeleton, when the
	// handle store has one. Empty means inline the skeleton in the request.
	Handle string
}

// BuildSkeleton sanitizes tools and derives the thinking config for a
// request. This is the expensive half of translation; results are cacheable
// under CacheKey.
func BuildSkeleton(req *anthropic.MessagesRequest, backendModel string) *Skeleton {
	sk := &Skeleton{
		Tools:    TranslateTools(req.Tools),
		Thinking: EffectiveThinking(req, backendModel),
	}
	if text := req.System.ToText(); text != "" {
		sk.SystemInstruction = &gemini.SystemInstruction{
			Parts: []gemini.Part{{Text: text}},
		}
	}
	return sk
}

// EffectiveThinking derives the backend thinking config. The client's budget
// hint is snapped to one of three effort tiers; the ultrathink keyword in any
// user text overrides the hint and forces the top tier. Models that take a
// discrete level get LOW/MEDIUM/HIGH instead of a token budget.
func EffectiveThinking(req *anthropic.MessagesRequest, backendModel string) *gemini.ThinkingConfig {
	enabled := req.Thinking != nil && req.Thinking.Type == "enabled"
	ultra := hasUltrathink(req)
	if !enabled && !ultra {
		return nil
	}

	budget := 20000
	if enabled && req.Thinking.BudgetTokens > 0 {
		budget = bucketBudget(req.Thinking.BudgetTokens)
	}
	if ultra {
		budget = maxThinkingBudget
	}
	if budget < minThinkingBudget {
		budget = minThinkingBudget
	}

	cfg := &gemini.ThinkingConfig{IncludeThoughts: true}
	if modelmap.UsesThinkingLevel(backendModel) {
		cfg.ThinkingLevel = levelForBudget(budget)
	} else {
		cfg.ThinkingBudget = budget
	}
	return cfg
}

func bucketBudget(hint int) int {
	switch {
	case hint <= 15000:
		return 15000
	case hint <= 20000:
		return 20000
	default:
		return maxThinkingBudget
	}
}

func levelForBudget(budget int) string {
	switch {
	case budget <= 15000:
		return "LOW"
	case budget <= 20000:
		return "MEDIUM"
	default:
		return "HIGH"
	}
}

func hasUltrathink(req *anthropic.MessagesRequest) bool {
	for _, m := range req.Messages {
		if m.Role != anthropic.RoleUser {
			continue
		}
		if containsFold(m.Content.Text, ultrathinkKeyword) {
			return true
		}
		for _, b := range m.Content.Blocks {
			if b.Type == anthropic.BlockText && containsFold(b.Text, ultrathinkKeyword) {
				return true
			}
		}
	}
	return false
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), substr)
}

// BuildRequest assembles the full backend request from the conversation turns
// and a (possibly cached) skeleton. Thought signatures recorded for earlier
// tool invocations are echoed back on the matching functionCall parts.
func BuildRequest(req *anthropic.MessagesRequest, sk *Skeleton, sigs *signature.Store) (*gemini.GenerateContentRequest, error) {
	contents, err := translateMessages(req.Messages, sigs)
	if err != nil {
		return nil, err
	}

	out := &gemini.GenerateContentRequest{
		Contents:         contents,
		GenerationConfig: buildGenerationConfig(req, sk.Thinking),
	}
	if sk.Handle != "" {
		// The backend already holds the system prompt and tools under this
		// handle; inlining them alongside it is rejected upstream.
		out.CachedContent = sk.Handle
	} else {
		out.SystemInstruction = sk.SystemInstruction
		out.Tools = sk.Tools
	}
	if len(sk.Tools) > 0 {
		out.ToolConfig = &gemini.ToolConfig{
			FunctionCallingConfig: gemini.FunctionCallingConfig{Mode: "AUTO"},
		}
	}
	return out, nil
}

func buildGenerationConfig(req *anthropic.MessagesRequest, thinking *gemini.ThinkingConfig) *gemini.GenerationConfig {
	maxTokens := req.MaxTokens
	if maxTokens > maxOutputTokens {
		maxTokens = maxOutputTokens
	}
	return &gemini.GenerationConfig{
		MaxOutputTokens: maxTokens,
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		TopK:            req.TopK,
		StopSequences:   req.StopSequences,
		ThinkingConfig:  thinking,
	}
}

func translateMessages(messages []anthropic.Message, sigs *signature.Store) ([]gemini.Content, error) {
	// Tool results reference invocations from earlier assistant turns in the
	// same request; names are resolved from that history.
	toolNames := map[string]string{}

	contents := make([]gemini.Content, 0, len(messages))
	for _, m := range messages {
		role := gemini.RoleUser
		if m.Role == anthropic.RoleAssistant {
			role = gemini.RoleModel
		}

		var parts []gemini.Part
		if m.Content.Blocks == nil {
			if m.Content.Text != "" {
				parts = append(parts, gemini.Part{Text: m.Content.Text})
			}
		} else {
			for _, b := range m.Content.Blocks {
				p, err := translateBlock(b, toolNames, sigs)
				if err != nil {
					return nil, err
				}
				if p != nil {
					parts = append(parts, *p)
				}
			}
		}

		// A turn whose blocks all translated away (thinking-only history)
		// still needs a part; the backend rejects empty turns.
		if len(parts) == 0 {
			parts = []gemini.Part{{Text: " "}}
		}
		contents = append(contents, gemini.Content{Role: role, Parts: parts})
	}
	return contents, nil
}

func translateBlock(b anthropic.ContentBlock, toolNames map[string]string, sigs *signature.Store) (*gemini.Part, error) {
	switch b.Type {
	case anthropic.BlockText:
		return &gemini.Part{Text: b.Text}, nil

	case anthropic.BlockThinking:
		// Historical thinking is not replayed; the backend reconstructs
		// reasoning from thought signatures on functionCall parts.
		return nil, nil

	case anthropic.BlockImage:
		data, err := vision.TranslateImage(b.Source)
		if err != nil {
			return nil, err
		}
		return &gemini.Part{InlineData: data}, nil

	case anthropic.BlockToolUse:
		toolNames[b.ID] = b.Name
		args := b.Input
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		return &gemini.Part{
			FunctionCall:     &gemini.FunctionCall{Name: b.Name, Args: args},
			ThoughtSignature: sigs.Get(b.ID),
		}, nil

	case anthropic.BlockToolResult:
		name, ok := toolNames[b.ToolUseID]
		if !ok {
			return nil, proxyerr.DanglingToolResult(b.ToolUseID)
		}
		return &gemini.Part{
			FunctionResponse: &gemini.FunctionResponse{
				Name:     name,
				Response: toolResultPayload(b),
			},
		}, nil

	default:
		return nil, proxyerr.Validation("unknown content block type %q", b.Type)
	}
}

// toolResultPayload flattens a tool_result body, which may be a plain string
// or a list of content blocks, into the backend's response object.
func toolResultPayload(b anthropic.ContentBlock) map[string]any {
	text := flattenToolResult(b.Content)
	if b.IsError {
		return map[string]any{"error": text}
	}
	return map[string]any{"result": text}
}

func flattenToolResult(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	var blocks []anthropic.ContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var sb strings.Builder
		for _, blk := range blocks {
			if blk.Type == anthropic.BlockText {
				if sb.Len() > 0 {
					sb.WriteByte('\n')
				}
				sb.WriteString(blk.Text)
			}
		}
		return sb.String()
	}
	return string(raw)
}
