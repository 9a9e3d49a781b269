package anthropic

import (
	"encoding/json"
	"fmt"

	"claudegate/internal/proxyerr"

	"github.com/google/uuid"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// MessagesRequest is the body of POST /v1/messages.
type MessagesRequest struct {
	Model         string          `json:"model"`
	Messages      []Message       `json:"messages"`
	System        *SystemPrompt   `json:"system,omitempty"`
	MaxTokens     int             `json:"max_tokens"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	TopK          *int            `json:"top_k,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Tools         []Tool          `json:"tools,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	Thinking      *ThinkingConfig `json:"thinking,omitempty"`
}

// ThinkingConfig enables extended thinking with a token budget.
type ThinkingConfig struct {
	Type         string `json:"type"` // "enabled" or "disabled"
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// SystemPrompt is either a plain string or a list of content blocks.
type SystemPrompt struct {
	Text   string
	Blocks []ContentBlock
}

func (s *SystemPrompt) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		s.Text = text
		return nil
	}
	return json.Unmarshal(data, &s.Blocks)
}

func (s *SystemPrompt) MarshalJSON() ([]byte, error) {
	if s.Blocks != nil {
		return json.Marshal(s.Blocks)
	}
	return json.Marshal(s.Text)
}

// ToText flattens the prompt for backends that accept text only.
func (s *SystemPrompt) ToText() string {
	if s == nil {
		return ""
	}
	if s.Blocks == nil {
		return s.Text
	}
	out := ""
	for _, b := range s.Blocks {
		if b.Type == BlockText {
			if out != "" {
				out += "\n"
			}
			out += b.Text
		}
	}
	return out
}

// Message is one conversational turn.
type Message struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

// MessageContent is either a plain string or structured content blocks.
type MessageContent struct {
	Text   string
	Blocks []ContentBlock
}

func (m *MessageContent) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		m.Text = text
		return nil
	}
	return json.Unmarshal(data, &m.Blocks)
}

func (m MessageContent) MarshalJSON() ([]byte, error) {
	if m.Blocks != nil {
		return json.Marshal(m.Blocks)
	}
	return json.Marshal(m.Text)
}

// Content block types.
const (
	BlockText       = "text"
	BlockImage      = "image"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
	BlockThinking   = "thinking"
)

// ContentBlock is a typed unit of message content.
type ContentBlock struct {
	Type string `json:"type"`

	// text / thinking
	Text      string `json:"text,omitempty"`
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	// image
	Source *ImageSource `json:"source,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ImageSource carries base64 image data.
type ImageSource struct {
	Type      string `json:"type"` // "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// Tool declares a callable function with a JSON Schema for its input.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Validate rejects malformed requests before any translation work.
func (r *MessagesRequest) Validate() error {
	if r.Model == "" {
		return proxyerr.Validation("model is required")
	}
	if len(r.Messages) == 0 {
		return proxyerr.Validation("at least one message is required")
	}
	if r.MaxTokens <= 0 {
		return proxyerr.Validation("max_tokens must be positive")
	}
	for i, m := range r.Messages {
		if m.Role != RoleUser && m.Role != RoleAssistant {
			return proxyerr.Validation("invalid role %q in messages[%d]", m.Role, i)
		}
		for j, b := range m.Content.Blocks {
			switch b.Type {
			case BlockText, BlockThinking:
			case BlockImage:
				if b.Source == nil {
					return proxyerr.Validation("messages[%d] block %d: image without source", i, j)
				}
			case BlockToolUse:
				if b.ID == "" || b.Name == "" {
					return proxyerr.Validation("messages[%d] block %d: tool_use requires id and name", i, j)
				}
			case BlockToolResult:
				if b.ToolUseID == "" {
					return proxyerr.Validation("messages[%d] block %d: tool_result requires tool_use_id", i, j)
				}
			default:
				return proxyerr.Validation("messages[%d] block %d: unknown block type %q", i, j, b.Type)
			}
		}
	}
	for i, t := range r.Tools {
		if t.Name == "" {
			return proxyerr.Validation("tools[%d]: name is required", i)
		}
	}
	return nil
}

// MessagesResponse is the non-streaming reply shape.
type MessagesResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"` // "message"
	Role         string         `json:"role"` // "assistant"
	Content      []ContentBlock `json:"content"`
	Model        string         `json:"model"`
	StopReason   string         `json:"stop_reason,omitempty"`
	StopSequence string         `json:"stop_sequence,omitempty"`
	Usage        Usage          `json:"usage"`
}

// Usage reports token accounting.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// NewMessageID returns a fresh client-visible message identifier.
func NewMessageID() string {
	return fmt.Sprintf("msg_%x", uuid.New())
}

// NewToolUseID returns a fresh tool invocation identifier.
func NewToolUseID() string {
	return fmt.Sprintf("toolu_%x", uuid.New())
}
