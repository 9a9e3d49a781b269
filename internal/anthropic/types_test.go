package anthropic

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestMessageContentStringOrBlocks(t *testing.T) {
	t.Parallel()

	var m Message
	if err := json.Unmarshal([]byte(`{"role":"user","content":"plain text"}`), &m); err != nil {
		t.Fatalf("unmarshal string content: %v", err)
	}
	if m.Content.Text != "plain text" || m.Content.Blocks != nil {
		t.Fatalf("unexpected content: %#v", m.Content)
	}

	var m2 Message
	blockJSON := `{"role":"user","content":[{"type":"text","text":"a"},{"type":"text","text":"b"}]}`
	if err := json.Unmarshal([]byte(blockJSON), &m2); err != nil {
		t.Fatalf("unmarshal block content: %v", err)
	}
	if len(m2.Content.Blocks) != 2 || m2.Content.Blocks[1].Text != "b" {
		t.Fatalf("unexpected blocks: %#v", m2.Content.Blocks)
	}
}

func TestSystemPromptToText(t *testing.T) {
	t.Parallel()

	var s SystemPrompt
	if err := json.Unmarshal([]byte(`[{"type":"text","text":"one"},{"type":"text","text":"two"}]`), &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got := s.ToText(); got != "one\ntwo" {
		t.Fatalf("unexpected flattened prompt: %q", got)
	}

	var nilPrompt *SystemPrompt
	if nilPrompt.ToText() != "" {
		t.Fatalf("nil prompt should flatten to empty string")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := MessagesRequest{
		Model:     "claude-sonnet-4-5",
		MaxTokens: 100,
		Messages:  []Message{{Role: RoleUser, Content: MessageContent{Text: "hi"}}},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*MessagesRequest)
	}{
		{"missing model", func(r *MessagesRequest) { r.Model = "" }},
		{"no messages", func(r *MessagesRequest) { r.Messages = nil }},
		{"bad max_tokens", func(r *MessagesRequest) { r.MaxTokens = 0 }},
		{"bad role", func(r *MessagesRequest) { r.Messages[0].Role = "system" }},
		{"unnamed tool", func(r *MessagesRequest) { r.Tools = []Tool{{}} }},
		{"tool_use without id", func(r *MessagesRequest) {
			r.Messages[0].Content = MessageContent{Blocks: []ContentBlock{{Type: BlockToolUse, Name: "x"}}}
		}},
		{"tool_result without id", func(r *MessagesRequest) {
			r.Messages[0].Content = MessageContent{Blocks: []ContentBlock{{Type: BlockToolResult}}}
		}},
		{"unknown block type", func(r *MessagesRequest) {
			r.Messages[0].Content = MessageContent{Blocks: []ContentBlock{{Type: "video"}}}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := valid
			r.Messages = []Message{{Role: RoleUser, Content: MessageContent{Text: "hi"}}}
			tc.mutate(&r)
			if err := r.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestIDPrefixes(t *testing.T) {
	t.Parallel()

	if id := NewMessageID(); !strings.HasPrefix(id, "msg_") {
		t.Fatalf("unexpected message id: %s", id)
	}
	if id := NewToolUseID(); !strings.HasPrefix(id, "toolu_") {
		t.Fatalf("unexpected tool id: %s", id)
	}
	if NewToolUseID() == NewToolUseID() {
		t.Fatalf("tool ids must be unique")
	}
}
