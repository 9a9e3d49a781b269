package anthropic

import (
	"encoding/json"
	"fmt"
)

// Stream event names in the Messages SSE protocol.
const (
	EventMessageStart      = "message_start"
	EventContentBlockStart = "content_block_start"
	EventPing              = "ping"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
	EventError             = "error"
)

// StreamEvent is one SSE event emitted to the client. Exactly one payload
// field is populated, matching the Name.
type StreamEvent struct {
	Name string

	Message      *MessageStart
	Index        int
	ContentBlock *ContentBlock
	Delta        *Delta
	MessageDelta *MessageDeltaData
	Usage        *DeltaUsage
	Error        *ErrorData
}

// MessageStart is the payload of the message_start event.
type MessageStart struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"` // "message"
	Role         string         `json:"role"` // "assistant"
	Content      []ContentBlock `json:"content"`
	Model        string         `json:"model"`
	StopReason   *string        `json:"stop_reason"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        Usage          `json:"usage"`
}

// Delta payload types for content_block_delta.
const (
	DeltaText      = "text_delta"
	DeltaThinking  = "thinking_delta"
	DeltaSignature = "signature_delta"
	DeltaInputJSON = "input_json_delta"
)

// Delta is an incremental update to the open content block.
type Delta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	Signature   string `json:"signature,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

// MessageDeltaData carries the terminal reason.
type MessageDeltaData struct {
	StopReason   *string `json:"stop_reason"`
	StopSequence *string `json:"stop_sequence"`
}

// DeltaUsage reports output tokens on the message_delta event.
type DeltaUsage struct {
	OutputTokens int `json:"output_tokens"`
}

// ErrorData is the payload of a terminal error event.
type ErrorData struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// payload assembles the JSON body for the event, always carrying the
// discriminating "type" field.
func (e StreamEvent) payload() any {
	switch e.Name {
	case EventMessageStart:
		return struct {
			Type    string        `json:"type"`
			Message *MessageStart `json:"message"`
		}{e.Name, e.Message}
	case EventContentBlockStart:
		return struct {
			Type         string        `json:"type"`
			Index        int           `json:"index"`
			ContentBlock *ContentBlock `json:"content_block"`
		}{e.Name, e.Index, e.ContentBlock}
	case EventContentBlockDelta:
		return struct {
			Type  string `json:"type"`
			Index int    `json:"index"`
			Delta *Delta `json:"delta"`
		}{e.Name, e.Index, e.Delta}
	case EventContentBlockStop:
		return struct {
			Type  string `json:"type"`
			Index int    `json:"index"`
		}{e.Name, e.Index}
	case EventMessageDelta:
		return struct {
			Type  string            `json:"type"`
			Delta *MessageDeltaData `json:"delta"`
			Usage *DeltaUsage       `json:"usage"`
		}{e.Name, e.MessageDelta, e.Usage}
	case EventError:
		return struct {
			Type  string     `json:"type"`
			Error *ErrorData `json:"error"`
		}{e.Name, e.Error}
	default: // ping, message_stop
		return struct {
			Type string `json:"type"`
		}{e.Name}
	}
}

// SSE encodes the event in wire format: "event: <name>\ndata: <json>\n\n".
func (e StreamEvent) SSE() string {
	data, err := json.Marshal(e.payload())
	if err != nil {
		data = []byte("{}")
	}
	return fmt.Sprintf("event: %s\ndata: %s\n\n", e.Name, data)
}

// KeepaliveComment is a no-op SSE comment line emitted on idle streams so
// intermediaries do not time out. Consumers ignore comment lines.
const KeepaliveComment = ": keepalive\n\n"
