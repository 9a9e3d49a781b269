package translate

import (
	"encoding/json"
	"strings"

	"claudegate/internal/anthropic"
	"claudegate/internal/gemini"
	"claudegate/internal/metrics"
	"claudegate/internal/proxyerr"
	"claudegate/internal/signature"
)

type blockKind int

const (
	blockNone blockKind = iota
	blockText
	blockThinking
	blockToolUse
)

// StreamTranslator converts backend streaming chunks into the client's SSE
// event sequence. It owns the content-block lifecycle: blocks open lazily on
// the first delta of a kind, close before a block of another kind opens, and
// indices only ever increase. Events are handed to emit in order; an emit
// error aborts the stream.
type StreamTranslator struct {
	clientModel string
	sigs        *signature.Store
	emit        func(anthropic.StreamEvent) error

	started   bool
	nextIndex int
	openKind  blockKind
	openIndex int

	// open tool_use state
	argsBuf     strings.Builder
	argsFlushed bool

	think thinkScanner

	sawToolUse   bool
	finishReason string
	usage        *gemini.UsageMetadata
}

func NewStreamTranslator(clientModel string, sigs *signature.Store, emit func(anthropic.StreamEvent) error) *StreamTranslator {
	return &StreamTranslator{clientModel: clientModel, sigs: sigs, emit: emit}
}

// Push translates one backend chunk. The first chunk triggers message_start,
// which reports that chunk's prompt token count, so usage is captured first.
func (t *StreamTranslator) Push(chunk *gemini.GenerateContentResponse) error {
	if chunk != nil && chunk.Response != nil && chunk.Response.UsageMetadata != nil {
		t.usage = chunk.Response.UsageMetadata
	}
	if err := t.start(); err != nil {
		return err
	}
	if chunk == nil || chunk.Response == nil {
		return nil
	}
	if len(chunk.Response.Candidates) == 0 {
		return nil
	}
	cand := chunk.Response.Candidates[0]
	if cand.FinishReason != "" {
		t.finishReason = cand.FinishReason
	}
	for _, p := range cand.Content.Parts {
		if err := t.pushPart(p); err != nil {
			return err
		}
	}
	return nil
}

func (t *StreamTranslator) pushPart(p gemini.Part) error {
	switch {
	case p.FunctionCall != nil:
		return t.pushFunctionCall(p)
	case p.Thought:
		return t.pushThought(p)
	case p.Text != "":
		return t.pushText(p.Text)
	}
	return nil
}

func (t *StreamTranslator) pushFunctionCall(p gemini.Part) error {
	call := p.FunctionCall

	// A named call always opens a fresh block, even directly after another
	// tool_use. Nameless parts are argument continuations for the open call.
	if call.Name != "" {
		if err := t.closeBlock(); err != nil {
			return err
		}
		t.openKind = blockToolUse
		t.openIndex = t.nextIndex
		t.nextIndex++
		t.argsBuf.Reset()
		t.argsFlushed = false

		id := anthropic.NewToolUseID()
		if p.ThoughtSignature != "" {
			t.sigs.Put(id, p.ThoughtSignature)
		}
		t.sawToolUse = true
		if err := t.emit(anthropic.StreamEvent{
			Name:  anthropic.EventContentBlockStart,
			Index: t.openIndex,
			ContentBlock: &anthropic.ContentBlock{
				Type:  anthropic.BlockToolUse,
				ID:    id,
				Name:  call.Name,
				Input: json.RawMessage(`{}`),
			},
		}); err != nil {
			return err
		}
	} else if t.openKind != blockToolUse {
		// Continuation with nothing to continue; drop it.
		return nil
	}

	if len(call.Args) > 0 {
		t.argsBuf.Write(call.Args)
	}
	// Arguments may arrive split across chunks; hold them until they parse.
	if !t.argsFlushed && t.argsBuf.Len() > 0 && json.Valid([]byte(t.argsBuf.String())) {
		t.argsFlushed = true
		return t.emit(anthropic.StreamEvent{
			Name:  anthropic.EventContentBlockDelta,
			Index: t.openIndex,
			Delta: &anthropic.Delta{Type: anthropic.DeltaInputJSON, PartialJSON: t.argsBuf.String()},
		})
	}
	return nil
}

func (t *StreamTranslator) pushThought(p gemini.Part) error {
	if err := t.ensureBlock(blockThinking); err != nil {
		return err
	}
	if p.Text != "" {
		if err := t.emit(anthropic.StreamEvent{
			Name:  anthropic.EventContentBlockDelta,
			Index: t.openIndex,
			Delta: &anthropic.Delta{Type: anthropic.DeltaThinking, Thinking: p.Text},
		}); err != nil {
			return err
		}
	}
	if p.ThoughtSignature != "" {
		return t.emit(anthropic.StreamEvent{
			Name:  anthropic.EventContentBlockDelta,
			Index: t.openIndex,
			Delta: &anthropic.Delta{Type: anthropic.DeltaSignature, Signature: p.ThoughtSignature},
		})
	}
	return nil
}

// pushText routes plain text through the think-tag scanner, so inline
// <think> spans become thinking blocks even when a tag is split across
// chunk boundaries.
func (t *StreamTranslator) pushText(text string) error {
	return t.think.feed(text, t.emitSegment)
}

func (t *StreamTranslator) emitSegment(thinking bool, s string) error {
	if s == "" {
		return nil
	}
	if thinking {
		if err := t.ensureBlock(blockThinking); err != nil {
			return err
		}
		return t.emit(anthropic.StreamEvent{
			Name:  anthropic.EventContentBlockDelta,
			Index: t.openIndex,
			Delta: &anthropic.Delta{Type: anthropic.DeltaThinking, Thinking: s},
		})
	}
	if err := t.ensureBlock(blockText); err != nil {
		return err
	}
	return t.emit(anthropic.StreamEvent{
		Name:  anthropic.EventContentBlockDelta,
		Index: t.openIndex,
		Delta: &anthropic.Delta{Type: anthropic.DeltaText, Text: s},
	})
}

// Finish flushes buffered state, closes the open block and emits the
// terminal message_delta and message_stop events.
func (t *StreamTranslator) Finish() error {
	if err := t.start(); err != nil {
		return err
	}
	if err := t.think.flush(t.emitSegment); err != nil {
		return err
	}
	if err := t.closeBlock(); err != nil {
		return err
	}

	reason := stopReason(t.finishReason, t.sawToolUse)
	usage := &anthropic.DeltaUsage{}
	if t.usage != nil {
		usage.OutputTokens = t.usage.CandidatesTokenCount
	}
	if err := t.emit(anthropic.StreamEvent{
		Name:         anthropic.EventMessageDelta,
		MessageDelta: &anthropic.MessageDeltaData{StopReason: &reason},
		Usage:        usage,
	}); err != nil {
		return err
	}
	return t.emit(anthropic.StreamEvent{Name: anthropic.EventMessageStop})
}

// Fail closes the open content block, then emits a terminal error event in
// the SSE stream. Client-initiated cancellation is silent; there is no one
// left to read the event.
func (t *StreamTranslator) Fail(err error) {
	if err == nil || err == proxyerr.ErrStreamCancelled {
		return
	}
	if cerr := t.closeBlock(); cerr != nil {
		return
	}
	detail := proxyerr.EnvelopeBody(err)
	_ = t.emit(anthropic.StreamEvent{
		Name:  anthropic.EventError,
		Error: &anthropic.ErrorData{Type: detail.Type, Message: detail.Message},
	})
}

func (t *StreamTranslator) start() error {
	if t.started {
		return nil
	}
	t.started = true
	msg := &anthropic.MessageStart{
		ID:      anthropic.NewMessageID(),
		Type:    "message",
		Role:    anthropic.RoleAssistant,
		Content: []anthropic.ContentBlock{},
		Model:   t.clientModel,
	}
	if t.usage != nil {
		msg.Usage.InputTokens = t.usage.PromptTokenCount
	}
	if err := t.emit(anthropic.StreamEvent{Name: anthropic.EventMessageStart, Message: msg}); err != nil {
		return err
	}
	return t.emit(anthropic.StreamEvent{Name: anthropic.EventPing})
}

func (t *StreamTranslator) ensureBlock(kind blockKind) error {
	if t.openKind == kind {
		return nil
	}
	if err := t.closeBlock(); err != nil {
		return err
	}
	t.openKind = kind
	t.openIndex = t.nextIndex
	t.nextIndex++

	block := &anthropic.ContentBlock{Type: anthropic.BlockText}
	if kind == blockThinking {
		block = &anthropic.ContentBlock{Type: anthropic.BlockThinking}
	}
	return t.emit(anthropic.StreamEvent{
		Name:         anthropic.EventContentBlockStart,
		Index:        t.openIndex,
		ContentBlock: block,
	})
}

func (t *StreamTranslator) closeBlock() error {
	if t.openKind == blockNone {
		return nil
	}
	if t.openKind == blockToolUse && !t.argsFlushed {
		// The call ended before its arguments formed valid JSON. Emit an
		// empty object so the client still assembles a usable block.
		metrics.ForcedToolClosesTotal.Inc()
		if err := t.emit(anthropic.StreamEvent{
			Name:  anthropic.EventContentBlockDelta,
			Index: t.openIndex,
			Delta: &anthropic.Delta{Type: anthropic.DeltaInputJSON, PartialJSON: "{}"},
		}); err != nil {
			return err
		}
	}
	index := t.openIndex
	t.openKind = blockNone
	return t.emit(anthropic.StreamEvent{Name: anthropic.EventContentBlockStop, Index: index})
}

// thinkScanner splits a text stream into plain and thinking segments on
// <think>/</think> markers. A suffix that could be the start of the next
// expected tag is carried over to the following feed.
type thinkScanner struct {
	inThink bool
	carry   string
}

func (sc *thinkScanner) feed(s string, emit func(thinking bool, s string) error) error {
	s = sc.carry + s
	sc.carry = ""
	for s != "" {
		tag := thinkOpenTag
		if sc.inThink {
			tag = thinkCloseTag
		}
		if i := strings.Index(s, tag); i >= 0 {
			if err := emit(sc.inThink, s[:i]); err != nil {
				return err
			}
			sc.inThink = !sc.inThink
			s = s[i+len(tag):]
			continue
		}
		keep := partialTagSuffix(s, tag)
		if err := emit(sc.inThink, s[:len(s)-keep]); err != nil {
			return err
		}
		sc.carry = s[len(s)-keep:]
		return nil
	}
	return nil
}

// flush releases a held partial tag as literal content.
func (sc *thinkScanner) flush(emit func(thinking bool, s string) error) error {
	carry := sc.carry
	sc.carry = ""
	return emit(sc.inThink, carry)
}

// partialTagSuffix reports the length of the longest suffix of s that is a
// proper prefix of tag.
func partialTagSuffix(s, tag string) int {
	max := len(tag) - 1
	if len(s) < max {
		max = len(s)
	}
	for l := max; l > 0; l-- {
		if strings.HasSuffix(s, tag[:l]) {
			return l
		}
	}
	return 0
}
