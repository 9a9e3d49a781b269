package translate

import (
	"encoding/json"
	"strings"

	"claudegate/internal/anthropic"
	"claudegate/internal/gemini"
	"claudegate/internal/proxyerr"
	"claudegate/internal/signature"
)

const (
	thinkOpenTag  = "<think>"
	thinkCloseTag = "</think>"
)

// Client-visible stop reasons.
const (
	StopEndTurn      = "end_turn"
	StopMaxTokens    = "max_tokens"
	StopToolUse      = "tool_use"
	StopStopSequence = "stop_sequence"
)

// Response reduces a complete backend response to a client message. Thought
// signatures arriving on functionCall parts are recorded under the freshly
// minted tool_use ids so follow-up turns can echo them back.
func Response(resp *gemini.GenerateContentResponse, clientModel string, sigs *signature.Store) (*anthropic.MessagesResponse, error) {
	if resp == nil || resp.Response == nil || len(resp.Response.Candidates) == 0 {
		return nil, proxyerr.Upstream(502, "backend returned no candidates")
	}
	cand := resp.Response.Candidates[0]

	var blocks []anthropic.ContentBlock
	sawToolUse := false
	for _, p := range cand.Content.Parts {
		switch {
		case p.FunctionCall != nil:
			id := anthropic.NewToolUseID()
			if p.ThoughtSignature != "" {
				sigs.Put(id, p.ThoughtSignature)
			}
			input := p.FunctionCall.Args
			if len(input) == 0 {
				input = json.RawMessage(`{}`)
			}
			blocks = append(blocks, anthropic.ContentBlock{
				Type:  anthropic.BlockToolUse,
				ID:    id,
				Name:  p.FunctionCall.Name,
				Input: input,
			})
			sawToolUse = true

		case p.Thought:
			blocks = append(blocks, anthropic.ContentBlock{
				Type:      anthropic.BlockThinking,
				Thinking:  p.Text,
				Signature: p.ThoughtSignature,
			})

		case p.Text != "":
			blocks = append(blocks, splitThinkSpans(p.Text)...)
		}
	}

	out := &anthropic.MessagesResponse{
		ID:         anthropic.NewMessageID(),
		Type:       "message",
		Role:       anthropic.RoleAssistant,
		Content:    blocks,
		Model:      clientModel,
		StopReason: stopReason(cand.FinishReason, sawToolUse),
	}
	if um := resp.Response.UsageMetadata; um != nil {
		out.Usage = anthropic.Usage{
			InputTokens:  um.PromptTokenCount,
			OutputTokens: um.CandidatesTokenCount,
		}
	}
	return out, nil
}

func stopReason(finishReason string, sawToolUse bool) string {
	switch finishReason {
	case gemini.FinishStop:
		// Natural end; refined below when a tool call was emitted.
	case gemini.FinishMaxTokens:
		return StopMaxTokens
	case gemini.FinishSafety, gemini.FinishRecitation:
		// The backend cut generation off; the closest client-visible
		// terminal reason is a stop-sequence halt.
		return StopStopSequence
	}
	if sawToolUse {
		return StopToolUse
	}
	return StopEndTurn
}

// splitThinkSpans turns inline <think>...</think> markers inside a text part
// into separate thinking blocks, keeping surrounding text in order. An
// unterminated span runs to the end of the text.
func splitThinkSpans(text string) []anthropic.ContentBlock {
	var blocks []anthropic.ContentBlock
	for text != "" {
		open := strings.Index(text, thinkOpenTag)
		if open < 0 {
			blocks = appendText(blocks, text)
			break
		}
		blocks = appendText(blocks, text[:open])
		rest := text[open+len(thinkOpenTag):]
		end := strings.Index(rest, thinkCloseTag)
		if end < 0 {
			blocks = appendThinking(blocks, rest)
			break
		}
		blocks = appendThinking(blocks, rest[:end])
		text = rest[end+len(thinkCloseTag):]
	}
	return blocks
}

func appendText(blocks []anthropic.ContentBlock, text string) []anthropic.ContentBlock {
	if text == "" {
		return blocks
	}
	return append(blocks, anthropic.ContentBlock{Type: anthropic.BlockText, Text: text})
}

func appendThinking(blocks []anthropic.ContentBlock, thinking string) []anthropic.ContentBlock {
	if thinking == "" {
		return blocks
	}
	return append(blocks, anthropic.ContentBlock{Type: anthropic.BlockThinking, Thinking: thinking})
}
