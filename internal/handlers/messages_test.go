package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"claudegate/internal/anthropic"
	"claudegate/internal/cache"
	"claudegate/internal/gemini"
	"claudegate/internal/proxyerr"
	"claudegate/internal/signature"
	"claudegate/internal/translate"
)

type mockBackend struct {
	mu            sync.Mutex
	generateCalls int
	streamCalls   int
	createCalls   int
	lastRequest   *gemini.GenerateContentRequest
	lastModel     string
	lastProject   string

	generateResp *gemini.GenerateContentResponse
	generateErr  error

	// generateSeq, when non-empty, supplies one outcome per call and takes
	// precedence over generateResp/generateErr.
	generateSeq []generateOutcome

	streamResults []gemini.StreamResult

	// streamSeq, when non-empty, supplies one result set per call and takes
	// precedence over streamResults.
	streamSeq [][]gemini.StreamResult

	createHandle string
	createErr    error
}

type generateOutcome struct {
	resp *gemini.GenerateContentResponse
	err  error
}

func (m *mockBackend) GenerateContent(_ context.Context, model, project string, req *gemini.GenerateContentRequest) (*gemini.GenerateContentResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generateCalls++
	m.lastModel = model
	m.lastProject = project
	m.lastRequest = req
	if len(m.generateSeq) > 0 {
		out := m.generateSeq[0]
		m.generateSeq = m.generateSeq[1:]
		return out.resp, out.err
	}
	return m.generateResp, m.generateErr
}

func (m *mockBackend) StreamGenerateContent(_ context.Context, model, project string, req *gemini.GenerateContentRequest) (<-chan gemini.StreamResult, error) {
	m.mu.Lock()
	m.streamCalls++
	m.lastModel = model
	m.lastProject = project
	m.lastRequest = req
	results := m.streamResults
	if len(m.streamSeq) > 0 {
		results = m.streamSeq[0]
		m.streamSeq = m.streamSeq[1:]
	}
	m.mu.Unlock()

	ch := make(chan gemini.StreamResult, len(results))
	for _, res := range results {
		ch <- res
	}
	close(ch)
	return ch, nil
}

func (m *mockBackend) CreateCachedContent(_ context.Context, model, project string, system *gemini.SystemInstruction, tools []gemini.ToolDeclaration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createCalls++
	return m.createHandle, m.createErr
}

func newHandler(backend *mockBackend, handles cache.HandleStore) *MessagesHandler {
	return NewMessagesHandler(
		backend,
		cache.NewTranslationCache(16, time.Minute),
		handles,
		signature.NewStore(100),
		func() string { return "projects/test" },
	)
}

func textResponse(text, finish string) *gemini.GenerateContentResponse {
	return &gemini.GenerateContentResponse{
		Response: &gemini.ResponseWrapper{
			Candidates: []gemini.Candidate{{
				Content:      gemini.Content{Role: "model", Parts: []gemini.Part{{Text: text}}},
				FinishReason: finish,
			}},
			UsageMetadata: &gemini.UsageMetadata{PromptTokenCount: 10, CandidatesTokenCount: 4},
		},
	}
}

func postMessages(t *testing.T, h *MessagesHandler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.Messages(rec, req)
	return rec
}

type sseEvent struct {
	name string
	data json.RawMessage
}

func decodeSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	var current sseEvent
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.data = json.RawMessage(strings.TrimPrefix(line, "data: "))
		case line == "" && current.name != "":
			events = append(events, current)
			current = sseEvent{}
		}
	}
	return events
}

func TestMessagesNonStreaming(t *testing.T) {
	t.Parallel()

	backend := &mockBackend{generateResp: textResponse("Hello there", "STOP")}
	h := newHandler(backend, nil)

	rec := postMessages(t, h, `{
		"model": "claude-haiku-4-5",
		"max_tokens": 100,
		"messages": [{"role": "user", "content": "hello"}]
	}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}

	var out anthropic.MessagesResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.Type != "message" || out.Role != "assistant" {
		t.Errorf("type/role = %q/%q", out.Type, out.Role)
	}
	if out.Model != "claude-haiku-4-5" {
		t.Errorf("model = %q, want the client-visible name", out.Model)
	}
	if len(out.Content) != 1 || out.Content[0].Text != "Hello there" {
		t.Errorf("content = %+v", out.Content)
	}
	if out.StopReason != translate.StopEndTurn {
		t.Errorf("stop_reason = %q", out.StopReason)
	}
	if out.Usage.InputTokens != 10 || out.Usage.OutputTokens != 4 {
		t.Errorf("usage = %+v", out.Usage)
	}

	if backend.lastModel != "gemini-2.5-pro" {
		t.Errorf("backend model = %q", backend.lastModel)
	}
	if backend.lastProject != "projects/test" {
		t.Errorf("backend project = %q", backend.lastProject)
	}
	gc := backend.lastRequest.GenerationConfig
	if gc == nil || gc.MaxOutputTokens != 100 {
		t.Errorf("generationConfig = %+v", gc)
	}
}

func TestMessagesStreaming(t *testing.T) {
	t.Parallel()

	backend := &mockBackend{
		streamResults: []gemini.StreamResult{
			{Chunk: textResponse("Hel", "")},
			{Chunk: textResponse("lo", "STOP")},
		},
	}
	h := newHandler(backend, nil)

	rec := postMessages(t, h, `{
		"model": "claude-haiku-4-5",
		"max_tokens": 100,
		"stream": true,
		"messages": [{"role": "user", "content": "hi"}]
	}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	events := decodeSSE(t, rec.Body.String())
	var names []string
	for _, ev := range events {
		names = append(names, ev.name)
	}
	want := []string{
		anthropic.EventMessageStart,
		anthropic.EventPing,
		anthropic.EventContentBlockStart,
		anthropic.EventContentBlockDelta,
		anthropic.EventContentBlockDelta,
		anthropic.EventContentBlockStop,
		anthropic.EventMessageDelta,
		anthropic.EventMessageStop,
	}
	if len(names) != len(want) {
		t.Fatalf("events = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("events = %v, want %v", names, want)
		}
	}

	// The two deltas must carry the split text.
	var delta struct {
		Delta struct {
			Text string `json:"text"`
		} `json:"delta"`
	}
	if err := json.Unmarshal(events[3].data, &delta); err != nil || delta.Delta.Text != "Hel" {
		t.Fatalf("first delta = %s (%v)", events[3].data, err)
	}
	if err := json.Unmarshal(events[4].data, &delta); err != nil || delta.Delta.Text != "lo" {
		t.Fatalf("second delta = %s (%v)", events[4].data, err)
	}
}

func TestMessagesStreamingBackendFailure(t *testing.T) {
	t.Parallel()

	backend := &mockBackend{
		streamResults: []gemini.StreamResult{
			{Chunk: textResponse("partial", "")},
			{Err: context.DeadlineExceeded},
		},
	}
	h := newHandler(backend, nil)

	rec := postMessages(t, h, `{
		"model": "claude-haiku-4-5",
		"max_tokens": 100,
		"stream": true,
		"messages": [{"role": "user", "content": "hi"}]
	}`)

	events := decodeSSE(t, rec.Body.String())
	if len(events) < 2 {
		t.Fatalf("events = %v", events)
	}
	if last := events[len(events)-1]; last.name != anthropic.EventError {
		t.Fatalf("last event = %q, want error", last.name)
	}
	// The partial text block opened before the failure must be closed first.
	if prev := events[len(events)-2]; prev.name != anthropic.EventContentBlockStop {
		var names []string
		for _, ev := range events {
			names = append(names, ev.name)
		}
		t.Fatalf("expected content_block_stop before error, got %v", names)
	}
}

func TestMessagesUnsupportedModel(t *testing.T) {
	t.Parallel()

	backend := &mockBackend{}
	h := newHandler(backend, nil)

	rec := postMessages(t, h, `{
		"model": "gpt-4o",
		"max_tokens": 100,
		"messages": [{"role": "user", "content": "hi"}]
	}`)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if backend.generateCalls != 0 {
		t.Fatal("backend must not be called for an unsupported model")
	}

	var env struct {
		Type  string `json:"type"`
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Type != "error" || env.Error.Type != "not_found_error" {
		t.Fatalf("envelope = %+v", env)
	}
}

func TestMessagesValidation(t *testing.T) {
	t.Parallel()

	backend := &mockBackend{}
	h := newHandler(backend, nil)

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{`},
		{"missing max_tokens", `{"model":"claude-haiku-4-5","messages":[{"role":"user","content":"hi"}]}`},
		{"no messages", `{"model":"claude-haiku-4-5","max_tokens":100,"messages":[]}`},
		{"bad role", `{"model":"claude-haiku-4-5","max_tokens":100,"messages":[{"role":"system","content":"hi"}]}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := postMessages(t, h, tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
			}
		})
	}
	if backend.generateCalls != 0 {
		t.Fatal("backend must not be called for invalid requests")
	}
}

func TestMessagesDanglingToolResult(t *testing.T) {
	t.Parallel()

	backend := &mockBackend{}
	h := newHandler(backend, nil)

	rec := postMessages(t, h, `{
		"model": "claude-haiku-4-5",
		"max_tokens": 100,
		"messages": [
			{"role": "user", "content": [
				{"type": "tool_result", "tool_use_id": "toolu_never_issued", "content": "42"}
			]}
		]
	}`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if backend.generateCalls != 0 {
		t.Fatal("backend must not be called")
	}
}

func TestMessagesBackendErrorPassThrough(t *testing.T) {
	t.Parallel()

	backend := &mockBackend{generateErr: proxyerr.Upstream(http.StatusTooManyRequests, "quota exceeded")}
	h := newHandler(backend, nil)

	rec := postMessages(t, h, `{
		"model": "claude-haiku-4-5",
		"max_tokens": 100,
		"messages": [{"role": "user", "content": "hi"}]
	}`)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
}

func TestMessagesCachedContentHandle(t *testing.T) {
	t.Parallel()

	handles := cache.NewMemoryHandleStore(time.Minute)
	defer handles.Close()

	backend := &mockBackend{
		generateResp: textResponse("ok", "STOP"),
		createHandle: "cachedContents/abc",
	}
	h := newHandler(backend, handles)

	body := `{
		"model": "claude-haiku-4-5",
		"max_tokens": 100,
		"system": "be terse",
		"tools": [{"name": "get_weather", "description": "d", "input_schema": {"type": "object"}}],
		"messages": [{"role": "user", "content": "hi"}]
	}`

	for i := 0; i < 2; i++ {
		if rec := postMessages(t, h, body); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, body = %s", i, rec.Code, rec.Body)
		}
	}

	if backend.createCalls != 1 {
		t.Fatalf("createCachedContent calls = %d, want 1", backend.createCalls)
	}

	// With a handle attached, the skeleton travels by reference.
	greq := backend.lastRequest
	if greq.CachedContent != "cachedContents/abc" {
		t.Fatalf("cachedContent = %q", greq.CachedContent)
	}
	if greq.SystemInstruction != nil || len(greq.Tools) != 0 {
		t.Fatalf("inline skeleton must be omitted when a handle is set: %+v", greq)
	}
}

func TestMessagesStaleHandleRetriesInline(t *testing.T) {
	t.Parallel()

	handles := cache.NewMemoryHandleStore(time.Minute)
	defer handles.Close()

	backend := &mockBackend{
		createHandle: "cachedContents/gone",
		generateSeq: []generateOutcome{
			{err: proxyerr.Upstream(http.StatusNotFound, "cached content not found")},
			{resp: textResponse("ok", "STOP")},
		},
	}
	h := newHandler(backend, handles)

	body := `{
		"model": "claude-haiku-4-5",
		"max_tokens": 100,
		"system": "be terse",
		"messages": [{"role": "user", "content": "hi"}]
	}`

	rec := postMessages(t, h, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if backend.generateCalls != 2 {
		t.Fatalf("generate calls = %d, want a single retry", backend.generateCalls)
	}

	// The retry must carry the skeleton inline, not the rejected handle.
	greq := backend.lastRequest
	if greq.CachedContent != "" {
		t.Fatalf("retry still references %q", greq.CachedContent)
	}
	if greq.SystemInstruction == nil {
		t.Fatal("retry must inline the system instruction")
	}

	// The stale mapping is purged, so the next request mints a new handle.
	backend.mu.Lock()
	backend.generateResp = textResponse("ok", "STOP")
	backend.mu.Unlock()
	if rec := postMessages(t, h, body); rec.Code != http.StatusOK {
		t.Fatalf("followup status = %d, body = %s", rec.Code, rec.Body)
	}
	if backend.createCalls != 2 {
		t.Fatalf("createCachedContent calls = %d, want a fresh handle after purge", backend.createCalls)
	}
}

func TestMessagesStreamingStaleHandleReconnects(t *testing.T) {
	t.Parallel()

	handles := cache.NewMemoryHandleStore(time.Minute)
	defer handles.Close()

	backend := &mockBackend{
		createHandle: "cachedContents/gone",
		streamSeq: [][]gemini.StreamResult{
			{{Err: proxyerr.Upstream(http.StatusNotFound, "cached content not found")}},
			{{Chunk: textResponse("hello", "STOP")}},
		},
	}
	h := newHandler(backend, handles)

	rec := postMessages(t, h, `{
		"model": "claude-haiku-4-5",
		"max_tokens": 100,
		"stream": true,
		"system": "be terse",
		"messages": [{"role": "user", "content": "hi"}]
	}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if backend.streamCalls != 2 {
		t.Fatalf("stream calls = %d, want a reconnect", backend.streamCalls)
	}
	if greq := backend.lastRequest; greq.CachedContent != "" {
		t.Fatalf("reconnect still references %q", greq.CachedContent)
	}

	// The client sees a clean stream with no error event.
	events := decodeSSE(t, rec.Body.String())
	var names []string
	for _, ev := range events {
		names = append(names, ev.name)
	}
	want := []string{
		anthropic.EventMessageStart,
		anthropic.EventPing,
		anthropic.EventContentBlockStart,
		anthropic.EventContentBlockDelta,
		anthropic.EventContentBlockStop,
		anthropic.EventMessageDelta,
		anthropic.EventMessageStop,
	}
	if len(names) != len(want) {
		t.Fatalf("events = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("events = %v, want %v", names, want)
		}
	}
}

func TestMessagesHandleCreateFailureFallsBackInline(t *testing.T) {
	t.Parallel()

	handles := cache.NewMemoryHandleStore(time.Minute)
	defer handles.Close()

	backend := &mockBackend{
		generateResp: textResponse("ok", "STOP"),
		createErr:    context.DeadlineExceeded,
	}
	h := newHandler(backend, handles)

	rec := postMessages(t, h, `{
		"model": "claude-haiku-4-5",
		"max_tokens": 100,
		"system": "be terse",
		"messages": [{"role": "user", "content": "hi"}]
	}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	greq := backend.lastRequest
	if greq.CachedContent != "" {
		t.Fatalf("cachedContent = %q, want none", greq.CachedContent)
	}
	if greq.SystemInstruction == nil {
		t.Fatal("system instruction must travel inline when handle creation fails")
	}
}
