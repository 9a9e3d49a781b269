// Package handlers implements the client-facing HTTP endpoints.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"claudegate/internal/anthropic"
	"claudegate/internal/cache"
	"claudegate/internal/gemini"
	"claudegate/internal/metrics"
	"claudegate/internal/modelmap"
	"claudegate/internal/proxyerr"
	"claudegate/internal/signature"
	"claudegate/internal/translate"
	"claudegate/pkg/logging/logging"

	"go.uber.org/zap"
)

// keepaliveInterval paces SSE comments on idle streams so intermediaries do
// not drop the connection while the backend thinks.
const keepaliveInterval = 15 * time.Second

// Backend is the slice of the gemini client the handler needs. Tests supply
// channel-driven fakes.
type Backend interface {
	GenerateContent(ctx context.Context, model, project string, req *gemini.GenerateContentRequest) (*gemini.GenerateContentResponse, error)
	StreamGenerateContent(ctx context.Context, model, project string, req *gemini.GenerateContentRequest) (<-chan gemini.StreamResult, error)
	CreateCachedContent(ctx context.Context, model, project string, system *gemini.SystemInstruction, tools []gemini.ToolDeclaration) (string, error)
}

// MessagesHandler serves POST /v1/messages.
type MessagesHandler struct {
	Backend    Backend
	Cache      *cache.TranslationCache
	Handles    cache.HandleStore
	Signatures *signature.Store
	ProjectID  func() string
}

func NewMessagesHandler(backend Backend, tc *cache.TranslationCache, handles cache.HandleStore, sigs *signature.Store, projectID func() string) *MessagesHandler {
	return &MessagesHandler{
		Backend:    backend,
		Cache:      tc,
		Handles:    handles,
		Signatures: sigs,
		ProjectID:  projectID,
	}
}

// Messages handles POST /v1/messages.
func (h *MessagesHandler) Messages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.L(ctx)
	start := time.Now()

	var req anthropic.MessagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		proxyerr.Render(w, proxyerr.Validation("invalid JSON body: %v", err))
		return
	}
	if err := req.Validate(); err != nil {
		proxyerr.Render(w, err)
		return
	}

	backendModel, err := modelmap.Resolve(req.Model)
	if err != nil {
		proxyerr.Render(w, err)
		return
	}
	logger = logger.With(
		zap.String("client_model", req.Model),
		zap.String("backend_model", backendModel),
		zap.Bool("streaming", req.Stream),
	)

	key, err := translate.CacheKey(backendModel, &req)
	if err != nil {
		proxyerr.Render(w, proxyerr.Internal("computing cache key: %v", err))
		return
	}

	base, err := h.Cache.GetOrCompute(ctx, key, func() (*translate.Skeleton, error) {
		return translate.BuildSkeleton(&req, backendModel), nil
	})
	if err != nil {
		proxyerr.Render(w, err)
		return
	}
	sk := h.withHandle(ctx, key, backendModel, base)

	greq, err := translate.BuildRequest(&req, sk, h.Signatures)
	if err != nil {
		proxyerr.Render(w, err)
		return
	}

	if req.Stream {
		h.stream(w, r, &req, backendModel, greq, key, base, logger, start)
		return
	}

	resp, err := h.Backend.GenerateContent(ctx, backendModel, h.ProjectID(), greq)
	if err != nil && staleHandle(err, greq) {
		// The backend-side cached content expired under our mapping;
		// drop it and retry once with the skeleton inlined.
		if greq, err = h.rebuildInline(ctx, key, &req, base); err == nil {
			resp, err = h.Backend.GenerateContent(ctx, backendModel, h.ProjectID(), greq)
		}
	}
	if err != nil {
		logger.Error("backend call failed", zap.Error(err))
		proxyerr.Render(w, err)
		return
	}
	out, err := translate.Response(resp, req.Model, h.Signatures)
	if err != nil {
		proxyerr.Render(w, err)
		return
	}

	logger.Info("request completed",
		zap.String("stop_reason", out.StopReason),
		zap.Int("output_tokens", out.Usage.OutputTokens),
		zap.Duration("duration", time.Since(start)),
	)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// withHandle attaches a backend cached-content handle for the skeleton if one
// exists or can be created. Strictly best-effort: any failure just means the
// request carries the skeleton inline.
func (h *MessagesHandler) withHandle(ctx context.Context, key, backendModel string, sk *translate.Skeleton) *translate.Skeleton {
	if h.Handles == nil || (sk.SystemInstruction == nil && len(sk.Tools) == 0) {
		return sk
	}
	logger := logging.L(ctx)

	handle, ok, err := h.Handles.Get(ctx, key)
	if err != nil {
		logger.Warn("handle_store_unavailable", zap.Error(err))
		return sk
	}
	if !ok {
		handle, err = h.Backend.CreateCachedContent(ctx, backendModel, h.ProjectID(), sk.SystemInstruction, sk.Tools)
		if err != nil {
			logger.Warn("cached_content_create_failed", zap.Error(err))
			return sk
		}
		if err := h.Handles.Set(ctx, key, handle, gemini.CachedContentTTL); err != nil {
			logger.Warn("handle_store_set_failed", zap.Error(err))
		}
	}

	with := *sk
	with.Handle = handle
	return &with
}

// staleHandle reports whether the backend rejected a cached-content handle
// that expired server-side.
func staleHandle(err error, greq *gemini.GenerateContentRequest) bool {
	if greq.CachedContent == "" {
		return false
	}
	var perr *proxyerr.Error
	return errors.As(err, &perr) && perr.Kind == proxyerr.KindUpstream && perr.Status == http.StatusNotFound
}

// rebuildInline drops the rejected handle mapping and rebuilds the request
// with the skeleton carried inline.
func (h *MessagesHandler) rebuildInline(ctx context.Context, key string, req *anthropic.MessagesRequest, base *translate.Skeleton) (*gemini.GenerateContentRequest, error) {
	logging.L(ctx).Warn("stale_cached_content_handle", zap.String("digest", key))
	if err := h.Handles.Delete(ctx, key); err != nil {
		logging.L(ctx).Warn("handle_store_delete_failed", zap.Error(err))
	}
	return translate.BuildRequest(req, base, h.Signatures)
}

func (h *MessagesHandler) stream(w http.ResponseWriter, r *http.Request, req *anthropic.MessagesRequest, backendModel string, greq *gemini.GenerateContentRequest, key string, base *translate.Skeleton, logger *zap.Logger, start time.Time) {
	ctx := r.Context()

	flusher, ok := w.(http.Flusher)
	if !ok {
		proxyerr.Render(w, proxyerr.Internal("response writer does not support streaming"))
		return
	}

	results, err := h.Backend.StreamGenerateContent(ctx, backendModel, h.ProjectID(), greq)
	if err != nil {
		logger.Error("backend stream connect failed", zap.Error(err))
		proxyerr.Render(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	emit := func(ev anthropic.StreamEvent) error {
		if _, err := w.Write([]byte(ev.SSE())); err != nil {
			return proxyerr.ErrStreamCancelled
		}
		metrics.StreamEventsTotal.WithLabelValues(ev.Name).Inc()
		flusher.Flush()
		return nil
	}
	tr := translate.NewStreamTranslator(req.Model, h.Signatures, emit)

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	events := 0
	retried := false
	for {
		select {
		case <-ctx.Done():
			// Client went away; nothing more to write.
			logger.Info("stream cancelled by client",
				zap.Int("events", events),
				zap.Duration("duration", time.Since(start)),
			)
			return

		case <-keepalive.C:
			if _, err := w.Write([]byte(anthropic.KeepaliveComment)); err != nil {
				return
			}
			flusher.Flush()

		case res, open := <-results:
			if !open {
				if err := tr.Finish(); err != nil {
					logger.Warn("stream finish aborted", zap.Error(err))
					return
				}
				logger.Info("stream completed",
					zap.Int("events", events),
					zap.Duration("duration", time.Since(start)),
				)
				return
			}
			if res.Err != nil {
				// A rejected handle before any output means the backend-side
				// cached content expired; reconnect once with the skeleton
				// inlined instead of surfacing the failure.
				if events == 0 && !retried && staleHandle(res.Err, greq) {
					retried = true
					if greq, err = h.rebuildInline(ctx, key, req, base); err == nil {
						if results, err = h.Backend.StreamGenerateContent(ctx, backendModel, h.ProjectID(), greq); err == nil {
							continue
						}
					}
					logger.Error("stream reconnect failed", zap.Error(err))
					tr.Fail(err)
					return
				}
				logger.Error("backend stream failed", zap.Error(res.Err))
				tr.Fail(res.Err)
				return
			}
			events++
			if err := tr.Push(res.Chunk); err != nil {
				logger.Info("stream aborted mid-write", zap.Error(err))
				return
			}
			keepalive.Reset(keepaliveInterval)
		}
	}
}
