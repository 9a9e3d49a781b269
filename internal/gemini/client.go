// Package gemini is the HTTP client for the Code Assist internal API:
// request envelopes, SSE chunk decoding and connect-level retries.
package gemini

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"claudegate/internal/metrics"
	"claudegate/internal/proxyerr"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TokenSource provides a bearer token for each outbound call.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type Config struct {
	BaseURL    string // default: the Code Assist endpoint
	APIVersion string // default: v1internal

	UpstreamTimeout time.Duration // non-streaming request timeout (default: 120s)
	StreamTimeout   time.Duration // whole-stream ceiling (default: 10m)
	MaxRetries      int           // connect retry attempts (default: 2)
	BaseBackoff     time.Duration // initial backoff (default: 100ms)

	MaxIdleConns        int // default: 100
	MaxIdleConnsPerHost int // default: 100

	// Custom HTTP client (for testing or special configs)
	HTTPClient *http.Client
}

// WithDefaults returns a copy of Config with sane defaults applied.
func (c *Config) WithDefaults() Config {
	cfg := *c
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://cloudcode-pa.googleapis.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.APIVersion == "" {
		cfg.APIVersion = "v1internal"
	}
	if cfg.UpstreamTimeout <= 0 {
		cfg.UpstreamTimeout = 120 * time.Second
	}
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = 10 * time.Minute
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 100 * time.Millisecond
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 100
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = 100
	}
	return cfg
}

// Client talks to the backend. Safe for concurrent use.
type Client struct {
	cfg        Config
	tokens     TokenSource
	httpClient *http.Client
	logger     *zap.Logger
}

func NewClient(cfg Config, tokens TokenSource, logger *zap.Logger) (*Client, error) {
	cfg = cfg.WithDefaults()
	if tokens == nil {
		return nil, errors.New("gemini: token source is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Transport: defaultTransport(cfg)}
	}

	return &Client{
		cfg:        cfg,
		tokens:     tokens,
		httpClient: httpClient,
		logger:     logger.Named("gemini"),
	}, nil
}

// defaultTransport is tuned for long-lived streaming connections against a
// single host.
func defaultTransport(cfg Config) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// Close releases resources held by the client.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *Client) endpoint(method string) string {
	return c.cfg.BaseURL + "/" + c.cfg.APIVersion + ":" + method
}

// post builds a fresh authorized request per attempt and runs it through the
// retry wrapper.
func (c *Client) post(ctx context.Context, url string, body []byte, query string) (*http.Response, error) {
	return c.doWithRetry(ctx, func(ctx context.Context) (*http.Response, error) {
		target := url
		if query != "" {
			target += "?" + query
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("gemini: build request: %w", err)
		}
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")
		return c.httpClient.Do(req)
	})
}

// upstreamError drains the body and maps a non-2xx response to a proxy
// error, preferring the structured backend message.
func (c *Client) upstreamError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var perr errorResponse
	if err := json.Unmarshal(body, &perr); err == nil && perr.Error.Message != "" {
		c.logger.Error("backend error",
			zap.Int("status", resp.StatusCode),
			zap.String("error_status", perr.Error.Status),
			zap.String("error_message", perr.Error.Message),
		)
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return proxyerr.Auth("backend rejected credentials: %s", perr.Error.Message)
		}
		return proxyerr.Upstream(resp.StatusCode, perr.Error.Message)
	}

	c.logger.Error("backend error",
		zap.Int("status", resp.StatusCode),
		zap.String("body", truncate(string(body), 200)),
	)
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return proxyerr.Auth("backend rejected credentials (status %d)", resp.StatusCode)
	}
	return proxyerr.Upstream(resp.StatusCode, truncate(string(body), 200))
}

// GenerateContent performs a blocking completion call.
func (c *Client) GenerateContent(ctx context.Context, model, project string, req *GenerateContentRequest) (*GenerateContentResponse, error) {
	start := time.Now()

	body, err := json.Marshal(apiRequest{
		Model:        model,
		Project:      project,
		UserPromptID: uuid.NewString(),
		Request:      req,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.UpstreamTimeout)
	defer cancel()

	resp, err := c.post(ctx, c.endpoint("generateContent"), body, "")
	observeCall(model, resp, err, false, start)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.upstreamError(resp)
	}

	var out GenerateContentResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, proxyerr.Upstream(resp.StatusCode, fmt.Sprintf("undecodable backend response: %v", err))
	}
	c.logger.Info("backend call completed",
		zap.String("model", model),
		zap.Duration("duration", time.Since(start)),
	)
	return &out, nil
}

// StreamResult is one item from a streaming call: a chunk or a terminal
// error, never both.
type StreamResult struct {
	Chunk *GenerateContentResponse
	Err   error
}

// StreamGenerateContent starts a streaming completion and returns a channel
// of decoded chunks. The channel closes when the stream ends, errors, or ctx
// is cancelled. No mid-stream retries: once bytes have flowed, a failure is
// surfaced to the caller.
func (c *Client) StreamGenerateContent(parentCtx context.Context, model, project string, req *GenerateContentRequest) (<-chan StreamResult, error) {
	start := time.Now()

	body, err := json.Marshal(apiRequest{
		Model:        model,
		Project:      project,
		UserPromptID: uuid.NewString(),
		Request:      req,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal stream request: %w", err)
	}

	ctx, cancel := context.WithTimeout(parentCtx, c.cfg.StreamTimeout)

	results := make(chan StreamResult, 16)

	go func() {
		defer close(results)
		defer cancel()

		resp, err := c.post(ctx, c.endpoint("streamGenerateContent"), body, "alt=sse")
		observeCall(model, resp, err, true, start)
		if err != nil {
			c.logger.Error("backend stream connect failed",
				zap.String("model", model),
				zap.Error(err),
			)
			results <- StreamResult{Err: err}
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			results <- StreamResult{Err: c.upstreamError(resp)}
			return
		}

		reader := bufio.NewReader(resp.Body)
		chunkCount := 0

		for {
			select {
			case <-ctx.Done():
				c.logger.Info("backend stream cancelled",
					zap.String("model", model),
					zap.Int("chunks", chunkCount),
					zap.Error(ctx.Err()),
				)
				return
			default:
			}

			line, err := reader.ReadBytes('\n')
			if err != nil {
				if err == io.EOF {
					c.logger.Info("backend stream completed",
						zap.String("model", model),
						zap.Int("chunks", chunkCount),
						zap.Duration("duration", time.Since(start)),
					)
					return
				}
				if ctx.Err() != nil {
					return
				}
				results <- StreamResult{Err: proxyerr.Upstream(http.StatusBadGateway, fmt.Sprintf("stream read failed: %v", err))}
				return
			}

			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue
			}
			const prefix = "data: "
			if !bytes.HasPrefix(line, []byte(prefix)) {
				// Ignore comments and other SSE fields.
				continue
			}
			payload := bytes.TrimSpace(line[len(prefix):])

			var chunk GenerateContentResponse
			if err := json.Unmarshal(payload, &chunk); err != nil {
				results <- StreamResult{Err: proxyerr.Upstream(http.StatusBadGateway, fmt.Sprintf("undecodable stream chunk: %v", err))}
				return
			}
			chunkCount++

			select {
			case <-ctx.Done():
				return
			case results <- StreamResult{Chunk: &chunk}:
			}
		}
	}()

	return results, nil
}

type loadCodeAssistRequest struct {
	Metadata clientMetadata `json:"metadata"`
}

type clientMetadata struct {
	IDEType    string `json:"ideType"`
	Platform   string `json:"platform"`
	PluginType string `json:"pluginType"`
}

type loadCodeAssistResponse struct {
	CloudAICompanionProject string `json:"cloudaicompanionProject"`
}

// ResolveProject asks the backend which project the credentials belong to.
func (c *Client) ResolveProject(ctx context.Context) (string, error) {
	body, err := json.Marshal(loadCodeAssistRequest{
		Metadata: clientMetadata{
			IDEType:    "IDE_UNSPECIFIED",
			Platform:   "PLATFORM_UNSPECIFIED",
			PluginType: "GEMINI",
		},
	})
	if err != nil {
		return "", fmt.Errorf("gemini: marshal loadCodeAssist: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.UpstreamTimeout)
	defer cancel()

	resp, err := c.post(ctx, c.endpoint("loadCodeAssist"), body, "")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", c.upstreamError(resp)
	}

	var out loadCodeAssistResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", proxyerr.Upstream(resp.StatusCode, fmt.Sprintf("undecodable loadCodeAssist response: %v", err))
	}
	if out.CloudAICompanionProject == "" {
		return "", proxyerr.Auth("account has no Code Assist project; complete onboarding first")
	}
	c.logger.Info("resolved backend project", zap.String("project", out.CloudAICompanionProject))
	return out.CloudAICompanionProject, nil
}

// CachedContentTTL is how long backend-side cached content lives. Short on
// purpose: handles are re-created cheaply and stale handles 404.
const CachedContentTTL = 300 * time.Second

type createCachedContentRequest struct {
	Model             string             `json:"model"`
	Project           string             `json:"project,omitempty"`
	SystemInstruction *SystemInstruction `json:"systemInstruction,omitempty"`
	Tools             []ToolDeclaration  `json:"tools,omitempty"`
	TTL               string             `json:"ttl"`
}

type createCachedContentResponse struct {
	Name string `json:"name"`
}

// CreateCachedContent uploads a request skeleton as backend cached content
// and returns its handle.
func (c *Client) CreateCachedContent(ctx context.Context, model, project string, system *SystemInstruction, tools []ToolDeclaration) (string, error) {
	body, err := json.Marshal(createCachedContentRequest{
		Model:             model,
		Project:           project,
		SystemInstruction: system,
		Tools:             tools,
		TTL:               strconv.Itoa(int(CachedContentTTL.Seconds())) + "s",
	})
	if err != nil {
		return "", fmt.Errorf("gemini: marshal createCachedContent: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.UpstreamTimeout)
	defer cancel()

	resp, err := c.post(ctx, c.endpoint("createCachedContent"), body, "")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", c.upstreamError(resp)
	}

	var out createCachedContentResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", proxyerr.Upstream(resp.StatusCode, fmt.Sprintf("undecodable createCachedContent response: %v", err))
	}
	return out.Name, nil
}

func observeCall(model string, resp *http.Response, err error, streaming bool, start time.Time) {
	status := "error"
	if resp != nil {
		status = strconv.Itoa(resp.StatusCode)
	} else if err == nil {
		status = "0"
	}
	streamLabel := strconv.FormatBool(streaming)
	metrics.UpstreamCallsTotal.WithLabelValues(model, status, streamLabel).Inc()
	metrics.UpstreamLatencySeconds.WithLabelValues(model, streamLabel).Observe(time.Since(start).Seconds())
}

// truncate limits string length for logging.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
