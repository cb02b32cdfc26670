package fluxai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ferro-labs/fluxguard/internal/circuitbreaker"
	"github.com/ferro-labs/fluxguard/internal/logging"
	"github.com/ferro-labs/fluxguard/internal/metrics"
	"github.com/ferro-labs/fluxguard/internal/ratelimit"
	"github.com/ferro-labs/fluxguard/internal/retry"
	"github.com/ferro-labs/fluxguard/internal/version"
)

// DefaultBaseURL is the production Flux AI endpoint.
const DefaultBaseURL = "https://ai.runonflux.com"

const maxErrorBody = 64 << 10

// ChatBackend completes chat requests. The default backend is the Flux AI
// HTTP endpoint; NewOpenAIChat provides an OpenAI-compatible alternative.
type ChatBackend interface {
	Complete(ctx context.Context, req *ChatCompletionRequest) (*ChatCompletionResponse, error)
}

// Client talks to the Flux AI service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breakers   *circuitbreaker.Group
	retry      retry.Policy
	limiter    *ratelimit.Limiter
	chat       ChatBackend
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-attempt HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithBreakers sets the breaker group protecting each operation.
func WithBreakers(g *circuitbreaker.Group) Option {
	return func(c *Client) { c.breakers = g }
}

// WithRetryPolicy overrides the retry policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Client) { c.retry = p }
}

// WithRateLimiter makes every HTTP attempt wait for a token.
func WithRateLimiter(l *ratelimit.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// WithChatBackend routes ChatCompletion to b instead of the Flux endpoint.
func WithChatBackend(b ChatBackend) Option {
	return func(c *Client) { c.chat = b }
}

// NewClient creates a Client. An empty baseURL means DefaultBaseURL.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		retry:      retry.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breakers == nil {
		c.breakers = circuitbreaker.NewGroup("flux_ai", circuitbreaker.ScopeClient, 0, 0)
	}
	return c
}

// Breakers returns the client's breaker group.
func (c *Client) Breakers() *circuitbreaker.Group { return c.breakers }

// BaseURL returns the configured endpoint.
func (c *Client) BaseURL() string { return c.baseURL }

// guarded runs fn behind op's breaker with retries. While the circuit is
// open the canned fallback is returned with a nil error.
func guarded[T any](ctx context.Context, c *Client, op Operation, fn func(context.Context) (T, error), fallback func() T) (T, error) {
	cb := c.breakers.For(string(op))
	fb := func() T {
		metrics.FallbackResponses.WithLabelValues(string(op)).Inc()
		logging.FromContext(ctx).Warn("using fallback", "operation", string(op), "breaker", cb.Name())
		return fallback()
	}
	return circuitbreaker.Call(ctx, cb, func(ctx context.Context) (T, error) {
		return retry.Do(ctx, c.retry, string(op), fn)
	}, fb)
}

// UploadFile uploads one document as multipart/form-data.
func (c *Client) UploadFile(ctx context.Context, req UploadFileRequest) (*UploadFileResponse, error) {
	body, contentType, err := encodeUpload(req)
	if err != nil {
		return nil, fmt.Errorf("encode upload: %w", err)
	}
	return guarded(ctx, c, OpUploadFile, func(ctx context.Context) (*UploadFileResponse, error) {
		var out UploadFileResponse
		if err := c.do(ctx, OpUploadFile, http.MethodPost, "/v1/files", body, contentType, &out); err != nil {
			return nil, err
		}
		return &out, nil
	}, FallbackUpload)
}

// ListFiles lists every uploaded document.
func (c *Client) ListFiles(ctx context.Context) (*ListFilesResponse, error) {
	return guarded(ctx, c, OpListFiles, func(ctx context.Context) (*ListFilesResponse, error) {
		var out ListFilesResponse
		if err := c.do(ctx, OpListFiles, http.MethodGet, "/v1/files", nil, "", &out); err != nil {
			return nil, err
		}
		if out.Count == 0 && len(out.Data) > 0 {
			out.Count = len(out.Data)
		}
		return &out, nil
	}, FallbackListFiles)
}

// GetFile fetches a single document's details.
func (c *Client) GetFile(ctx context.Context, fileID string) (*GetFileResponse, error) {
	if fileID == "" {
		return nil, fmt.Errorf("get file: empty file id")
	}
	return guarded(ctx, c, OpGetFile, func(ctx context.Context) (*GetFileResponse, error) {
		var out GetFileResponse
		if err := c.do(ctx, OpGetFile, http.MethodGet, "/v1/files/"+url.PathEscape(fileID), nil, "", &out); err != nil {
			return nil, err
		}
		return &out, nil
	}, FallbackGetFile)
}

// DeleteFile removes a document.
func (c *Client) DeleteFile(ctx context.Context, fileID string) (*DeleteFileResponse, error) {
	if fileID == "" {
		return nil, fmt.Errorf("delete file: empty file id")
	}
	return guarded(ctx, c, OpDeleteFile, func(ctx context.Context) (*DeleteFileResponse, error) {
		var out DeleteFileResponse
		if err := c.do(ctx, OpDeleteFile, http.MethodDelete, "/v1/files/"+url.PathEscape(fileID), nil, "", &out); err != nil {
			return nil, err
		}
		return &out, nil
	}, FallbackDeleteFile)
}

// ChatCompletion asks the service for a chat completion. Responses are
// marked successful on any 2xx.
func (c *Client) ChatCompletion(ctx context.Context, req ChatCompletionRequest) (*ChatCompletionResponse, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("chat completion: messages are required")
	}
	var body []byte
	if c.chat == nil {
		var err error
		if body, err = json.Marshal(req); err != nil {
			return nil, fmt.Errorf("encode chat request: %w", err)
		}
	}
	return guarded(ctx, c, OpChatCompletion, func(ctx context.Context) (*ChatCompletionResponse, error) {
		if c.chat != nil {
			if err := c.wait(ctx); err != nil {
				return nil, err
			}
			return c.chat.Complete(ctx, &req)
		}
		var out ChatCompletionResponse
		if err := c.do(ctx, OpChatCompletion, http.MethodPost, "/v1/chat/completions", body, "application/json", &out); err != nil {
			return nil, err
		}
		out.Success = true
		return &out, nil
	}, FallbackChatCompletion)
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

// do performs one HTTP attempt and decodes a 2xx JSON body into out.
func (c *Client) do(ctx context.Context, op Operation, method, path string, body []byte, contentType string, out any) error {
	if err := c.wait(ctx); err != nil {
		return err
	}

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return retry.Permanent(fmt.Errorf("build %s request: %w", op, err))
	}
	httpReq.Header.Set("X-API-Key", c.apiKey)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", version.UserAgent())
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if id := logging.TraceIDFromContext(ctx); id != "" {
		httpReq.Header.Set("X-Request-ID", id)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	metrics.RemoteRequestDuration.WithLabelValues(string(op)).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RemoteRequests.WithLabelValues(string(op), "transport_error").Inc()
		return fmt.Errorf("flux ai %s: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.RemoteRequests.WithLabelValues(string(op), strconv.Itoa(resp.StatusCode)).Inc()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		logging.FromContext(ctx).Error("flux ai request failed",
			"operation", string(op),
			"status", resp.StatusCode,
			"body", string(snippet),
		)
		return &APIError{Operation: op, StatusCode: resp.StatusCode, Body: string(snippet)}
	}
	metrics.RemoteRequests.WithLabelValues(string(op), "success").Inc()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return retry.Permanent(fmt.Errorf("decode %s response: %w", op, err))
	}
	return nil
}

func encodeUpload(req UploadFileRequest) ([]byte, string, error) {
	if req.Filename == "" {
		return nil, "", fmt.Errorf("filename is required")
	}
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("files", req.Filename)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(req.Content); err != nil {
		return nil, "", err
	}
	for _, tag := range req.Tags {
		if err := w.WriteField("tags", tag); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}
