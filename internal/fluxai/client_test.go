package fluxai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ferro-labs/fluxguard/internal/circuitbreaker"
	"github.com/ferro-labs/fluxguard/internal/retry"
)

func fastRetry(attempts int) retry.Policy {
	return retry.Policy{MaxAttempts: attempts, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
}

func newTestClient(t *testing.T, h http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	base := []Option{
		WithRetryPolicy(fastRetry(1)),
		WithBreakers(circuitbreaker.NewGroup(t.Name(), circuitbreaker.ScopeOperation, 3, time.Minute)),
	}
	return NewClient(srv.URL, "test-key", append(base, opts...)...)
}

func TestListFilesSendsAuthHeaders(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/v1/files" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-API-Key") != "test-key" {
			t.Errorf("missing X-API-Key header")
		}
		if r.Header.Get("Accept") != "application/json" {
			t.Errorf("missing Accept header")
		}
		_, _ = io.WriteString(w, `{"success":true,"data":[{"id":"f1","filename":"a.pdf"},{"id":"f2"}]}`)
	})

	resp, err := c.ListFiles(context.Background())
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if !resp.Success || resp.Count != 2 || resp.Data[0].Filename != "a.pdf" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestGetFileEscapesID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.EscapedPath() != "/v1/files/a%2Fb" {
			t.Errorf("path = %s", r.URL.EscapedPath())
		}
		_, _ = io.WriteString(w, `{"success":true,"data":{"id":"a/b","status":"processed"}}`)
	})
	resp, err := c.GetFile(context.Background(), "a/b")
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if resp.Data == nil || resp.Data.Status != "processed" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestUploadFileMultipart(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
			return
		}
		f, hdr, err := r.FormFile("files")
		if err != nil {
			t.Errorf("form file: %v", err)
			return
		}
		content, _ := io.ReadAll(f)
		if hdr.Filename != "review.txt" || string(content) != "hello" {
			t.Errorf("unexpected file %q %q", hdr.Filename, content)
		}
		if tags := r.MultipartForm.Value["tags"]; len(tags) != 2 || tags[0] != "q3" || tags[1] != "hr" {
			t.Errorf("unexpected tags %v", tags)
		}
		_, _ = io.WriteString(w, `{"success":true,"data":[{"id":"new-file"}]}`)
	})

	resp, err := c.UploadFile(context.Background(), UploadFileRequest{
		Filename: "review.txt",
		Content:  []byte("hello"),
		Tags:     []string{"q3", "hr"},
	})
	if err != nil {
		t.Fatalf("UploadFile: %v", err)
	}
	if len(resp.Data) != 1 || resp.Data[0].ID != "new-file" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestChatCompletionBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content type = %q", r.Header.Get("Content-Type"))
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
			return
		}
		if body["stream"] != false || body["mode"] != "rag" || body["preamble"] != "be brief" {
			t.Errorf("unexpected body: %v", body)
		}
		if _, ok := body["model"]; ok {
			t.Errorf("empty model should be omitted")
		}
		_, _ = io.WriteString(w, `{"id":"c1","model":"flux","choices":[{"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}]}`)
	})

	resp, err := c.ChatCompletion(context.Background(), ChatCompletionRequest{
		Messages: []Message{{Role: RoleUser, Content: "hello"}},
		Preamble: "be brief",
		Mode:     ModeRAG,
	})
	if err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}
	if resp.Content() != "hi" || !resp.Success || resp.IsDegraded() {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestNon2xxReturnsAPIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"detail":"no such file"}`)
	})
	_, err := c.GetFile(context.Background(), "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.StatusCode != 404 || apiErr.Operation != OpGetFile || apiErr.Body == "" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestServerErrorsAreRetried(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, `{"success":true,"data":[]}`)
	}, WithRetryPolicy(fastRetry(3)))

	if _, err := c.ListFiles(context.Background()); err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if hits.Load() != 3 {
		t.Fatalf("hits = %d, want 3", hits.Load())
	}
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}, WithRetryPolicy(fastRetry(5)))

	_, _ = c.ListFiles(context.Background())
	if hits.Load() != 1 {
		t.Fatalf("hits = %d, want 1", hits.Load())
	}
}

func TestOpenCircuitServesFallback(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := c.ChatCompletion(ctx, ChatCompletionRequest{Messages: []Message{{Role: RoleUser, Content: "x"}}}); err == nil {
			t.Fatalf("call %d: expected error before the circuit opens", i+1)
		}
	}

	resp, err := c.ChatCompletion(ctx, ChatCompletionRequest{Messages: []Message{{Role: RoleUser, Content: "x"}}})
	if err != nil {
		t.Fatalf("expected fallback without error, got %v", err)
	}
	if resp.ID != FallbackChatID || !resp.IsDegraded() {
		t.Fatalf("expected fallback response, got %+v", resp)
	}
	if hits.Load() != 3 {
		t.Fatalf("server reached while open: hits = %d", hits.Load())
	}

	// Operation scope: list_files has its own breaker and still reaches the server.
	_, _ = c.ListFiles(ctx)
	if hits.Load() != 4 {
		t.Fatalf("expected list_files to reach the server, hits = %d", hits.Load())
	}
}

func TestValidationErrors(t *testing.T) {
	c := NewClient("", "k")
	if c.BaseURL() != DefaultBaseURL {
		t.Fatalf("base url = %q", c.BaseURL())
	}
	ctx := context.Background()
	if _, err := c.GetFile(ctx, ""); err == nil {
		t.Error("expected error for empty file id")
	}
	if _, err := c.ChatCompletion(ctx, ChatCompletionRequest{}); err == nil {
		t.Error("expected error for empty messages")
	}
	if _, err := c.UploadFile(ctx, UploadFileRequest{}); err == nil {
		t.Error("expected error for missing filename")
	}
}
