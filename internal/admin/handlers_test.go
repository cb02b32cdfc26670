package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ferro-labs/fluxguard/internal/cache"
	"github.com/ferro-labs/fluxguard/internal/calllog"
	"github.com/ferro-labs/fluxguard/internal/circuitbreaker"
)

const (
	adminToken = "admin-secret"
	readToken  = "read-secret"
)

type fakeCache struct {
	invalidated []string
	cleanupErr  error
}

func (f *fakeCache) Stats(context.Context) cache.Stats {
	return cache.Stats{TotalEntries: 3, ActiveEntries: 2, ExpiredEntries: 1, VolatileMemoryUsed: "1.2 kB"}
}

func (f *fakeCache) CleanupExpired(context.Context) (int64, error) {
	if f.cleanupErr != nil {
		return 0, f.cleanupErr
	}
	return 1, nil
}

func (f *fakeCache) Invalidate(_ context.Context, key string) error {
	f.invalidated = append(f.invalidated, key)
	return nil
}

type fakeLogs struct {
	lastQuery  calllog.Query
	lastBefore time.Time
}

func (f *fakeLogs) List(_ context.Context, q calllog.Query) (*calllog.ListResult, error) {
	f.lastQuery = q
	return &calllog.ListResult{
		Data:  []calllog.Entry{{Operation: "list_files", Outcome: calllog.OutcomeVolatileHit}},
		Total: 7,
	}, nil
}

func (f *fakeLogs) DeleteBefore(_ context.Context, t time.Time) (int64, error) {
	f.lastBefore = t
	return 4, nil
}

type testEnv struct {
	cache  *fakeCache
	logs   *fakeLogs
	router chi.Router
}

func setupTestRouter(withLogs bool) *testEnv {
	env := &testEnv{cache: &fakeCache{}, logs: &fakeLogs{}}
	group := circuitbreaker.NewGroup("flux_ai", circuitbreaker.ScopeOperation, 2, time.Minute)
	group.For("list_files").RecordFailure()

	h := &Handlers{Cache: env.cache, Breakers: group}
	if withLogs {
		h.Logs = env.logs
		h.LogAdmin = env.logs
	}
	r := chi.NewRouter()
	r.Use(AuthMiddleware(Tokens{Admin: adminToken, ReadOnly: readToken}))
	r.Mount("/admin", h.Routes())
	env.router = r
	return env
}

func authedRequest(method, url, token string) *http.Request {
	req := httptest.NewRequest(method, url, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware_RejectsMissingAndInvalidTokens(t *testing.T) {
	env := setupTestRouter(false)

	w := env.do(httptest.NewRequest(http.MethodGet, "/admin/cache/stats", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no header: got %d, want 401", w.Code)
	}

	w = env.do(authedRequest(http.MethodGet, "/admin/cache/stats", "wrong"))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("bad token: got %d, want 401", w.Code)
	}
}

func TestAuthMiddleware_EmptyTokenNeverMatches(t *testing.T) {
	handler := AuthMiddleware(Tokens{Admin: adminToken})(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		t.Error("handler should not be called")
	}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, authedRequest(http.MethodGet, "/", ""))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("got %d, want 401", w.Code)
	}
}

func TestCacheStats(t *testing.T) {
	env := setupTestRouter(false)
	w := env.do(authedRequest(http.MethodGet, "/admin/cache/stats", readToken))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var st cache.Stats
	if err := json.NewDecoder(w.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.TotalEntries != 3 || st.ExpiredEntries != 1 {
		t.Errorf("unexpected stats: %+v", st)
	}
}

func TestReadOnlyTokenCannotWrite(t *testing.T) {
	env := setupTestRouter(false)
	w := env.do(authedRequest(http.MethodPost, "/admin/cache/cleanup", readToken))
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}

func TestCleanupCache(t *testing.T) {
	env := setupTestRouter(false)
	w := env.do(authedRequest(http.MethodPost, "/admin/cache/cleanup", adminToken))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]int64
	_ = json.NewDecoder(w.Body).Decode(&body)
	if body["removed"] != 1 {
		t.Errorf("removed = %d", body["removed"])
	}

	env.cache.cleanupErr = errors.New("db down")
	w = env.do(authedRequest(http.MethodPost, "/admin/cache/cleanup", adminToken))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
}

func TestInvalidateKey(t *testing.T) {
	env := setupTestRouter(false)
	w := env.do(authedRequest(http.MethodDelete, "/admin/cache/abc123", adminToken))
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if len(env.cache.invalidated) != 1 || env.cache.invalidated[0] != "abc123" {
		t.Errorf("invalidated = %v", env.cache.invalidated)
	}
}

func TestListBreakers(t *testing.T) {
	env := setupTestRouter(false)
	w := env.do(authedRequest(http.MethodGet, "/admin/breakers", readToken))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body struct {
		Data []circuitbreaker.Snapshot `json:"data"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Data) != 1 || body.Data[0].Name != "flux_ai.list_files" || body.Data[0].FailureCount != 1 {
		t.Errorf("unexpected breakers: %+v", body.Data)
	}
}

func TestListLogs(t *testing.T) {
	env := setupTestRouter(true)
	w := env.do(authedRequest(http.MethodGet, "/admin/logs?limit=500&offset=5&operation=list_files&outcome=volatile_hit", readToken))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	q := env.logs.lastQuery
	if q.Limit != 200 || q.Offset != 5 || q.Operation != "list_files" || q.Outcome != calllog.OutcomeVolatileHit {
		t.Errorf("unexpected query: %+v", q)
	}
}

func TestListLogsValidation(t *testing.T) {
	env := setupTestRouter(true)
	for _, url := range []string{"/admin/logs?limit=0", "/admin/logs?limit=x", "/admin/logs?offset=-1"} {
		w := env.do(authedRequest(http.MethodGet, url, readToken))
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", url, w.Code)
		}
	}
}

func TestLogsNotEnabled(t *testing.T) {
	env := setupTestRouter(false)
	w := env.do(authedRequest(http.MethodGet, "/admin/logs", readToken))
	if w.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", w.Code)
	}
}

func TestDeleteLogs(t *testing.T) {
	env := setupTestRouter(true)

	w := env.do(authedRequest(http.MethodDelete, "/admin/logs", adminToken))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing before: expected 400, got %d", w.Code)
	}

	w = env.do(authedRequest(http.MethodDelete, "/admin/logs?before=2026-01-02T03:04:05Z", adminToken))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	want := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if !env.logs.lastBefore.Equal(want) {
		t.Errorf("before = %s", env.logs.lastBefore)
	}
}
