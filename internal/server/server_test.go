package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knoguchi/medrag/internal/auth"
	"github.com/knoguchi/medrag/internal/domain"
	"github.com/knoguchi/medrag/internal/logging"
	"github.com/knoguchi/medrag/internal/memory"
	"github.com/knoguchi/medrag/internal/metrics"
	"github.com/knoguchi/medrag/internal/pipeline"
	"github.com/knoguchi/medrag/internal/relevance"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeRunner answers every query with a fixed result, or fails with err.
type fakeRunner struct {
	mu       sync.Mutex
	queries  []string
	err      error
	cleared  []string
	clears   int
	readyErr error
}

func (f *fakeRunner) RunQuery(_ context.Context, query string, _ [][]float32) (*pipeline.Result, error) {
	f.mu.Lock()
	f.queries = append(f.queries, query)
	n := len(f.queries)
	f.mu.Unlock()

	res := &pipeline.Result{
		QueryID: fmt.Sprintf("q-%d", n),
		Query:   query,
		Timings: map[pipeline.Stage]time.Duration{},
		Logs:    []logging.Entry{{Level: "INFO", Message: "query started"}},
	}
	if query == "" {
		return res, &pipeline.StageError{Stage: pipeline.StageValidate, Err: fmt.Errorf("%w: query is empty", domain.ErrInvalidArgument)}
	}
	if f.err != nil {
		return res, f.err
	}

	beta := domain.Scored{
		Retrieved: domain.Retrieved{Chunk: domain.Chunk{Index: 1, Text: "Drug Beta treats condition X effectively."}, Similarity: 0.98},
		Score:     9,
	}
	alpha := domain.Scored{
		Retrieved: domain.Retrieved{Chunk: domain.Chunk{Index: 0, Text: "Drug Alpha is studied."}, Similarity: 0.4},
		Score:     2,
	}
	res.ExpandedQuery = "Expanded: " + query
	res.Scored = []domain.Scored{beta, alpha}
	res.Relevant = []domain.Scored{beta}
	res.Answer = "Drug Beta treats condition X."
	res.ScoreMethod = relevance.MethodBracketList
	res.EmbeddingsSource = pipeline.EmbeddingsComputed
	res.Timings[pipeline.StageRetrieve] = 3 * time.Millisecond
	res.Total = 10 * time.Millisecond
	return res, nil
}

func (f *fakeRunner) ClearCache(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	return f.cleared, nil
}

func (f *fakeRunner) Ready(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readyErr
}

func (f *fakeRunner) setReadyErr(err error) {
	f.mu.Lock()
	f.readyErr = err
	f.mu.Unlock()
}

func (f *fakeRunner) clearCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clears
}

func (f *fakeRunner) query(i int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries[i]
}

func newTestHTTPServer(runner Runner, cfg HTTPServerConfig) *httptest.Server {
	cfg.Logger = discardLogger
	ts := httptest.NewServer(NewHTTPServer(cfg, runner).Handler())
	return ts
}

func do(t *testing.T, method, url string, body string, header map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var payload map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &payload))
	}
	return resp, payload
}

func TestHTTPServer_Run(t *testing.T) {
	runner := &fakeRunner{}
	ts := newTestHTTPServer(runner, HTTPServerConfig{})
	defer ts.Close()

	t.Run("Should answer the default query", func(t *testing.T) {
		resp, body := do(t, http.MethodGet, ts.URL+"/run", "", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "success", body["status"])
		assert.Equal(t, "Drug Beta treats condition X.", body["final_answer"])
		assert.Contains(t, body["logs"], "INFO query started")
		assert.Equal(t, DefaultQuery, runner.query(0))
	})

	t.Run("Should report an empty query as an error", func(t *testing.T) {
		resp, body := do(t, http.MethodGet, ts.URL+"/run?query=", "", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "error", body["status"])
		assert.Contains(t, body["message"], "VALIDATE_QUERY")
		assert.Contains(t, body["logs"], "query started")
	})
}

func TestHTTPServer_Query(t *testing.T) {
	t.Run("Should return diagnostics", func(t *testing.T) {
		ts := newTestHTTPServer(&fakeRunner{}, HTTPServerConfig{})
		defer ts.Close()

		resp, body := do(t, http.MethodPost, ts.URL+"/v1/query", `{"query":"what treats X?"}`, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "q-1", body["query_id"])
		assert.Equal(t, "Expanded: what treats X?", body["expanded_query"])
		assert.Equal(t, "bracket_list", body["score_method"])

		relevant := body["relevant"].([]any)
		require.Len(t, relevant, 1)
		assert.Equal(t, float64(9), relevant[0].(map[string]any)["score"])
		assert.Len(t, body["retrieved"], 2)
		assert.Equal(t, float64(3), body["timings_ms"].(map[string]any)["RETRIEVE"])
	})

	t.Run("Should reject malformed bodies", func(t *testing.T) {
		ts := newTestHTTPServer(&fakeRunner{}, HTTPServerConfig{})
		defer ts.Close()

		resp, body := do(t, http.MethodPost, ts.URL+"/v1/query", `{"query":`, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "invalid_argument", body["kind"])
	})

	cases := []struct {
		name string
		err  error
		code int
		kind string
	}{
		{"timeout", fmt.Errorf("%w: deadline", domain.ErrBackendTimeout), http.StatusGatewayTimeout, "backend_timeout"},
		{"model failure", fmt.Errorf("%w: refused", domain.ErrModelInvocation), http.StatusBadGateway, "model_invocation_error"},
		{"missing document", fmt.Errorf("%w: no such file", domain.ErrDocumentUnavailable), http.StatusNotFound, "document_unavailable"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		t.Run("Should map "+tc.name, func(t *testing.T) {
			err := &pipeline.StageError{Stage: pipeline.StageSynthesis, Err: tc.err}
			ts := newTestHTTPServer(&fakeRunner{err: err}, HTTPServerConfig{})
			defer ts.Close()

			resp, body := do(t, http.MethodPost, ts.URL+"/v1/query", `{"query":"q"}`, nil)
			assert.Equal(t, tc.code, resp.StatusCode)
			assert.Equal(t, tc.kind, body["kind"])
			assert.Equal(t, "SYNTHESIZE", body["stage"])
			assert.Equal(t, "q-1", body["query_id"])
			assert.NotEmpty(t, body["logs"])
		})
	}
}

func TestHTTPServer_Auth(t *testing.T) {
	runner := &fakeRunner{cleared: []string{"k1"}}
	ts := newTestHTTPServer(runner, HTTPServerConfig{
		Auth: auth.NewAuthenticator([]string{"user-key"}, "admin-key", nil),
	})
	defer ts.Close()

	t.Run("Should require credentials for queries", func(t *testing.T) {
		resp, _ := do(t, http.MethodGet, ts.URL+"/run?query=x", "", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

		resp, _ = do(t, http.MethodGet, ts.URL+"/run?query=x", "", map[string]string{"X-API-Key": "user-key"})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("Should leave health checks open", func(t *testing.T) {
		resp, _ := do(t, http.MethodGet, ts.URL+"/healthz", "", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("Should require admin to clear the cache", func(t *testing.T) {
		resp, _ := do(t, http.MethodDelete, ts.URL+"/v1/cache", "", map[string]string{"X-API-Key": "user-key"})
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.Equal(t, 0, runner.clearCount())

		resp, body := do(t, http.MethodDelete, ts.URL+"/v1/cache", "", map[string]string{"X-API-Key": "admin-key"})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, []any{"k1"}, body["cleared"])
		assert.Equal(t, 1, runner.clearCount())
	})
}

func TestHTTPServer_Sessions(t *testing.T) {
	sessions := memory.NewStore(20, time.Hour)
	ts := newTestHTTPServer(&fakeRunner{}, HTTPServerConfig{Sessions: sessions})
	defer ts.Close()

	header := map[string]string{SessionHeader: "s1"}
	do(t, http.MethodGet, ts.URL+"/run?query=first", "", header)
	do(t, http.MethodPost, ts.URL+"/v1/query", `{"query":"second"}`, header)
	do(t, http.MethodGet, ts.URL+"/run?query=", "", header)

	resp, body := do(t, http.MethodGet, ts.URL+"/v1/sessions/s1", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	messages := body["messages"].([]any)
	// two answered turns plus the failed query without an answer
	require.Len(t, messages, 5)
	assert.Equal(t, "first", messages[0].(map[string]any)["content"])
	assert.Equal(t, "assistant", messages[1].(map[string]any)["role"])

	resp, _ = do(t, http.MethodDelete, ts.URL+"/v1/sessions/s1", "", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, ts.URL+"/v1/sessions/s1", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTPServer_Probes(t *testing.T) {
	m := metrics.New()
	runner := &fakeRunner{}
	ts := newTestHTTPServer(runner, HTTPServerConfig{Metrics: m})
	defer ts.Close()

	t.Run("Should report readiness", func(t *testing.T) {
		resp, _ := do(t, http.MethodGet, ts.URL+"/readyz", "", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		runner.setReadyErr(domain.ErrDocumentUnavailable)
		resp, body := do(t, http.MethodGet, ts.URL+"/readyz", "", nil)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		assert.Equal(t, "not ready", body["status"])
		runner.setReadyErr(nil)
	})

	t.Run("Should expose metrics by route", func(t *testing.T) {
		do(t, http.MethodGet, ts.URL+"/run?query=x", "", nil)

		resp, err := http.Get(ts.URL + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		assert.Contains(t, string(raw), `medrag_http_requests_total{code="200",route="/run"}`)
	})

	t.Run("Should serve the index page", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/")
		require.NoError(t, err)
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		assert.Contains(t, string(raw), "/run?query=")
	})
}

func TestStatusMapping(t *testing.T) {
	wrapped := &pipeline.StageError{Stage: pipeline.StageEmbed, Err: fmt.Errorf("%w: down", domain.ErrEmbeddingBackend)}
	assert.Equal(t, http.StatusBadGateway, HTTPStatus(wrapped))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(domain.ErrInvalidConfiguration))
	assert.Equal(t, http.StatusGatewayTimeout, HTTPStatus(context.DeadlineExceeded))
	assert.Equal(t, statusClientClosedRequest, HTTPStatus(context.Canceled))
	assert.Equal(t, http.StatusOK, HTTPStatus(nil))
}
