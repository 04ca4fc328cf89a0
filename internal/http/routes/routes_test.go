package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/tuplecache/cache"
	"github.com/briangreenhill/tuplecache/internal/jobs"
	"github.com/briangreenhill/tuplecache/store/memstore"
)

// fakeEnqueuer is a test implementation of the Enqueuer interface that
// records tasks instead of talking to redis.
type fakeEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{ID: "task-1", Queue: "default"}, nil
}

func newTestServer(t *testing.T, opts ServerOptions) *Server {
	t.Helper()
	if opts.Cache == nil {
		opts.Cache = cache.New(memstore.New())
	}
	return New(opts)
}

func do(t *testing.T, s *Server, method, target, token string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Router.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, ServerOptions{})
	rec := do(t, s, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestServer(t, ServerOptions{})

	rec := do(t, s, http.MethodPut, "/keys/greeting", "", []byte("hello"))
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, s, http.MethodGet, "/keys/greeting", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())
	assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
}

func TestGetMissingKey(t *testing.T) {
	s := newTestServer(t, ServerOptions{})
	rec := do(t, s, http.MethodGet, "/keys/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPostReportsPrevious(t *testing.T) {
	s := newTestServer(t, ServerOptions{})

	rec := do(t, s, http.MethodPost, "/keys/k", "", []byte("one"))
	require.Equal(t, http.StatusOK, rec.Code)
	var first struct {
		Previous []byte `json:"previous"`
		Had      bool   `json:"had"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	assert.False(t, first.Had)

	rec = do(t, s, http.MethodPost, "/keys/k", "", []byte("two"))
	require.Equal(t, http.StatusOK, rec.Code)
	var second struct {
		Previous []byte `json:"previous"`
		Had      bool   `json:"had"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &second))
	assert.True(t, second.Had)
	assert.Equal(t, []byte("one"), second.Previous)
}

func TestPutIfAbsent(t *testing.T) {
	s := newTestServer(t, ServerOptions{})

	rec := do(t, s, http.MethodPost, "/keys/k?absent=1", "", []byte("one"))
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, s, http.MethodPost, "/keys/k?absent=1", "", []byte("two"))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, s, http.MethodGet, "/keys/k", "", nil)
	assert.Equal(t, "one", rec.Body.String())
}

func TestDeleteKey(t *testing.T) {
	s := newTestServer(t, ServerOptions{})

	do(t, s, http.MethodPut, "/keys/k", "", []byte("v"))

	rec := do(t, s, http.MethodDelete, "/keys/k", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"removed":true}`, rec.Body.String())

	rec = do(t, s, http.MethodDelete, "/keys/k", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"removed":false}`, rec.Body.String())
}

func TestListKeys(t *testing.T) {
	s := newTestServer(t, ServerOptions{})

	do(t, s, http.MethodPut, "/keys/a", "", []byte("1"))
	do(t, s, http.MethodPut, "/keys/b", "", []byte("2"))

	rec := do(t, s, http.MethodGet, "/keys", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []keyEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].Key)
	assert.Equal(t, []byte("1"), entries[0].Value)
	assert.Equal(t, "b", entries[1].Key)
}

func TestRemoveAll(t *testing.T) {
	s := newTestServer(t, ServerOptions{})

	do(t, s, http.MethodPut, "/keys/a", "", []byte("1"))
	do(t, s, http.MethodPut, "/keys/b", "", []byte("2"))

	rec := do(t, s, http.MethodDelete, "/keys", "", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, s, http.MethodGet, "/keys", "", nil)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestBearerTokenGuardsMutations(t *testing.T) {
	s := newTestServer(t, ServerOptions{APIToken: "hunter2"})

	rec := do(t, s, http.MethodPut, "/keys/k", "", []byte("v"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, s, http.MethodPut, "/keys/k", "wrong", []byte("v"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, s, http.MethodPut, "/keys/k", "hunter2", []byte("v"))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// Reads stay open.
	rec = do(t, s, http.MethodGet, "/keys/k", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSweepEnqueues(t *testing.T) {
	q := &fakeEnqueuer{}
	s := newTestServer(t, ServerOptions{Queue: q})

	rec := do(t, s, http.MethodPost, "/sweep", "", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, q.tasks, 1)
	assert.Equal(t, jobs.TaskSweep, q.tasks[0].Type())
	assert.Contains(t, rec.Body.String(), "task_id")
}

func TestSweepWithoutQueue(t *testing.T) {
	s := newTestServer(t, ServerOptions{})
	rec := do(t, s, http.MethodPost, "/sweep", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestLoadEnqueues(t *testing.T) {
	q := &fakeEnqueuer{}
	s := newTestServer(t, ServerOptions{Queue: q})

	rec := do(t, s, http.MethodPost, "/load", "", []byte(`{"keys":["a","b"],"replace":true}`))
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, q.tasks, 1)
	assert.Equal(t, jobs.TaskWarm, q.tasks[0].Type())

	var p jobs.WarmPayload
	require.NoError(t, json.Unmarshal(q.tasks[0].Payload(), &p))
	assert.Equal(t, []string{"a", "b"}, p.Keys)
	assert.True(t, p.Replace)
	assert.NotEmpty(t, p.RequestID)
}

func TestLoadRejectsEmptyKeys(t *testing.T) {
	q := &fakeEnqueuer{}
	s := newTestServer(t, ServerOptions{Queue: q})

	rec := do(t, s, http.MethodPost, "/load", "", []byte(`{"keys":[]}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, q.tasks)

	rec = do(t, s, http.MethodPost, "/load", "", []byte(`not json`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEnqueueFailure(t *testing.T) {
	q := &fakeEnqueuer{err: assert.AnError}
	s := newTestServer(t, ServerOptions{Queue: q})

	rec := do(t, s, http.MethodPost, "/sweep", "", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestConflictMapsTo409(t *testing.T) {
	s := newTestServer(t, ServerOptions{})
	// Exercise the error mapping directly; driving a real put conflict needs
	// a racing writer.
	rec := httptest.NewRecorder()
	s.writeCacheError(rec, "k", "put", cache.ErrConflict)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "retry"))
}

func TestBulkErrorMapsToBadGateway(t *testing.T) {
	s := newTestServer(t, ServerOptions{})
	rec := httptest.NewRecorder()
	s.writeCacheError(rec, "", "remove-all", &cache.BulkError{Op: "remove-all", Failed: []string{"a"}})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), `"a"`)
}
