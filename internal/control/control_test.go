package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workerd/internal/storage"
	logx "workerd/pkg/logx"
	"workerd/pkg/worker"
)

type fakeWorkers struct {
	mu        sync.Mutex
	triggered []string
	noStore   bool
}

func (f *fakeWorkers) Snapshot() []WorkerInfo {
	return []WorkerInfo{
		{Name: "a", Kind: "heartbeat", Running: true, Interval: "1m0s"},
		{Name: "b", Kind: "prune", Running: false, Interval: "1h0m0s"},
	}
}

func (f *fakeWorkers) Trigger(name string) error {
	switch name {
	case "a":
		f.mu.Lock()
		f.triggered = append(f.triggered, name)
		f.mu.Unlock()
		return nil
	case "b":
		return worker.ErrNotRunning
	}
	return ErrUnknownWorker
}

func (f *fakeWorkers) History(_ context.Context, name string, limit int) ([]storage.RunRecord, error) {
	if f.noStore {
		return nil, ErrHistoryDisabled
	}
	if name != "a" {
		return nil, ErrUnknownWorker
	}
	out := make([]storage.RunRecord, 0, limit)
	for i := 0; i < limit && i < 3; i++ {
		out = append(out, storage.RunRecord{ID: fmt.Sprint(i), Worker: name, OK: true})
	}
	return out, nil
}

func do(t *testing.T, h http.Handler, method, target string, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestEndpoints(t *testing.T) {
	t.Parallel()
	fw := &fakeWorkers{}
	h := NewHandler(Config{TriggerRate: 100}, fw, logx.Nop())

	rec := do(t, h, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","workers":2,"running":1}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/workers")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []WorkerInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].Name)

	cases := []struct {
		name   string
		status int
	}{
		{"a", http.StatusAccepted},
		{"b", http.StatusConflict},
		{"zzz", http.StatusNotFound},
	}
	for _, tc := range cases {
		rec = do(t, h, http.MethodPost, "/workers/"+tc.name+"/trigger")
		assert.Equal(t, tc.status, rec.Code, tc.name)
	}
	assert.Equal(t, []string{"a"}, fw.triggered)

	rec = do(t, h, http.MethodGet, "/workers/a/trigger")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = do(t, h, http.MethodGet, "/workers/a/history?limit=2")
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []storage.RunRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	assert.Len(t, runs, 2)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/workers/a/history?limit=-1").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/workers/zzz/history").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/debug/pprof/").Code)

	fw.noStore = true
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, "/workers/a/history").Code)
}

func TestTriggerRateLimit(t *testing.T) {
	t.Parallel()
	h := NewHandler(Config{TriggerRate: 1}, &fakeWorkers{}, logx.Nop())

	assert.Equal(t, http.StatusAccepted, do(t, h, http.MethodPost, "/workers/a/trigger").Code)
	rec := do(t, h, http.MethodPost, "/workers/a/trigger")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestAuth(t *testing.T) {
	t.Parallel()
	h := NewHandler(Config{Token: "s3cret", Pprof: true}, &fakeWorkers{}, logx.Nop())

	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/workers").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/workers", "Authorization", "Bearer nope").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/workers?token=nope").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/workers", "Authorization", "Bearer s3cret").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/workers?token=s3cret").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/debug/pprof/", "Authorization", "Bearer s3cret").Code)
	// prefixes and extensions of the token are rejected
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/workers", "Authorization", "Bearer s3c").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/workers?token=s3cret2").Code)
}

func TestTokenMatches(t *testing.T) {
	t.Parallel()
	assert.True(t, tokenMatches("s3cret", "s3cret"))
	assert.False(t, tokenMatches("s3cre", "s3cret"))
	assert.False(t, tokenMatches("", "s3cret"))
	assert.False(t, tokenMatches("S3CRET", "s3cret"))
}

func TestServerLifecycle(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, &fakeWorkers{}, logx.Nop())
	s.Start(context.Background())
	select {
	case <-s.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("server not listening")
	}

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.Empty(t, s.Addr())
	require.NoError(t, s.Stop(ctx))
}

func TestServerDisabled(t *testing.T) {
	t.Parallel()
	s := New(Config{}, &fakeWorkers{}, logx.Nop())
	s.Start(context.Background())
	assert.Nil(t, s.Ready())
	require.NoError(t, s.Stop(context.Background()))
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	assert.True(t, isLoopbackAddr("127.0.0.1:6061"))
	assert.True(t, isLoopbackAddr("localhost:1"))
	assert.True(t, isLoopbackAddr("[::1]:1"))
	assert.False(t, isLoopbackAddr(":6061"))
	assert.False(t, isLoopbackAddr("0.0.0.0:6061"))
	assert.False(t, isLoopbackAddr("10.0.0.1:6061"))
	assert.False(t, isLoopbackAddr("nonsense"))
}
