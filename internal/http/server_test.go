package http

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lsmkv/pkg/config"
	"lsmkv/pkg/engine"
	"lsmkv/pkg/maps"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := config.Default()
	cfg.Engine.DataDir = t.TempDir()
	cfg.Engine.WriteBufferBytes = 64 * config.KiB
	cfg.Engine.PageCacheBytes = 64 * config.KiB
	cfg.Engine.WAL.SyncMode = "none"
	cfg.Engine.Merge.Interval = time.Hour

	e, err := engine.Open(context.Background(), cfg.Engine, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	keeper, err := maps.New(e, false, logger)
	require.NoError(t, err)

	ts := httptest.NewServer(NewServer(cfg.Server, keeper, e, logger).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, ts *httptest.Server, method, path, body string) (int, Response) {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, strings.NewReader(body))
	require.NoError(t, err)

	res, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	var resp Response
	require.NoError(t, json.NewDecoder(res.Body).Decode(&resp))
	return res.StatusCode, resp
}

func TestServer_Health(t *testing.T) {
	ts := newTestServer(t)

	status, resp := do(t, ts, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, StatusOK, resp.Status)
}

func TestServer_MapsAndRecords(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   maps.ResponseCode
	}{
		{"add map", http.MethodPut, "/maps/users", "", http.StatusOK, maps.Success},
		{"add map twice", http.MethodPut, "/maps/users", "", http.StatusConflict, maps.MapExists},
		{"update missing record", http.MethodPatch, "/maps/users/records/alice", "x", http.StatusNotFound, maps.RecordNotFound},
		{"insert record", http.MethodPost, "/maps/users/records/alice", "v1", http.StatusOK, maps.Success},
		{"insert existing record", http.MethodPost, "/maps/users/records/alice", "v2", http.StatusConflict, maps.RecordExists},
		{"update record", http.MethodPatch, "/maps/users/records/alice", "v3", http.StatusOK, maps.Success},
		{"put record", http.MethodPut, "/maps/users/records/bob", "b", http.StatusOK, maps.Success},
		{"remove record", http.MethodDelete, "/maps/users/records/bob", "", http.StatusOK, maps.Success},
		{"remove missing record", http.MethodDelete, "/maps/users/records/bob", "", http.StatusNotFound, maps.RecordNotFound},
		{"write to missing map", http.MethodPut, "/maps/ghost/records/r", "v", http.StatusNotFound, maps.MapNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, resp := do(t, ts, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code.String(), resp.Code)
		})
	}

	status, resp := do(t, ts, http.MethodGet, "/maps/users/records/alice", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, []byte("v3"), resp.Value)

	status, resp = do(t, ts, http.MethodGet, "/maps/users/records/bob", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, maps.RecordNotFound.String(), resp.Code)

	_, resp = do(t, ts, http.MethodGet, "/maps", "")
	assert.Equal(t, []string{"users"}, resp.Maps)

	status, _ = do(t, ts, http.MethodDelete, "/maps/users", "")
	assert.Equal(t, http.StatusOK, status)
	status, resp = do(t, ts, http.MethodDelete, "/maps/users", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, maps.MapNotFound.String(), resp.Code)
}

func TestServer_Scan(t *testing.T) {
	ts := newTestServer(t)

	do(t, ts, http.MethodPut, "/maps/m", "")
	for _, r := range []string{"a", "b", "c", "d"} {
		do(t, ts, http.MethodPut, "/maps/m/records/"+r, "val-"+r)
	}

	status, resp := do(t, ts, http.MethodGet, "/maps/m/records", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, maps.ScanEnded.String(), resp.Code)
	assert.Len(t, resp.Records, 4)

	_, resp = do(t, ts, http.MethodGet, "/maps/m/records?start=a&start_incl=false&end=c&end_incl=true", "")
	assert.Equal(t, []Record{
		{Key: []byte("b"), Value: []byte("val-b")},
		{Key: []byte("c"), Value: []byte("val-c")},
	}, resp.Records)

	_, resp = do(t, ts, http.MethodGet, "/maps/m/records?max_records=1", "")
	assert.Equal(t, maps.Success.String(), resp.Code)
	assert.Equal(t, []Record{{Key: []byte("a"), Value: []byte("val-a")}}, resp.Records)

	status, _ = do(t, ts, http.MethodGet, "/maps/m/records?max_bytes=-1", "")
	assert.Equal(t, http.StatusBadRequest, status)

	status, resp = do(t, ts, http.MethodGet, "/maps/nope/records", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, maps.MapNotFound.String(), resp.Code)
}

func TestServer_Admin(t *testing.T) {
	ts := newTestServer(t)

	do(t, ts, http.MethodPut, "/maps/m", "")
	do(t, ts, http.MethodPut, "/maps/m/records/r", "v")

	status, _ := do(t, ts, http.MethodPost, "/admin/flush", "")
	assert.Equal(t, http.StatusOK, status)
	status, _ = do(t, ts, http.MethodPost, "/admin/compact", "")
	assert.Equal(t, http.StatusOK, status)

	status, resp := do(t, ts, http.MethodGet, "/admin/stats", "")
	assert.Equal(t, http.StatusOK, status)
	require.NotNil(t, resp.Stats)
	assert.NotEmpty(t, resp.Stats.StoreID)
	assert.Zero(t, resp.Stats.MemTuples)
	assert.Equal(t, 1, resp.Stats.Levels[1].Runs)

	_, resp = do(t, ts, http.MethodGet, "/maps/m/records/r", "")
	assert.Equal(t, []byte("v"), resp.Value)
}

func TestServer_StartStop(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewServer(config.ServerConfig{Addr: "127.0.0.1:0", ReadHeaderTimeout: time.Second}, nil, nil, logger)

	require.NoError(t, s.Start())
	assert.True(t, strings.HasPrefix(s.URL, "http://127.0.0.1:"))
	require.NoError(t, s.Stop())
}
