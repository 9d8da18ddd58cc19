package directory

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()
	listener, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping test; listen unavailable: %v", err)
	}
	ts := &httptest.Server{
		Listener: listener,
		Config:   &http.Server{Handler: handler},
	}
	ts.Start()
	return ts
}

func TestMemoryDirectory(t *testing.T) {
	ctx := context.Background()
	dir := NewMemory()

	require.NoError(t, dir.Register(ctx, "ABC234", "ws://host:1"))
	assert.ErrorIs(t, dir.Register(ctx, "ABC234", "ws://host:2"), ErrTaken)

	addr, err := dir.Resolve(ctx, "ABC234")
	require.NoError(t, err)
	assert.Equal(t, "ws://host:1", addr)

	require.NoError(t, dir.Unregister(ctx, "ABC234"))
	_, err = dir.Resolve(ctx, "ABC234")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, dir.Unregister(ctx, "ABC234"), ErrNotFound)
}

func TestServerRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	handler := NewServer(NewMemory()).Handler()

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"register", http.MethodPut, "/rooms/ABC234", `{"address":"ws://10.0.0.2:8080"}`, http.StatusCreated},
		{"register taken", http.MethodPut, "/rooms/ABC234", `{"address":"ws://10.0.0.3:8080"}`, http.StatusConflict},
		{"register bad address", http.MethodPut, "/rooms/XYZ789", `{"address":"nope"}`, http.StatusBadRequest},
		{"register bad code", http.MethodPut, "/rooms/abc", `{"address":"ws://10.0.0.2:8080"}`, http.StatusNotFound},
		{"resolve", http.MethodGet, "/rooms/ABC234", "", http.StatusOK},
		{"resolve missing", http.MethodGet, "/rooms/XYZ789", "", http.StatusNotFound},
		{"unregister", http.MethodDelete, "/rooms/ABC234", "", http.StatusNoContent},
		{"unregister missing", http.MethodDelete, "/rooms/ABC234", "", http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, strings.NewReader(tc.body))
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
		})
	}
}

func TestClientAgainstServer(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ts := newTestServer(t, NewServer(NewMemory()).Handler())
	defer ts.Close()

	ctx := context.Background()
	client := NewClient(ts.URL, ts.Client())

	require.NoError(t, client.Register(ctx, "QWE456", "ws://127.0.0.1:9000"))
	assert.ErrorIs(t, client.Register(ctx, "QWE456", "ws://127.0.0.1:9001"), ErrTaken)

	addr, err := client.Resolve(ctx, "QWE456")
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:9000", addr)

	require.NoError(t, client.Unregister(ctx, "QWE456"))
	_, err = client.Resolve(ctx, "QWE456")
	assert.ErrorIs(t, err, ErrNotFound)
}
