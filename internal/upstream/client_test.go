package upstream

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagerelay/backend/internal/logging"
	"github.com/pagerelay/backend/internal/types"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := New(Config{BaseURL: srv.URL, ConnectTimeout: 2 * time.Second}, logging.NewNop())
	return c, srv
}

func TestOpenTurnStreamsLines(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/turn", r.URL.Path)

		var req TurnRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "hello", req.Message)

		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Write([]byte(`{"type":"init","session_id":"s1"}` + "\n"))
		w.Write([]byte(`{"type":"result"}` + "\n"))
	}))

	stream, err := c.OpenTurn(context.Background(), TurnRequest{Message: "hello"})
	require.NoError(t, err)
	defer stream.Close()

	sc := bufio.NewScanner(stream)
	require.True(t, sc.Scan())
	assert.JSONEq(t, `{"type":"init","session_id":"s1"}`, sc.Text())
	require.True(t, sc.Scan())
	assert.JSONEq(t, `{"type":"result"}`, sc.Text())
}

func TestOpenTurnDecodesGzip(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		gz.Write([]byte(`{"type":"init","session_id":"s2"}` + "\n"))
		gz.Close()
	}))

	stream, err := c.OpenTurn(context.Background(), TurnRequest{Message: "hi"})
	require.NoError(t, err)
	defer stream.Close()

	sc := bufio.NewScanner(stream)
	require.True(t, sc.Scan())
	assert.JSONEq(t, `{"type":"init","session_id":"s2"}`, sc.Text())
}

func TestOpenTurnUpstreamError(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))

	_, err := c.OpenTurn(context.Background(), TurnRequest{Message: "hi"})
	require.Error(t, err)
	assert.Equal(t, types.CodeInternal, types.CodeOf(err))
	assert.Contains(t, err.Error(), "502")
}

func TestOpenTurnCircuitOpens(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))

	for i := 0; i < 5; i++ {
		_, err := c.OpenTurn(context.Background(), TurnRequest{Message: "hi"})
		require.Error(t, err)
	}

	_, err := c.OpenTurn(context.Background(), TurnRequest{Message: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit open")
}
