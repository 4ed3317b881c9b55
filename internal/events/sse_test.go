package events

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagerelay/backend/internal/broker"
	"github.com/pagerelay/backend/internal/logging"
	"github.com/pagerelay/backend/internal/session"
	"github.com/pagerelay/backend/internal/store"
	"github.com/pagerelay/backend/internal/types"
)

type sseFixture struct {
	store    *store.Memory
	registry *session.Registry
	presence *session.Presence
	server   *httptest.Server
	session  *session.Session
}

func newSSEFixture(t *testing.T) *sseFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := store.NewMemory()
	t.Cleanup(func() { st.Close() })

	registry := session.NewRegistry(st, 0)
	presence := session.NewPresence(registry, st, 0)
	channel := NewChannel(st, registry, presence, logging.NewNop(), nil, 25*time.Millisecond)

	router := gin.New()
	router.GET("/events", channel.ServeSSE)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	sess, err := registry.Create(context.Background())
	require.NoError(t, err)

	return &sseFixture{store: st, registry: registry, presence: presence, server: server, session: sess}
}

func (f *sseFixture) connect(t *testing.T, sessionID, token string) (*http.Response, *bufio.Reader) {
	t.Helper()

	resp, err := http.Get(f.server.URL + "/events?sessionId=" + sessionID + "&token=" + token)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp, bufio.NewReader(resp.Body)
}

// readEvent consumes lines until one SSE event's data line is seen.
func readEvent(t *testing.T, r *bufio.Reader) (id string, data string) {
	t.Helper()

	deadline := time.After(2 * time.Second)
	lines := make(chan string, 1)
	errs := make(chan error, 1)

	for {
		go func() {
			line, err := r.ReadString('\n')
			if err != nil {
				errs <- err
				return
			}
			lines <- line
		}()

		select {
		case <-deadline:
			t.Fatal("timed out reading SSE event")
		case err := <-errs:
			t.Fatalf("read error: %v", err)
		case line := <-lines:
			line = strings.TrimRight(line, "\r\n")
			switch {
			case strings.HasPrefix(line, "id:"):
				id = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
			case strings.HasPrefix(line, "data:"):
				data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
				return id, data
			}
		}
	}
}

func TestSSEUnauthorized(t *testing.T) {
	f := newSSEFixture(t)

	resp, _ := f.connect(t, f.session.ID.String(), "wrong-token")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSSEReadyAndForwardedRequest(t *testing.T) {
	f := newSSEFixture(t)

	resp, r := f.connect(t, f.session.ID.String(), f.session.Token)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, ready := readEvent(t, r)
	assert.Contains(t, ready, `"type":"ready"`)
	assert.Contains(t, ready, f.session.ID.String())

	// Attaching must have marked presence.
	require.NoError(t, f.presence.EnsureConnected(context.Background(), f.session.ID))

	// Publish a request on the session's channel; it must be forwarded
	// verbatim with the next sequence number.
	payload, err := types.EncodeRequest(&types.SnapshotRequest{
		RequestID:   "req_1",
		Instruction: "find the search box",
	})
	require.NoError(t, err)

	// The ready event is written after the subscription is taken, so the
	// channel is guaranteed to be attached by now.
	require.NoError(t, f.store.Publish(context.Background(), broker.RequestChannel(f.session.ID), payload))

	seq, data := readEvent(t, r)
	assert.Equal(t, "1", seq)
	assert.JSONEq(t, string(payload), data)
}

func TestSSEKeepAliveRefreshesPresence(t *testing.T) {
	f := newSSEFixture(t)
	_, r := f.connect(t, f.session.ID.String(), f.session.Token)

	readEvent(t, r) // ready

	// Wait for several keep-alive intervals; presence must still hold.
	time.Sleep(100 * time.Millisecond)
	assert.NoError(t, f.presence.EnsureConnected(context.Background(), f.session.ID))
}
