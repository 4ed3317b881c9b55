package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagerelay/backend/internal/broker"
	"github.com/pagerelay/backend/internal/document"
	"github.com/pagerelay/backend/internal/events"
	"github.com/pagerelay/backend/internal/logging"
	"github.com/pagerelay/backend/internal/monitoring"
	"github.com/pagerelay/backend/internal/relay"
	"github.com/pagerelay/backend/internal/session"
	"github.com/pagerelay/backend/internal/shared/id"
	"github.com/pagerelay/backend/internal/store"
	"github.com/pagerelay/backend/internal/upstream"
)

type scriptedUpstream struct {
	scripts []string
}

func (u *scriptedUpstream) OpenTurn(_ context.Context, _ upstream.TurnRequest) (io.ReadCloser, error) {
	if len(u.scripts) == 0 {
		return io.NopCloser(strings.NewReader("")), nil
	}
	script := u.scripts[0]
	u.scripts = u.scripts[1:]
	return io.NopCloser(strings.NewReader(script)), nil
}

type fixture struct {
	router   *gin.Engine
	registry *session.Registry
	presence *session.Presence
	meta     *relay.Manager
	upstream *scriptedUpstream
}

func newFixture(t *testing.T, scripts ...string) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := store.NewMemory()
	t.Cleanup(func() { st.Close() })

	logger := logging.NewNop()
	metrics := monitoring.NewMetrics()
	registry := session.NewRegistry(st, 0)
	presence := session.NewPresence(registry, st, 0)
	brk := broker.New(st, registry, presence, logger, metrics)
	channel := events.NewChannel(st, registry, presence, logger, metrics, 0)

	meta := relay.NewManager(st, 0)
	cache := relay.NewLiveCache(metrics)
	up := &scriptedUpstream{scripts: scripts}
	controller := relay.NewController(meta, cache, up, brk, registry,
		"https://relay.example", logger, metrics)

	handlers := NewHandlers(registry, brk, channel, controller, document.NewIngestor(), logger, metrics)

	router := gin.New()
	router.GET("/", handlers.Root)
	router.GET("/healthz", handlers.Health)
	router.POST("/session", handlers.CreateSession)
	router.DELETE("/session/:id", handlers.DeleteSession)
	router.GET("/events", handlers.Events)
	router.POST("/dispatch", handlers.Dispatch)
	router.POST("/respond", handlers.Respond)
	router.POST("/agent/run", handlers.RunTurn)

	return &fixture{
		router:   router,
		registry: registry,
		presence: presence,
		meta:     meta,
		upstream: up,
	}
}

func (f *fixture) post(path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	f.router.ServeHTTP(w, req)
	return w
}

func TestCreateAndDeleteSession(t *testing.T) {
	f := newFixture(t)

	w := f.post("/session", "")
	require.Equal(t, http.StatusOK, w.Code)

	var sess struct {
		SessionID string `json:"sessionId"`
		Token     string `json:"token"`
		ExpiresAt string `json:"expiresAt"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sess))
	assert.NotEmpty(t, sess.SessionID)
	assert.NotEmpty(t, sess.Token)
	assert.NotEmpty(t, sess.ExpiresAt)

	del := httptest.NewRequest(http.MethodDelete,
		"/session/"+sess.SessionID+"?token="+sess.Token, nil)
	w2 := httptest.NewRecorder()
	f.router.ServeHTTP(w2, del)
	require.Equal(t, http.StatusOK, w2.Code)

	// The session is gone, so the same call now fails authorization.
	w3 := httptest.NewRecorder()
	f.router.ServeHTTP(w3, del)
	assert.Equal(t, http.StatusUnauthorized, w3.Code)
	assert.Contains(t, w3.Body.String(), "UNAUTHORIZED")
}

func TestDispatchWithoutExecutor(t *testing.T) {
	f := newFixture(t)

	sess, err := f.registry.Create(context.Background())
	require.NoError(t, err)

	body := fmt.Sprintf(`{
		"type": "dispatch",
		"sessionId": %q,
		"token": %q,
		"request": {"type":"execute_request","requestId":"req-1","actions":[{"kind":"click"}]},
		"timeoutMs": 50
	}`, sess.ID, sess.Token)

	w := f.post("/dispatch", body)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "NO_BROWSER")
}

func TestDispatchRespondRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.registry.Create(ctx)
	require.NoError(t, err)
	require.NoError(t, f.presence.MarkConnected(ctx, sess.ID, sess.Token))

	dispatchBody := fmt.Sprintf(`{
		"type": "dispatch",
		"sessionId": %q,
		"token": %q,
		"request": {"type":"execute_request","requestId":"req-7","actions":[{"kind":"click","target":"#buy"}]},
		"timeoutMs": 5000
	}`, sess.ID, sess.Token)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- f.post("/dispatch", dispatchBody)
	}()

	respondBody := fmt.Sprintf(`{
		"type": "respond",
		"sessionId": %q,
		"token": %q,
		"response": {"type":"execute_response","requestId":"req-7","report":{"clicked":true,"target":"#buy"}}
	}`, sess.ID, sess.Token)

	// The respond call races dispatch's pending-marker write; retry
	// until the marker exists.
	require.Eventually(t, func() bool {
		return f.post("/respond", respondBody).Code == http.StatusOK
	}, 3*time.Second, 10*time.Millisecond)

	select {
	case w := <-done:
		require.Equal(t, http.StatusOK, w.Code)
		var result struct {
			OK       bool `json:"ok"`
			Response struct {
				Type      string          `json:"type"`
				RequestID string          `json:"requestId"`
				Report    json.RawMessage `json:"report"`
			} `json:"response"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
		assert.True(t, result.OK)
		assert.Equal(t, "execute_response", result.Response.Type)
		assert.Equal(t, "req-7", result.Response.RequestID)
		assert.JSONEq(t, `{"clicked":true,"target":"#buy"}`, string(result.Response.Report))
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch did not complete")
	}
}

func TestRespondWithoutPendingRequest(t *testing.T) {
	f := newFixture(t)

	sess, err := f.registry.Create(context.Background())
	require.NoError(t, err)

	body := fmt.Sprintf(`{
		"type": "respond",
		"sessionId": %q,
		"token": %q,
		"response": {"type":"execute_response","requestId":"req-none","report":{}}
	}`, sess.ID, sess.Token)

	w := f.post("/respond", body)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "NOT_FOUND")
}

func TestDispatchRejectsWrongEnvelopeType(t *testing.T) {
	f := newFixture(t)

	w := f.post("/dispatch", `{"type":"respond","sessionId":"s","token":"t","request":{}}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestEnsureRequestIDGeneratesWhenMissing(t *testing.T) {
	out, err := ensureRequestID(json.RawMessage(`{"type":"snapshot_request","instruction":"look"}`))
	require.NoError(t, err)

	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &fields))
	assert.NotEmpty(t, fields["requestId"])

	// An explicit id passes through untouched.
	same, err := ensureRequestID(json.RawMessage(`{"requestId":"req-1"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"requestId":"req-1"}`, string(same))
}

func TestRunTurnStreamsParts(t *testing.T) {
	f := newFixture(t,
		`{"type":"init","session_id":"up-1"}`+"\n"+
			`{"type":"message","delta":true,"text":"Hello"}`+"\n"+
			`{"type":"result"}`+"\n")

	w := f.post("/agent/run", `{"type":"agent.run","message":"hi"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/x-ndjson", w.Header().Get("Content-Type"))

	scanner := bufio.NewScanner(w.Body)
	require.True(t, scanner.Scan())

	var bootstrap struct {
		Type            string `json:"type"`
		ConversationID  string `json:"conversationId"`
		BrokerSessionID string `json:"brokerSessionId"`
		BrokerToken     string `json:"brokerToken"`
		BrokerURL       string `json:"brokerUrl"`
	}
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &bootstrap))
	assert.Equal(t, "relay-session", bootstrap.Type)
	assert.NotEmpty(t, bootstrap.ConversationID)
	assert.NotEmpty(t, bootstrap.BrokerSessionID)
	assert.NotEmpty(t, bootstrap.BrokerToken)
	assert.Equal(t, "https://relay.example", bootstrap.BrokerURL)

	var kinds []string
	for scanner.Scan() {
		var part struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &part))
		kinds = append(kinds, part.Type)
	}
	assert.Equal(t, []string{"text-start", "text-delta", "text-end", "finish"}, kinds)
}

func TestRunTurnSuspendsOnDispatch(t *testing.T) {
	f := newFixture(t,
		`{"type":"snapshot_request","requestId":"req-3","instruction":"read the page"}`+"\n")

	w := f.post("/agent/run", `{"type":"agent.run","message":"hi"}`)
	require.Equal(t, http.StatusOK, w.Code)

	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	require.GreaterOrEqual(t, len(lines), 3)

	var last struct {
		Type         string `json:"type"`
		FinishReason string `json:"finishReason"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &last))
	assert.Equal(t, "finish", last.Type)
	assert.Equal(t, "tool-calls", last.FinishReason)

	var bootstrap struct {
		ConversationID string `json:"conversationId"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &bootstrap))

	md, err := f.meta.Load(context.Background(), id.ConversationID(bootstrap.ConversationID))
	require.NoError(t, err)
	assert.Equal(t, "req-3", md.PendingRequestID)
}

func TestRunTurnRejectsBadDocument(t *testing.T) {
	f := newFixture(t)

	w := f.post("/agent/run", `{"type":"agent.run","message":"hi","document":""}`)
	require.Equal(t, http.StatusOK, w.Code)

	// Empty document field means no document at all, not an error; a
	// non-HTML payload is rejected before the stream starts.
	body, err := json.Marshal(map[string]string{
		"type":     "agent.run",
		"message":  "hi",
		"document": "\x00\x01binary",
	})
	require.NoError(t, err)
	w2 := f.post("/agent/run", string(body))
	assert.Equal(t, http.StatusUnprocessableEntity, w2.Code)
	assert.Contains(t, w2.Body.String(), "INVALID_RESPONSE")
}
