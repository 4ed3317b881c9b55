package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/pagerelay/backend/internal/broker"
	"github.com/pagerelay/backend/internal/document"
	"github.com/pagerelay/backend/internal/events"
	"github.com/pagerelay/backend/internal/logging"
	"github.com/pagerelay/backend/internal/monitoring"
	"github.com/pagerelay/backend/internal/relay"
	"github.com/pagerelay/backend/internal/session"
	"github.com/pagerelay/backend/internal/shared/id"
	"github.com/pagerelay/backend/internal/types"
)

// Handlers contains all HTTP handlers.
type Handlers struct {
	registry   *session.Registry
	broker     *broker.Broker
	channel    *events.Channel
	controller *relay.Controller
	ingestor   *document.Ingestor
	logger     *logging.Logger
	metrics    *monitoring.Metrics
}

// NewHandlers creates a new handler set.
func NewHandlers(
	registry *session.Registry,
	brk *broker.Broker,
	channel *events.Channel,
	controller *relay.Controller,
	ingestor *document.Ingestor,
	logger *logging.Logger,
	metrics *monitoring.Metrics,
) *Handlers {
	return &Handlers{
		registry:   registry,
		broker:     brk,
		channel:    channel,
		controller: controller,
		ingestor:   ingestor,
		logger:     logger.Named("http"),
		metrics:    metrics,
	}
}

// Root handles the service banner.
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "online",
		"service": "page-relay",
		"version": "0.3.0",
	})
}

// Health handles health checks.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// CreateSession issues a fresh broker session.
func (h *Handlers) CreateSession(c *gin.Context) {
	sess, err := h.registry.Create(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	h.metrics.SessionsCreated.Inc()
	c.JSON(http.StatusOK, sess)
}

// DeleteSession destroys a session before its TTL runs out. The caller
// must hold the session token.
func (h *Handlers) DeleteSession(c *gin.Context) {
	sessionID := id.SessionID(c.Param("id"))
	token := c.Query("token")

	ctx := c.Request.Context()
	if err := h.registry.Assert(ctx, sessionID, token); err != nil {
		respondError(c, err)
		return
	}
	if err := h.registry.Delete(ctx, sessionID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// Events serves the SSE event channel.
func (h *Handlers) Events(c *gin.Context) {
	h.channel.ServeSSE(c)
}

// EventsWS serves the WebSocket event channel.
func (h *Handlers) EventsWS(c *gin.Context) {
	h.channel.ServeWS(c)
}

type dispatchEnvelope struct {
	Type      string          `json:"type" binding:"required"`
	SessionID string          `json:"sessionId" binding:"required"`
	Token     string          `json:"token" binding:"required"`
	Request   json.RawMessage `json:"request" binding:"required"`
	TimeoutMs int             `json:"timeoutMs"`
}

// Dispatch forwards a request to the attached executor and blocks until
// it responds, fails, or times out.
func (h *Handlers) Dispatch(c *gin.Context) {
	var env dispatchEnvelope
	if err := c.ShouldBindJSON(&env); err != nil {
		respondError(c, types.WrapError(types.CodeInvalidResponse, err, "malformed dispatch"))
		return
	}
	if env.Type != "dispatch" {
		respondError(c, types.NewError(types.CodeInvalidResponse, "unexpected envelope type %q", env.Type))
		return
	}

	payload, err := ensureRequestID(env.Request)
	if err != nil {
		respondError(c, err)
		return
	}
	req, err := types.DecodeRequest(payload)
	if err != nil {
		respondError(c, types.WrapError(types.CodeInvalidResponse, err, "malformed request payload"))
		return
	}

	resp, err := h.broker.Dispatch(c.Request.Context(),
		id.SessionID(env.SessionID), env.Token, req,
		time.Duration(env.TimeoutMs)*time.Millisecond)
	if err != nil {
		respondError(c, err)
		return
	}

	encoded, err := types.EncodeResponse(resp)
	if err != nil {
		respondError(c, types.WrapError(types.CodeInternal, err, "response encoding failed"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "response": json.RawMessage(encoded)})
}

type respondEnvelope struct {
	Type      string          `json:"type" binding:"required"`
	SessionID string          `json:"sessionId" binding:"required"`
	Token     string          `json:"token" binding:"required"`
	Response  json.RawMessage `json:"response" binding:"required"`
}

// Respond resolves a pending dispatched request with the executor's
// response.
func (h *Handlers) Respond(c *gin.Context) {
	var env respondEnvelope
	if err := c.ShouldBindJSON(&env); err != nil {
		respondError(c, types.WrapError(types.CodeInvalidResponse, err, "malformed respond"))
		return
	}
	if env.Type != "respond" {
		respondError(c, types.NewError(types.CodeInvalidResponse, "unexpected envelope type %q", env.Type))
		return
	}

	resp, err := types.DecodeResponse(env.Response)
	if err != nil {
		respondError(c, types.WrapError(types.CodeInvalidResponse, err, "malformed response payload"))
		return
	}

	if err := h.broker.Resolve(c.Request.Context(),
		id.SessionID(env.SessionID), env.Token, resp); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// ensureRequestID fills in a generated id when the agent omitted one.
func ensureRequestID(raw json.RawMessage) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, types.WrapError(types.CodeInvalidResponse, err, "malformed request payload")
	}

	var current string
	if v, ok := fields["requestId"]; ok {
		json.Unmarshal(v, &current)
	}
	if current != "" {
		return raw, nil
	}

	generated, _ := json.Marshal(uuid.NewString())
	fields["requestId"] = generated
	return json.Marshal(fields)
}

func respondError(c *gin.Context, err error) {
	code := types.CodeOf(err)

	message := err.Error()
	var relayErr *types.RelayError
	if errors.As(err, &relayErr) {
		message = relayErr.Message
	}

	c.JSON(code.HTTPStatus(), gin.H{
		"ok":        false,
		"errorCode": string(code),
		"message":   message,
	})
}
