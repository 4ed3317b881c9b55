package http

import (
	"encoding/json"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pagerelay/backend/internal/relay"
	"github.com/pagerelay/backend/internal/shared/id"
	"github.com/pagerelay/backend/internal/stream"
	"github.com/pagerelay/backend/internal/types"
)

type turnEnvelope struct {
	Type       string             `json:"type" binding:"required"`
	Message    string             `json:"message"`
	Document   string             `json:"document"`
	SessionID  string             `json:"session_id"`
	SandboxID  string             `json:"sandbox_id"`
	ToolResult *toolResultPayload `json:"tool_result"`
}

type toolResultPayload struct {
	RequestID string          `json:"requestId"`
	ToolName  string          `json:"toolName"`
	Result    json.RawMessage `json:"result"`
}

// RunTurn executes one agent turn and streams the mapped output as
// line-delimited JSON. The first line is always the session bootstrap.
func (h *Handlers) RunTurn(c *gin.Context) {
	var env turnEnvelope
	if err := c.ShouldBindJSON(&env); err != nil {
		respondError(c, types.WrapError(types.CodeInvalidResponse, err, "malformed turn request"))
		return
	}
	if env.Type != "agent.run" {
		respondError(c, types.NewError(types.CodeInvalidResponse, "unexpected envelope type %q", env.Type))
		return
	}

	params := relay.TurnParams{
		Message:        env.Message,
		SandboxID:      env.SandboxID,
		ConversationID: id.ConversationID(env.SessionID),
	}
	if env.ToolResult != nil {
		params.ToolResult = &relay.ToolResult{
			RequestID: env.ToolResult.RequestID,
			ToolName:  env.ToolResult.ToolName,
			Result:    env.ToolResult.Result,
		}
	}

	if env.Document != "" {
		doc, err := h.ingestor.Ingest([]byte(env.Document))
		if err != nil {
			respondError(c, err)
			return
		}
		params.Document = doc.HTML
		h.logger.Debug("document ingested",
			zap.String("title", doc.Title),
			zap.String("content_type", doc.ContentType),
			zap.Int("size", len(doc.HTML)))
	}

	sink := &ndjsonSink{writer: c.Writer}
	outcome, err := h.controller.Run(c.Request.Context(), params, sink)
	if err != nil {
		if !sink.wrote {
			respondError(c, err)
			return
		}
		// Headers are gone; surface the failure in-band.
		sink.SendPart(stream.Part{Type: stream.PartError, Message: err.Error()})
		return
	}

	h.logger.Info("turn complete",
		zap.String("conversation_id", string(outcome.ConversationID)),
		zap.String("state", string(outcome.State)))
}

// ndjsonSink writes bootstrap and part lines directly to the response,
// flushing after each line so the client sees output as it happens.
type ndjsonSink struct {
	writer gin.ResponseWriter
	wrote  bool
}

func (s *ndjsonSink) SendBootstrap(b relay.Bootstrap) error {
	return s.writeLine(b)
}

func (s *ndjsonSink) SendPart(p stream.Part) error {
	return s.writeLine(p)
}

func (s *ndjsonSink) writeLine(v interface{}) error {
	if !s.wrote {
		s.writer.Header().Set("Content-Type", "application/x-ndjson")
		s.writer.Header().Set("Cache-Control", "no-cache")
		s.wrote = true
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := s.writer.Write(append(data, '\n')); err != nil {
		return err
	}
	s.writer.Flush()
	return nil
}
