package events

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pagerelay/backend/internal/shared/id"
	"github.com/pagerelay/backend/internal/types"
)

type readyEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// ServeSSE streams the session's pending requests as server-sent events.
// The first event is {type:"ready"}; forwarded requests follow as raw
// JSON tagged with an incrementing sequence number; comment lines act as
// keep-alives.
func (h *Channel) ServeSSE(c *gin.Context) {
	sessionID := id.SessionID(c.Query("sessionId"))
	token := c.Query("token")

	sub, err := h.attach(c.Request.Context(), sessionID, token)
	if err != nil {
		code := types.CodeOf(err)
		c.JSON(code.HTTPStatus(), gin.H{"ok": false, "errorCode": code, "message": err.Error()})
		return
	}
	defer h.detach(sub)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)

	ready, _ := json.Marshal(readyEvent{Type: "ready", SessionID: sessionID.String()})

	seq := 0
	if err := writeSSE(c.Writer, seq, string(ready)); err != nil {
		return
	}

	h.logger.Info("event channel attached",
		zap.String("session_id", sessionID.String()),
		zap.String("transport", "sse"))

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false

		case payload, open := <-sub.Messages():
			if !open {
				return false
			}
			seq++
			if err := writeSSE(c.Writer, seq, string(payload)); err != nil {
				return false
			}
			return true

		case <-ticker.C:
			h.touchPresence(sessionID)
			if _, err := io.WriteString(c.Writer, ": keep-alive\n\n"); err != nil {
				return false
			}
			return true
		}
	})

	h.logger.Info("event channel detached",
		zap.String("session_id", sessionID.String()),
		zap.String("transport", "sse"))
}

func writeSSE(w gin.ResponseWriter, seq int, data string) error {
	if err := sse.Encode(w, sse.Event{Id: strconv.Itoa(seq), Data: data}); err != nil {
		return err
	}
	w.Flush()
	return nil
}
