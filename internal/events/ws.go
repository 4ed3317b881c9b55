package events

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pagerelay/backend/internal/shared/id"
	"github.com/pagerelay/backend/internal/types"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Token auth happens after the upgrade; origin is not the
		// credential here.
		return true
	},
}

type wsFrame struct {
	Seq     int             `json:"seq"`
	Request json.RawMessage `json:"request"`
}

// ServeWS provides the same one-way request feed over WebSocket, for
// subscribers behind proxies that buffer server-sent events. Pings double
// as keep-alives and refresh presence.
func (h *Channel) ServeWS(c *gin.Context) {
	sessionID := id.SessionID(c.Query("sessionId"))
	token := c.Query("token")

	sub, err := h.attach(c.Request.Context(), sessionID, token)
	if err != nil {
		code := types.CodeOf(err)
		c.JSON(code.HTTPStatus(), gin.H{"ok": false, "errorCode": code, "message": err.Error()})
		return
	}
	defer h.detach(sub)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	h.logger.Info("event channel attached",
		zap.String("session_id", sessionID.String()),
		zap.String("transport", "websocket"))

	// Reader goroutine: the feed is one-way, so reads only serve to
	// detect the peer going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ready, _ := json.Marshal(readyEvent{Type: "ready", SessionID: sessionID.String()})
	if err := conn.WriteJSON(wsFrame{Seq: 0, Request: ready}); err != nil {
		return
	}

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	seq := 0
	for {
		select {
		case <-done:
			h.logger.Info("event channel detached",
				zap.String("session_id", sessionID.String()),
				zap.String("transport", "websocket"))
			return

		case <-c.Request.Context().Done():
			return

		case payload, open := <-sub.Messages():
			if !open {
				return
			}
			seq++
			if err := conn.WriteJSON(wsFrame{Seq: seq, Request: payload}); err != nil {
				return
			}

		case <-ticker.C:
			h.touchPresence(sessionID)
			deadline := time.Now().Add(5 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}
