package calls

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aura-voice/callbridge/internal/events"
	"github.com/aura-voice/callbridge/internal/models"
	"github.com/aura-voice/callbridge/pkg/response"
)

const (
	watchWriteWait = 10 * time.Second
	watchPongWait  = 60 * time.Second
	watchPingEvery = 30 * time.Second
	watchBuffer    = 64
)

var watchUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // token-authenticated; dashboards may be served from any origin
	},
}

// Watch handles GET /calls/:callId/watch. Lifecycle events for the call are
// streamed as JSON until the call ends or the watcher disconnects.
func (h *Handler) Watch(c *gin.Context) {
	if h.cfg.Subscriber == nil {
		response.ServiceUnavailable(c, "call events not configured")
		return
	}
	callID := c.Param("callId")
	logger := h.logger.With(zap.String("call_id", callID))

	send := make(chan events.Message, watchBuffer)
	done := make(chan struct{})
	defer close(done)
	deliver := func(m events.Message) {
		select {
		case <-done:
		case send <- m:
		default:
			logger.Warn("watcher too slow, event dropped", zap.String("event", m.Event))
		}
	}

	cancel, err := h.cfg.Subscriber.SubscribeCall(c.Request.Context(), callID, deliver)
	if err != nil {
		logger.Warn("watch subscribe failed", zap.Error(err))
		response.ServiceUnavailable(c, "call events unavailable")
		return
	}
	defer cancel()

	conn, err := watchUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	if rec, ok := h.cfg.Live.Lookup(callID); ok {
		if data, err := json.Marshal(rec); err == nil {
			deliver(events.Message{CallID: callID, Event: events.EventSnapshot, Data: data, At: time.Now().Unix()})
		}
	} else if rec := h.endedRecord(c, callID, logger); rec != nil {
		// No ended event will ever be published for a finished call; replay
		// the stored row as one so writePump closes the socket.
		if data, err := json.Marshal(rec); err == nil {
			deliver(events.Message{CallID: callID, Event: events.EventEnded, Data: data, At: time.Now().Unix()})
		}
	}

	gone := make(chan struct{})
	go readPump(conn, gone)
	h.writePump(conn, send, gone, logger)
}

// endedRecord returns the persisted row for callID when it has already ended.
func (h *Handler) endedRecord(c *gin.Context, callID string, logger *zap.Logger) *models.CallRecord {
	if h.cfg.History == nil {
		return nil
	}
	rec, err := h.cfg.History.GetByCallID(c.Request.Context(), callID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			logger.Warn("watch history lookup failed", zap.Error(err))
		}
		return nil
	}
	if rec.State != models.CallStateEnded {
		return nil
	}
	return rec
}

// readPump discards watcher input and closes gone when the socket drops.
func readPump(conn *websocket.Conn, gone chan<- struct{}) {
	defer close(gone)
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(watchPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(watchPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Handler) writePump(conn *websocket.Conn, send <-chan events.Message, gone <-chan struct{}, logger *zap.Logger) {
	ticker := time.NewTicker(watchPingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-gone:
			return
		case m := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(watchWriteWait))
			if err := conn.WriteJSON(m); err != nil {
				logger.Debug("watch write failed", zap.Error(err))
				return
			}
			if m.Event == events.EventEnded {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "call ended"))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(watchWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
