package engine

import (
	"encoding/base64"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait    = 5 * time.Second
	maxFrameSize = 1 << 20
)

// ErrNotReady is returned by SendAudio when the conversation is not open.
var ErrNotReady = errors.New("engine connection not ready")

// Conn is one open conversation. Pings are answered internally; every other
// inbound message is delivered in order on Events().
type Conn struct {
	ws     *websocket.Conn
	logger *zap.Logger

	events chan Event
	ready  atomic.Bool

	writeMu   sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, logger *zap.Logger) *Conn {
	return &Conn{
		ws:     ws,
		logger: logger,
		events: make(chan Event),
		closed: make(chan struct{}),
	}
}

// Events yields inbound messages. It is closed when the conversation ends.
func (c *Conn) Events() <-chan Event {
	return c.events
}

// Ready reports whether audio can be sent.
func (c *Conn) Ready() bool {
	return c.ready.Load()
}

// SendAudio forwards one caller audio chunk. Nothing is buffered: when the
// conversation is not open the chunk is rejected with ErrNotReady.
func (c *Conn) SendAudio(audio []byte) error {
	if !c.ready.Load() {
		return ErrNotReady
	}
	return c.writeJSON(userAudioMessage{UserAudioChunk: base64.StdEncoding.EncodeToString(audio)})
}

// Close ends the conversation. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.ready.Store(false)
		close(c.closed)
		c.writeMu.Lock()
		_ = c.ws.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) writeJSON(v any) error {
	select {
	case <-c.closed:
		return ErrNotReady
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

func (c *Conn) readLoop() {
	defer func() {
		c.ready.Store(false)
		close(c.events)
	}()
	c.ws.SetReadLimit(maxFrameSize)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				return
			default:
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				c.logger.Info("engine closed conversation", zap.Int("code", closeErr.Code), zap.String("reason", closeErr.Text))
			} else {
				c.logger.Debug("engine read ended", zap.Error(err))
			}
			return
		}
		ev, err := ParseMessage(data)
		if err != nil {
			c.logger.Warn("skipping engine message", zap.Error(err))
			continue
		}
		if ev.Kind == EventPing {
			if err := c.writeJSON(pongMessage{Type: "pong", EventID: ev.PingID}); err != nil {
				c.logger.Warn("pong failed", zap.Error(err))
			}
			continue
		}
		select {
		case c.events <- ev:
		case <-c.closed:
			return
		}
	}
}
