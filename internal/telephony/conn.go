package telephony

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait    = 5 * time.Second
	maxFrameSize = 1 << 20
)

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("telephony connection closed")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // Twilio does not send a browser Origin
	},
}

// Conn is one call's media-stream websocket. Inbound frames are delivered in
// order on Events(); the channel is unbuffered so a slow consumer stalls the
// socket read instead of growing memory.
type Conn struct {
	ws     *websocket.Conn
	logger *zap.Logger

	events chan Event

	writeMu   sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
}

// Upgrade accepts a media-stream websocket on an HTTP request.
func Upgrade(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewConn(ws, logger), nil
}

// NewConn wraps ws and starts reading from it.
func NewConn(ws *websocket.Conn, logger *zap.Logger) *Conn {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Conn{
		ws:     ws,
		logger: logger,
		events: make(chan Event),
		closed: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Events yields parsed inbound frames. It is closed when the socket read fails.
func (c *Conn) Events() <-chan Event {
	return c.events
}

// SendMedia plays audio to the caller on streamID.
func (c *Conn) SendMedia(streamID string, audio []byte) error {
	return c.writeJSON(mediaFrame(streamID, audio))
}

// SendClear flushes any audio Twilio has buffered for playback on streamID.
func (c *Conn) SendClear(streamID string) error {
	return c.writeJSON(clearFrame(streamID))
}

// Close closes the socket. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
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
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

func (c *Conn) readLoop() {
	defer close(c.events)
	c.ws.SetReadLimit(maxFrameSize)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				return
			default:
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("media stream read ended", zap.Error(err))
			}
			return
		}
		ev, err := ParseFrame(data)
		if err != nil {
			c.logger.Warn("skipping media stream frame", zap.Error(err))
			continue
		}
		select {
		case c.events <- ev:
		case <-c.closed:
			return
		}
	}
}
