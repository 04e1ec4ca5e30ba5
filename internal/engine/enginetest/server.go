// Package enginetest provides an in-process fake of the ConvAI API for tests.
package enginetest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

const (
	APIKey  = "test-xi-key"
	AgentID = "agent_test"
)

// Server serves the signed-URL endpoint and the conversation websocket.
type Server struct {
	*httptest.Server

	peers          chan *Peer
	failSignedURL  atomic.Bool
	signedURLCalls atomic.Int64
}

// NewServer starts a fake closed on test cleanup.
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{peers: make(chan *Peer, 16)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/convai/conversation/get_signed_url", func(w http.ResponseWriter, r *http.Request) {
		s.signedURLCalls.Add(1)
		if s.failSignedURL.Load() {
			http.Error(w, `{"detail":"unavailable"}`, http.StatusServiceUnavailable)
			return
		}
		if r.Header.Get("xi-api-key") != APIKey || r.URL.Query().Get("agent_id") != AgentID {
			http.Error(w, `{"detail":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"signed_url": "ws" + strings.TrimPrefix(s.URL, "http") + "/convai?conversation_signature=sig",
		})
	})
	mux.HandleFunc("/convai", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		p := &Peer{ws: ws, frames: make(chan []byte, 256)}
		go p.readLoop()
		s.peers <- p
	})
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// FailSignedURL makes the control API answer 503.
func (s *Server) FailSignedURL(fail bool) {
	s.failSignedURL.Store(fail)
}

// SignedURLCalls counts signed-URL requests.
func (s *Server) SignedURLCalls() int64 {
	return s.signedURLCalls.Load()
}

// NextPeer waits for the next conversation websocket.
func (s *Server) NextPeer(t testing.TB) *Peer {
	t.Helper()
	select {
	case p := <-s.peers:
		t.Cleanup(p.Close)
		return p
	case <-time.After(3 * time.Second):
		t.Fatalf("no engine conversation opened")
	}
	return nil
}

// Peer is the engine side of one conversation.
type Peer struct {
	ws     *websocket.Conn
	frames chan []byte
}

func (p *Peer) readLoop() {
	defer close(p.frames)
	for {
		_, data, err := p.ws.ReadMessage()
		if err != nil {
			return
		}
		p.frames <- data
	}
}

// Send writes v as one JSON text frame.
func (p *Peer) Send(t testing.TB, v any) {
	t.Helper()
	if err := p.ws.WriteJSON(v); err != nil {
		t.Fatalf("engine peer write: %v", err)
	}
}

// SendRaw writes raw text.
func (p *Peer) SendRaw(t testing.TB, s string) {
	t.Helper()
	if err := p.ws.WriteMessage(websocket.TextMessage, []byte(s)); err != nil {
		t.Fatalf("engine peer write: %v", err)
	}
}

// Next returns the next frame the bridge sent, decoded into a map.
func (p *Peer) Next(t testing.TB) map[string]any {
	t.Helper()
	select {
	case data, ok := <-p.frames:
		if !ok {
			t.Fatalf("engine peer closed")
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("engine peer decode %q: %v", data, err)
		}
		return m
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for frame from bridge")
	}
	return nil
}

// NextRaw returns the next frame verbatim.
func (p *Peer) NextRaw(t testing.TB) []byte {
	t.Helper()
	select {
	case data, ok := <-p.frames:
		if !ok {
			t.Fatalf("engine peer closed")
		}
		return data
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for frame from bridge")
	}
	return nil
}

// ExpectNone fails if the bridge sends anything within d.
func (p *Peer) ExpectNone(t testing.TB, d time.Duration) {
	t.Helper()
	select {
	case data, ok := <-p.frames:
		if ok {
			t.Fatalf("unexpected frame from bridge: %s", data)
		}
	case <-time.After(d):
	}
}

// WaitClosed waits until the bridge closes the conversation.
func (p *Peer) WaitClosed(t testing.TB) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-p.frames:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("conversation still open")
		}
	}
}

// Close drops the conversation from the engine side.
func (p *Peer) Close() {
	_ = p.ws.Close()
}
