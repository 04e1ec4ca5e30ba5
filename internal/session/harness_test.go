package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"github.com/aura-voice/callbridge/internal/engine"
	"github.com/aura-voice/callbridge/internal/engine/enginetest"
	"github.com/aura-voice/callbridge/internal/models"
	"github.com/aura-voice/callbridge/internal/reporting"
	"github.com/aura-voice/callbridge/pkg/queue"
)

type fakeReporter struct {
	mu      sync.Mutex
	updates []reporting.StatusUpdate
	err     error
}

func (f *fakeReporter) Report(_ context.Context, u reporting.StatusUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, u)
	return f.err
}

func (f *fakeReporter) byStatus(callID, status string) []reporting.StatusUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []reporting.StatusUpdate
	for _, u := range f.updates {
		if u.CallID == callID && u.Status == status {
			out = append(out, u)
		}
	}
	return out
}

type fakeStore struct {
	mu       sync.Mutex
	created  []models.CallRecord
	states   []models.CallState
	finished []models.CallRecord
}

func (f *fakeStore) Create(_ context.Context, rec *models.CallRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, *rec)
	return nil
}

func (f *fakeStore) UpdateState(_ context.Context, _ string, state models.CallState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, state)
	return nil
}

func (f *fakeStore) Finish(_ context.Context, rec *models.CallRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = append(f.finished, *rec)
	return nil
}

func (f *fakeStore) finishedCalls() []models.CallRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.CallRecord(nil), f.finished...)
}

type publishedEvent struct {
	callID string
	event  string
}

type fakePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (f *fakePublisher) PublishCallEvent(_ context.Context, callID, event string, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, publishedEvent{callID: callID, event: event})
	return nil
}

func (f *fakePublisher) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.event)
	}
	return out
}

type fakeQueue struct {
	mu       sync.Mutex
	archived []string
	failed   []queue.FailedReport
}

func (f *fakeQueue) EnqueueTranscriptArchive(_ context.Context, p queue.TranscriptArchivePayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archived = append(f.archived, p.CallID)
	return nil
}

func (f *fakeQueue) RecordFailedReport(_ context.Context, r queue.FailedReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, r)
	return nil
}

func (f *fakeQueue) counts() (archived, failed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.archived), len(f.failed)
}

type harness struct {
	svc       *Service
	engine    *enginetest.Server
	reporter  *fakeReporter
	store     *fakeStore
	publisher *fakePublisher
	queue     *fakeQueue
	wsURL     string
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t)

	h := &harness{
		engine:    enginetest.NewServer(t),
		reporter:  &fakeReporter{},
		store:     &fakeStore{},
		publisher: &fakePublisher{},
		queue:     &fakeQueue{},
	}
	opts := Options{
		Engine: engine.NewDialer(engine.Config{
			APIKey:     enginetest.APIKey,
			AgentID:    enginetest.AgentID,
			APIBaseURL: h.engine.URL,
		}, logger),
		Reporter:     h.reporter,
		Store:        h.store,
		Publisher:    h.publisher,
		Archiver:     h.queue,
		DeadLetters:  h.queue,
		Defaults:     engine.Defaults{Prompt: "default prompt", FirstMessage: "Hello from the bridge"},
		SetupTimeout: 2 * time.Second,
		Logger:       logger,
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.svc = NewService(opts)

	r := gin.New()
	r.GET("/media-stream", h.svc.HandleMediaStream)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.svc.Shutdown(ctx)
	})
	h.wsURL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/media-stream"
	return h
}

// phone is the Twilio side of a media stream.
type phone struct {
	ws     *websocket.Conn
	frames chan map[string]any
}

func (h *harness) dial(t *testing.T) *phone {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(h.wsURL, nil)
	if err != nil {
		t.Fatalf("dial media stream: %v", err)
	}
	p := &phone{ws: ws, frames: make(chan map[string]any, 256)}
	go func() {
		defer close(p.frames)
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var m map[string]any
			if json.Unmarshal(data, &m) == nil {
				p.frames <- m
			}
		}
	}()
	t.Cleanup(func() { _ = ws.Close() })
	return p
}

func (p *phone) send(t *testing.T, raw string) {
	t.Helper()
	if err := p.ws.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		t.Fatalf("phone write: %v", err)
	}
}

func (p *phone) start(t *testing.T, callSid, streamSid string, params map[string]string) {
	t.Helper()
	body, _ := json.Marshal(map[string]any{
		"event": "start",
		"start": map[string]any{
			"streamSid":        streamSid,
			"callSid":          callSid,
			"customParameters": params,
		},
		"streamSid": streamSid,
	})
	p.send(t, string(body))
}

func (p *phone) stop(t *testing.T, streamSid string) {
	t.Helper()
	p.send(t, `{"event":"stop","streamSid":"`+streamSid+`"}`)
}

func (p *phone) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case m, ok := <-p.frames:
		if !ok {
			t.Fatalf("media stream closed")
		}
		return m
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for frame to caller")
	}
	return nil
}

func (p *phone) waitClosed(t *testing.T) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-p.frames:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("media stream still open")
		}
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) stateOf(callID string) models.CallState {
	rec, ok := h.svc.Lookup(callID)
	if !ok {
		return ""
	}
	return rec.State
}

// streamingCall starts a call and waits until the engine conversation is open.
func (h *harness) streamingCall(t *testing.T, callSid, streamSid string) (*phone, *enginetest.Peer) {
	t.Helper()
	p := h.dial(t)
	p.start(t, callSid, streamSid, map[string]string{"prompt": "Confirm order 42"})
	peer := h.engine.NextPeer(t)
	if first := peer.Next(t); first["type"] != "conversation_initiation_client_data" {
		t.Fatalf("first engine frame=%v", first)
	}
	waitUntil(t, callSid+" streaming", func() bool { return h.stateOf(callSid) == models.CallStateStreaming })
	return p, peer
}

var errReportRejected = errors.New("order backend rejected update")
