package calls

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"encoding/xml"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"github.com/aura-voice/callbridge/internal/events"
	"github.com/aura-voice/callbridge/internal/models"
	"github.com/aura-voice/callbridge/pkg/queue"
)

type fakeLive struct {
	calls map[string]models.CallRecord
}

func (f *fakeLive) ActiveCount() int { return len(f.calls) }

func (f *fakeLive) Active() []models.CallRecord {
	out := make([]models.CallRecord, 0, len(f.calls))
	for _, r := range f.calls {
		out = append(out, r)
	}
	return out
}

func (f *fakeLive) Lookup(callID string) (models.CallRecord, bool) {
	r, ok := f.calls[callID]
	return r, ok
}

type fakeHistory struct {
	rows map[string]models.CallRecord
	err  error
}

func (f *fakeHistory) GetByCallID(_ context.Context, callID string) (*models.CallRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	r, ok := f.rows[callID]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (f *fakeHistory) ListRecent(_ context.Context, limit int) ([]models.CallRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []models.CallRecord
	for _, r := range f.rows {
		out = append(out, r)
	}
	return out, nil
}

type fakeSubscriber struct {
	mu        sync.Mutex
	handler   func(events.Message)
	cancelled bool
	err       error
}

func (f *fakeSubscriber) SubscribeCall(_ context.Context, _ string, handler func(events.Message)) (func(), error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
	return func() {
		f.mu.Lock()
		f.cancelled = true
		f.mu.Unlock()
	}, nil
}

func (f *fakeSubscriber) emit(m events.Message) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h(m)
}

func (f *fakeSubscriber) wasCancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

type fakeDeadLetters struct{ reports []queue.FailedReport }

func (f *fakeDeadLetters) FailedReports(context.Context, int64) ([]queue.FailedReport, error) {
	return f.reports, nil
}

func newRouter(t *testing.T, cfg HandlerConfig) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	if cfg.Live == nil {
		cfg.Live = &fakeLive{}
	}
	cfg.Logger = zaptest.NewLogger(t)
	h := NewHandler(cfg)
	r := gin.New()
	r.GET("/health", h.Health)
	r.POST("/twilio/voice", h.Voice)
	r.GET("/calls/active", h.Active)
	r.GET("/calls", h.List)
	r.GET("/calls/:callId", h.Get)
	r.GET("/calls/:callId/watch", h.Watch)
	r.GET("/reports/failed", h.FailedReports)
	return r
}

func serve(r http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	live := &fakeLive{calls: map[string]models.CallRecord{"CA1": {CallID: "CA1"}, "CA2": {CallID: "CA2"}}}
	r := newRouter(t, HandlerConfig{Live: live})
	rec := serve(r, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	var body struct {
		Status         string `json:"status"`
		ActiveSessions int    `json:"active_sessions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || body.ActiveSessions != 2 {
		t.Fatalf("body=%+v", body)
	}
}

func voiceRequest(target string, form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestVoiceReturnsStreamTwiML(t *testing.T) {
	r := newRouter(t, HandlerConfig{PublicBaseURL: "https://bridge.example.com"})
	rec := serve(r, voiceRequest("/twilio/voice?order_id=42&prompt=Confirm+delivery", url.Values{"CallSid": {"CA1"}}))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/xml") {
		t.Fatalf("content type=%q", ct)
	}
	body := rec.Body.String()
	var doc struct {
		Connect struct {
			Stream struct {
				URL        string `xml:"url,attr"`
				Parameters []struct {
					Name  string `xml:"name,attr"`
					Value string `xml:"value,attr"`
				} `xml:"Parameter"`
			} `xml:"Stream"`
		} `xml:"Connect"`
	}
	if err := xml.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("unmarshal twiml: %v\n%s", err, body)
	}
	if got := doc.Connect.Stream.URL; got != "wss://bridge.example.com/media-stream" {
		t.Fatalf("stream url=%q", got)
	}
	got := make(map[string]string)
	for _, p := range doc.Connect.Stream.Parameters {
		got[p.Name] = p.Value
	}
	if len(got) != 2 || got["order_id"] != "42" || got["prompt"] != "Confirm delivery" {
		t.Fatalf("stream parameters=%v\n%s", got, body)
	}
	if strings.Contains(body, "CallSid") {
		t.Fatalf("form fields must not become stream parameters:\n%s", body)
	}
}

// twilioSignature signs a webhook the way Twilio does: HMAC-SHA1 over the
// url followed by each key+value pair in sorted order.
func twilioSignature(token, url string, params map[string]string) string {
	pairs := make([]string, 0, len(params))
	for k, v := range params {
		pairs = append(pairs, k+v)
	}
	sort.Strings(pairs)
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(url + strings.Join(pairs, "")))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestVoiceValidatesTwilioSignature(t *testing.T) {
	const token = "twilio-secret"
	r := newRouter(t, HandlerConfig{PublicBaseURL: "https://bridge.example.com", TwilioAuthToken: token})
	form := url.Values{"CallSid": {"CA1"}, "From": {"+15550001111"}}

	if rec := serve(r, voiceRequest("/twilio/voice?order_id=42", form)); rec.Code != http.StatusForbidden {
		t.Fatalf("unsigned status=%d", rec.Code)
	}

	sig := twilioSignature(token, "https://bridge.example.com/twilio/voice?order_id=42",
		map[string]string{"CallSid": "CA1", "From": "+15550001111"})
	req := voiceRequest("/twilio/voice?order_id=42", form)
	req.Header.Set("X-Twilio-Signature", sig)
	if rec := serve(r, req); rec.Code != http.StatusOK {
		t.Fatalf("signed status=%d body=%s", rec.Code, rec.Body.String())
	}

	req = voiceRequest("/twilio/voice?order_id=43", form)
	req.Header.Set("X-Twilio-Signature", sig)
	if rec := serve(r, req); rec.Code != http.StatusForbidden {
		t.Fatalf("tampered status=%d", rec.Code)
	}
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	var body struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if !body.Success {
		t.Fatalf("unsuccessful response: %s", rec.Body.String())
	}
	if err := json.Unmarshal(body.Data, v); err != nil {
		t.Fatalf("decode data: %v", err)
	}
}

func TestGetPrefersLiveCall(t *testing.T) {
	live := &fakeLive{calls: map[string]models.CallRecord{"CA1": {CallID: "CA1", State: models.CallStateStreaming}}}
	history := &fakeHistory{rows: map[string]models.CallRecord{
		"CA1": {CallID: "CA1", State: models.CallStateEnded},
		"CA9": {CallID: "CA9", State: models.CallStateEnded, EndReason: "telephony_stop"},
	}}
	r := newRouter(t, HandlerConfig{Live: live, History: history})

	var got models.CallRecord
	decodeData(t, serve(r, httptest.NewRequest(http.MethodGet, "/calls/CA1", nil)), &got)
	if got.State != models.CallStateStreaming {
		t.Fatalf("live call state=%s", got.State)
	}

	decodeData(t, serve(r, httptest.NewRequest(http.MethodGet, "/calls/CA9", nil)), &got)
	if got.State != models.CallStateEnded || got.EndReason != "telephony_stop" {
		t.Fatalf("stored call=%+v", got)
	}

	if rec := serve(r, httptest.NewRequest(http.MethodGet, "/calls/missing", nil)); rec.Code != http.StatusNotFound {
		t.Fatalf("missing status=%d", rec.Code)
	}

	history.err = errors.New("db down")
	if rec := serve(r, httptest.NewRequest(http.MethodGet, "/calls/CA9", nil)); rec.Code != http.StatusInternalServerError {
		t.Fatalf("db error status=%d", rec.Code)
	}
}

func TestListWithoutHistory(t *testing.T) {
	r := newRouter(t, HandlerConfig{})
	if rec := serve(r, httptest.NewRequest(http.MethodGet, "/calls", nil)); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", rec.Code)
	}
	if rec := serve(r, httptest.NewRequest(http.MethodGet, "/calls/CA1", nil)); rec.Code != http.StatusNotFound {
		t.Fatalf("get status=%d", rec.Code)
	}
}

func TestListAndActive(t *testing.T) {
	live := &fakeLive{calls: map[string]models.CallRecord{"CA1": {CallID: "CA1"}}}
	history := &fakeHistory{rows: map[string]models.CallRecord{"CA9": {CallID: "CA9"}}}
	r := newRouter(t, HandlerConfig{Live: live, History: history})

	var list []models.CallRecord
	decodeData(t, serve(r, httptest.NewRequest(http.MethodGet, "/calls?limit=10", nil)), &list)
	if len(list) != 1 || list[0].CallID != "CA9" {
		t.Fatalf("history=%+v", list)
	}
	decodeData(t, serve(r, httptest.NewRequest(http.MethodGet, "/calls/active", nil)), &list)
	if len(list) != 1 || list[0].CallID != "CA1" {
		t.Fatalf("active=%+v", list)
	}
}

func TestFailedReports(t *testing.T) {
	r := newRouter(t, HandlerConfig{})
	if rec := serve(r, httptest.NewRequest(http.MethodGet, "/reports/failed", nil)); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unconfigured status=%d", rec.Code)
	}

	dl := &fakeDeadLetters{reports: []queue.FailedReport{{CallID: "CA1", Status: "completed", Error: "status 500"}}}
	r = newRouter(t, HandlerConfig{DeadLetters: dl})
	var got []queue.FailedReport
	decodeData(t, serve(r, httptest.NewRequest(http.MethodGet, "/reports/failed", nil)), &got)
	if len(got) != 1 || got[0].CallID != "CA1" {
		t.Fatalf("reports=%+v", got)
	}
}

func TestWatchStreamsEventsUntilEnded(t *testing.T) {
	live := &fakeLive{calls: map[string]models.CallRecord{"CA1": {CallID: "CA1", State: models.CallStateStreaming}}}
	sub := &fakeSubscriber{}
	srv := httptest.NewServer(newRouter(t, HandlerConfig{Live: live, Subscriber: sub}))
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/calls/CA1/watch", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))

	var m events.Message
	if err := ws.ReadJSON(&m); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if m.Event != events.EventSnapshot || m.CallID != "CA1" {
		t.Fatalf("first message=%+v", m)
	}

	sub.emit(events.Message{CallID: "CA1", Event: events.EventTranscript, Data: json.RawMessage(`{"speaker":"agent","text":"Hi"}`)})
	sub.emit(events.Message{CallID: "CA1", Event: events.EventEnded, Data: json.RawMessage(`{}`)})

	if err := ws.ReadJSON(&m); err != nil || m.Event != events.EventTranscript {
		t.Fatalf("transcript message=%+v err=%v", m, err)
	}
	if err := ws.ReadJSON(&m); err != nil || m.Event != events.EventEnded {
		t.Fatalf("ended message=%+v err=%v", m, err)
	}
	if _, _, err := ws.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close, got %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for !sub.wasCancelled() {
		if time.Now().After(deadline) {
			t.Fatalf("subscription not cancelled")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWatchEndedCallReplaysHistoryAndCloses(t *testing.T) {
	history := &fakeHistory{rows: map[string]models.CallRecord{
		"CA9": {CallID: "CA9", State: models.CallStateEnded, EndReason: "telephony_stop"},
		"CA5": {CallID: "CA5", State: models.CallStateStreaming},
	}}
	sub := &fakeSubscriber{}
	srv := httptest.NewServer(newRouter(t, HandlerConfig{Live: &fakeLive{}, History: history, Subscriber: sub}))
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/calls/CA9/watch", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))

	var m events.Message
	if err := ws.ReadJSON(&m); err != nil {
		t.Fatalf("read: %v", err)
	}
	if m.Event != events.EventEnded || m.CallID != "CA9" {
		t.Fatalf("first message=%+v", m)
	}
	var rec models.CallRecord
	if err := json.Unmarshal(m.Data, &rec); err != nil || rec.EndReason != "telephony_stop" {
		t.Fatalf("ended data=%s err=%v", m.Data, err)
	}
	if _, _, err := ws.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close, got %v", err)
	}
}

func TestWatchUnendedHistoryRowStaysOpen(t *testing.T) {
	history := &fakeHistory{rows: map[string]models.CallRecord{"CA5": {CallID: "CA5", State: models.CallStateStreaming}}}
	sub := &fakeSubscriber{}
	srv := httptest.NewServer(newRouter(t, HandlerConfig{Live: &fakeLive{}, History: history, Subscriber: sub}))
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/calls/CA5/watch", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	sub.emit(events.Message{CallID: "CA5", Event: events.EventState, Data: json.RawMessage(`{"state":"ENDED"}`)})
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	var m events.Message
	if err := ws.ReadJSON(&m); err != nil || m.Event != events.EventState {
		t.Fatalf("message=%+v err=%v", m, err)
	}
}

func TestWatchUnavailable(t *testing.T) {
	r := newRouter(t, HandlerConfig{})
	if rec := serve(r, httptest.NewRequest(http.MethodGet, "/calls/CA1/watch", nil)); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unconfigured status=%d", rec.Code)
	}
	r = newRouter(t, HandlerConfig{Subscriber: &fakeSubscriber{err: errors.New("redis down")}})
	if rec := serve(r, httptest.NewRequest(http.MethodGet, "/calls/CA1/watch", nil)); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("subscribe failure status=%d", rec.Code)
	}
}
