package reporting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aura-voice/callbridge/internal/models"
	"go.uber.org/zap/zaptest"
)

func TestOrderClient_PostsCompletedWithTranscript(t *testing.T) {
	var gotPath, gotAuth string
	var got StatusUpdate
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		if r.Method != http.MethodPost {
			t.Errorf("method=%s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewOrderClient(srv.URL+"/", "secret", 2*time.Second, zaptest.NewLogger(t))
	err := c.Report(context.Background(), StatusUpdate{
		CallID: "CA1",
		Status: StatusCompleted,
		Transcript: []models.TranscriptEntry{
			{Speaker: models.SpeakerAgent, Text: "Hello", Timestamp: time.Now()},
		},
	})
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if gotPath != "/api/calls/CA1/status" {
		t.Fatalf("path=%q", gotPath)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("auth=%q", gotAuth)
	}
	if got.Status != StatusCompleted || len(got.Transcript) != 1 || got.Transcript[0].Text != "Hello" {
		t.Fatalf("body=%+v", got)
	}
	if got.ReportedAt.IsZero() {
		t.Fatalf("reported_at should be set")
	}
}

func TestOrderClient_Non2xxIsError(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, strings.Repeat("x", 1000), http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewOrderClient(srv.URL, "", time.Second, zaptest.NewLogger(t))
	err := c.Report(context.Background(), StatusUpdate{CallID: "CA1", Status: StatusInProgress})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("err=%v, want StatusError", err)
	}
	if statusErr.StatusCode != http.StatusBadGateway || len(statusErr.Body) > 256 {
		t.Fatalf("status=%d body len=%d", statusErr.StatusCode, len(statusErr.Body))
	}
	if calls != 1 {
		t.Fatalf("calls=%d, reports must not be retried", calls)
	}
}

func TestOrderClient_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	base := srv.URL
	srv.Close()

	c := NewOrderClient(base, "", time.Second, zaptest.NewLogger(t))
	if err := c.Report(context.Background(), StatusUpdate{CallID: "CA1", Status: StatusCompleted}); err == nil {
		t.Fatalf("expected error for unreachable backend")
	}
}

func TestLogReporter(t *testing.T) {
	r := NewLogReporter(zaptest.NewLogger(t))
	if err := r.Report(context.Background(), StatusUpdate{CallID: "CA1", Status: StatusCompleted}); err != nil {
		t.Fatalf("Report: %v", err)
	}
}
