// Package reporting delivers call status updates to the order-management backend.
package reporting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aura-voice/callbridge/internal/models"
	"go.uber.org/zap"
)

// Call statuses understood by the order backend.
const (
	StatusInProgress = "in-progress"
	StatusCompleted  = "completed"
)

// StatusUpdate is the body posted for a call.
type StatusUpdate struct {
	CallID     string                   `json:"call_id"`
	Status     string                   `json:"status"`
	Transcript []models.TranscriptEntry `json:"transcript,omitempty"`
	ReportedAt time.Time                `json:"reported_at"`
}

// Reporter sends status updates. Implementations make one attempt.
type Reporter interface {
	Report(ctx context.Context, update StatusUpdate) error
}

// StatusError is a non-2xx answer from the order backend.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("order backend returned %d: %s", e.StatusCode, e.Body)
}

// OrderClient posts updates to {baseURL}/api/calls/{callId}/status.
type OrderClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *zap.Logger
}

// NewOrderClient creates an OrderClient. A zero timeout leaves the client unbounded; callers pass a context deadline.
func NewOrderClient(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) *OrderClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrderClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Report posts update once.
func (c *OrderClient) Report(ctx context.Context, update StatusUpdate) error {
	if update.ReportedAt.IsZero() {
		update.ReportedAt = time.Now().UTC()
	}
	body, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("marshal status update: %w", err)
	}
	endpoint := c.baseURL + "/api/calls/" + url.PathEscape(update.CallID) + "/status"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build status request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	c.logger.Debug("status reported",
		zap.String("call_id", update.CallID),
		zap.String("status", update.Status),
		zap.Int("transcript_entries", len(update.Transcript)),
	)
	return nil
}

// LogReporter only logs updates. Used when no order backend is configured.
type LogReporter struct {
	logger *zap.Logger
}

// NewLogReporter creates a LogReporter.
func NewLogReporter(logger *zap.Logger) *LogReporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogReporter{logger: logger}
}

// Report logs update.
func (r *LogReporter) Report(_ context.Context, update StatusUpdate) error {
	r.logger.Info("call status",
		zap.String("call_id", update.CallID),
		zap.String("status", update.Status),
		zap.Int("transcript_entries", len(update.Transcript)),
	)
	return nil
}
