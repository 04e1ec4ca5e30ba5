package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Config holds what the dialer needs to reach the ConvAI API.
type Config struct {
	APIKey     string
	AgentID    string
	APIBaseURL string // e.g. https://api.elevenlabs.io
	HTTPClient *http.Client
	WSDialer   *websocket.Dialer
}

// Dialer opens engine conversations.
type Dialer struct {
	cfg    Config
	logger *zap.Logger
}

// NewDialer creates a Dialer. Nil HTTP client and websocket dialer fall back to defaults.
func NewDialer(cfg Config, logger *zap.Logger) *Dialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.WSDialer == nil {
		cfg.WSDialer = websocket.DefaultDialer
	}
	cfg.APIBaseURL = strings.TrimRight(cfg.APIBaseURL, "/")
	return &Dialer{cfg: cfg, logger: logger}
}

// SignedURL asks the control API for a short-lived conversation websocket URL.
func (d *Dialer) SignedURL(ctx context.Context) (string, error) {
	endpoint := d.cfg.APIBaseURL + "/v1/convai/conversation/get_signed_url?agent_id=" + url.QueryEscape(d.cfg.AgentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("build signed url request: %w", err)
	}
	req.Header.Set("xi-api-key", d.cfg.APIKey)

	resp, err := d.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("get signed url: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("get signed url: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var out struct {
		SignedURL string `json:"signed_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode signed url: %w", err)
	}
	if out.SignedURL == "" {
		return "", fmt.Errorf("get signed url: empty signed_url")
	}
	return out.SignedURL, nil
}

// Dial opens a conversation, sends the initiation message and starts reading.
// The returned Conn is ready for audio.
func (d *Dialer) Dial(ctx context.Context, conv Conversation) (*Conn, error) {
	signed, err := d.SignedURL(ctx)
	if err != nil {
		return nil, err
	}
	ws, _, err := d.cfg.WSDialer.DialContext(ctx, signed, nil)
	if err != nil {
		return nil, fmt.Errorf("dial conversation: %w", err)
	}
	c := newConn(ws, d.logger)
	if err := c.writeJSON(initiationFor(conv)); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("send initiation: %w", err)
	}
	c.ready.Store(true)
	go c.readLoop()
	return c, nil
}
