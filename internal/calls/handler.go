package calls

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aura-voice/callbridge/internal/events"
	"github.com/aura-voice/callbridge/internal/models"
	"github.com/aura-voice/callbridge/internal/telephony"
	"github.com/aura-voice/callbridge/pkg/queue"
	"github.com/aura-voice/callbridge/pkg/response"
)

// LiveView exposes the calls currently held by the bridge.
type LiveView interface {
	ActiveCount() int
	Active() []models.CallRecord
	Lookup(callID string) (models.CallRecord, bool)
}

// History reads persisted calls.
type History interface {
	GetByCallID(ctx context.Context, callID string) (*models.CallRecord, error)
	ListRecent(ctx context.Context, limit int) ([]models.CallRecord, error)
}

// Subscriber streams lifecycle events for one call.
type Subscriber interface {
	SubscribeCall(ctx context.Context, callID string, handler func(events.Message)) (cancel func(), err error)
}

// DeadLetterReader lists status reports the order backend rejected.
type DeadLetterReader interface {
	FailedReports(ctx context.Context, limit int64) ([]queue.FailedReport, error)
}

// HandlerConfig wires the calls handler. Only Live is required.
type HandlerConfig struct {
	Live        LiveView
	History     History
	Subscriber  Subscriber
	DeadLetters DeadLetterReader

	PublicBaseURL   string
	MediaStreamPath string
	TwilioAuthToken string

	Logger *zap.Logger
}

// Handler serves call introspection, TwiML and watch endpoints.
type Handler struct {
	cfg    HandlerConfig
	logger *zap.Logger
}

// NewHandler creates a calls handler.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.MediaStreamPath == "" {
		cfg.MediaStreamPath = "/media-stream"
	}
	return &Handler{cfg: cfg, logger: cfg.Logger}
}

// Health handles GET /health.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"active_sessions": h.cfg.Live.ActiveCount(),
	})
}

// Voice handles POST /twilio/voice and answers with TwiML that connects the
// call to the media stream. Query parameters become stream custom parameters.
func (h *Handler) Voice(c *gin.Context) {
	if err := c.Request.ParseForm(); err != nil {
		response.BadRequest(c, "invalid form body")
		return
	}
	if h.cfg.TwilioAuthToken != "" {
		form := make(map[string]string, len(c.Request.PostForm))
		for k := range c.Request.PostForm {
			form[k] = c.Request.PostForm.Get(k)
		}
		url := h.requestURL(c)
		if !telephony.ValidateSignature(h.cfg.TwilioAuthToken, url, form, c.GetHeader("X-Twilio-Signature")) {
			h.logger.Warn("twilio signature rejected", zap.String("url", url), zap.String("client_ip", c.ClientIP()))
			response.Forbidden(c, "invalid twilio signature")
			return
		}
	}

	params := make(map[string]string)
	for k := range c.Request.URL.Query() {
		params[k] = c.Query(k)
	}
	streamURL := telephony.StreamURL(h.cfg.PublicBaseURL, c.Request.Host, h.cfg.MediaStreamPath)
	body, err := telephony.StreamTwiML(streamURL, params)
	if err != nil {
		h.logger.Error("build twiml", zap.Error(err))
		response.Internal(c, "failed to build twiml")
		return
	}
	h.logger.Info("incoming call answered",
		zap.String("call_sid", c.Request.PostForm.Get("CallSid")),
		zap.Int("stream_parameters", len(params)),
	)
	c.Data(http.StatusOK, "application/xml", body)
}

// requestURL is the URL Twilio signed: the public base when configured, else
// the scheme and host the request arrived with.
func (h *Handler) requestURL(c *gin.Context) string {
	if h.cfg.PublicBaseURL != "" {
		return h.cfg.PublicBaseURL + c.Request.URL.RequestURI()
	}
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	if p := c.GetHeader("X-Forwarded-Proto"); p != "" {
		scheme = p
	}
	return scheme + "://" + c.Request.Host + c.Request.URL.RequestURI()
}

// Active handles GET /calls/active.
func (h *Handler) Active(c *gin.Context) {
	response.OK(c, h.cfg.Live.Active())
}

// List handles GET /calls.
func (h *Handler) List(c *gin.Context) {
	if h.cfg.History == nil {
		response.ServiceUnavailable(c, "call history not configured")
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	list, err := h.cfg.History.ListRecent(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("list calls", zap.Error(err))
		response.Internal(c, "failed to list calls")
		return
	}
	if list == nil {
		list = []models.CallRecord{}
	}
	response.OK(c, list)
}

// Get handles GET /calls/:callId. A live call wins over its stored row.
func (h *Handler) Get(c *gin.Context) {
	callID := c.Param("callId")
	if rec, ok := h.cfg.Live.Lookup(callID); ok {
		response.OK(c, rec)
		return
	}
	if h.cfg.History == nil {
		response.NotFound(c, "call not found")
		return
	}
	rec, err := h.cfg.History.GetByCallID(c.Request.Context(), callID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			response.NotFound(c, "call not found")
			return
		}
		h.logger.Error("get call", zap.String("call_id", callID), zap.Error(err))
		response.Internal(c, "failed to get call")
		return
	}
	response.OK(c, rec)
}

// FailedReports handles GET /reports/failed.
func (h *Handler) FailedReports(c *gin.Context) {
	if h.cfg.DeadLetters == nil {
		response.ServiceUnavailable(c, "dead letters not configured")
		return
	}
	limit, _ := strconv.ParseInt(c.DefaultQuery("limit", "100"), 10, 64)
	list, err := h.cfg.DeadLetters.FailedReports(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("list failed reports", zap.Error(err))
		response.Internal(c, "failed to list failed reports")
		return
	}
	if list == nil {
		list = []queue.FailedReport{}
	}
	response.OK(c, list)
}
