package auth

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aura-voice/callbridge/pkg/response"
	"github.com/aura-voice/callbridge/pkg/utils"
)

// TokenRequest is the body for POST /auth/token.
type TokenRequest struct {
	Operator string `json:"operator" binding:"required"`
	Password string `json:"password" binding:"required"`
	Role     string `json:"role"` // optional, defaults to admin; "viewer" mints a read-only token
}

// TokenResponse is the auth response with JWT.
type TokenResponse struct {
	Token     string    `json:"token"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Handler handles auth HTTP endpoints.
type Handler struct {
	jwt          *JWTService
	passwordHash string
	logger       *zap.Logger
}

// NewHandler creates an auth handler. passwordHash is the bcrypt hash of the operator password.
func NewHandler(jwt *JWTService, passwordHash string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{jwt: jwt, passwordHash: passwordHash, logger: logger}
}

// Token handles POST /auth/token.
func (h *Handler) Token(c *gin.Context) {
	if h.passwordHash == "" {
		response.ServiceUnavailable(c, "operator login disabled")
		return
	}
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	role := RoleAdmin
	switch req.Role {
	case "", RoleAdmin:
	case RoleViewer:
		role = RoleViewer
	default:
		response.BadRequest(c, "invalid role")
		return
	}

	if !utils.CheckPassword(req.Password, h.passwordHash) {
		h.logger.Warn("operator login rejected", zap.String("operator", req.Operator), zap.String("client_ip", c.ClientIP()))
		response.Unauthorized(c, "invalid operator or password")
		return
	}

	token, expires, err := h.jwt.Generate(req.Operator, role)
	if err != nil {
		response.Internal(c, "failed to generate token")
		return
	}
	h.logger.Info("operator token issued", zap.String("operator", req.Operator), zap.String("role", role))
	response.Created(c, TokenResponse{Token: token, Role: role, ExpiresAt: expires})
}
