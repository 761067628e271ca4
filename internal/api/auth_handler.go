package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/oriys/runbox/internal/auth"
)

// AuthHandler 处理凭据交换请求。
type AuthHandler struct {
	jwt  *auth.JWTManager
	keys auth.APIKeyValidator
}

// NewAuthHandler 创建 AuthHandler。jwt 为 nil 表示认证未启用。
func NewAuthHandler(jwt *auth.JWTManager, keys auth.APIKeyValidator) *AuthHandler {
	return &AuthHandler{jwt: jwt, keys: keys}
}

// TokenRequest 是令牌交换请求。
type TokenRequest struct {
	APIKey string `json:"api_key"`
}

// TokenResponse 是令牌交换响应。
type TokenResponse struct {
	Token     string    `json:"token"`
	TokenType string    `json:"token_type"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IssueToken 用已配置的 API Key 换取 JWT。
// HTTP端点: POST /api/v1/auth/token
//
// 返回值：
//   - 200: 交换成功
//   - 400: 请求体无效或缺少 api_key
//   - 401: API Key 不存在
//   - 404: 认证未启用
func (h *AuthHandler) IssueToken(w http.ResponseWriter, r *http.Request) {
	if h.jwt == nil || h.keys == nil {
		writeError(w, r, http.StatusNotFound, "authentication is not enabled")
		return
	}

	var req TokenRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, "api_key required")
		return
	}

	user, err := h.keys.ValidateAPIKey(req.APIKey)
	if err != nil {
		if errors.Is(err, auth.ErrAPIKeyNotFound) {
			writeError(w, r, http.StatusUnauthorized, "invalid api key")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "failed to validate api key")
		return
	}

	token, expires, err := h.jwt.Generate(user.UserID, user.Role)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to generate token")
		return
	}
	writeJSON(w, http.StatusOK, TokenResponse{Token: token, TokenType: "Bearer", ExpiresAt: expires.UTC()})
}
