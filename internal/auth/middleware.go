package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type contextKey struct{}

// 认证方式
const (
	MethodAPIKey = "apikey"
	MethodJWT    = "jwt"
)

// UserContext 是已认证调用方的身份。
type UserContext struct {
	UserID string
	Role   string
	Method string
}

// APIKeyValidator 校验 API Key 并返回其身份。
type APIKeyValidator interface {
	ValidateAPIKey(key string) (*UserContext, error)
}

// Middleware 是认证中间件。
// 先尝试 API Key 请求头，再尝试 Bearer JWT；禁用时直接放行。
type Middleware struct {
	jwt          *JWTManager
	apiKeyHeader string
	keyValidator APIKeyValidator
	enabled      bool
}

// NewMiddleware 创建认证中间件。
func NewMiddleware(jwt *JWTManager, apiKeyHeader string, keyValidator APIKeyValidator, enabled bool) *Middleware {
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	return &Middleware{
		jwt:          jwt,
		apiKeyHeader: apiKeyHeader,
		keyValidator: keyValidator,
		enabled:      enabled,
	}
}

// Enabled 报告认证是否启用。
func (m *Middleware) Enabled() bool {
	return m.enabled
}

// Authenticate 包装 next，未通过认证的请求返回 401。
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.enabled {
			next.ServeHTTP(w, r)
			return
		}

		user, reason := m.identify(r)
		if user == nil {
			writeUnauthorized(w, reason)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

func (m *Middleware) identify(r *http.Request) (*UserContext, string) {
	if key := r.Header.Get(m.apiKeyHeader); key != "" && m.keyValidator != nil {
		if user, err := m.keyValidator.ValidateAPIKey(key); err == nil {
			return user, ""
		}
		return nil, "invalid api key"
	}

	token, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok || m.jwt == nil {
		return nil, "missing credentials"
	}
	claims, err := m.jwt.Validate(token)
	if err != nil {
		return nil, err.Error()
	}
	return &UserContext{UserID: claims.Subject, Role: claims.Role, Method: MethodJWT}, ""
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func writeUnauthorized(w http.ResponseWriter, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="runbox"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized: " + reason})
}

// WithUser 将身份写入 context。
func WithUser(ctx context.Context, user *UserContext) context.Context {
	return context.WithValue(ctx, contextKey{}, user)
}

// GetUser 从 context 取出已认证的身份，未认证时返回 nil。
func GetUser(ctx context.Context) *UserContext {
	user, _ := ctx.Value(contextKey{}).(*UserContext)
	return user
}
