package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken 表示令牌格式错误、签名不匹配或签发者不符
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken 表示令牌已过期
	ErrExpiredToken = errors.New("token has expired")
)

// tokenIssuer 是本服务签发令牌时写入的 iss
const tokenIssuer = "runbox"

// Claims 是 runbox 令牌的声明。
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// JWTManager 负责签发与校验 HS256 令牌。
type JWTManager struct {
	secret     []byte
	expiration time.Duration
	now        func() time.Time
}

// NewJWTManager 创建令牌管理器。
func NewJWTManager(secret string, expiration time.Duration) *JWTManager {
	return &JWTManager{
		secret:     []byte(secret),
		expiration: expiration,
		now:        time.Now,
	}
}

// Expiration 返回令牌有效期。
func (m *JWTManager) Expiration() time.Duration {
	return m.expiration
}

// Generate 为用户签发令牌，返回令牌字符串与过期时间。
func (m *JWTManager) Generate(userID, role string) (string, time.Time, error) {
	now := m.now()
	expires := now.Add(m.expiration)
	claims := &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expires, nil
}

// Validate 校验令牌并返回声明。过期令牌返回 ErrExpiredToken，其他失败返回 ErrInvalidToken。
func (m *JWTManager) Validate(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	if !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
