// Package auth 实现网关的身份认证。
// 支持两种凭据：配置文件中声明的静态 API Key，以及用 API Key 换取的 JWT。
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/oriys/runbox/internal/config"
)

// ErrAPIKeyNotFound 表示 API Key 未在配置中声明
var ErrAPIKeyNotFound = errors.New("api key not found")

// DefaultRole 是未声明角色的 API Key 使用的角色
const DefaultRole = "user"

// apiKeyPrefix 标识本系统签发的 API Key
const apiKeyPrefix = "rb_"

// GenerateAPIKey 生成一个新的随机 API Key 及其 SHA-256 哈希。
// 原始密钥只展示一次，配置中应保存哈希。
func GenerateAPIKey() (key, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	key = apiKeyPrefix + hex.EncodeToString(buf)
	return key, HashAPIKey(key), nil
}

// HashAPIKey 返回 API Key 的十六进制 SHA-256 哈希。
func HashAPIKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

type staticKey struct {
	hash   []byte
	userID string
	role   string
}

// StaticKeyValidator 基于配置中的 API Key 列表进行校验。
type StaticKeyValidator struct {
	keys []staticKey
}

// NewStaticKeyValidator 由配置构造校验器。
// 每项配置的 Key 会先被哈希；同时给出 Key 与 KeyHash 时以 KeyHash 为准。
func NewStaticKeyValidator(entries []config.APIKeyConfig) *StaticKeyValidator {
	v := &StaticKeyValidator{}
	for _, e := range entries {
		hash := strings.ToLower(strings.TrimSpace(e.KeyHash))
		if hash == "" && e.Key != "" {
			hash = HashAPIKey(e.Key)
		}
		if hash == "" {
			continue
		}
		userID := e.UserID
		if userID == "" {
			userID = e.Name
		}
		role := e.Role
		if role == "" {
			role = DefaultRole
		}
		v.keys = append(v.keys, staticKey{hash: []byte(hash), userID: userID, role: role})
	}
	return v
}

// Len 返回已加载的 API Key 数量。
func (v *StaticKeyValidator) Len() int {
	return len(v.keys)
}

// ValidateAPIKey 实现 APIKeyValidator。
func (v *StaticKeyValidator) ValidateAPIKey(key string) (*UserContext, error) {
	if key == "" {
		return nil, ErrAPIKeyNotFound
	}
	got := []byte(HashAPIKey(key))
	for _, k := range v.keys {
		if subtle.ConstantTimeCompare(got, k.hash) == 1 {
			return &UserContext{UserID: k.userID, Role: k.role, Method: MethodAPIKey}, nil
		}
	}
	return nil, ErrAPIKeyNotFound
}
