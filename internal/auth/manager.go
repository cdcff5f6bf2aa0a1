// Package auth 提供代理访问令牌的签发与校验。令牌是 HS256 签名的
// JWT，载荷只携带代理身份与过期时间，不依赖外部用户库。
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

const jwtHeaderJSON = `{"alg":"HS256","typ":"JWT"}`

var encodedJWTHeader = base64.RawURLEncoding.EncodeToString([]byte(jwtHeaderJSON))

var (
	// ErrMissingToken 表示请求未携带令牌。
	ErrMissingToken = errors.New("缺少访问令牌")
	// ErrInvalidToken 表示令牌签名无效或已过期。
	ErrInvalidToken = errors.New("访问令牌无效或已过期")
)

// Claims 是令牌载荷。
type Claims struct {
	AgentID   string `json:"agent_id"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

// Manager 负责令牌的签发、校验和续签。
type Manager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewManager 构造令牌管理器。ttl 非正时使用一小时。
func NewManager(secret string, ttl time.Duration) (*Manager, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("必须配置签名密钥")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Manager{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue 为代理签发新令牌。
func (m *Manager) Issue(agentID string) (string, error) {
	if strings.TrimSpace(agentID) == "" {
		return "", errors.New("agentID 不能为空")
	}
	now := m.now()
	return m.sign(Claims{
		AgentID:   agentID,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(m.ttl).Unix(),
	})
}

// Verify 校验令牌并返回其载荷。
func (m *Manager) Verify(token string) (*Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrInvalidToken
	}
	expected := m.signature(parts[0], parts[1])
	actual, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, ErrInvalidToken
	}
	if subtle.ConstantTimeCompare(expected, actual) != 1 {
		return nil, ErrInvalidToken
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrInvalidToken
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, ErrInvalidToken
	}
	if claims.AgentID == "" {
		return nil, ErrInvalidToken
	}
	if claims.ExpiresAt != 0 && m.now().Unix() > claims.ExpiresAt {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}

// Refresh 基于仍然有效的旧令牌签发新令牌。
func (m *Manager) Refresh(token string) (string, error) {
	claims, err := m.Verify(token)
	if err != nil {
		return "", err
	}
	return m.Issue(claims.AgentID)
}

// TTL 返回令牌有效期。
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

func (m *Manager) sign(claims Claims) (string, error) {
	payloadBytes, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadBytes)
	signature := m.signature(encodedJWTHeader, payload)
	return strings.Join([]string{
		encodedJWTHeader,
		payload,
		base64.RawURLEncoding.EncodeToString(signature),
	}, "."), nil
}

func (m *Manager) signature(header, payload string) []byte {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(header))
	mac.Write([]byte("."))
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}
