package auth

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Middleware 校验 Bearer 令牌并把代理身份注入请求上下文。manager
// 为 nil 时认证关闭，请求直接放行。
func Middleware(manager *Manager, next http.Handler) http.Handler {
	if manager == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := bearerToken(r.Header.Get("Authorization"))
		if err != nil {
			writeAuthError(w, http.StatusUnauthorized, err.Error())
			return
		}
		claims, err := manager.Verify(token)
		if err != nil {
			writeAuthError(w, http.StatusUnauthorized, ErrInvalidToken.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(WithAgent(r.Context(), claims.AgentID)))
	})
}

func bearerToken(authorization string) (string, error) {
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", ErrMissingToken
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   map[string]any{"code": "UNAUTHORIZED", "message": message},
	})
}
