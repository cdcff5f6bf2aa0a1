package auth

import "context"

type contextKey struct{}

// WithAgent 把代理身份写入上下文。
func WithAgent(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, contextKey{}, agentID)
}

// AgentFrom 读取上下文中的代理身份，未认证时返回空串。
func AgentFrom(ctx context.Context) string {
	if id, ok := ctx.Value(contextKey{}).(string); ok {
		return id
	}
	return ""
}
