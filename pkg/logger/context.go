package logger

import "context"

type contextKey string

const (
	connectionIDKey contextKey = "connection_id"
	userIDKey       contextKey = "user_id"
)

// WithConnectionID 在 Context 中记录连接标识
func WithConnectionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, connectionIDKey, id)
}

// ConnectionIDFromContext 读取连接标识
func ConnectionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(connectionIDKey).(string)
	return id
}

// WithUserID 在 Context 中记录用户标识
func WithUserID(ctx context.Context, uid string) context.Context {
	return context.WithValue(ctx, userIDKey, uid)
}

// UserIDFromContext 读取用户标识
func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(userIDKey).(string)
	return uid
}
