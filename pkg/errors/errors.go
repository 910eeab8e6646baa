package errors

import (
	"errors"
	"fmt"
)

// Kind 错误类别
type Kind string

const (
	// KindAuthentication 未认证连接发送了非握手消息
	KindAuthentication Kind = "authentication"
	// KindValidation 消息格式、大小或内容校验失败
	KindValidation Kind = "validation"
	// KindRateLimit 令牌桶耗尽
	KindRateLimit Kind = "rate_limit"
	// KindMessage 应用层 receive 钩子抛出的错误
	KindMessage Kind = "message"
)

// Context 错误上下文，随错误响应一起返回给发起连接
type Context struct {
	UserID       string         `json:"user_id,omitempty"`
	ConnectionID string         `json:"connection_id,omitempty"`
	MessageType  string         `json:"message_type,omitempty"`
	Component    string         `json:"component,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
}

// Error 通道层类型化错误
type Error struct {
	Kind    Kind           `json:"kind"`              // 错误类别
	Code    string         `json:"code"`              // 错误码
	Message string         `json:"message"`           // 错误信息
	Context *Context       `json:"context,omitempty"` // 上下文
	Details map[string]any `json:"details,omitempty"` // 附加细节
	Err     error          `json:"-"`                 // 原始错误
}

// Error 实现 error 接口
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

// Unwrap 实现 errors.Unwrap 接口
func (e *Error) Unwrap() error {
	return e.Err
}

// New 创建新的错误
func New(kind Kind, code, message string) *Error {
	return &Error{
		Kind:    kind,
		Code:    code,
		Message: message,
	}
}

// Clone 克隆错误（避免修改共享的预定义错误）
func (e *Error) Clone() *Error {
	c := *e
	if e.Context != nil {
		ctx := *e.Context
		if e.Context.Extra != nil {
			ctx.Extra = make(map[string]any, len(e.Context.Extra))
			for k, v := range e.Context.Extra {
				ctx.Extra[k] = v
			}
		}
		c.Context = &ctx
	}
	if e.Details != nil {
		c.Details = make(map[string]any, len(e.Details))
		for k, v := range e.Details {
			c.Details[k] = v
		}
	}
	return &c
}

// WithError 添加原始错误（返回新实例）
func (e *Error) WithError(err error) *Error {
	c := e.Clone()
	c.Err = err
	return c
}

// WithMessage 替换错误信息（返回新实例）
func (e *Error) WithMessage(message string) *Error {
	c := e.Clone()
	c.Message = message
	return c
}

// WithMessagef 格式化替换错误信息（返回新实例）
func (e *Error) WithMessagef(format string, args ...any) *Error {
	return e.WithMessage(fmt.Sprintf(format, args...))
}

// WithContext 设置错误上下文（返回新实例）
func (e *Error) WithContext(ctx *Context) *Error {
	c := e.Clone()
	c.Context = ctx
	return c
}

// WithDetail 追加一项细节（返回新实例）
func (e *Error) WithDetail(key string, value any) *Error {
	c := e.Clone()
	if c.Details == nil {
		c.Details = make(map[string]any, 1)
	}
	c.Details[key] = value
	return c
}

// Is 当 target 也是 *Error 时比较 Code
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if ok {
		return e.Code == t.Code
	}
	return errors.Is(e.Err, target)
}

// AsTyped 提取错误链上的 *Error
func AsTyped(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsKind 判断错误链上是否存在指定类别的 *Error
func IsKind(err error, kind Kind) bool {
	e, ok := AsTyped(err)
	return ok && e.Kind == kind
}

// As 转换为指定类型的错误
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Is 检查错误是否为指定类型
func Is(err error, target error) bool {
	return errors.Is(err, target)
}
