package errors

/*
	内置错误码
*/

const (
	CodeAuthenticationRequired = "AUTHENTICATION_REQUIRED"
	CodeInvalidJSON            = "INVALID_JSON"
	CodeMessageTooLarge        = "MESSAGE_TOO_LARGE"
	CodeValidation             = "VALIDATION_ERROR"
	CodeRateLimitExceeded      = "RATE_LIMIT_EXCEEDED"
	CodeMessage                = "MESSAGE_ERROR"
)

var (
	// ErrAuthenticationRequired 需要认证
	ErrAuthenticationRequired = New(KindAuthentication, CodeAuthenticationRequired, "Authentication required")
	// ErrInvalidJSON 消息不是合法 JSON 信封
	ErrInvalidJSON = New(KindValidation, CodeInvalidJSON, "Invalid JSON format")
	// ErrMessageTooLarge 消息超出大小限制
	ErrMessageTooLarge = New(KindValidation, CodeMessageTooLarge, "Message too large")
	// ErrValidation 通用校验失败
	ErrValidation = New(KindValidation, CodeValidation, "Validation failed")
	// ErrRateLimitExceeded 超出限流
	ErrRateLimitExceeded = New(KindRateLimit, CodeRateLimitExceeded, "Rate limit exceeded")
	// ErrMessage 应用处理失败
	ErrMessage = New(KindMessage, CodeMessage, "Message processing failed")
)

// NewAuthenticationError 创建认证错误
func NewAuthenticationError(message string, ctx *Context) *Error {
	return ErrAuthenticationRequired.WithMessage(message).WithContext(ctx)
}

// NewValidationError 创建校验错误
func NewValidationError(message string, ctx *Context) *Error {
	return ErrValidation.WithMessage(message).WithContext(ctx)
}

// NewRateLimitError 创建限流错误
func NewRateLimitError(message string, ctx *Context) *Error {
	return ErrRateLimitExceeded.WithMessage(message).WithContext(ctx)
}

// NewMessageError 创建应用层消息错误
func NewMessageError(message string, ctx *Context) *Error {
	return ErrMessage.WithMessage(message).WithContext(ctx)
}
