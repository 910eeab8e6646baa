package errors

import "encoding/json"

// ResponseType 错误响应的消息类型
const ResponseType = "error"

// Response 错误响应信封，只发送给发起连接
type Response struct {
	Type    string         `json:"type"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Kind    Kind           `json:"kind"`
	Context *Context       `json:"context"`
	Details map[string]any `json:"details,omitempty"`
}

// Response 转换为错误响应信封
func (e *Error) Response() *Response {
	ctx := e.Context
	if ctx == nil {
		ctx = &Context{}
	}
	return &Response{
		Type:    ResponseType,
		Code:    e.Code,
		Message: e.Message,
		Kind:    e.Kind,
		Context: ctx,
		Details: e.Details,
	}
}

// Bytes 编码为 JSON
func (r *Response) Bytes() ([]byte, error) {
	return json.Marshal(r)
}
