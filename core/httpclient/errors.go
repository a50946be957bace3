package httpclient

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrCode 表示服务端返回的错误，兼容 code/message 响应体与裸状态码。
type ErrCode struct {
	Code    string
	Message string
	Status  int
}

func (e *ErrCode) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Code != "" && e.Message != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	case e.Code != "":
		return e.Code
	case e.Message != "":
		return e.Message
	default:
		return fmt.Sprintf("http 状态码: %d", e.Status)
	}
}

// NetworkError 包装底层网络错误，便于区分可重试场景。
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("网络错误: %v", e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// TimeoutError 表示调用在配置的截止时间内未完成。
type TimeoutError struct {
	Timeout time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	if e.Timeout > 0 {
		return fmt.Sprintf("请求超时(%v): %v", e.Timeout, e.Err)
	}
	return fmt.Sprintf("请求超时: %v", e.Err)
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// DecodeError 表示响应解码失败。
type DecodeError struct {
	Status int
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("解码失败(status=%d): %v", e.Status, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// errBody 兼容 {code,message} 与 {error,error_description} 两种错误响应体。
type errBody struct {
	Code        string `json:"code,omitempty"`
	Message     string `json:"message,omitempty"`
	ErrorCode   string `json:"error,omitempty"`
	Description string `json:"error_description,omitempty"`
}

func (b *errBody) toErrCode(status int) *ErrCode {
	ec := &ErrCode{Status: status}
	if b != nil {
		ec.Code = b.Code
		if ec.Code == "" {
			ec.Code = b.ErrorCode
		}
		ec.Message = b.Message
		if ec.Message == "" {
			ec.Message = b.Description
		}
	}
	if ec.Message == "" {
		ec.Message = http.StatusText(status)
	}
	return ec
}

func statusToErr(status int) *ErrCode {
	return &ErrCode{
		Status:  status,
		Code:    fmt.Sprintf("HTTP_%d", status),
		Message: http.StatusText(status),
	}
}

// StatusOf 提取错误携带的 HTTP 状态码，未命中时返回 0。
func StatusOf(err error) int {
	var ec *ErrCode
	if errors.As(err, &ec) {
		return ec.Status
	}
	return 0
}
