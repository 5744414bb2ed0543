// Package errors 提供统一错误类型与哨兵错误。
//
// 两层错误体系:
//   - L1 哨兵错误: ErrNotFound / ErrInvalidInput / ErrClosed / ErrMalformedEvent 等
//   - L2 AppError: 带 Op + Code + Message 的应用级错误
package errors

import (
	"errors"
	"fmt"
)

// ========================================
// L1 哨兵错误 (Sentinel Errors)
// ========================================

var (
	// ErrNotFound 资源不存在 (会话、快照)
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput 输入参数无效
	ErrInvalidInput = errors.New("invalid input")

	// ErrTimeout 操作超时
	ErrTimeout = errors.New("timeout")

	// ErrClosed 对象已关闭 (通道、缓存)
	ErrClosed = errors.New("closed")

	// ErrMalformedEvent 入站帧无法解析为已知事件
	ErrMalformedEvent = errors.New("malformed event")

	// ErrNotSubmittable 内容项尚不可提交 (上传中或缺少 serverUrl)
	ErrNotSubmittable = errors.New("content not submittable")

	// ErrSendFailed 提交请求发送失败，乐观消息已回滚
	ErrSendFailed = errors.New("send failed")

	// ErrNotConnected 传输通道当前不可用
	ErrNotConnected = errors.New("not connected")
)

// 错误码，供 AppError.Code 与 HTTP 响应使用。
const (
	CodeTransport  = "TRANSPORT"
	CodeMalformed  = "MALFORMED_EVENT"
	CodeValidation = "VALIDATION"
	CodeStorage    = "STORAGE"
	CodeNotFound   = "NOT_FOUND"
	CodeInternal   = "INTERNAL"
)

// ========================================
// L2 AppError (应用级错误)
// ========================================

// AppError 应用级错误，带操作上下文。
type AppError struct {
	Op      string // 操作名，如 "Cache.Get"
	Code    string // 错误码，如 "TRANSPORT"、"VALIDATION"
	Message string // 人类可读消息
	Err     error  // 原始错误
}

// Error 实现 error 接口。
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// Unwrap 支持 errors.Is / errors.As 链式查找。
func (e *AppError) Unwrap() error {
	return e.Err
}

// ========================================
// 工厂函数
// ========================================

// New 创建无原因链的应用错误。
func New(op, message string) error {
	return &AppError{Op: op, Message: message}
}

// Newf 创建带格式化消息的应用错误。
func Newf(op, format string, args ...any) error {
	return &AppError{Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap 包装错误并附加操作上下文。
func Wrap(err error, op string, message string) error {
	return &AppError{Op: op, Message: message, Err: err}
}

// Wrapf 用格式化消息包装错误。
func Wrapf(err error, op, format string, args ...any) error {
	return &AppError{Op: op, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithCode 包装错误并附带错误码。
func WithCode(err error, op, code, message string) error {
	return &AppError{Op: op, Code: code, Message: message, Err: err}
}

// CodeOf 提取错误链上第一个非空错误码，不存在时按哨兵错误推断。
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var appErr *AppError
	for e := err; errors.As(e, &appErr); e = appErr.Err {
		if appErr.Code != "" {
			return appErr.Code
		}
		if appErr.Err == nil {
			break
		}
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrNotSubmittable):
		return CodeValidation
	case errors.Is(err, ErrMalformedEvent):
		return CodeMalformed
	case errors.Is(err, ErrSendFailed), errors.Is(err, ErrNotConnected), errors.Is(err, ErrClosed):
		return CodeTransport
	}
	return CodeInternal
}

// Is / As 透传标准库，调用方无需同时 import 两个 errors 包。
func Is(err, target error) bool { return errors.Is(err, target) }
func As(err error, target any) bool { return errors.As(err, target) }
