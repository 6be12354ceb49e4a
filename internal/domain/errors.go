package domain

import (
	"errors"
	"fmt"
)

// TransportError 表示发送或拉取时的网络、认证或协议故障。
//
// 发送侧的 TransportError 会落库为 failed 消息并上抛给调用方，不自动重试。
type TransportError struct {
	Op  string // "send" 或 "fetch"
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("mail transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// NewTransportError 包装传输故障。
func NewTransportError(op string, err error) *TransportError {
	return &TransportError{Op: op, Err: err}
}

// IsTransportError 判断错误链中是否包含传输故障。
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// ValidationError 表示草稿在进入传输层之前未通过校验。
//
// 校验失败不落库、不触发任何传输调用。
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NewValidationError 构建校验错误。
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidationError 判断错误链中是否包含校验错误。
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
