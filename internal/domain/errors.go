package domain

import (
	"errors"
	"fmt"
	"strings"
)

// 查询类错误
var (
	ErrServerNotFound         = errors.New("server not found")
	ErrDomainNotFound         = errors.New("domain not found")
	ErrRouteNotFound          = errors.New("route not found")
	ErrEndpointNotFound       = errors.New("endpoint not found")
	ErrTrackingDomainNotFound = errors.New("tracking domain not found")
	ErrMessageNotFound        = errors.New("message not found")
	ErrLinkNotFound           = errors.New("link not found")
	ErrWebhookNotFound        = errors.New("webhook not found")
)

// ErrInvalidEndpointType 端点描述符中的类型名不在允许集合内
var ErrInvalidEndpointType = errors.New("invalid endpoint type")

// Violation 单条校验失败
type Violation struct {
	Field   string
	Message string
}

func (v Violation) String() string {
	if v.Field == "" {
		return v.Message
	}
	return v.Field + " " + v.Message
}

// ValidationError 汇总一次校验中发现的全部问题
type ValidationError struct {
	Violations []Violation
}

// Add 追加一条校验失败
func (e *ValidationError) Add(field, message string) {
	e.Violations = append(e.Violations, Violation{Field: field, Message: message})
}

// Empty 没有任何校验失败时返回 true
func (e *ValidationError) Empty() bool {
	return e == nil || len(e.Violations) == 0
}

// Has 判断指定字段是否存在校验失败
func (e *ValidationError) Has(field string) bool {
	if e == nil {
		return false
	}
	for _, v := range e.Violations {
		if v.Field == field {
			return true
		}
	}
	return false
}

// Messages 返回全部失败描述
func (e *ValidationError) Messages() []string {
	messages := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		messages = append(messages, v.String())
	}
	return messages
}

// Err 有校验失败时返回自身，否则返回 nil
func (e *ValidationError) Err() error {
	if e.Empty() {
		return nil
	}
	return e
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Messages(), "; ")
}

// RoutingError 表示违反路由策略的端点引用（跨服务器、类型不允许、通配/回执路径限制）
type RoutingError struct {
	Reason string
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("routing error: %s", e.Reason)
}
