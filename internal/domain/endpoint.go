package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// EndpointKind 端点类型
type EndpointKind string

const (
	EndpointSMTP    EndpointKind = "SMTPEndpoint"
	EndpointHTTP    EndpointKind = "HTTPEndpoint"
	EndpointAddress EndpointKind = "AddressEndpoint"
)

// Valid 判断类型名是否在允许集合内
func (k EndpointKind) Valid() bool {
	switch k {
	case EndpointSMTP, EndpointHTTP, EndpointAddress:
		return true
	}
	return false
}

// Endpoint 投递端点（SMTP 中继、HTTP 回调或直接地址），每个端点只属于一个服务器
type Endpoint struct {
	ID        string       `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Kind      EndpointKind `json:"kind" gorm:"type:varchar(20);index;not null"`
	ServerID  string       `json:"serverId" gorm:"type:varchar(36);index;not null"`
	Name      string       `json:"name" gorm:"type:varchar(255)"`
	Hostname  string       `json:"hostname,omitempty" gorm:"type:varchar(255)"` // SMTP
	Port      int          `json:"port,omitempty"`                              // SMTP
	URL       string       `json:"url,omitempty" gorm:"type:varchar(500)"`      // HTTP
	Address   string       `json:"address,omitempty" gorm:"type:varchar(255)"`  // Address
	CreatedAt time.Time    `json:"createdAt"`
}

// Ref 返回端点引用
func (e *Endpoint) Ref() EndpointRef {
	return EndpointRef{Kind: e.Kind, ID: e.ID}
}

// Description 返回端点的可读描述
func (e *Endpoint) Description() string {
	switch e.Kind {
	case EndpointSMTP:
		port := e.Port
		if port == 0 {
			port = 25
		}
		return fmt.Sprintf("%s (%s:%d)", e.Name, e.Hostname, port)
	case EndpointHTTP:
		return fmt.Sprintf("%s (%s)", e.Name, e.URL)
	default:
		return e.Address
	}
}

// EndpointRef 以 (类型, UUID) 引用一个端点
type EndpointRef struct {
	Kind EndpointKind
	ID   string
}

// IsZero 未引用任何端点
func (r EndpointRef) IsZero() bool {
	return r.Kind == "" && r.ID == ""
}

// String 返回 "<Kind>#<UUID>" 形式的描述符
func (r EndpointRef) String() string {
	if r.IsZero() {
		return ""
	}
	return string(r.Kind) + "#" + r.ID
}

// EndpointResolver 按类型与 UUID 查找端点
type EndpointResolver interface {
	FindEndpoint(ctx context.Context, kind EndpointKind, id string) (*Endpoint, error)
}

// EncodeEndpoint 将端点编码为描述符，nil 编码为空串
func EncodeEndpoint(e *Endpoint) string {
	if e == nil {
		return ""
	}
	return e.Ref().String()
}

// ParseEndpointRef 解析描述符但不查询存储
func ParseEndpointRef(descriptor string) (EndpointRef, error) {
	descriptor = strings.TrimSpace(descriptor)
	if descriptor == "" {
		return EndpointRef{}, nil
	}

	kind, id, _ := strings.Cut(descriptor, "#")
	if !EndpointKind(kind).Valid() {
		return EndpointRef{}, fmt.Errorf("%w: %q", ErrInvalidEndpointType, kind)
	}
	return EndpointRef{Kind: EndpointKind(kind), ID: id}, nil
}

// DecodeEndpoint 解析描述符并通过 resolver 取回端点
//
// 空描述符和找不到的 UUID 都返回 (nil, nil)；未知类型返回 ErrInvalidEndpointType。
func DecodeEndpoint(ctx context.Context, resolver EndpointResolver, descriptor string) (*Endpoint, error) {
	ref, err := ParseEndpointRef(descriptor)
	if err != nil {
		return nil, err
	}
	if ref.IsZero() || ref.ID == "" {
		return nil, nil
	}

	endpoint, err := resolver.FindEndpoint(ctx, ref.Kind, ref.ID)
	if err != nil {
		if errors.Is(err, ErrEndpointNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("resolve endpoint %s: %w", ref, err)
	}
	return endpoint, nil
}
