package domain

import (
	"regexp"
	"time"
)

// RouteMode 路由处理方式
type RouteMode string

const (
	RouteModeEndpoint RouteMode = "Endpoint"
	RouteModeAccept   RouteMode = "Accept"
	RouteModeHold     RouteMode = "Hold"
	RouteModeBounce   RouteMode = "Bounce"
	RouteModeReject   RouteMode = "Reject"
)

// RouteModes 全部合法的路由方式
var RouteModes = []RouteMode{RouteModeEndpoint, RouteModeAccept, RouteModeHold, RouteModeBounce, RouteModeReject}

// Valid 判断是否为合法路由方式
func (m RouteMode) Valid() bool {
	for _, mode := range RouteModes {
		if m == mode {
			return true
		}
	}
	return false
}

// SpamMode 垃圾邮件处理方式
type SpamMode string

const (
	SpamModeMark       SpamMode = "Mark"
	SpamModeQuarantine SpamMode = "Quarantine"
	SpamModeFail       SpamMode = "Fail"
)

// Valid 判断是否为合法垃圾邮件处理方式
func (m SpamMode) Valid() bool {
	switch m {
	case SpamModeMark, SpamModeQuarantine, SpamModeFail:
		return true
	}
	return false
}

const (
	// WildcardRouteName 通配路由名
	WildcardRouteName = "*"
	// ReturnPathRouteName 回执路径路由的保留名
	ReturnPathRouteName = "__returnpath__"
	// RouteTokenLength 路由令牌长度
	RouteTokenLength = 8
)

var routeNameRegex = regexp.MustCompile(`^(([a-z0-9\-.]*)|(\*)|(__returnpath__))$`)

// ValidRouteName 判断路由名格式
func ValidRouteName(name string) bool {
	return routeNameRegex.MatchString(name)
}

// Route 服务器内的收件地址路由规则
type Route struct {
	ID           string       `json:"id" gorm:"primaryKey;type:varchar(36)"`
	ServerID     string       `json:"serverId" gorm:"type:varchar(36);index;not null"`
	DomainID     *string      `json:"domainId" gorm:"type:varchar(36);index"`
	Domain       *Domain      `json:"domain,omitempty" gorm:"-"`
	Name         string       `json:"name" gorm:"type:varchar(255);index;not null"`
	Mode         RouteMode    `json:"mode" gorm:"type:varchar(20)"`
	SpamMode     SpamMode     `json:"spamMode" gorm:"type:varchar(20)"`
	EndpointKind EndpointKind `json:"endpointType,omitempty" gorm:"type:varchar(20)"`
	EndpointID   string       `json:"endpointId,omitempty" gorm:"type:varchar(36)"`
	Token        string       `json:"token" gorm:"type:varchar(16);uniqueIndex"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// IsReturnPath 是否为回执路径路由
func (r *Route) IsReturnPath() bool {
	return r.Name == ReturnPathRouteName
}

// IsWildcard 是否为通配路由
func (r *Route) IsWildcard() bool {
	return r.Name == WildcardRouteName
}

// Endpoint 返回主端点引用
func (r *Route) Endpoint() EndpointRef {
	return EndpointRef{Kind: r.EndpointKind, ID: r.EndpointID}
}

// SetEndpoint 设置主端点，nil 清除
func (r *Route) SetEndpoint(e *Endpoint) {
	if e == nil {
		r.EndpointKind, r.EndpointID = "", ""
		return
	}
	r.EndpointKind, r.EndpointID = e.Kind, e.ID
}

// DomainName 返回所属域名，未加载时为空串
func (r *Route) DomainName() string {
	if r.Domain == nil {
		return ""
	}
	return r.Domain.Name
}

// Description 回执路径路由返回 "Return Path"，其余返回 "name@domain"
func (r *Route) Description() string {
	if r.IsReturnPath() {
		return "Return Path"
	}
	if r.Domain == nil {
		return r.Name
	}
	return r.Name + "@" + r.Domain.Name
}

// ForwardAddress 返回可直接投递到此路由的转发地址
func (r *Route) ForwardAddress(routeDomain string) string {
	return r.Token + "@" + routeDomain
}

// AdditionalRouteEndpoint 路由的附加端点
type AdditionalRouteEndpoint struct {
	ID           string       `json:"id" gorm:"primaryKey;type:varchar(36)"`
	RouteID      string       `json:"routeId" gorm:"type:varchar(36);uniqueIndex:idx_route_endpoint;not null"`
	EndpointKind EndpointKind `json:"endpointType" gorm:"type:varchar(20);uniqueIndex:idx_route_endpoint"`
	EndpointID   string       `json:"endpointId" gorm:"type:varchar(36);uniqueIndex:idx_route_endpoint"`
	CreatedAt    time.Time    `json:"createdAt"`
}

// Endpoint 返回端点引用
func (a *AdditionalRouteEndpoint) Endpoint() EndpointRef {
	return EndpointRef{Kind: a.EndpointKind, ID: a.EndpointID}
}

// EndpointSyncPlan 附加端点集合的一次原子变更：保留 Keep 中的记录、创建 Create，其余全部删除
type EndpointSyncPlan struct {
	Keep   []string
	Create []AdditionalRouteEndpoint
}
