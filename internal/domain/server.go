package domain

import (
	"strings"
	"time"
)

// Server 邮件服务器（租户），路由、端点、Webhook 都挂在服务器下
type Server struct {
	ID             string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	OrganizationID string    `json:"organizationId" gorm:"type:varchar(36);index"`
	Name           string    `json:"name" gorm:"type:varchar(255)"`
	Permalink      string    `json:"permalink" gorm:"type:varchar(255);uniqueIndex"`
	Token          string    `json:"token" gorm:"type:varchar(32);uniqueIndex;not null"` // 出现在跟踪链接中
	CreatedAt      time.Time `json:"createdAt"`
}

// DomainOwnerType 域名归属类型
type DomainOwnerType string

const (
	DomainOwnerServer       DomainOwnerType = "Server"
	DomainOwnerOrganization DomainOwnerType = "Organization"
)

// Domain 发信/收信域名，归属于服务器或组织
type Domain struct {
	ID         string          `json:"id" gorm:"primaryKey;type:varchar(36)"`
	OwnerType  DomainOwnerType `json:"ownerType" gorm:"type:varchar(20)"`
	OwnerID    string          `json:"ownerId" gorm:"type:varchar(36);index"`
	Name       string          `json:"name" gorm:"type:varchar(255);index;not null"`
	VerifiedAt *time.Time      `json:"verifiedAt"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// Verified 域名是否已通过验证
func (d *Domain) Verified() bool {
	return d.VerifiedAt != nil
}

// BelongsTo 判断域名是否归属于该服务器（直接归属或归属于其组织）
func (d *Domain) BelongsTo(server *Server) bool {
	switch d.OwnerType {
	case DomainOwnerServer:
		return d.OwnerID == server.ID
	case DomainOwnerOrganization:
		return server.OrganizationID != "" && d.OwnerID == server.OrganizationID
	}
	return false
}

// DNSStatusOK DNS 校验通过
const DNSStatusOK = "OK"

// TrackingDomain 用于点击/打开跟踪的域名
type TrackingDomain struct {
	ID                   string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	ServerID             string    `json:"serverId" gorm:"type:varchar(36);index;not null"`
	DomainID             string    `json:"domainId" gorm:"type:varchar(36);index;not null"`
	Name                 string    `json:"name" gorm:"type:varchar(255)"`
	FullName             string    `json:"fullName" gorm:"type:varchar(255)"` // 例如 click.example.com
	DNSStatus            string    `json:"dnsStatus" gorm:"type:varchar(20)"`
	TrackClicks          bool      `json:"trackClicks" gorm:"default:true"`
	TrackLoads           bool      `json:"trackLoads" gorm:"default:true"`
	UseSSL               bool      `json:"useSsl" gorm:"default:true"`
	ExcludedClickDomains string    `json:"excludedClickDomains" gorm:"type:text"` // 每行一个主机名
	CreatedAt            time.Time `json:"createdAt"`
}

// Verified DNS 状态为 OK
func (t *TrackingDomain) Verified() bool {
	return t.DNSStatus == DNSStatusOK
}

// Scheme 根据 SSL 设置返回链接协议
func (t *TrackingDomain) Scheme() string {
	if t.UseSSL {
		return "https"
	}
	return "http"
}

// ExcludedHosts 返回不做点击跟踪的主机名列表
func (t *TrackingDomain) ExcludedHosts() []string {
	var hosts []string
	for _, line := range strings.Split(t.ExcludedClickDomains, "\n") {
		if host := strings.TrimSpace(line); host != "" {
			hosts = append(hosts, host)
		}
	}
	return hosts
}

// IsExcluded 判断主机名是否在排除列表中
func (t *TrackingDomain) IsExcluded(host string) bool {
	for _, excluded := range t.ExcludedHosts() {
		if excluded == host {
			return true
		}
	}
	return false
}
