package domain

import (
	"crypto/rand"
	"math/big"
	"time"
)

// MessageScope 邮件方向
type MessageScope string

const (
	ScopeIncoming MessageScope = "incoming"
	ScopeOutgoing MessageScope = "outgoing"
)

// EndpointBindingSchemaVersion 邮件库从该版本起支持按邮件绑定端点
const EndpointBindingSchemaVersion = 18

// Message 邮件库中的一封邮件
type Message struct {
	ID            int64        `json:"id" db:"id"`
	Token         string       `json:"token" db:"token"`
	ServerID      string       `json:"serverId" db:"server_id"`
	Scope         MessageScope `json:"scope" db:"scope"`
	RcptTo        string       `json:"rcptTo" db:"rcpt_to"`
	MailFrom      string       `json:"mailFrom" db:"mail_from"`
	Subject       string       `json:"subject" db:"subject"`
	MessageID     string       `json:"messageId" db:"message_id"`
	Raw           []byte       `json:"-" db:"raw"`
	EndpointKind  EndpointKind `json:"endpointType,omitempty" db:"endpoint_type"`
	EndpointID    string       `json:"endpointId,omitempty" db:"endpoint_id"`
	DomainID      *string      `json:"domainId" db:"domain_id"`
	RouteID       *string      `json:"routeId" db:"route_id"`
	SpamScore     float64      `json:"spamScore" db:"spam_score"`
	Threat        bool         `json:"threat" db:"threat"`
	ThreatDetails string       `json:"threatDetails" db:"threat_details"`
	Inspected     bool         `json:"inspected" db:"inspected"`
	TrackedLinks  int          `json:"trackedLinks" db:"tracked_links"`
	TrackedImages int          `json:"trackedImages" db:"tracked_images"`
	Parsed        bool         `json:"parsed" db:"parsed"`
	Timestamp     time.Time    `json:"timestamp" db:"timestamp"`
}

// Endpoint 返回绑定的端点引用
func (m *Message) Endpoint() EndpointRef {
	return EndpointRef{Kind: m.EndpointKind, ID: m.EndpointID}
}

// MessageSummary 用于 Webhook 负载的邮件摘要
type MessageSummary struct {
	ID        int64     `json:"id"`
	Token     string    `json:"token"`
	Direction string    `json:"direction"`
	MessageID string    `json:"message_id"`
	To        string    `json:"to"`
	From      string    `json:"from"`
	Subject   string    `json:"subject"`
	Timestamp time.Time `json:"timestamp"`
	SpamScore float64   `json:"spam_score"`
}

// Summary 返回邮件摘要
func (m *Message) Summary() MessageSummary {
	return MessageSummary{
		ID:        m.ID,
		Token:     m.Token,
		Direction: string(m.Scope),
		MessageID: m.MessageID,
		To:        m.RcptTo,
		From:      m.MailFrom,
		Subject:   m.Subject,
		Timestamp: m.Timestamp,
		SpamScore: m.SpamScore,
	}
}

// CreatedMessage 新建邮件的引用
type CreatedMessage struct {
	ID    int64  `json:"id"`
	Token string `json:"token"`
}

// SpamCheck spamd 返回的一条规则命中
type SpamCheck struct {
	Code        string  `json:"code"`
	Score       float64 `json:"score"`
	Description string  `json:"description"`
}

// Link 跟踪链接
type Link struct {
	Token     string    `json:"token" db:"token"`
	ServerID  string    `json:"serverId" db:"server_id"`
	MessageID int64     `json:"messageId" db:"message_id"`
	URL       string    `json:"url" db:"url"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

const tokenAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// GenerateToken 生成指定长度的小写字母数字随机串
func GenerateToken(n int) string {
	limit := big.NewInt(int64(len(tokenAlphabet)))
	buf := make([]byte, n)
	for i := range buf {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			panic(err)
		}
		buf[i] = tokenAlphabet[idx.Int64()]
	}
	return string(buf)
}
