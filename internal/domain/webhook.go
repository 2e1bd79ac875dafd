package domain

import "time"

// WebhookEventType Webhook 事件类型
type WebhookEventType string

const (
	WebhookEventMessageSent           WebhookEventType = "MessageSent"           // 投递成功
	WebhookEventMessageDelayed        WebhookEventType = "MessageDelayed"        // 暂时失败，稍后重试
	WebhookEventMessageDeliveryFailed WebhookEventType = "MessageDeliveryFailed" // 永久失败
	WebhookEventMessageHeld           WebhookEventType = "MessageHeld"           // 被扣留
	WebhookEventMessageLinkClicked    WebhookEventType = "MessageLinkClicked"    // 跟踪链接被点击
	WebhookEventMessageLoaded         WebhookEventType = "MessageLoaded"         // 跟踪像素被加载
)

// IsValidWebhookEvent 是否为已知事件类型
func IsValidWebhookEvent(event WebhookEventType) bool {
	switch event {
	case WebhookEventMessageSent, WebhookEventMessageDelayed, WebhookEventMessageDeliveryFailed,
		WebhookEventMessageHeld, WebhookEventMessageLinkClicked, WebhookEventMessageLoaded:
		return true
	}
	return false
}

// Webhook 服务器级别的事件订阅
type Webhook struct {
	ID          string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	ServerID    string     `json:"serverId" gorm:"type:varchar(36);index;not null"`
	URL         string     `json:"url" gorm:"type:varchar(500);not null"`
	Events      []string   `json:"events" gorm:"serializer:json;type:json"` // 为空表示订阅全部事件
	Secret      string     `json:"secret" gorm:"type:varchar(255)"`
	IsActive    bool       `json:"isActive" gorm:"default:true"`
	RetryCount  int        `json:"retryCount" gorm:"default:0"`
	LastError   string     `json:"lastError" gorm:"type:text"`
	LastSuccess *time.Time `json:"lastSuccess"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Subscribes 判断是否订阅了指定事件
func (w *Webhook) Subscribes(event WebhookEventType) bool {
	if len(w.Events) == 0 {
		return true
	}
	for _, e := range w.Events {
		if e == string(event) {
			return true
		}
	}
	return false
}

// WebhookEvent Webhook 事件数据
type WebhookEvent struct {
	ID        string           `json:"uuid"`
	Event     WebhookEventType `json:"event"`
	ServerID  string           `json:"-"`
	Timestamp time.Time        `json:"timestamp"`
	Data      interface{}      `json:"payload"`
}

// WebhookDelivery Webhook 投递记录
type WebhookDelivery struct {
	ID         string           `json:"id" gorm:"primaryKey;type:varchar(36)"`
	WebhookID  string           `json:"webhookId" gorm:"type:varchar(36);index"`
	Event      WebhookEventType `json:"event" gorm:"type:varchar(40)"`
	Payload    string           `json:"payload" gorm:"type:text"` // JSON payload
	StatusCode int              `json:"statusCode"`
	Response   string           `json:"response" gorm:"type:text"`
	Duration   int64            `json:"duration"` // 请求耗时（毫秒）
	Success    bool             `json:"success"`
	Error      string           `json:"error" gorm:"type:text"`
	Attempts   int              `json:"attempts"`
	NextRetry  *time.Time       `json:"nextRetry" gorm:"index"`
	CreatedAt  time.Time        `json:"createdAt"`
}

// DeliveryWebhookPayload 投递事件负载
type DeliveryWebhookPayload struct {
	Message     MessageSummary `json:"message"`
	Status      DeliveryStatus `json:"status"`
	Details     string         `json:"details"`
	Output      string         `json:"output"`
	SentWithSSL bool           `json:"sent_with_ssl"`
	Timestamp   float64        `json:"timestamp"` // Unix 秒
	Time        *float64       `json:"time"`
}

// TrackingWebhookPayload 点击/打开事件负载
type TrackingWebhookPayload struct {
	Message   MessageSummary `json:"message"`
	URL       string         `json:"url,omitempty"`
	Token     string         `json:"token,omitempty"`
	IPAddress string         `json:"ip_address"`
	UserAgent string         `json:"user_agent"`
}
