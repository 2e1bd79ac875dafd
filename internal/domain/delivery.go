package domain

import "time"

// DeliveryStatus 投递结果
type DeliveryStatus string

const (
	DeliverySent     DeliveryStatus = "Sent"
	DeliverySoftFail DeliveryStatus = "SoftFail"
	DeliveryHardFail DeliveryStatus = "HardFail"
	DeliveryBounced  DeliveryStatus = "Bounced"
	DeliveryHeld     DeliveryStatus = "Held"
	DeliveryPending  DeliveryStatus = "Pending"
)

// DeliveryAttempt 一次投递尝试，创建后不可修改
type DeliveryAttempt struct {
	ID          string         `json:"id" db:"id"` // ULID
	MessageID   int64          `json:"messageId" db:"message_id"`
	Status      DeliveryStatus `json:"status" db:"status"`
	Details     string         `json:"details" db:"details"`
	Output      string         `json:"output" db:"output"`
	SentWithSSL bool           `json:"sentWithSsl" db:"sent_with_ssl"`
	LogID       string         `json:"logId" db:"log_id"`
	Time        *float64       `json:"time" db:"time"` // 投递耗时（秒）
	Timestamp   time.Time      `json:"timestamp" db:"timestamp"`
}

// DeliveryAttributes 记录投递时调用方提供的字段
type DeliveryAttributes struct {
	Status      DeliveryStatus
	Details     string
	Output      string
	SentWithSSL bool
	LogID       string
	Time        *float64
}

// StatisticKind 统计计数类型
type StatisticKind string

const (
	StatisticHeld    StatisticKind = "held"
	StatisticBounces StatisticKind = "bounces"
)

// StatisticPeriod 返回统计所属的小时起点（UTC）
func StatisticPeriod(at time.Time) time.Time {
	return at.UTC().Truncate(time.Hour)
}
