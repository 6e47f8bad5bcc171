package model

import (
	"strings"
	"time"
)

// NotifyTask 回调任务，队伍完成或已付款退单时写入
type NotifyTask struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement;comment:自增ID" json:"id"`
	ActivityID   int64     `gorm:"type:bigint;not null;comment:活动ID" json:"activity_id"`
	TeamID       string    `gorm:"type:varchar(32);not null;index;comment:拼单组队ID" json:"team_id"`
	BizKey       string    `gorm:"type:varchar(128);uniqueIndex;not null;comment:任务唯一键" json:"biz_key"`
	Category     string    `gorm:"type:varchar(32);not null;comment:任务类别" json:"category"`
	NotifyType   string    `gorm:"type:varchar(8);not null;comment:回调类型" json:"notify_type"`
	Destination  string    `gorm:"type:varchar(512);not null;comment:回调地址或主题" json:"destination"`
	Payload      string    `gorm:"type:text;not null;comment:回调内容" json:"payload"`
	AttemptCount int       `gorm:"type:int;not null;default:0;comment:回调次数" json:"attempt_count"`
	Status       int8      `gorm:"type:tinyint;not null;default:0;index;comment:状态：0-待执行，1-成功，2-重试，3-失败" json:"status"`
	LastError    string    `gorm:"type:varchar(512);comment:最近一次失败原因" json:"last_error,omitempty"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName set name
func (NotifyTask) TableName() string {
	return "notify_tasks"
}

// NotifyTaskStatus notify task status const
const (
	NotifyStatusPending int8 = 0
	NotifyStatusSuccess int8 = 1
	NotifyStatusRetry   int8 = 2
	NotifyStatusFailed  int8 = 3
)

// DispatchableStatuses statuses the dispatcher may still act on
var DispatchableStatuses = []int8{NotifyStatusPending, NotifyStatusRetry}

// Notify task categories
const (
	CategoryTeamComplete = "trade_settlement"
	CategoryRefund       = "trade_refund"
)

// NotifyType delivery channel of a notify task
type NotifyType int

const (
	NotifyTypeHTTP NotifyType = iota
	NotifyTypeMQ

	notifyTypeCount
)

// NotifyTypeCount number of known notify types, sizes dispatch tables
const NotifyTypeCount = int(notifyTypeCount)

// String returns the persisted name
func (t NotifyType) String() string {
	switch t {
	case NotifyTypeHTTP:
		return "HTTP"
	case NotifyTypeMQ:
		return "MQ"
	default:
		return "UNKNOWN"
	}
}

// Valid check t is a known type
func (t NotifyType) Valid() bool {
	return t >= 0 && t < notifyTypeCount
}

// ParseNotifyType maps a persisted name to its type, -1 if unknown
func ParseNotifyType(s string) NotifyType {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "HTTP":
		return NotifyTypeHTTP
	case "MQ":
		return NotifyTypeMQ
	default:
		return NotifyType(-1)
	}
}

// TeamCompletePayload payload of a team completion callback
type TeamCompletePayload struct {
	TeamID         string   `json:"teamId"`
	OutTradeNoList []string `json:"outTradeNoList"`
}

// RefundPayload payload of a paid refund callback
type RefundPayload struct {
	Type       string `json:"type"`
	UserID     string `json:"userId"`
	TeamID     string `json:"teamId"`
	OrderID    string `json:"orderId"`
	ActivityID int64  `json:"activityId"`
}
