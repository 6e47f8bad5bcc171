package model

import (
	"time"
)

// Team 拼团队伍
type Team struct {
	ID                uint64    `gorm:"primaryKey;autoIncrement;comment:自增ID" json:"id"`
	TeamID            string    `gorm:"type:varchar(32);uniqueIndex;not null;comment:拼单组队ID" json:"team_id"`
	ActivityID        int64     `gorm:"type:bigint;not null;index;comment:活动ID" json:"activity_id"`
	GoodsID           string    `gorm:"type:varchar(32);not null;comment:商品ID" json:"goods_id"`
	TargetCount       int       `gorm:"type:int;not null;comment:目标数量" json:"target_count"`
	LockCount         int       `gorm:"type:int;not null;default:0;comment:锁单数量（含已完成）" json:"lock_count"`
	CompleteCount     int       `gorm:"type:int;not null;default:0;comment:完成数量" json:"complete_count"`
	Status            int8      `gorm:"type:tinyint;not null;default:0;comment:状态：0-创建，1-拼团中，2-完成，3-完成后退单" json:"status"`
	ValidStartTime    time.Time `gorm:"not null;comment:拼团开始时间" json:"valid_start_time"`
	ValidEndTime      time.Time `gorm:"not null;comment:拼团结束时间" json:"valid_end_time"`
	NotifyType        string    `gorm:"type:varchar(8);not null;default:'HTTP';comment:回调类型" json:"notify_type"`
	NotifyDestination string    `gorm:"type:varchar(512);comment:回调地址或主题" json:"notify_destination"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName set name
func (Team) TableName() string {
	return "group_buy_teams"
}

// TeamStatus team status const
const (
	TeamStatusCreate       int8 = 0 // 创建
	TeamStatusProgress     int8 = 1 // 拼团中
	TeamStatusComplete     int8 = 2 // 完成
	TeamStatusCompleteFail int8 = 3 // 完成后有退单
)

// OpenTeamStatuses statuses that still accept locks and settlements
var OpenTeamStatuses = []int8{TeamStatusCreate, TeamStatusProgress}

// FormedTeamStatuses statuses of a team that reached its target once
var FormedTeamStatuses = []int8{TeamStatusComplete, TeamStatusCompleteFail}

// IsOpen check team still accepts new members
func (t *Team) IsOpen() bool {
	return t.Status == TeamStatusCreate || t.Status == TeamStatusProgress
}

// IsFormed check team reached its target count at least once
func (t *Team) IsFormed() bool {
	return t.Status == TeamStatusComplete || t.Status == TeamStatusCompleteFail
}

// ExpiredAt check team valid window has passed
func (t *Team) ExpiredAt(now time.Time) bool {
	return !t.ValidEndTime.IsZero() && now.After(t.ValidEndTime)
}

// NotifyConfig where completion callbacks of a team are delivered
type NotifyConfig struct {
	Type        NotifyType `json:"type"`
	Destination string     `json:"destination"`
}

// NotifyConfig returns the team's notify target
func (t *Team) NotifyConfig() NotifyConfig {
	return NotifyConfig{Type: ParseNotifyType(t.NotifyType), Destination: t.NotifyDestination}
}
