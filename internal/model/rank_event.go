package model

import (
	"time"

	"github.com/google/uuid"
)

// Rank event types
const (
	EventUnpaid           = "UNPAID"
	EventGroupBuyProgress = "GROUP_BUY_PROGRESS"
	EventGroupBuyComplete = "GROUP_BUY_COMPLETE"
	EventRefundSuccess    = "REFUND_SUCCESS"
	EventOrderCancel      = "ORDER_CANCEL"
)

// Order statuses carried by rank events, they drive the score weight
const (
	RankOrderComplete = "COMPLETE"
	RankOrderProgress = "PROGRESS"
	RankOrderFail     = "FAIL"
)

// RankEvent 排行榜领域事件，至少一次投递，按 EventID 去重
type RankEvent struct {
	EventID     string `json:"eventId"`
	OrderID     string `json:"orderId"`
	ActivityID  int64  `json:"activityId"`
	GoodsID     string `json:"goodsId"`
	Quantity    int64  `json:"quantity,omitempty"`
	EventType   string `json:"eventType"`
	OrderStatus string `json:"orderStatus,omitempty"`
	OccurTime   int64  `json:"occurTime"` // epoch millis
}

// NewRankEvent builds an event for order with a fresh event id
func NewRankEvent(order *OrderDetail, eventType, orderStatus string) *RankEvent {
	return &RankEvent{
		EventID:     uuid.NewString(),
		OrderID:     order.OrderID,
		ActivityID:  order.ActivityID,
		GoodsID:     order.GoodsID,
		Quantity:    1,
		EventType:   eventType,
		OrderStatus: orderStatus,
		OccurTime:   time.Now().UnixMilli(),
	}
}

// OccurredAt occur time, now when absent
func (e *RankEvent) OccurredAt() time.Time {
	if e.OccurTime <= 0 {
		return time.Now()
	}
	return time.UnixMilli(e.OccurTime)
}
