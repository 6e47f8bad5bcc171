package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderDetail 拼团订单明细，每次用户参与一条
type OrderDetail struct {
	ID             uint64          `gorm:"primaryKey;autoIncrement;comment:自增ID" json:"id"`
	UserID         string          `gorm:"type:varchar(64);not null;index:idx_user_trade,priority:1;comment:用户ID" json:"user_id"`
	TeamID         string          `gorm:"type:varchar(32);not null;index;comment:拼单组队ID" json:"team_id"`
	OrderID        string          `gorm:"type:varchar(32);uniqueIndex;not null;comment:订单ID" json:"order_id"`
	ActivityID     int64           `gorm:"type:bigint;not null;comment:活动ID" json:"activity_id"`
	GoodsID        string          `gorm:"type:varchar(32);not null;comment:商品ID" json:"goods_id"`
	Source         string          `gorm:"type:varchar(32);comment:渠道" json:"source"`
	Channel        string          `gorm:"type:varchar(32);comment:来源" json:"channel"`
	OriginalPrice  decimal.Decimal `gorm:"type:decimal(10,2);not null;comment:原始价格" json:"original_price"`
	DeductionPrice decimal.Decimal `gorm:"type:decimal(10,2);not null;comment:折扣金额" json:"deduction_price"`
	PayPrice       decimal.Decimal `gorm:"type:decimal(10,2);not null;comment:支付价格" json:"pay_price"`
	Status         int8            `gorm:"type:tinyint;not null;default:0;comment:状态：0-初始锁定，1-消费完成，2-用户退单" json:"status"`
	RefundType     string          `gorm:"type:varchar(32);comment:退单类型" json:"refund_type,omitempty"`
	OutTradeNo     string          `gorm:"type:varchar(64);not null;index:idx_user_trade,priority:2;comment:外部交易单号" json:"out_trade_no"`
	OutTradeTime   *time.Time      `gorm:"comment:外部交易时间" json:"out_trade_time,omitempty"`
	BizID          string          `gorm:"type:varchar(128);uniqueIndex;not null;comment:业务唯一ID" json:"biz_id"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName set name
func (OrderDetail) TableName() string {
	return "group_buy_order_details"
}

// OrderStatus order status const
const (
	OrderStatusCreate   int8 = 0 // 初始锁定
	OrderStatusComplete int8 = 1 // 消费完成
	OrderStatusClose    int8 = 2 // 用户退单
)

// BizID builds the unique business key of one user attempt in an activity
func BizID(activityID int64, userID string, attempt int64) string {
	return fmt.Sprintf("%d_%s_%d", activityID, userID, attempt)
}

// IsPaid check order reached COMPLETE
func (o *OrderDetail) IsPaid() bool {
	return o.Status == OrderStatusComplete
}

// IsClosed check order was refunded
func (o *OrderDetail) IsClosed() bool {
	return o.Status == OrderStatusClose
}
