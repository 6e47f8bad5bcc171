package model

// RefundType reversal path picked from (team status, order status)
type RefundType int

const (
	RefundUnpaidUnlock RefundType = iota // 未支付，未成团
	RefundPaidUnformed                   // 已支付，未成团
	RefundPaidFormed                     // 已支付，已成团

	refundTypeCount
)

// RefundTypeCount number of refund types, sizes strategy tables
const RefundTypeCount = int(refundTypeCount)

// AllRefundTypes every refund type in declaration order
func AllRefundTypes() []RefundType {
	types := make([]RefundType, 0, RefundTypeCount)
	for t := RefundType(0); t < refundTypeCount; t++ {
		types = append(types, t)
	}
	return types
}

// String returns the persisted code
func (t RefundType) String() string {
	switch t {
	case RefundUnpaidUnlock:
		return "unpaid_unlock"
	case RefundPaidUnformed:
		return "paid_unformed"
	case RefundPaidFormed:
		return "paid_formed"
	default:
		return "unknown"
	}
}

// ResolveRefundType picks the reversal path, false when the pair has none
func ResolveRefundType(teamStatus, orderStatus int8) (RefundType, bool) {
	switch orderStatus {
	case OrderStatusCreate:
		if teamStatus == TeamStatusCreate || teamStatus == TeamStatusProgress {
			return RefundUnpaidUnlock, true
		}
	case OrderStatusComplete:
		switch teamStatus {
		case TeamStatusCreate, TeamStatusProgress:
			return RefundPaidUnformed, true
		case TeamStatusComplete, TeamStatusCompleteFail:
			return RefundPaidFormed, true
		}
	}
	return 0, false
}
