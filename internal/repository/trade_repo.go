package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"groupbuy/internal/database"
	"groupbuy/internal/model"
	"groupbuy/pkg/utils"
)

var (
	// ErrAlreadySettled the order was completed by an earlier settlement
	ErrAlreadySettled = errors.New("order already settled")
	// ErrAlreadyRefunded the order was closed by an earlier refund
	ErrAlreadyRefunded = errors.New("order already refunded")
)

// LockCommand reserves one team slot for an order
type LockCommand struct {
	Team    *model.Team
	NewTeam bool
	Order   *model.OrderDetail
}

// SettleCommand completes a paid order
type SettleCommand struct {
	Order        *model.OrderDetail
	OutTradeTime time.Time
}

// SettleOutcome state after a settlement commits
type SettleOutcome struct {
	Team *model.Team
	// Task is set only for the settlement that completed the team
	Task *model.NotifyTask
}

// RefundCommand reverses one order along a resolved refund path
type RefundCommand struct {
	Type  model.RefundType
	Order *model.OrderDetail
	Team  *model.Team
	// DecrComplete also gives back the paid slot
	DecrComplete bool
	// TeamStatuses the team must be in for the reversal to apply
	TeamStatuses []int8
	// NewTeamStatus optional team transition
	NewTeamStatus *int8
	// Task optional refund callback written with the reversal
	Task *model.NotifyTask
}

// TradeRepository team and order persistence with guarded counter updates
type TradeRepository interface {
	// GetTeam gets a team, nil if absent
	GetTeam(ctx context.Context, teamID string) (*model.Team, error)

	// GetOrder gets an order by order id, nil if absent
	GetOrder(ctx context.Context, orderID string) (*model.OrderDetail, error)

	// GetOrderByOutTradeNo gets a user's order by external trade no, nil if absent
	GetOrderByOutTradeNo(ctx context.Context, userID, outTradeNo string) (*model.OrderDetail, error)

	// FindUnpaidOrder gets a user's CREATE order by external trade no, nil if absent
	FindUnpaidOrder(ctx context.Context, userID, outTradeNo string) (*model.OrderDetail, error)

	// CountUserTakes counts a user's attempts in an activity
	CountUserTakes(ctx context.Context, activityID int64, userID string) (int64, error)

	// ListCompletedTradeNos external trade nos of a team's completed orders
	ListCompletedTradeNos(ctx context.Context, teamID string) ([]string, error)

	// LockOrder creates or attaches to the team and inserts the order
	LockOrder(ctx context.Context, cmd *LockCommand) error

	// SettleOrder completes the order and advances the team
	SettleOrder(ctx context.Context, cmd *SettleCommand) (*SettleOutcome, error)

	// RefundOrder closes the order and gives back its slot
	RefundOrder(ctx context.Context, cmd *RefundCommand) error
}

// tradeRepository trade repository implementation
type tradeRepository struct {
	db            *gorm.DB
	lockTimeout   time.Duration
	settleTimeout time.Duration
	refundTimeout time.Duration
}

// TradeOption tunes a trade repository
type TradeOption func(*tradeRepository)

// WithTimeouts bounds the lock, settle and refund transactions
func WithTimeouts(lock, settle, refund time.Duration) TradeOption {
	return func(r *tradeRepository) {
		if lock > 0 {
			r.lockTimeout = lock
		}
		if settle > 0 {
			r.settleTimeout = settle
		}
		if refund > 0 {
			r.refundTimeout = refund
		}
	}
}

// NewTradeRepository creates a trade repository
func NewTradeRepository(db *gorm.DB, opts ...TradeOption) TradeRepository {
	r := &tradeRepository{
		db:            db,
		lockTimeout:   3 * time.Second,
		settleTimeout: 5 * time.Second,
		refundTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetTeam gets a team by team id
func (r *tradeRepository) GetTeam(ctx context.Context, teamID string) (*model.Team, error) {
	return getTeam(r.db.WithContext(ctx), teamID)
}

func getTeam(db *gorm.DB, teamID string) (*model.Team, error) {
	var team model.Team
	err := db.Where("team_id = ?", teamID).First(&team).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &team, nil
}

// GetOrder gets an order by order id
func (r *tradeRepository) GetOrder(ctx context.Context, orderID string) (*model.OrderDetail, error) {
	return firstOrder(r.db.WithContext(ctx).Where("order_id = ?", orderID))
}

// GetOrderByOutTradeNo gets an order by user and external trade no
func (r *tradeRepository) GetOrderByOutTradeNo(ctx context.Context, userID, outTradeNo string) (*model.OrderDetail, error) {
	return firstOrder(r.db.WithContext(ctx).
		Where("user_id = ? AND out_trade_no = ?", userID, outTradeNo).
		Order("id DESC"))
}

// FindUnpaidOrder gets the unpaid order of a user and external trade no
func (r *tradeRepository) FindUnpaidOrder(ctx context.Context, userID, outTradeNo string) (*model.OrderDetail, error) {
	return firstOrder(r.db.WithContext(ctx).
		Where("user_id = ? AND out_trade_no = ? AND status = ?", userID, outTradeNo, model.OrderStatusCreate))
}

func firstOrder(db *gorm.DB) (*model.OrderDetail, error) {
	var order model.OrderDetail
	err := db.First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

// CountUserTakes counts every attempt, refunded ones included
func (r *tradeRepository) CountUserTakes(ctx context.Context, activityID int64, userID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.OrderDetail{}).
		Where("activity_id = ? AND user_id = ?", activityID, userID).
		Count(&count).Error
	return count, err
}

// ListCompletedTradeNos lists external trade nos of completed orders in a team
func (r *tradeRepository) ListCompletedTradeNos(ctx context.Context, teamID string) ([]string, error) {
	return completedTradeNos(r.db.WithContext(ctx), teamID)
}

func completedTradeNos(db *gorm.DB, teamID string) ([]string, error) {
	var tradeNos []string
	err := db.Model(&model.OrderDetail{}).
		Where("team_id = ? AND status = ?", teamID, model.OrderStatusComplete).
		Order("id ASC").
		Pluck("out_trade_no", &tradeNos).Error
	return tradeNos, err
}

// LockOrder inserts the team on first reservation or takes one slot of an
// existing team, then inserts the order.
func (r *tradeRepository) LockOrder(ctx context.Context, cmd *LockCommand) error {
	ctx, cancel := context.WithTimeout(ctx, r.lockTimeout)
	defer cancel()

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if cmd.NewTeam {
			cmd.Team.LockCount = 1
			cmd.Team.CompleteCount = 0
			cmd.Team.Status = model.TeamStatusCreate
			if err := tx.Create(cmd.Team).Error; err != nil {
				if database.IsDuplicateKey(err) {
					return utils.WrapError(utils.ErrDuplicateAttempt, err)
				}
				return err
			}
		} else {
			result := tx.Model(&model.Team{}).
				Where("team_id = ? AND lock_count < target_count AND status IN ?", cmd.Team.TeamID, model.OpenTeamStatuses).
				Updates(map[string]interface{}{
					"lock_count": gorm.Expr("lock_count + ?", 1),
					"status":     model.TeamStatusProgress,
				})
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected != 1 {
				return utils.ErrCapacityExceeded
			}
		}

		if err := tx.Create(cmd.Order).Error; err != nil {
			if database.IsDuplicateKey(err) {
				return utils.WrapError(utils.ErrDuplicateAttempt, err)
			}
			return err
		}
		return nil
	})
}

// SettleOrder completes the order, counts it on the team and, for the
// settlement that fills the team, closes the team and writes its callback task.
func (r *tradeRepository) SettleOrder(ctx context.Context, cmd *SettleCommand) (*SettleOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, r.settleTimeout)
	defer cancel()

	var outcome SettleOutcome
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		outTradeTime := cmd.OutTradeTime
		result := tx.Model(&model.OrderDetail{}).
			Where("id = ? AND status = ?", cmd.Order.ID, model.OrderStatusCreate).
			Updates(map[string]interface{}{
				"status":         model.OrderStatusComplete,
				"out_trade_time": &outTradeTime,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected != 1 {
			current, err := firstOrder(tx.Where("id = ?", cmd.Order.ID))
			if err != nil {
				return err
			}
			switch {
			case current == nil:
				return utils.ErrNotFound
			case current.IsPaid():
				return ErrAlreadySettled
			case current.IsClosed():
				return utils.ErrOrderClosed
			}
			return utils.ErrConcurrentUpdate
		}

		result = tx.Model(&model.Team{}).
			Where("team_id = ? AND complete_count < target_count AND status IN ?", cmd.Order.TeamID, model.OpenTeamStatuses).
			Update("complete_count", gorm.Expr("complete_count + ?", 1))
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected != 1 {
			return utils.ErrConcurrentUpdate
		}

		team, err := getTeam(tx.Clauses(clause.Locking{Strength: "UPDATE"}), cmd.Order.TeamID)
		if err != nil {
			return err
		}
		if team == nil {
			return utils.ErrNotFound
		}
		outcome.Team = team

		if team.TargetCount-team.CompleteCount != 0 {
			return nil
		}

		result = tx.Model(&model.Team{}).
			Where("team_id = ? AND status IN ?", team.TeamID, model.OpenTeamStatuses).
			Update("status", model.TeamStatusComplete)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected != 1 {
			return utils.ErrConcurrentUpdate
		}
		team.Status = model.TeamStatusComplete

		tradeNos, err := completedTradeNos(tx, team.TeamID)
		if err != nil {
			return err
		}
		task, err := NewTeamCompleteTask(team, tradeNos)
		if err != nil {
			return err
		}
		if err := tx.Create(task).Error; err != nil {
			if database.IsDuplicateKey(err) {
				return utils.WrapError(utils.ErrConcurrentUpdate, err)
			}
			return err
		}
		outcome.Task = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &outcome, nil
}

// RefundOrder closes the order and decrements the team counters it held.
func (r *tradeRepository) RefundOrder(ctx context.Context, cmd *RefundCommand) error {
	ctx, cancel := context.WithTimeout(ctx, r.refundTimeout)
	defer cancel()

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&model.OrderDetail{}).
			Where("id = ? AND status = ?", cmd.Order.ID, cmd.Order.Status).
			Updates(map[string]interface{}{
				"status":      model.OrderStatusClose,
				"refund_type": cmd.Type.String(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected != 1 {
			current, err := firstOrder(tx.Where("id = ?", cmd.Order.ID))
			if err != nil {
				return err
			}
			if current != nil && current.IsClosed() {
				return ErrAlreadyRefunded
			}
			return utils.ErrConcurrentUpdate
		}

		updates := map[string]interface{}{
			"lock_count": gorm.Expr("lock_count - ?", 1),
		}
		query := tx.Model(&model.Team{}).
			Where("team_id = ? AND lock_count > 0 AND status IN ?", cmd.Team.TeamID, cmd.TeamStatuses)
		if cmd.DecrComplete {
			updates["complete_count"] = gorm.Expr("complete_count - ?", 1)
			query = query.Where("complete_count > 0")
		}
		if cmd.NewTeamStatus != nil {
			updates["status"] = *cmd.NewTeamStatus
		}

		result = query.Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected != 1 {
			return utils.ErrConcurrentUpdate
		}

		if cmd.Task != nil {
			if err := tx.Create(cmd.Task).Error; err != nil {
				if database.IsDuplicateKey(err) {
					return ErrAlreadyRefunded
				}
				return err
			}
		}
		return nil
	})
}
