// Package team forms group-buy teams: it reserves a slot for a user and
// records the locked order.
package team

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"groupbuy/internal/model"
	"groupbuy/internal/monitor"
	"groupbuy/internal/repository"
	"groupbuy/internal/service/rank"
	"groupbuy/internal/service/reservation"
	"groupbuy/pkg/log"
	"groupbuy/pkg/utils"
)

// Reserver claims and credits back team slots in the counter store
type Reserver interface {
	Reserve(ctx context.Context, stockKey, recoveryKey string, target, validMinutes int) (bool, error)
	Recover(ctx context.Context, recoveryKey string) error
}

// IDGenerator issues team and order ids
type IDGenerator interface {
	NextTeamID() string
	NextOrderID() string
}

// LockRequest one user joining a team, or opening one when TeamID is empty
type LockRequest struct {
	UserID     string
	TeamID     string
	ActivityID int64
	GoodsID    string
	Source     string
	Channel    string
	OutTradeNo string

	// team parameters, used when a new team is opened
	TargetCount  int
	ValidMinutes int
	Notify       model.NotifyConfig

	// UserTakeLimit caps a user's attempts in the activity, 0 for no cap
	UserTakeLimit int

	OriginalPrice  decimal.Decimal
	DeductionPrice decimal.Decimal
	PayPrice       decimal.Decimal
}

// LockResult the locked order and the team it joined
type LockResult struct {
	Order *model.OrderDetail
	Team  *model.Team
	// Replayed the order already existed for this trade no
	Replayed bool
}

// Coordinator team formation coordinator
type Coordinator interface {
	// Lock reserves a team slot and records the locked order
	Lock(ctx context.Context, req *LockRequest) (*LockResult, error)
}

// coordinator team formation implementation
type coordinator struct {
	repo     repository.TradeRepository
	reserver Reserver
	ids      IDGenerator
	emitter  rank.Emitter
	now      func() time.Time
}

// NewCoordinator creates a team formation coordinator
func NewCoordinator(
	repo repository.TradeRepository,
	reserver Reserver,
	ids IDGenerator,
	emitter rank.Emitter,
) Coordinator {
	if emitter == nil {
		emitter = rank.NopEmitter{}
	}
	return &coordinator{
		repo:     repo,
		reserver: reserver,
		ids:      ids,
		emitter:  emitter,
		now:      time.Now,
	}
}

// Lock locks one order on a new or existing team
func (c *coordinator) Lock(ctx context.Context, req *LockRequest) (result *LockResult, err error) {
	start := c.now()
	ctx, span := monitor.StartSpan(ctx, "team.lock",
		attribute.String("user_id", req.UserID),
		attribute.String("team_id", req.TeamID),
		attribute.Int64("activity_id", req.ActivityID),
	)
	defer func() {
		monitor.EndSpan(span, err)
		monitor.GetMetrics().RecordTradeDuration("lock", time.Since(start))
	}()

	// 1. 幂等：同一外部单号的未支付订单直接返回
	existing, err := c.repo.FindUnpaidOrder(ctx, req.UserID, req.OutTradeNo)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		team, err := c.repo.GetTeam(ctx, existing.TeamID)
		if err != nil {
			return nil, err
		}
		log.WithContext(ctx).WithFields(map[string]interface{}{
			"order_id":     existing.OrderID,
			"out_trade_no": req.OutTradeNo,
		}).Info("Unpaid order exists, replaying lock")
		return &LockResult{Order: existing, Team: team, Replayed: true}, nil
	}

	// 2. 用户参与次数
	takes, err := c.repo.CountUserTakes(ctx, req.ActivityID, req.UserID)
	if err != nil {
		return nil, err
	}
	if req.UserTakeLimit > 0 && takes >= int64(req.UserTakeLimit) {
		return nil, utils.ErrTakeLimitExceeded
	}

	// 3. 队伍：加入已有队伍或新开
	team, newTeam, err := c.resolveTeam(ctx, req)
	if err != nil {
		return nil, err
	}

	// 4. 先占库存槽位，计数器与成功占位数保持一致
	stockKey := reservation.StockKey(team.ActivityID, team.TeamID)
	recoveryKey := reservation.RecoveryKey(stockKey)
	validMinutes := int(team.ValidEndTime.Sub(team.ValidStartTime) / time.Minute)

	ok, err := c.reserver.Reserve(ctx, stockKey, recoveryKey, team.TargetCount, validMinutes)
	if err != nil {
		return nil, utils.WrapError(utils.ErrDownstreamUnavailable, err)
	}
	if !ok {
		return nil, utils.ErrCapacityExceeded
	}

	// 5. 落库，失败时归还槽位
	order := &model.OrderDetail{
		UserID:         req.UserID,
		TeamID:         team.TeamID,
		OrderID:        c.ids.NextOrderID(),
		ActivityID:     team.ActivityID,
		GoodsID:        team.GoodsID,
		Source:         req.Source,
		Channel:        req.Channel,
		OriginalPrice:  req.OriginalPrice,
		DeductionPrice: req.DeductionPrice,
		PayPrice:       req.PayPrice,
		Status:         model.OrderStatusCreate,
		OutTradeNo:     req.OutTradeNo,
		BizID:          model.BizID(team.ActivityID, req.UserID, takes+1),
	}

	if err := c.repo.LockOrder(ctx, &repository.LockCommand{Team: team, NewTeam: newTeam, Order: order}); err != nil {
		if recoverErr := c.reserver.Recover(ctx, recoveryKey); recoverErr != nil {
			log.WithContext(ctx).WithError(recoverErr).WithFields(map[string]interface{}{
				"team_id":      team.TeamID,
				"recovery_key": recoveryKey,
			}).Error("Failed to credit back reserved slot")
		}

		entry := log.WithContext(ctx).WithError(err).WithFields(map[string]interface{}{
			"team_id": team.TeamID,
			"user_id": req.UserID,
		})
		if errors.Is(err, utils.ErrCapacityExceeded) || errors.Is(err, utils.ErrDuplicateAttempt) {
			entry.Warn("Lock rejected")
		} else {
			entry.Error("Failed to lock order")
		}
		return nil, err
	}

	log.WithContext(ctx).WithFields(map[string]interface{}{
		"team_id":  team.TeamID,
		"order_id": order.OrderID,
		"user_id":  req.UserID,
		"new_team": newTeam,
	}).Info("Order locked")

	// 6. 排行榜事件，尽力而为
	c.emitter.Emit(ctx, model.NewRankEvent(order, model.EventUnpaid, model.RankOrderProgress))

	return &LockResult{Order: order, Team: team}, nil
}

// resolveTeam loads the team to join, or builds a new one
func (c *coordinator) resolveTeam(ctx context.Context, req *LockRequest) (*model.Team, bool, error) {
	now := c.now()

	if req.TeamID != "" {
		team, err := c.repo.GetTeam(ctx, req.TeamID)
		if err != nil {
			return nil, false, err
		}
		if team == nil {
			return nil, false, utils.ErrNotFound
		}
		if team.ExpiredAt(now) {
			return nil, false, utils.ErrTeamExpired
		}
		if !team.IsOpen() {
			return nil, false, utils.ErrCapacityExceeded
		}
		return team, false, nil
	}

	notifyType := req.Notify.Type
	if !notifyType.Valid() {
		notifyType = model.NotifyTypeHTTP
	}
	team := &model.Team{
		TeamID:            c.ids.NextTeamID(),
		ActivityID:        req.ActivityID,
		GoodsID:           req.GoodsID,
		TargetCount:       req.TargetCount,
		Status:            model.TeamStatusCreate,
		ValidStartTime:    now,
		ValidEndTime:      now.Add(time.Duration(req.ValidMinutes) * time.Minute),
		NotifyType:        notifyType.String(),
		NotifyDestination: req.Notify.Destination,
	}
	return team, true, nil
}
