// Package settlement completes paid orders and closes teams that reach
// their target.
package settlement

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"groupbuy/internal/model"
	"groupbuy/internal/monitor"
	"groupbuy/internal/repository"
	"groupbuy/internal/service/rank"
	"groupbuy/pkg/log"
	"groupbuy/pkg/utils"
)

// TaskSubmitter hands a committed notify task to asynchronous delivery
type TaskSubmitter interface {
	Submit(task *model.NotifyTask) error
}

// SettleRequest payment confirmation of a locked order
type SettleRequest struct {
	UserID       string
	OutTradeNo   string
	OutTradeTime time.Time
}

// SettlementService settlement service interface
type SettlementService interface {
	// Settle completes the order. The returned task is non-nil only for the
	// settlement that completed the team; a repeated settle returns nil, nil.
	Settle(ctx context.Context, req *SettleRequest) (*model.NotifyTask, error)
}

// settlementService settlement service implementation
type settlementService struct {
	repo      repository.TradeRepository
	submitter TaskSubmitter
	emitter   rank.Emitter
	now       func() time.Time
}

// NewSettlementService creates a settlement service
func NewSettlementService(
	repo repository.TradeRepository,
	submitter TaskSubmitter,
	emitter rank.Emitter,
) SettlementService {
	if emitter == nil {
		emitter = rank.NopEmitter{}
	}
	return &settlementService{
		repo:      repo,
		submitter: submitter,
		emitter:   emitter,
		now:       time.Now,
	}
}

// Settle settles one order
func (s *settlementService) Settle(ctx context.Context, req *SettleRequest) (task *model.NotifyTask, err error) {
	start := s.now()
	ctx, span := monitor.StartSpan(ctx, "settlement.settle",
		attribute.String("user_id", req.UserID),
		attribute.String("out_trade_no", req.OutTradeNo),
	)
	defer func() {
		monitor.EndSpan(span, err)
		monitor.GetMetrics().RecordTradeDuration("settle", time.Since(start))
		if err != nil {
			monitor.GetMetrics().RecordSettlement(monitor.ResultFailure)
		}
	}()

	outTradeTime := req.OutTradeTime
	if outTradeTime.IsZero() {
		outTradeTime = start
	}

	// 1. 订单校验
	order, err := s.repo.GetOrderByOutTradeNo(ctx, req.UserID, req.OutTradeNo)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, utils.ErrNotFound
	}
	if order.IsClosed() {
		return nil, utils.ErrOrderClosed
	}
	if order.IsPaid() {
		monitor.GetMetrics().RecordSettlement(monitor.ResultRepeated)
		return nil, nil
	}

	// 2. 队伍有效期校验
	team, err := s.repo.GetTeam(ctx, order.TeamID)
	if err != nil {
		return nil, err
	}
	if team == nil {
		return nil, utils.ErrNotFound
	}
	if team.ExpiredAt(outTradeTime) {
		return nil, utils.ErrTeamExpired
	}

	// 3. 事务结算
	outcome, err := s.repo.SettleOrder(ctx, &repository.SettleCommand{Order: order, OutTradeTime: outTradeTime})
	if err != nil {
		if errors.Is(err, repository.ErrAlreadySettled) {
			monitor.GetMetrics().RecordSettlement(monitor.ResultRepeated)
			return nil, nil
		}
		log.WithContext(ctx).WithError(err).WithFields(map[string]interface{}{
			"order_id": order.OrderID,
			"team_id":  order.TeamID,
		}).Warn("Settlement failed")
		return nil, err
	}
	monitor.GetMetrics().RecordSettlement(monitor.ResultSuccess)

	fields := map[string]interface{}{
		"order_id":       order.OrderID,
		"team_id":        order.TeamID,
		"complete_count": outcome.Team.CompleteCount,
		"target_count":   outcome.Team.TargetCount,
	}

	// 4. 排行榜事件
	if outcome.Task != nil {
		s.emitter.Emit(ctx, model.NewRankEvent(order, model.EventGroupBuyComplete, model.RankOrderComplete))
	} else {
		s.emitter.Emit(ctx, model.NewRankEvent(order, model.EventGroupBuyProgress, model.RankOrderProgress))
		log.WithContext(ctx).WithFields(fields).Info("Order settled")
		return nil, nil
	}

	// 5. 回调任务异步投递，投递失败由补偿扫描兜底
	fields["biz_key"] = outcome.Task.BizKey
	log.WithContext(ctx).WithFields(fields).Info("Team completed")
	if s.submitter != nil {
		if err := s.submitter.Submit(outcome.Task); err != nil {
			log.WithContext(ctx).WithError(err).WithFields(fields).Warn("Notify task not submitted, left to sweeper")
		}
	}
	return outcome.Task, nil
}
