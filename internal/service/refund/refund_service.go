// Package refund reverses locked or paid orders and gives their team slot
// back.
package refund

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"groupbuy/internal/model"
	"groupbuy/internal/monitor"
	"groupbuy/internal/repository"
	"groupbuy/internal/service/rank"
	"groupbuy/internal/service/reservation"
	"groupbuy/pkg/log"
	"groupbuy/pkg/queue"
	"groupbuy/pkg/utils"
)

// SlotRecoverer credits a slot back to a team's capacity
type SlotRecoverer interface {
	Recover(ctx context.Context, recoveryKey string) error
}

// AsyncRunner runs fire-and-forget work, rejecting it when saturated
type AsyncRunner interface {
	Submit(task queue.Task) error
}

// TaskSubmitter hands a committed notify task to asynchronous delivery
type TaskSubmitter interface {
	Submit(task *model.NotifyTask) error
}

// RefundRequest reversal of one user order
type RefundRequest struct {
	UserID     string
	OutTradeNo string
}

// RefundResult outcome of a reversal
type RefundResult struct {
	Type  model.RefundType
	Order *model.OrderDetail
	// Task refund callback written with the reversal, paid paths only
	Task *model.NotifyTask
	// Repeated the order was already closed, nothing changed
	Repeated bool
}

// Options refund service options
type Options struct {
	// RefundTopic destination of paid refund callbacks
	RefundTopic string
}

// RefundService refund service interface
type RefundService interface {
	// Refund closes the order along the path picked by (team status, order status)
	Refund(ctx context.Context, req *RefundRequest) (*RefundResult, error)
}

// strategy how one refund type reverses the team counters
type strategy struct {
	decrComplete  bool
	teamStatuses  []int8
	newTeamStatus *int8
	writeTask     bool
	recoverSlot   bool
	eventType     string
	rankStatus    string
}

func defaultStrategies() map[model.RefundType]*strategy {
	completeFail := model.TeamStatusCompleteFail
	return map[model.RefundType]*strategy{
		// 未支付：释放锁单名额
		model.RefundUnpaidUnlock: {
			teamStatuses: model.OpenTeamStatuses,
			recoverSlot:  true,
			eventType:    model.EventOrderCancel,
			rankStatus:   model.RankOrderProgress,
		},
		// 已支付未成团：释放名额并通知退款
		model.RefundPaidUnformed: {
			decrComplete: true,
			teamStatuses: model.OpenTeamStatuses,
			writeTask:    true,
			recoverSlot:  true,
			eventType:    model.EventRefundSuccess,
			rankStatus:   model.RankOrderComplete,
		},
		// 已支付已成团：队伍标记为完成后退单，不再开放名额
		model.RefundPaidFormed: {
			decrComplete:  true,
			teamStatuses:  model.FormedTeamStatuses,
			newTeamStatus: &completeFail,
			writeTask:     true,
			eventType:     model.EventRefundSuccess,
			rankStatus:    model.RankOrderComplete,
		},
	}
}

// newStrategyTable requires exactly one strategy per refund type
func newStrategyTable(strategies map[model.RefundType]*strategy) ([model.RefundTypeCount]*strategy, error) {
	var table [model.RefundTypeCount]*strategy
	for typ, st := range strategies {
		if typ < 0 || int(typ) >= model.RefundTypeCount {
			return table, fmt.Errorf("unknown refund type %d", typ)
		}
		if st == nil || len(st.teamStatuses) == 0 {
			return table, fmt.Errorf("incomplete strategy for refund type %s", typ)
		}
		table[typ] = st
	}
	for _, typ := range model.AllRefundTypes() {
		if table[typ] == nil {
			return table, fmt.Errorf("no strategy for refund type %s", typ)
		}
	}
	return table, nil
}

// refundService refund service implementation
type refundService struct {
	repo       repository.TradeRepository
	recoverer  SlotRecoverer
	runner     AsyncRunner
	submitter  TaskSubmitter
	emitter    rank.Emitter
	opts       Options
	strategies [model.RefundTypeCount]*strategy
}

// NewRefundService creates a refund service
func NewRefundService(
	repo repository.TradeRepository,
	recoverer SlotRecoverer,
	runner AsyncRunner,
	submitter TaskSubmitter,
	emitter rank.Emitter,
	opts Options,
) (RefundService, error) {
	table, err := newStrategyTable(defaultStrategies())
	if err != nil {
		return nil, err
	}
	if emitter == nil {
		emitter = rank.NopEmitter{}
	}
	return &refundService{
		repo:       repo,
		recoverer:  recoverer,
		runner:     runner,
		submitter:  submitter,
		emitter:    emitter,
		opts:       opts,
		strategies: table,
	}, nil
}

// Refund reverses one order
func (s *refundService) Refund(ctx context.Context, req *RefundRequest) (result *RefundResult, err error) {
	start := time.Now()
	ctx, span := monitor.StartSpan(ctx, "refund.refund",
		attribute.String("user_id", req.UserID),
		attribute.String("out_trade_no", req.OutTradeNo),
	)
	defer func() {
		monitor.EndSpan(span, err)
		monitor.GetMetrics().RecordTradeDuration("refund", time.Since(start))
	}()

	// 1. 查询订单与队伍
	order, err := s.repo.GetOrderByOutTradeNo(ctx, req.UserID, req.OutTradeNo)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, utils.ErrNotFound
	}
	if order.IsClosed() {
		monitor.GetMetrics().RecordRefund(order.RefundType, monitor.ResultRepeated)
		return &RefundResult{Order: order, Repeated: true}, nil
	}

	team, err := s.repo.GetTeam(ctx, order.TeamID)
	if err != nil {
		return nil, err
	}
	if team == nil {
		return nil, utils.ErrNotFound
	}

	// 2. 选择退单策略
	typ, ok := model.ResolveRefundType(team.Status, order.Status)
	if !ok {
		log.WithContext(ctx).WithFields(map[string]interface{}{
			"order_id":     order.OrderID,
			"team_id":      team.TeamID,
			"team_status":  team.Status,
			"order_status": order.Status,
		}).Warn("No refund path for current state")
		return nil, utils.ErrConcurrentUpdate
	}
	st := s.strategies[typ]

	cmd := &repository.RefundCommand{
		Type:          typ,
		Order:         order,
		Team:          team,
		DecrComplete:  st.decrComplete,
		TeamStatuses:  st.teamStatuses,
		NewTeamStatus: st.newTeamStatus,
	}
	if st.writeTask {
		if cmd.Task, err = repository.NewRefundTask(typ, order, s.opts.RefundTopic); err != nil {
			return nil, err
		}
	}

	// 3. 事务退单
	if err := s.repo.RefundOrder(ctx, cmd); err != nil {
		if errors.Is(err, repository.ErrAlreadyRefunded) {
			monitor.GetMetrics().RecordRefund(typ.String(), monitor.ResultRepeated)
			return &RefundResult{Type: typ, Order: order, Repeated: true}, nil
		}
		monitor.GetMetrics().RecordRefund(typ.String(), monitor.ResultFailure)
		log.WithContext(ctx).WithError(err).WithFields(map[string]interface{}{
			"order_id":    order.OrderID,
			"team_id":     team.TeamID,
			"refund_type": typ.String(),
		}).Warn("Refund failed")
		return nil, err
	}
	monitor.GetMetrics().RecordRefund(typ.String(), monitor.ResultSuccess)

	order.Status = model.OrderStatusClose
	order.RefundType = typ.String()

	log.WithContext(ctx).WithFields(map[string]interface{}{
		"order_id":    order.OrderID,
		"team_id":     team.TeamID,
		"refund_type": typ.String(),
	}).Info("Order refunded")

	// 4. 提交后：恢复名额、投递回调、排行榜事件
	if st.recoverSlot {
		s.recoverSlot(ctx, order)
	}
	if cmd.Task != nil && s.submitter != nil {
		if err := s.submitter.Submit(cmd.Task); err != nil {
			log.WithContext(ctx).WithError(err).WithField("biz_key", cmd.Task.BizKey).
				Warn("Refund notify task not submitted, left to sweeper")
		}
	}
	s.emitter.Emit(ctx, model.NewRankEvent(order, st.eventType, st.rankStatus))

	return &RefundResult{Type: typ, Order: order, Task: cmd.Task}, nil
}

// recoverSlot credits the slot asynchronously, inline when the pool is full
func (s *refundService) recoverSlot(ctx context.Context, order *model.OrderDetail) {
	recoveryKey := reservation.RecoveryKey(reservation.StockKey(order.ActivityID, order.TeamID))
	credit := func(ctx context.Context) {
		if err := s.recoverer.Recover(ctx, recoveryKey); err != nil {
			log.WithError(err).WithFields(map[string]interface{}{
				"order_id":     order.OrderID,
				"recovery_key": recoveryKey,
			}).Error("Failed to recover team slot")
		}
	}

	if s.runner != nil {
		if err := s.runner.Submit(credit); err == nil {
			return
		}
	}
	credit(ctx)
}
