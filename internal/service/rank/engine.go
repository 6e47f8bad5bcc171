// Package rank maintains the per-activity sales leaderboard.
package rank

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"

	"groupbuy/internal/model"
	"groupbuy/internal/monitor"
	redisx "groupbuy/internal/redis"
	"groupbuy/pkg/log"
	"groupbuy/pkg/utils"
)

// Score weights by governing order status
const (
	WeightComplete int64 = 10
	WeightProgress int64 = 3
	WeightFail     int64 = 0
)

const (
	defaultDedupTTL = 72 * time.Hour
	defaultBoardTTL = 30 * 24 * time.Hour
)

// Options engine settings
type Options struct {
	Windows  []string
	DedupTTL time.Duration
	BoardTTL time.Duration
}

// Engine applies rank events to the leaderboards exactly once per event id
type Engine struct {
	client   redis.Cmdable
	scripts  *redisx.LuaScript
	windows  []string
	dedupTTL time.Duration
	boardTTL time.Duration
	now      func() time.Time
}

// NewEngine creates a leaderboard updater
func NewEngine(client redis.Cmdable, opts Options) *Engine {
	e := &Engine{
		client:   client,
		scripts:  redisx.NewLuaScript(client),
		dedupTTL: opts.DedupTTL,
		boardTTL: opts.BoardTTL,
		now:      time.Now,
	}
	if e.dedupTTL <= 0 {
		e.dedupTTL = defaultDedupTTL
	}
	if e.boardTTL <= 0 {
		e.boardTTL = defaultBoardTTL
	}
	for _, w := range opts.Windows {
		e.windows = append(e.windows, NormalizeWindow(w))
	}
	if len(e.windows) == 0 {
		e.windows = []string{WindowActivity}
	}
	return e
}

// Weight score weight of an event
func Weight(ev *model.RankEvent) int64 {
	status := ev.OrderStatus
	if status == "" {
		switch ev.EventType {
		case model.EventGroupBuyComplete, model.EventRefundSuccess, model.EventOrderCancel:
			status = model.RankOrderComplete
		default:
			status = model.RankOrderProgress
		}
	}

	switch status {
	case model.RankOrderComplete:
		return WeightComplete
	case model.RankOrderFail:
		return WeightFail
	default:
		return WeightProgress
	}
}

// Delta signed score change of an event; reversals count negative
func Delta(ev *model.RankEvent) int64 {
	qty := ev.Quantity
	if qty <= 0 {
		qty = 1
	}
	delta := qty * Weight(ev)
	if ev.EventType == model.EventRefundSuccess || ev.EventType == model.EventOrderCancel {
		delta = -delta
	}
	return delta
}

// OnEvent applies one event. Replays of an applied event id are dropped.
func (e *Engine) OnEvent(ctx context.Context, ev *model.RankEvent) (err error) {
	ctx, span := monitor.StartSpan(ctx, "rank.on_event",
		attribute.String("event_id", ev.EventID),
		attribute.String("event_type", ev.EventType))
	defer func() { monitor.EndSpan(span, err) }()

	if ev.EventID == "" || ev.GoodsID == "" {
		monitor.GetMetrics().RecordRankEvent(monitor.ResultRejected)
		return utils.WrapError(utils.ErrInvalidEvent, fmt.Errorf("event %q goods %q", ev.EventID, ev.GoodsID))
	}

	dedupKey := DedupKey(ev.EventID)
	first, err := e.client.SetNX(ctx, dedupKey, "1", e.dedupTTL).Result()
	if err != nil {
		monitor.GetMetrics().RecordRankEvent(monitor.ResultFailure)
		return fmt.Errorf("rank dedup %s: %w", ev.EventID, err)
	}
	if !first {
		monitor.GetMetrics().RecordRankEvent(monitor.ResultRepeated)
		log.WithField("event_id", ev.EventID).Debug("Rank event already applied")
		return nil
	}

	delta := Delta(ev)
	if delta == 0 {
		monitor.GetMetrics().RecordRankEvent(monitor.ResultSkipped)
		return nil
	}

	at := ev.OccurredAt()
	keys := make([]redisx.RankWindowKeys, 0, len(e.windows))
	for _, w := range e.windows {
		board := BoardKey(ev.ActivityID, w, windowKeyAt(w, ev.ActivityID, at))
		keys = append(keys, redisx.RankWindowKeys{ZSetKey: board, MetaKey: MetaKey(board)})
	}

	ttl := int64(e.boardTTL / time.Second)
	if err := e.scripts.RankIncr(ctx, keys, ev.GoodsID, delta, ttl, e.now().UnixMilli()); err != nil {
		// 释放去重标记，等待重投
		if delErr := e.client.Del(ctx, dedupKey).Err(); delErr != nil {
			log.WithError(delErr).WithField("event_id", ev.EventID).Warn("Failed to release rank dedup key")
		}
		monitor.GetMetrics().RecordRankEvent(monitor.ResultFailure)
		return fmt.Errorf("rank incr %s: %w", ev.EventID, err)
	}

	monitor.GetMetrics().RecordRankEvent(monitor.ResultSuccess)
	log.WithFields(map[string]interface{}{
		"event_id": ev.EventID,
		"goods_id": ev.GoodsID,
		"delta":    delta,
		"boards":   len(keys),
	}).Info("Rank event applied")
	return nil
}
