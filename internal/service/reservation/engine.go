// Package reservation holds team slot capacity in the counter store.
package reservation

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"groupbuy/internal/monitor"
	redisx "groupbuy/internal/redis"
	"groupbuy/pkg/log"
)

const (
	stockKeyPrefix      = "group_buy_market_team_stock_key_"
	recoverySuffix      = "_recovery"
	defaultBufferMinute = 60
)

// StockKey occupancy counter key of one team
func StockKey(activityID int64, teamID string) string {
	return fmt.Sprintf("%s%d_%s", stockKeyPrefix, activityID, teamID)
}

// RecoveryKey recovery credit key paired with stockKey
func RecoveryKey(stockKey string) string {
	return stockKey + recoverySuffix
}

// Engine reserves team slots atomically against the counter store
type Engine struct {
	client        redis.Cmdable
	scripts       *redisx.LuaScript
	bufferMinutes int
}

// NewEngine creates a reservation engine; bufferMinutes extends slot lock
// lifetime past the team's validity, 60 when non-positive.
func NewEngine(client redis.Cmdable, bufferMinutes int) *Engine {
	if bufferMinutes <= 0 {
		bufferMinutes = defaultBufferMinute
	}
	return &Engine{
		client:        client,
		scripts:       redisx.NewLuaScript(client),
		bufferMinutes: bufferMinutes,
	}
}

// Reserve claims one slot. false means the team is full; an error means the
// counter store could not be reached and nothing was claimed.
func (e *Engine) Reserve(ctx context.Context, stockKey, recoveryKey string, target, validMinutes int) (bool, error) {
	ttl := int64(validMinutes+e.bufferMinutes) * 60
	occupy, err := e.scripts.StockOccupy(ctx, stockKey, recoveryKey, target, ttl)
	if err != nil {
		monitor.GetMetrics().RecordReservation(monitor.ResultFailure)
		return false, fmt.Errorf("stock occupy %s: %w", stockKey, err)
	}

	if occupy == 0 {
		monitor.GetMetrics().RecordReservation(monitor.ResultRejected)
		log.WithFields(map[string]interface{}{
			"stock_key": stockKey,
			"target":    target,
		}).Info("Team stock exhausted")
		return false, nil
	}

	monitor.GetMetrics().RecordReservation(monitor.ResultSuccess)
	return true, nil
}

// Recover credits one slot back to the team's capacity
func (e *Engine) Recover(ctx context.Context, recoveryKey string) error {
	if recoveryKey == "" {
		return nil
	}
	if err := e.client.Incr(ctx, recoveryKey).Err(); err != nil {
		return fmt.Errorf("stock recover %s: %w", recoveryKey, err)
	}
	return nil
}

// Occupied current occupancy counter, 0 when absent
func (e *Engine) Occupied(ctx context.Context, stockKey string) (int64, error) {
	n, err := e.client.Get(ctx, stockKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// Recovered current recovery credits, 0 when absent
func (e *Engine) Recovered(ctx context.Context, recoveryKey string) (int64, error) {
	n, err := e.client.Get(ctx, recoveryKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}
