package degrade

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	statusPrefix   = "degrade:status:"
	strategyPrefix = "degrade:strategy:"
)

// Strategy types
const (
	// StrategySnapshot serve the last known good snapshot, skip the store
	StrategySnapshot = "snapshot"
	// StrategyEmpty serve an empty result
	StrategyEmpty = "empty"
)

// DegradeManager manages per-scope read degradation flags
type DegradeManager struct {
	redis redis.Cmdable
}

// NewDegradeManager creates a new degrade manager
func NewDegradeManager(client redis.Cmdable) *DegradeManager {
	return &DegradeManager{
		redis: client,
	}
}

// DegradeStrategy degradation strategy
type DegradeStrategy struct {
	Type   string `json:"type"`   // snapshot/empty
	Reason string `json:"reason"` // operator note
	SetAt  int64  `json:"set_at"` // epoch millis
}

// IsDegrade checks if scope is degraded; an unreachable store reads as not degraded
func (dm *DegradeManager) IsDegrade(ctx context.Context, scope string) bool {
	val, err := dm.redis.Get(ctx, statusPrefix+scope).Result()
	if err != nil {
		return false
	}

	return val == "1"
}

// GetStrategy gets degradation strategy, snapshot when unset
func (dm *DegradeManager) GetStrategy(ctx context.Context, scope string) *DegradeStrategy {
	data, err := dm.redis.Get(ctx, strategyPrefix+scope).Bytes()
	if err != nil {
		return &DegradeStrategy{Type: StrategySnapshot}
	}

	var strategy DegradeStrategy
	if err := json.Unmarshal(data, &strategy); err != nil || strategy.Type == "" {
		return &DegradeStrategy{Type: StrategySnapshot}
	}

	return &strategy
}

// EnableDegrade enables degradation for scope; ttl 0 keeps it until disabled
func (dm *DegradeManager) EnableDegrade(ctx context.Context, scope string, strategy *DegradeStrategy, ttl time.Duration) error {
	if strategy.Type != StrategySnapshot && strategy.Type != StrategyEmpty {
		return fmt.Errorf("unknown degrade strategy: %q", strategy.Type)
	}
	if strategy.SetAt == 0 {
		strategy.SetAt = time.Now().UnixMilli()
	}

	data, err := json.Marshal(strategy)
	if err != nil {
		return fmt.Errorf("failed to marshal strategy: %w", err)
	}

	pipe := dm.redis.TxPipeline()
	pipe.Set(ctx, statusPrefix+scope, "1", ttl)
	pipe.Set(ctx, strategyPrefix+scope, data, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set degrade status: %w", err)
	}

	return nil
}

// DisableDegrade disables degradation
func (dm *DegradeManager) DisableDegrade(ctx context.Context, scope string) error {
	if err := dm.redis.Del(ctx, statusPrefix+scope, strategyPrefix+scope).Err(); err != nil {
		return fmt.Errorf("failed to disable degrade: %w", err)
	}

	return nil
}

// GetDegradeStatus gets degradation strategy of every degraded scope
func (dm *DegradeManager) GetDegradeStatus(ctx context.Context) (map[string]*DegradeStrategy, error) {
	result := make(map[string]*DegradeStrategy)

	iter := dm.redis.Scan(ctx, 0, statusPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		scope := strings.TrimPrefix(iter.Val(), statusPrefix)
		result[scope] = dm.GetStrategy(ctx, scope)
	}

	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan degrade keys: %w", err)
	}

	return result, nil
}
