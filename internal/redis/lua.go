package redis

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Lua脚本常量
const (
	// 组队库存占用：读取恢复量、自增占用、超量回滚、加槽位锁，整体原子执行
	StockOccupyScript = `
		local stock_key = KEYS[1]
		local recovery_key = KEYS[2]

		local target = tonumber(ARGV[1])
		local lock_ttl = tonumber(ARGV[2])

		local recovery = tonumber(redis.call('GET', recovery_key) or '0')

		local occupy = redis.call('INCR', stock_key)
		if occupy > target + recovery then
			redis.call('DECR', stock_key)
			return 0
		end

		local locked = redis.call('SET', stock_key .. '_' .. occupy, 'lock', 'NX', 'EX', lock_ttl)
		if not locked then
			redis.call('DECR', stock_key)
			return 0
		end

		return occupy
	`

	// 排行榜计分：每个窗口一对 (zset, meta) key，分值与更新时间同步写入
	RankIncrScript = `
		local member = ARGV[1]
		local delta = ARGV[2]
		local ttl = tonumber(ARGV[3])
		local now = ARGV[4]

		for i = 1, #KEYS, 2 do
			redis.call('ZINCRBY', KEYS[i], delta, member)
			redis.call('EXPIRE', KEYS[i], ttl)
			redis.call('SET', KEYS[i + 1], now)
			redis.call('EXPIRE', KEYS[i + 1], ttl)
		end

		return #KEYS / 2
	`

	// 排行榜统计：成员数与总分的一致快照
	RankStatsScript = `
		local entries = redis.call('ZRANGE', KEYS[1], 0, -1, 'WITHSCORES')
		local sum = 0
		for i = 2, #entries, 2 do
			sum = sum + tonumber(entries[i])
		end
		return {#entries / 2, tostring(sum)}
	`
)

// LuaScript Lua脚本管理器
type LuaScript struct {
	client redis.Cmdable

	stockOccupyScript *redis.Script
	rankIncrScript    *redis.Script
	rankStatsScript   *redis.Script
}

// NewLuaScript 创建Lua脚本管理器
func NewLuaScript(client redis.Cmdable) *LuaScript {
	return &LuaScript{
		client:            client,
		stockOccupyScript: redis.NewScript(StockOccupyScript),
		rankIncrScript:    redis.NewScript(RankIncrScript),
		rankStatsScript:   redis.NewScript(RankStatsScript),
	}
}

// LoadScripts 预加载所有脚本
func (ls *LuaScript) LoadScripts(ctx context.Context) error {
	scripts := []*redis.Script{
		ls.stockOccupyScript,
		ls.rankIncrScript,
		ls.rankStatsScript,
	}

	for _, script := range scripts {
		if err := script.Load(ctx, ls.client).Err(); err != nil {
			return fmt.Errorf("failed to load lua script: %w", err)
		}
	}

	return nil
}

// StockOccupy 占用一个组队槽位，返回占用序号；0 表示已满
func (ls *LuaScript) StockOccupy(ctx context.Context, stockKey, recoveryKey string, target int, lockTTLSeconds int64) (int64, error) {
	result, err := ls.stockOccupyScript.Run(ctx, ls.client, []string{stockKey, recoveryKey}, target, lockTTLSeconds).Result()
	if err != nil {
		return 0, err
	}

	occupy, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("invalid script result: %v", result)
	}
	return occupy, nil
}

// RankWindowKeys zset key and its update-time meta key
type RankWindowKeys struct {
	ZSetKey string
	MetaKey string
}

// RankIncr 原子更新所有窗口的分值与更新时间
func (ls *LuaScript) RankIncr(ctx context.Context, windows []RankWindowKeys, member string, delta int64, ttlSeconds int64, nowMillis int64) error {
	if len(windows) == 0 {
		return nil
	}

	keys := make([]string, 0, len(windows)*2)
	for _, w := range windows {
		keys = append(keys, w.ZSetKey, w.MetaKey)
	}

	return ls.rankIncrScript.Run(ctx, ls.client, keys, member, delta, ttlSeconds, nowMillis).Err()
}

// RankStats 返回排行榜成员数与总分
func (ls *LuaScript) RankStats(ctx context.Context, zsetKey string) (int64, int64, error) {
	result, err := ls.rankStatsScript.Run(ctx, ls.client, []string{zsetKey}).Result()
	if err != nil {
		return 0, 0, err
	}

	resultSlice, ok := result.([]interface{})
	if !ok || len(resultSlice) < 2 {
		return 0, 0, fmt.Errorf("invalid script result: %v", result)
	}

	count, _ := resultSlice[0].(int64)
	sumText, _ := resultSlice[1].(string)
	sum, err := strconv.ParseFloat(sumText, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid score sum %q: %w", sumText, err)
	}

	return count, int64(sum), nil
}
