package rank

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/redis/go-redis/v9"

	"groupbuy/internal/monitor"
	redisx "groupbuy/internal/redis"
	"groupbuy/pkg/degrade"
	"groupbuy/pkg/log"
)

// Entry one leaderboard position
type Entry struct {
	GoodsID string `json:"goodsId"`
	Score   int64  `json:"score"`
	// Rank 1-based position by descending score
	Rank int64 `json:"rankNo"`
}

// Stats member count and score sum of a board
type Stats struct {
	Count int64 `json:"count"`
	Sum   int64 `json:"sum"`
}

// Query leaderboard read path. Reads never fail: store errors fall back to
// the last good snapshot, then to an empty result.
type Query struct {
	client  redis.Cmdable
	scripts *redisx.LuaScript
	cache   *bigcache.BigCache
	degrade *degrade.DegradeManager
}

// NewSnapshotCache creates the in-process snapshot cache for degraded reads
func NewSnapshotCache(ttl time.Duration) (*bigcache.BigCache, error) {
	cfg := bigcache.DefaultConfig(ttl)
	cfg.Verbose = false
	return bigcache.New(context.Background(), cfg)
}

// NewQuery creates a read path; cache and dm may be nil
func NewQuery(client redis.Cmdable, cache *bigcache.BigCache, dm *degrade.DegradeManager) *Query {
	return &Query{
		client:  client,
		scripts: redisx.NewLuaScript(client),
		cache:   cache,
		degrade: dm,
	}
}

// TopN top n members by descending score; equal scores order by descending goods id
func (q *Query) TopN(ctx context.Context, key string, n int) []Entry {
	if n <= 0 {
		return []Entry{}
	}
	return q.RangeByRank(ctx, key, 0, int64(n-1))
}

// RangeByRank members at positions start..end inclusive, 0-based
func (q *Query) RangeByRank(ctx context.Context, key string, start, end int64) []Entry {
	if start < 0 || end < start {
		return []Entry{}
	}
	var entries []Entry
	q.read(ctx, "range", key, fmt.Sprintf("range:%s:%d:%d", key, start, end), &entries, func() error {
		zs, err := q.client.ZRevRangeWithScores(ctx, key, start, end).Result()
		if err != nil {
			return err
		}
		entries = make([]Entry, 0, len(zs))
		for i, z := range zs {
			entries = append(entries, Entry{
				GoodsID: fmt.Sprint(z.Member),
				Score:   toScore(z.Score),
				Rank:    start + int64(i) + 1,
			})
		}
		return nil
	})
	if entries == nil {
		entries = []Entry{}
	}
	return entries
}

// RankOf score and position of goodsID, false when absent or unreadable
func (q *Query) RankOf(ctx context.Context, key, goodsID string) (Entry, bool) {
	var entry Entry
	found := q.read(ctx, "rank_of", key, "rank:"+key+":"+goodsID, &entry, func() error {
		pos, err := q.client.ZRevRank(ctx, key, goodsID).Result()
		if errors.Is(err, redis.Nil) {
			return errAbsent
		}
		if err != nil {
			return err
		}
		score, err := q.client.ZScore(ctx, key, goodsID).Result()
		if errors.Is(err, redis.Nil) {
			return errAbsent
		}
		if err != nil {
			return err
		}
		entry = Entry{GoodsID: goodsID, Score: toScore(score), Rank: pos + 1}
		return nil
	})
	return entry, found
}

// Statistics member count and score sum
func (q *Query) Statistics(ctx context.Context, key string) Stats {
	var stats Stats
	q.read(ctx, "statistics", key, "stats:"+key, &stats, func() error {
		count, sum, err := q.scripts.RankStats(ctx, key)
		if err != nil {
			return err
		}
		stats = Stats{Count: count, Sum: sum}
		return nil
	})
	return stats
}

// UpdateTime last write time of a board, false when unknown
func (q *Query) UpdateTime(ctx context.Context, key string) (time.Time, bool) {
	var millis int64
	found := q.read(ctx, "update_time", key, "time:"+key, &millis, func() error {
		val, err := q.client.Get(ctx, MetaKey(key)).Result()
		if errors.Is(err, redis.Nil) {
			return errAbsent
		}
		if err != nil {
			return err
		}
		millis, err = strconv.ParseInt(val, 10, 64)
		return err
	})
	if !found || millis <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(millis), true
}

var errAbsent = errors.New("absent")

// read runs load against the store and refreshes the snapshot, or serves the
// snapshot into out when the store fails or the scope is degraded. Reports
// whether out holds a value.
func (q *Query) read(ctx context.Context, op, key, cacheKey string, out interface{}, load func() error) bool {
	if q.degrade != nil && q.degrade.IsDegrade(ctx, ScopeOf(key)) {
		monitor.GetMetrics().RecordRankReadDegraded(op)
		if q.degrade.GetStrategy(ctx, ScopeOf(key)).Type == degrade.StrategyEmpty {
			return false
		}
		return q.loadSnapshot(cacheKey, out)
	}

	err := load()
	if err == nil {
		q.saveSnapshot(cacheKey, out)
		return true
	}
	if errors.Is(err, errAbsent) {
		return false
	}

	monitor.GetMetrics().RecordRankReadDegraded(op)
	log.WithError(err).WithFields(map[string]interface{}{
		"op":  op,
		"key": key,
	}).Warn("Leaderboard read degraded")
	return q.loadSnapshot(cacheKey, out)
}

func (q *Query) saveSnapshot(cacheKey string, v interface{}) {
	if q.cache == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	_ = q.cache.Set(cacheKey, data)
}

func (q *Query) loadSnapshot(cacheKey string, out interface{}) bool {
	if q.cache == nil {
		return false
	}
	data, err := q.cache.Get(cacheKey)
	if err != nil {
		return false
	}
	return json.Unmarshal(data, out) == nil
}

func toScore(f float64) int64 {
	return int64(math.Round(f))
}
