package degrade

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client, func()) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	return mr, client, func() {
		client.Close()
		mr.Close()
	}
}

func TestDegradeManager_EnableDisable(t *testing.T) {
	_, client, cleanup := setupTestRedis(t)
	defer cleanup()

	dm := NewDegradeManager(client)
	ctx := context.Background()
	scope := "rank:act:42"

	// Initially not degraded
	assert.False(t, dm.IsDegrade(ctx, scope))
	assert.Equal(t, StrategySnapshot, dm.GetStrategy(ctx, scope).Type)

	err := dm.EnableDegrade(ctx, scope, &DegradeStrategy{Type: StrategyEmpty, Reason: "redis failover"}, 0)
	require.NoError(t, err)

	assert.True(t, dm.IsDegrade(ctx, scope))
	strategy := dm.GetStrategy(ctx, scope)
	assert.Equal(t, StrategyEmpty, strategy.Type)
	assert.Equal(t, "redis failover", strategy.Reason)
	assert.NotZero(t, strategy.SetAt)

	require.NoError(t, dm.DisableDegrade(ctx, scope))
	assert.False(t, dm.IsDegrade(ctx, scope))
}

func TestDegradeManager_UnknownStrategy(t *testing.T) {
	_, client, cleanup := setupTestRedis(t)
	defer cleanup()

	dm := NewDegradeManager(client)
	err := dm.EnableDegrade(context.Background(), "rank:act:1", &DegradeStrategy{Type: "lottery"}, 0)
	assert.Error(t, err)
}

func TestDegradeManager_TemporaryDegrade(t *testing.T) {
	mr, client, cleanup := setupTestRedis(t)
	defer cleanup()

	dm := NewDegradeManager(client)
	ctx := context.Background()

	require.NoError(t, dm.EnableDegrade(ctx, "rank:act:7", &DegradeStrategy{Type: StrategySnapshot}, time.Minute))
	assert.True(t, dm.IsDegrade(ctx, "rank:act:7"))

	mr.FastForward(2 * time.Minute)
	assert.False(t, dm.IsDegrade(ctx, "rank:act:7"))
}

func TestDegradeManager_GetDegradeStatus(t *testing.T) {
	_, client, cleanup := setupTestRedis(t)
	defer cleanup()

	dm := NewDegradeManager(client)
	ctx := context.Background()

	require.NoError(t, dm.EnableDegrade(ctx, "rank:act:1", &DegradeStrategy{Type: StrategySnapshot}, 0))
	require.NoError(t, dm.EnableDegrade(ctx, "rank:act:2", &DegradeStrategy{Type: StrategyEmpty}, 0))

	status, err := dm.GetDegradeStatus(ctx)
	require.NoError(t, err)
	assert.Len(t, status, 2)
	assert.Equal(t, StrategyEmpty, status["rank:act:2"].Type)
}

func TestDegradeManager_StoreDown(t *testing.T) {
	mr, client, cleanup := setupTestRedis(t)
	defer cleanup()

	dm := NewDegradeManager(client)
	mr.Close()
	assert.False(t, dm.IsDegrade(context.Background(), "rank:act:1"))
}
