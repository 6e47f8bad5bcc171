package repository

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"groupbuy/internal/config"
	"groupbuy/internal/database"
	"groupbuy/internal/model"
	"groupbuy/pkg/utils"
)

// setupMySQL connects to the database named by TEST_DB_* variables; the test
// is skipped unless GROUPBUY_TEST_MYSQL is set.
func setupMySQL(t *testing.T) *gorm.DB {
	if os.Getenv("GROUPBUY_TEST_MYSQL") == "" {
		t.Skip("set GROUPBUY_TEST_MYSQL to run against a real MySQL")
	}

	cfg := config.DatabaseConfig{
		Host:     config.GetEnv("TEST_DB_HOST", "localhost"),
		Port:     getEnvInt("TEST_DB_PORT", 3306),
		Username: config.GetEnv("TEST_DB_USER", "root"),
		Password: config.GetEnv("TEST_DB_PASSWORD", ""),
		DBName:   config.GetEnv("TEST_DB_NAME", "group_buy_market_test"),
		Charset:  "utf8mb4",
		Loc:      "Local",
	}

	db, err := gorm.Open(mysql.Open(cfg.GetDSN()), database.NewGormConfig("warn"))
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrate(db))

	t.Cleanup(func() {
		for _, m := range database.Models() {
			db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(m)
		}
		sqlDB, _ := db.DB()
		sqlDB.Close()
	})
	return db
}

func getEnvInt(key string, fallback int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

func TestMySQL_ConcurrentAttachRespectsTarget(t *testing.T) {
	db := setupMySQL(t)
	repo := NewTradeRepository(db)
	ctx := context.Background()

	team := newTeam("it-team-race", 3)
	require.NoError(t, repo.LockOrder(ctx, &LockCommand{Team: team, NewTeam: true, Order: newOrder(team, "owner", 1)}))

	var wg sync.WaitGroup
	var locked, full int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := repo.LockOrder(ctx, &LockCommand{Team: team, Order: newOrder(team, fmt.Sprintf("u%d", i), 1)})
			switch {
			case err == nil:
				atomic.AddInt32(&locked, 1)
			case utils.GetErrorCode(err) == utils.CodeCapacityExceeded:
				atomic.AddInt32(&full, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(2), locked)
	assert.Equal(t, int32(8), full)

	stored, err := repo.GetTeam(ctx, team.TeamID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.LockCount)
	assert.Equal(t, model.TeamStatusProgress, stored.Status)
}

func TestMySQL_DuplicateTradeNo(t *testing.T) {
	db := setupMySQL(t)
	repo := NewTradeRepository(db)
	ctx := context.Background()

	team := newTeam("it-team-dup", 3)
	order := newOrder(team, "u1", 1)
	require.NoError(t, repo.LockOrder(ctx, &LockCommand{Team: team, NewTeam: true, Order: order}))

	again := newOrder(team, "u1", 1)
	again.OrderID = "ord-u1-again"
	err := repo.LockOrder(ctx, &LockCommand{Team: team, Order: again})
	assert.ErrorIs(t, err, utils.ErrDuplicateAttempt)
}
