package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"groupbuy/internal/model"
	"groupbuy/internal/testutil"
	"groupbuy/pkg/utils"
)

func setupTradeMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock: %v", err)
	}

	gormDB, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("Failed to open gorm DB: %v", err)
	}

	t.Cleanup(func() { sqlDB.Close() })
	return gormDB, mock
}

func newTeam(teamID string, target int) *model.Team {
	now := time.Now()
	return &model.Team{
		TeamID:            teamID,
		ActivityID:        100,
		GoodsID:           "9890001",
		TargetCount:       target,
		ValidStartTime:    now,
		ValidEndTime:      now.Add(15 * time.Minute),
		NotifyType:        "HTTP",
		NotifyDestination: "http://127.0.0.1/callback",
	}
}

func newOrder(team *model.Team, userID string, seq int) *model.OrderDetail {
	return &model.OrderDetail{
		UserID:         userID,
		TeamID:         team.TeamID,
		OrderID:        fmt.Sprintf("ord-%s-%d", userID, seq),
		ActivityID:     team.ActivityID,
		GoodsID:        team.GoodsID,
		Source:         "s01",
		Channel:        "c01",
		OriginalPrice:  decimal.RequireFromString("100.00"),
		DeductionPrice: decimal.RequireFromString("20.00"),
		PayPrice:       decimal.RequireFromString("80.00"),
		Status:         model.OrderStatusCreate,
		OutTradeNo:     fmt.Sprintf("out-%s-%d", userID, seq),
		BizID:          model.BizID(team.ActivityID, userID, int64(seq)),
	}
}

func TestTradeRepository_LockOrderAttachFull(t *testing.T) {
	db, mock := setupTradeMockDB(t)
	repo := NewTradeRepository(db)

	team := newTeam("t1", 2)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `group_buy_teams` SET `lock_count`=lock_count \\+ \\?,`status`=\\?,`updated_at`=\\? WHERE team_id = \\? AND lock_count < target_count AND status IN \\(\\?,\\?\\)").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.LockOrder(context.Background(), &LockCommand{Team: team, Order: newOrder(team, "u1", 1)})
	assert.ErrorIs(t, err, utils.ErrCapacityExceeded)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTradeRepository_LockOrderDuplicate(t *testing.T) {
	db, mock := setupTradeMockDB(t)
	repo := NewTradeRepository(db)

	team := newTeam("t1", 2)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `group_buy_teams`").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO `group_buy_order_details`").
		WillReturnError(&mysqldriver.MySQLError{Number: 1062, Message: "Duplicate entry '100_u1_1' for key 'biz_id'"})
	mock.ExpectRollback()

	err := repo.LockOrder(context.Background(), &LockCommand{Team: team, Order: newOrder(team, "u1", 1)})
	assert.ErrorIs(t, err, utils.ErrDuplicateAttempt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTradeRepository_SettleIncrementGuard(t *testing.T) {
	db, mock := setupTradeMockDB(t)
	repo := NewTradeRepository(db)

	team := newTeam("t1", 2)
	order := newOrder(team, "u1", 1)
	order.ID = 7

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `group_buy_order_details` SET `out_trade_time`=\\?,`status`=\\?,`updated_at`=\\? WHERE id = \\? AND status = \\?").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE `group_buy_teams` SET `complete_count`=complete_count \\+ \\?,`updated_at`=\\? WHERE team_id = \\? AND complete_count < target_count AND status IN \\(\\?,\\?\\)").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := repo.SettleOrder(context.Background(), &SettleCommand{Order: order, OutTradeTime: time.Now()})
	assert.ErrorIs(t, err, utils.ErrConcurrentUpdate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTradeRepository_LockAndSettle(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	repo := NewTradeRepository(db)
	ctx := context.Background()

	team := newTeam("t-settle", 3)
	require.NoError(t, repo.LockOrder(ctx, &LockCommand{Team: team, NewTeam: true, Order: newOrder(team, "u1", 1)}))
	require.NoError(t, repo.LockOrder(ctx, &LockCommand{Team: team, Order: newOrder(team, "u2", 1)}))
	require.NoError(t, repo.LockOrder(ctx, &LockCommand{Team: team, Order: newOrder(team, "u3", 1)}))

	// fourth reservation hits the lock_count < target_count guard
	err := repo.LockOrder(ctx, &LockCommand{Team: team, Order: newOrder(team, "u4", 1)})
	assert.ErrorIs(t, err, utils.ErrCapacityExceeded)

	stored, err := repo.GetTeam(ctx, team.TeamID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.LockCount)
	assert.Equal(t, model.TeamStatusProgress, stored.Status)

	// the failed attempt rolled back its order row
	missing, err := repo.GetOrder(ctx, "ord-u4-1")
	require.NoError(t, err)
	assert.Nil(t, missing)

	var tasks []*model.NotifyTask
	for _, user := range []string{"u3", "u1", "u2"} {
		order, err := repo.FindUnpaidOrder(ctx, user, "out-"+user+"-1")
		require.NoError(t, err)
		require.NotNil(t, order)

		outcome, err := repo.SettleOrder(ctx, &SettleCommand{Order: order, OutTradeTime: time.Now()})
		require.NoError(t, err)
		if outcome.Task != nil {
			tasks = append(tasks, outcome.Task)
		}
	}

	require.Len(t, tasks, 1)
	assert.Equal(t, "t-settle_complete", tasks[0].BizKey)
	assert.Equal(t, "HTTP", tasks[0].NotifyType)
	assert.JSONEq(t, `{"teamId":"t-settle","outTradeNoList":["out-u1-1","out-u2-1","out-u3-1"]}`, tasks[0].Payload)

	stored, err = repo.GetTeam(ctx, team.TeamID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.CompleteCount)
	assert.Equal(t, model.TeamStatusComplete, stored.Status)

	// replaying the last settlement changes nothing
	order, err := repo.GetOrderByOutTradeNo(ctx, "u2", "out-u2-1")
	require.NoError(t, err)
	order.Status = model.OrderStatusCreate
	_, err = repo.SettleOrder(ctx, &SettleCommand{Order: order, OutTradeTime: time.Now()})
	assert.ErrorIs(t, err, ErrAlreadySettled)

	var count int64
	require.NoError(t, db.Model(&model.NotifyTask{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestTradeRepository_RefundOrder(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	repo := NewTradeRepository(db)
	ctx := context.Background()

	team := newTeam("t-refund", 2)
	first := newOrder(team, "u1", 1)
	second := newOrder(team, "u2", 1)
	require.NoError(t, repo.LockOrder(ctx, &LockCommand{Team: team, NewTeam: true, Order: first}))
	require.NoError(t, repo.LockOrder(ctx, &LockCommand{Team: team, Order: second}))

	t.Run("UnpaidUnlock", func(t *testing.T) {
		cmd := &RefundCommand{
			Type:         model.RefundUnpaidUnlock,
			Order:        second,
			Team:         team,
			TeamStatuses: model.OpenTeamStatuses,
		}
		require.NoError(t, repo.RefundOrder(ctx, cmd))

		stored, err := repo.GetTeam(ctx, team.TeamID)
		require.NoError(t, err)
		assert.Equal(t, 1, stored.LockCount)

		order, err := repo.GetOrder(ctx, second.OrderID)
		require.NoError(t, err)
		assert.True(t, order.IsClosed())
		assert.Equal(t, "unpaid_unlock", order.RefundType)

		assert.ErrorIs(t, repo.RefundOrder(ctx, cmd), ErrAlreadyRefunded)
	})

	t.Run("PaidUnformedWritesTask", func(t *testing.T) {
		_, err := repo.SettleOrder(ctx, &SettleCommand{Order: first, OutTradeTime: time.Now()})
		require.NoError(t, err)
		first.Status = model.OrderStatusComplete

		task, err := NewRefundTask(model.RefundPaidUnformed, first, "topic.team_refund")
		require.NoError(t, err)
		require.NoError(t, repo.RefundOrder(ctx, &RefundCommand{
			Type:         model.RefundPaidUnformed,
			Order:        first,
			Team:         team,
			DecrComplete: true,
			TeamStatuses: model.OpenTeamStatuses,
			Task:         task,
		}))

		stored, err := repo.GetTeam(ctx, team.TeamID)
		require.NoError(t, err)
		assert.Equal(t, 0, stored.LockCount)
		assert.Equal(t, 0, stored.CompleteCount)

		saved, err := NewNotifyTaskRepository(db).GetByBizKey(ctx, "t-refund_refund_"+first.OrderID)
		require.NoError(t, err)
		require.NotNil(t, saved)
		assert.Equal(t, "MQ", saved.NotifyType)
		assert.JSONEq(t, `{"type":"paid_unformed","userId":"u1","teamId":"t-refund","orderId":"ord-u1-1","activityId":100}`, saved.Payload)
	})

	t.Run("StatusGuard", func(t *testing.T) {
		other := newTeam("t-guard", 2)
		order := newOrder(other, "u9", 1)
		require.NoError(t, repo.LockOrder(ctx, &LockCommand{Team: other, NewTeam: true, Order: order}))

		err := repo.RefundOrder(ctx, &RefundCommand{
			Type:         model.RefundPaidFormed,
			Order:        order,
			Team:         other,
			TeamStatuses: model.FormedTeamStatuses,
		})
		assert.ErrorIs(t, err, utils.ErrConcurrentUpdate)

		// rolled back together with the team guard
		stored, err := repo.GetOrder(ctx, order.OrderID)
		require.NoError(t, err)
		assert.Equal(t, model.OrderStatusCreate, stored.Status)
	})
}

func TestTradeRepository_CountUserTakes(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	repo := NewTradeRepository(db)
	ctx := context.Background()

	team := newTeam("t-count", 5)
	require.NoError(t, repo.LockOrder(ctx, &LockCommand{Team: team, NewTeam: true, Order: newOrder(team, "u1", 1)}))
	require.NoError(t, repo.LockOrder(ctx, &LockCommand{Team: team, Order: newOrder(team, "u1", 2)}))

	count, err := repo.CountUserTakes(ctx, team.ActivityID, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	// same business key as an earlier attempt
	err = repo.LockOrder(ctx, &LockCommand{Team: team, Order: &model.OrderDetail{
		UserID: "u1", TeamID: team.TeamID, OrderID: "ord-dup", ActivityID: team.ActivityID,
		GoodsID: team.GoodsID, OutTradeNo: "out-dup", BizID: model.BizID(team.ActivityID, "u1", 2),
	}})
	assert.ErrorIs(t, err, utils.ErrDuplicateAttempt)

	stored, err := repo.GetTeam(ctx, team.TeamID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.LockCount)
}
