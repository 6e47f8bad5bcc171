package repository

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groupbuy/internal/model"
	"groupbuy/internal/testutil"
	"groupbuy/pkg/utils"
)

func TestNotifyTaskRepository_MarkRetryShape(t *testing.T) {
	db, mock := setupTradeMockDB(t)
	repo := NewNotifyTaskRepository(db)

	task := &model.NotifyTask{ID: 3, AttemptCount: 1, Status: model.NotifyStatusRetry}
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `notify_tasks` SET `attempt_count`=\\?,`last_error`=\\?,`status`=\\?,`updated_at`=\\? WHERE id = \\? AND attempt_count = \\? AND status IN \\(\\?,\\?\\)").
		WithArgs(2, "timeout", model.NotifyStatusRetry, sqlmock.AnyArg(), uint64(3), 1, model.NotifyStatusPending, model.NotifyStatusRetry).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	status, err := repo.MarkRetryOrFailed(context.Background(), task, 5, "timeout")
	require.NoError(t, err)
	assert.Equal(t, model.NotifyStatusRetry, status)
	assert.Equal(t, 2, task.AttemptCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNotifyTaskRepository(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	repo := NewNotifyTaskRepository(db)
	ctx := context.Background()

	team := newTeam("t-notify", 1)
	task, err := NewTeamCompleteTask(team, []string{"out-1"})
	require.NoError(t, err)
	require.NoError(t, repo.Create(ctx, task))

	t.Run("DuplicateBizKey", func(t *testing.T) {
		dup, err := NewTeamCompleteTask(team, nil)
		require.NoError(t, err)
		assert.ErrorIs(t, repo.Create(ctx, dup), utils.ErrDuplicateAttempt)
	})

	t.Run("RetryThenFail", func(t *testing.T) {
		status, err := repo.MarkRetryOrFailed(ctx, task, 2, "connection refused")
		require.NoError(t, err)
		assert.Equal(t, model.NotifyStatusRetry, status)

		tasks, err := repo.ListDispatchable(ctx, 10)
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		assert.Equal(t, 1, tasks[0].AttemptCount)

		// a stale copy loses against the recorded attempt
		stale := *tasks[0]
		stale.AttemptCount = 0
		_, err = repo.MarkRetryOrFailed(ctx, &stale, 2, "late")
		assert.ErrorIs(t, err, utils.ErrConcurrentUpdate)

		status, err = repo.MarkRetryOrFailed(ctx, tasks[0], 2, "connection refused")
		require.NoError(t, err)
		assert.Equal(t, model.NotifyStatusFailed, status)

		tasks, err = repo.ListDispatchable(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, tasks)
	})

	t.Run("MarkSuccessOnce", func(t *testing.T) {
		other, err := NewTeamCompleteTask(newTeam("t-notify-2", 1), []string{"out-2"})
		require.NoError(t, err)
		require.NoError(t, repo.Create(ctx, other))

		ok, err := repo.MarkSuccess(ctx, other)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = repo.MarkSuccess(ctx, other)
		require.NoError(t, err)
		assert.False(t, ok)

		saved, err := repo.GetByBizKey(ctx, "t-notify-2_complete")
		require.NoError(t, err)
		assert.Equal(t, model.NotifyStatusSuccess, saved.Status)
		assert.Equal(t, 1, saved.AttemptCount)
	})
}
