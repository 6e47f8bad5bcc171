package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groupbuy/internal/config"
	"groupbuy/internal/model"
	"groupbuy/internal/repository"
	"groupbuy/internal/testutil"
	"groupbuy/pkg/breaker"
	"groupbuy/pkg/lock"
	"groupbuy/pkg/queue"
)

// callbackServer answers every callback with status and body
func callbackServer(t *testing.T, status int, body string) (*httptest.Server, *int32) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var payload model.TeamCompletePayload
		data, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(data, &payload))

		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

type fixture struct {
	repo   repository.NotifyTaskRepository
	client *redis.Client
	mq     *queue.MemoryMessageQueue
}

func newFixture(t *testing.T) *fixture {
	db := testutil.NewSQLiteDB(t)
	_, client := testutil.NewRedis(t)
	mq := queue.NewMemoryMessageQueue(16)
	t.Cleanup(func() { mq.Close() })

	return &fixture{
		repo:   repository.NewNotifyTaskRepository(db),
		client: client,
		mq:     mq,
	}
}

func (f *fixture) dispatcher(t *testing.T, opts Options, options ...DispatcherOption) *Dispatcher {
	d, err := NewDispatcher(f.repo, map[model.NotifyType]Sink{
		model.NotifyTypeHTTP: NewHTTPSink(time.Second),
		model.NotifyTypeMQ:   NewMQSink(f.mq),
	}, f.client, opts, options...)
	require.NoError(t, err)
	return d
}

func (f *fixture) completeTask(t *testing.T, teamID, destination string) *model.NotifyTask {
	task, err := repository.NewTeamCompleteTask(&model.Team{
		TeamID:            teamID,
		ActivityID:        100123,
		NotifyType:        "HTTP",
		NotifyDestination: destination,
	}, []string{"out-u1", "out-u2"})
	require.NoError(t, err)
	require.NoError(t, f.repo.Create(context.Background(), task))
	return task
}

func TestNewDispatcher_RequiresEverySink(t *testing.T) {
	f := newFixture(t)
	_, err := NewDispatcher(f.repo, map[model.NotifyType]Sink{
		model.NotifyTypeHTTP: NewHTTPSink(time.Second),
	}, f.client, Options{})
	assert.EqualError(t, err, "no sink for notify type MQ")
}

func TestDispatcher_ExecuteHTTP(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		srv, hits := callbackServer(t, http.StatusOK, " SUCCESS\n")
		d := f.dispatcher(t, Options{MaxRetries: 3})
		task := f.completeTask(t, "t-ok", srv.URL)

		results, err := d.Execute(ctx, task)
		require.NoError(t, err)
		require.Contains(t, results, srv.URL)
		assert.True(t, results[srv.URL].Delivered())
		assert.Equal(t, 1, results[srv.URL].Attempts)
		assert.Equal(t, int32(1), atomic.LoadInt32(hits))

		stored, err := f.repo.GetByBizKey(ctx, "t-ok_complete")
		require.NoError(t, err)
		assert.Equal(t, model.NotifyStatusSuccess, stored.Status)
		assert.Equal(t, 1, stored.AttemptCount)

		// a second execution of the delivered task changes nothing
		results, err = d.Execute(ctx, stored)
		require.NoError(t, err)
		assert.True(t, results[srv.URL].Delivered())
	})

	t.Run("RetryThenFail", func(t *testing.T) {
		srv, hits := callbackServer(t, http.StatusOK, "busy")
		d := f.dispatcher(t, Options{MaxRetries: 2, InlineAttempts: 2, Backoff: time.Millisecond})
		task := f.completeTask(t, "t-busy", srv.URL)

		results, err := d.Execute(ctx, task)
		require.NoError(t, err)
		assert.Equal(t, model.NotifyStatusRetry, results[srv.URL].Status)
		assert.Equal(t, 2, results[srv.URL].Attempts)
		assert.Contains(t, results[srv.URL].Error, `receiver answered "busy"`)
		assert.Equal(t, int32(2), atomic.LoadInt32(hits))

		results, err = d.Execute(ctx, task)
		require.NoError(t, err)
		assert.Equal(t, model.NotifyStatusFailed, results[srv.URL].Status)

		stored, err := f.repo.GetByBizKey(ctx, "t-busy_complete")
		require.NoError(t, err)
		assert.Equal(t, model.NotifyStatusFailed, stored.Status)
		assert.Equal(t, 2, stored.AttemptCount)
	})

	t.Run("ServerError", func(t *testing.T) {
		srv, _ := callbackServer(t, http.StatusInternalServerError, "success")
		d := f.dispatcher(t, Options{MaxRetries: 5})
		task := f.completeTask(t, "t-500", srv.URL)

		results, err := d.Execute(ctx, task)
		require.NoError(t, err)
		assert.Equal(t, model.NotifyStatusRetry, results[srv.URL].Status)
		assert.Contains(t, results[srv.URL].Error, "unexpected status 500")
	})
}

func TestDispatcher_ExecuteMQ(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.dispatcher(t, Options{})

	task, err := repository.NewRefundTask(model.RefundPaidUnformed, &model.OrderDetail{
		UserID:     "u1",
		TeamID:     "t-mq",
		OrderID:    "ord-1",
		ActivityID: 100123,
	}, "group_buy_refund")
	require.NoError(t, err)
	require.NoError(t, f.repo.Create(ctx, task))

	results, err := d.Execute(ctx, task)
	require.NoError(t, err)
	assert.True(t, results["group_buy_refund"].Delivered())

	consumeCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	msg, err := f.mq.Consume(consumeCtx, "group_buy_refund")
	require.NoError(t, err)
	assert.JSONEq(t, task.Payload, string(msg))
}

func TestDispatcher_BreakerShortCircuits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	srv, hits := callbackServer(t, http.StatusBadGateway, "")

	breakers := NewBreakerManager(config.CircuitBreakConfig{
		MaxRequests:     1,
		Timeout:         time.Minute,
		FailureRatio:    0.5,
		MinRequestCount: 1,
	})
	d := f.dispatcher(t, Options{MaxRetries: 10, InlineAttempts: 3, Backoff: time.Millisecond}, WithBreakers(breakers))
	task := f.completeTask(t, "t-breaker", srv.URL)

	results, err := d.Execute(ctx, task)
	require.NoError(t, err)
	// the first failure opens the breaker, the remaining tries are rejected
	assert.Equal(t, int32(1), atomic.LoadInt32(hits))
	assert.Equal(t, 2, results[srv.URL].Attempts)
	assert.Contains(t, results[srv.URL].Error, breaker.ErrOpenState.Error())
	assert.Equal(t, breaker.StateOpen, breakers.Get(srv.URL).State())
}

func TestDispatcher_Sweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ok, _ := callbackServer(t, http.StatusOK, "success")
	busy, _ := callbackServer(t, http.StatusOK, "later")
	d := f.dispatcher(t, Options{MaxRetries: 3, SweepBatch: 10})

	for i := 0; i < 2; i++ {
		f.completeTask(t, fmt.Sprintf("t-sweep-%d", i), ok.URL)
	}
	f.completeTask(t, "t-sweep-busy", busy.URL)

	result, err := d.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, &SweepResult{Total: 3, Success: 2, Retry: 1}, result)

	result, err = d.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, &SweepResult{Total: 1, Retry: 1}, result)

	t.Run("SkippedWhileLocked", func(t *testing.T) {
		other := lock.NewRedisLock(f.client, SweepLockKey, time.Minute)
		require.NoError(t, other.Lock(ctx))
		defer other.Unlock(ctx)

		result, err := d.Sweep(ctx)
		require.NoError(t, err)
		assert.True(t, result.Skipped)
		assert.Zero(t, result.Total)
	})
}

func TestDispatcher_Submit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	srv, _ := callbackServer(t, http.StatusOK, "success")

	d := f.dispatcher(t, Options{})
	assert.ErrorIs(t, d.Submit(&model.NotifyTask{}), ErrNoPool)

	pool := queue.NewTaskPool(queue.PoolConfig{Name: "notify", Workers: 2, QueueSize: 8})
	d = f.dispatcher(t, Options{}, WithPool(pool))
	task := f.completeTask(t, "t-submit", srv.URL)
	require.NoError(t, d.Submit(task))

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, pool.Stop(stopCtx))

	stored, err := f.repo.GetByBizKey(ctx, "t-submit_complete")
	require.NoError(t, err)
	assert.Equal(t, model.NotifyStatusSuccess, stored.Status)
}

func TestDispatcher_StartSweeper(t *testing.T) {
	f := newFixture(t)
	srv, _ := callbackServer(t, http.StatusOK, "success")
	d := f.dispatcher(t, Options{})
	f.completeTask(t, "t-ticker", srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	done := d.StartSweeper(ctx, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		stored, err := f.repo.GetByBizKey(context.Background(), "t-ticker_complete")
		return err == nil && stored.Status == model.NotifyStatusSuccess
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
