package consumer

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"groupbuy/internal/model"
	"groupbuy/internal/service/rank"
	"groupbuy/internal/testutil"
	"groupbuy/pkg/queue"
)

type mockHandler struct {
	mock.Mock
	handled int32
}

func (m *mockHandler) OnEvent(ctx context.Context, ev *model.RankEvent) error {
	defer atomic.AddInt32(&m.handled, 1)
	return m.Called(ctx, ev).Error(0)
}

func TestRankConsumer_DrainsTopic(t *testing.T) {
	mq := queue.NewMemoryMessageQueue(16)
	defer mq.Close()
	ctx := context.Background()

	handler := &mockHandler{}
	handler.On("OnEvent", mock.Anything, mock.MatchedBy(func(ev *model.RankEvent) bool {
		return ev.EventID == "e1"
	})).Return(nil).Once()
	handler.On("OnEvent", mock.Anything, mock.MatchedBy(func(ev *model.RankEvent) bool {
		return ev.EventID == "e2"
	})).Return(assert.AnError).Once()

	for _, id := range []string{"e1", "e2"} {
		data, err := json.Marshal(&model.RankEvent{EventID: id, GoodsID: "g1", ActivityID: 1, EventType: model.EventUnpaid})
		require.NoError(t, err)
		require.NoError(t, mq.Publish(ctx, "rank", data))
	}
	// malformed messages are dropped without reaching the handler
	require.NoError(t, mq.Publish(ctx, "rank", []byte("{not json")))

	c := NewRankConsumer(handler, mq, "rank", 2)
	c.Start(ctx)

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&handler.handled) == 2 && mq.Len("rank") == 0
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, mq.Close())
	c.Stop()
	handler.AssertExpectations(t)
}

func TestRankConsumer_EndToEnd(t *testing.T) {
	s, client := testutil.NewRedis(t)
	mq := queue.NewMemoryMessageQueue(16)
	defer mq.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := rank.NewEngine(client, rank.Options{})
	publisher := rank.NewQueuePublisher(mq, "rank")

	order := &model.OrderDetail{OrderID: "ord-1", ActivityID: 100123, GoodsID: "9890001"}
	ev := model.NewRankEvent(order, model.EventGroupBuyComplete, model.RankOrderComplete)
	publisher.Emit(ctx, ev)
	// redelivery of the same event is counted once
	publisher.Emit(ctx, ev)

	c := NewRankConsumer(engine, mq, "rank", 1)
	c.Start(ctx)

	key := rank.BoardKey(100123, rank.WindowActivity, "")
	assert.Eventually(t, func() bool {
		score, err := s.ZScore(key, "9890001")
		return err == nil && score == 10 && mq.Len("rank") == 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	c.Stop()

	score, err := s.ZScore(key, "9890001")
	require.NoError(t, err)
	assert.Equal(t, float64(10), score)
}
