package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"groupbuy/internal/config"
	"groupbuy/internal/consumer"
	"groupbuy/internal/model"
	"groupbuy/internal/monitor"
	"groupbuy/internal/repository"
	"groupbuy/internal/service/notify"
	"groupbuy/internal/service/rank"
	"groupbuy/internal/service/refund"
	"groupbuy/internal/service/reservation"
	"groupbuy/internal/service/settlement"
	"groupbuy/internal/service/team"
	"groupbuy/pkg/degrade"
	"groupbuy/pkg/limiter"
	"groupbuy/pkg/log"
	"groupbuy/pkg/queue"
	"groupbuy/pkg/snowflake"
)

const (
	tradePoolWorkers   = 4
	tradePoolQueueSize = 256
)

// app every trading component wired over one database, one redis and one mq
type app struct {
	cfg *config.Config
	mq  queue.MessageQueue

	slots       *reservation.Engine
	rankEngine  *rank.Engine
	rankQuery   *rank.Query
	degrade     *degrade.DegradeManager
	coordinator team.Coordinator
	settlement  settlement.SettlementService
	refunds     refund.RefundService
	dispatcher  *notify.Dispatcher

	notifyPool   *queue.TaskPool
	tradePool    *queue.TaskPool
	rankConsumer *consumer.RankConsumer

	sweeperDone <-chan struct{}
	cancel      context.CancelFunc
}

func newApp(cfg *config.Config, db *gorm.DB, client redis.Cmdable, mq queue.MessageQueue) (*app, error) {
	ids, err := snowflake.NewIDGenerator(cfg.Trade.NodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to create id generator: %w", err)
	}

	// 1. stores
	tradeRepo := repository.NewTradeRepository(db,
		repository.WithTimeouts(cfg.Trade.LockTimeout, cfg.Trade.SettleTimeout, cfg.Trade.RefundTimeout))
	taskRepo := repository.NewNotifyTaskRepository(db)

	// 2. leaderboards
	dm := degrade.NewDegradeManager(client)
	cache, err := rank.NewSnapshotCache(cfg.Rank.CacheTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to create rank snapshot cache: %w", err)
	}
	publisher := rank.NewQueuePublisher(mq, cfg.Rank.Topic)

	a := &app{
		cfg:     cfg,
		mq:      mq,
		slots:   reservation.NewEngine(client, cfg.Trade.SlotBufferMinutes),
		degrade: dm,
		rankEngine: rank.NewEngine(client, rank.Options{
			Windows:  cfg.Rank.Windows,
			DedupTTL: cfg.Rank.DedupTTL,
			BoardTTL: cfg.Rank.BoardTTL,
		}),
		rankQuery: rank.NewQuery(client, cache, dm),
	}

	// 3. worker pools
	onReject := func(name string) {
		monitor.GetMetrics().RecordPoolRejected(name)
	}
	a.notifyPool = queue.NewTaskPool(queue.PoolConfig{
		Name:        "notify",
		Workers:     cfg.Notify.Workers,
		QueueSize:   cfg.Notify.QueueSize,
		TaskTimeout: cfg.Notify.HTTPTimeout * time.Duration(cfg.Notify.InlineAttempts+1),
		OnReject:    onReject,
	})
	a.tradePool = queue.NewTaskPool(queue.PoolConfig{
		Name:      "trade-async",
		Workers:   tradePoolWorkers,
		QueueSize: tradePoolQueueSize,
		OnReject:  onReject,
	})

	// 4. notify dispatcher
	a.dispatcher, err = notify.NewDispatcher(taskRepo,
		map[model.NotifyType]notify.Sink{
			model.NotifyTypeHTTP: notify.NewHTTPSink(cfg.Notify.HTTPTimeout),
			model.NotifyTypeMQ:   notify.NewMQSink(mq),
		},
		client,
		notify.OptionsFrom(cfg.Notify),
		notify.WithBreakers(notify.NewBreakerManager(cfg.CircuitBreak)),
		notify.WithLimiter(limiter.NewKeyedLimiter(cfg.Notify.RatePerSecond, cfg.Notify.Burst)),
		notify.WithPool(a.notifyPool),
	)
	if err != nil {
		a.stopPools(context.Background())
		return nil, fmt.Errorf("failed to create notify dispatcher: %w", err)
	}

	// 5. trade services
	a.coordinator = team.NewCoordinator(tradeRepo, a.slots, ids, publisher)
	a.settlement = settlement.NewSettlementService(tradeRepo, a.dispatcher, publisher)
	a.refunds, err = refund.NewRefundService(tradeRepo, a.slots, a.tradePool, a.dispatcher, publisher,
		refund.Options{RefundTopic: cfg.Notify.RefundTopic})
	if err != nil {
		a.stopPools(context.Background())
		return nil, fmt.Errorf("failed to create refund service: %w", err)
	}

	a.rankConsumer = consumer.NewRankConsumer(a.rankEngine, mq, cfg.Rank.Topic, cfg.Rank.Consumers)
	return a, nil
}

// start runs the rank consumers and the notify sweeper until stop
func (a *app) start() {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.rankConsumer.Start(ctx)
	a.sweeperDone = a.dispatcher.StartSweeper(ctx, a.cfg.Notify.SweepInterval)

	log.WithFields(map[string]interface{}{
		"rank_topic":     a.cfg.Rank.Topic,
		"rank_consumers": a.cfg.Rank.Consumers,
		"sweep_interval": a.cfg.Notify.SweepInterval.String(),
	}).Info("Background workers started")
}

// stop drains background work; pending notify tasks stay PENDING for the next sweep
func (a *app) stop(ctx context.Context) {
	if a.cancel != nil {
		a.cancel()
	}
	if a.sweeperDone != nil {
		select {
		case <-a.sweeperDone:
		case <-ctx.Done():
		}
	}
	a.rankConsumer.Stop()
	a.stopPools(ctx)

	if err := a.mq.Close(); err != nil {
		log.WithError(err).Warn("Failed to close message queue")
	}
}

func (a *app) stopPools(ctx context.Context) {
	for _, p := range []*queue.TaskPool{a.notifyPool, a.tradePool} {
		if p == nil {
			continue
		}
		if err := p.Stop(ctx); err != nil {
			log.WithError(err).Warn("Task pool stopped with pending work")
		}
	}
}
