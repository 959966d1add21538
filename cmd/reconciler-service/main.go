// cmd/reconciler-service/main.go
package main

import (
	"context"

	"go.opentelemetry.io/otel"

	"reconcilia/internal/pkg/bootstrap"
	"reconcilia/internal/pkg/httpclient"
	"reconcilia/internal/pkg/logger"
	"reconcilia/internal/pkg/mq"
	"reconcilia/internal/pkg/redis"
	"reconcilia/internal/service/reconciliation/application"
	"reconcilia/internal/service/reconciliation/domain"
	"reconcilia/internal/service/reconciliation/infrastructure"
	"reconcilia/internal/service/reconciliation/infrastructure/adapter"
	"reconcilia/internal/service/reconciliation/interfaces"
)

const serviceName = "reconciler-service"

// main 是应用的"组装根" (Composition Root)：
// 创建并组装所有依赖项，然后把生命周期交给 bootstrap。
func main() {
	bootstrap.Init()
	cfg := bootstrap.GetCurrentConfig()

	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        cfg.App.Port,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			ctx := context.Background()
			tracer := otel.Tracer(serviceName)

			// 1. 订单记录存储后端
			store := newStore(cfg)

			// 2. 出站适配器
			client := httpclient.NewClient(tracer)
			gateway := adapter.NewGatewayHTTPAdapter(client, cfg.Gateway.BaseURL, cfg.Gateway.Token)
			email := adapter.NewEmailKafkaAdapter(mq.NewWriter(cfg.Infra.Kafka.Brokers, cfg.Infra.Kafka.NotificationTopic))
			calendar := adapter.NewCalendarHTTPAdapter(client, cfg.Calendar.BaseURL, cfg.Calendar.CalendarID)
			deadLetter := adapter.NewDeadLetterKafkaAdapter(mq.NewWriter(cfg.Infra.Kafka.Brokers, cfg.Infra.Kafka.DeadLetterTopic))

			// 3. 对账核心
			dispatcher := application.NewDispatcher(store, email, calendar, deadLetter, tracer,
				cfg.Effects.MaxAttempts, cfg.Effects.BackoffBase.Std())
			coordinator := application.NewCoordinator(store, dispatcher, tracer)

			// 4. 入站接口
			pushHandler := interfaces.NewStatusPushHandler()
			coordinator.AddStatusListener(pushHandler)

			paymentHandler := interfaces.NewPaymentHandler(coordinator, gateway, store)
			paymentHandler.RegisterRoutes(appCtx.Mux)
			pushHandler.RegisterRoutes(appCtx.Mux)

			// 5. 后台任务：副作用补偿扫描 + 死信监听
			sweeper := application.NewSweeper(coordinator, store, cfg.Effects.SweepInterval.Std())
			sweeper.Start(ctx)

			dltConsumer := interfaces.NewDltConsumerAdapter(
				mq.NewReader(cfg.Infra.Kafka.Brokers, cfg.Infra.Kafka.DeadLetterTopic, cfg.Infra.Kafka.DeadLetterGroup))
			if err := dltConsumer.Start(ctx); err != nil {
				logger.Ctx(ctx).Fatal().Err(err).Msg("failed to start DLT consumer")
			}

			registerShutdown(sweeper, dltConsumer, email, deadLetter)
		},
		OnShutdown: runShutdownHooks,
	})
}

// newStore 按配置选择存储后端。
func newStore(cfg *bootstrap.Config) domain.OrderStore {
	ctx := context.Background()
	switch cfg.Store.Backend {
	case "redis":
		client, err := redis.NewClient(cfg.Infra.Redis.Addr, cfg.Infra.Redis.Password, cfg.Infra.Redis.DB)
		if err != nil {
			logger.Ctx(ctx).Fatal().Err(err).Msg("failed to connect to redis")
		}
		store, err := infrastructure.NewRedisStore(client)
		if err != nil {
			logger.Ctx(ctx).Fatal().Err(err).Msg("failed to initialize redis store")
		}
		return store
	case "mysql":
		store, err := infrastructure.NewGormStore(cfg.Infra.Mysql.DSN)
		if err != nil {
			logger.Ctx(ctx).Fatal().Err(err).Msg("failed to initialize mysql store")
		}
		return store
	default:
		logger.Ctx(ctx).Info().Msg("using in-memory order store")
		return infrastructure.NewMemoryStore()
	}
}

var shutdownHooks []func(ctx context.Context)

func registerShutdown(sweeper *application.Sweeper, dlt *interfaces.DltConsumerAdapter,
	email *adapter.EmailKafkaAdapter, deadLetter *adapter.DeadLetterKafkaAdapter) {
	shutdownHooks = append(shutdownHooks, func(ctx context.Context) {
		sweeper.Stop()
		dlt.Stop(ctx)
		if err := email.Close(); err != nil {
			logger.Ctx(ctx).Error().Err(err).Msg("error closing notification writer")
		}
		if err := deadLetter.Close(); err != nil {
			logger.Ctx(ctx).Error().Err(err).Msg("error closing dead letter writer")
		}
	})
}

func runShutdownHooks(ctx context.Context) {
	for _, hook := range shutdownHooks {
		hook(ctx)
	}
}
