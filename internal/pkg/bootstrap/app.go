// internal/pkg/bootstrap/app.go
package bootstrap

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"reconcilia/internal/pkg/logger"
	"reconcilia/internal/pkg/nacos"
	"reconcilia/internal/pkg/tracing"
	"reconcilia/internal/pkg/utils"
)

type AppCtx struct {
	Mux   *http.ServeMux
	Nacos *nacos.Client
}

// AppInfo 包含了启动服务所需的所有特定信息。
type AppInfo struct {
	ServiceName      string
	Port             int
	RegisterHandlers func(appCtx AppCtx)       // 注册自己的 HTTP 路由
	OnShutdown       func(ctx context.Context) // 业务侧清理钩子，在基础设施关闭之前执行
}

// StartService 封装了通用的启动和优雅关停逻辑。
func StartService(info AppInfo) {
	ctx := context.Background()
	logger.Init(info.ServiceName)
	cfg := GetCurrentConfig()

	// 1. Tracer
	tp, err := tracing.InitTracerProvider(info.ServiceName, cfg.Infra.Jaeger.Endpoint)
	if err != nil {
		logger.Ctx(ctx).Fatal().Err(err).Msg("failed to initialize tracer provider")
	}

	// 2. 可选的 Nacos 注册：未配置地址时跳过，服务可独立运行
	var namingClient *nacos.Client
	var ip string
	if cfg.Infra.Nacos.ServerAddrs != "" {
		namingClient, err = nacos.NewClient(cfg.Infra.Nacos.ServerAddrs, cfg.Infra.Nacos.Namespace, cfg.Infra.Nacos.Group)
		if err != nil {
			logger.Ctx(ctx).Fatal().Err(err).Msg("failed to initialize nacos client")
		}
		ip, err = utils.GetOutboundIP()
		if err != nil {
			logger.Ctx(ctx).Fatal().Err(err).Msg("failed to get outbound IP address")
		}
		if err := namingClient.RegisterServiceInstance(info.ServiceName, ip, info.Port); err != nil {
			logger.Ctx(ctx).Fatal().Err(err).Msg("failed to register service with nacos")
		}
	}

	// 3. 创建并启动 HTTP Server
	mux := http.NewServeMux()
	if info.RegisterHandlers != nil {
		info.RegisterHandlers(AppCtx{Mux: mux, Nacos: namingClient})
	}
	server := &http.Server{Addr: ":" + strconv.Itoa(info.Port), Handler: mux}
	go func() {
		logger.Ctx(ctx).Info().Str("addr", server.Addr).Msgf("%s listening", info.ServiceName)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Ctx(ctx).Fatal().Err(err).Msgf("could not listen on %s", server.Addr)
		}
	}()

	// 4. 优雅关停
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// 阻塞主 goroutine，直到接收到退出信号
	<-quit
	logger.Ctx(ctx).Info().Msgf("Shutting down service %s...", info.ServiceName)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// 按顺序执行清理操作 (后进先出)
	if info.OnShutdown != nil {
		info.OnShutdown(shutdownCtx)
	}

	if namingClient != nil {
		if err := namingClient.DeregisterServiceInstance(info.ServiceName, ip, info.Port); err != nil {
			logger.Ctx(ctx).Error().Err(err).Msg("Error deregistering from Nacos")
		}
	}

	// 关闭 Tracer Provider，确保所有缓冲的 trace 都被发送出去
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("Error shutting down tracer provider")
	}

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("Error shutting down http server")
	}

	logger.Ctx(ctx).Info().Msgf("Service %s gracefully shut down.", info.ServiceName)
}
