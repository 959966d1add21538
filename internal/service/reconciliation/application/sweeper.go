// internal/service/reconciliation/application/sweeper.go
package application

import (
	"context"
	"sync"
	"time"

	"reconcilia/internal/pkg/logger"
	"reconcilia/internal/service/reconciliation/domain"
)

// Sweeper 是副作用的后台补偿任务：周期性扫描已进入触发态、
// 但仍有副作用未完成（派发失败进了死信、或翻转标志位时崩溃）的订单，
// 重新走一遍派发。标志位是唯一的"已完成"依据，所以重扫天然幂等。
type Sweeper struct {
	coordinator *Coordinator
	store       domain.OrderStore
	interval    time.Duration

	wg      sync.WaitGroup
	stopped chan struct{}
}

func NewSweeper(coordinator *Coordinator, store domain.OrderStore, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{
		coordinator: coordinator,
		store:       store,
		interval:    interval,
		stopped:     make(chan struct{}),
	}
}

// Start 启动后台扫描循环。
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		logger.Ctx(ctx).Info().Dur("interval", s.interval).Msg("✅ effect sweeper started")
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopped:
				logger.Ctx(ctx).Info().Msg("🛑 effect sweeper shutting down")
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep(ctx)
			}
		}
	}()
}

// Stop 优雅地停止扫描。
func (s *Sweeper) Stop() {
	close(s.stopped)
	s.wg.Wait()
}

// sweep 执行一轮补偿。单轮内的失败只记日志，等下一轮再试。
func (s *Sweeper) sweep(ctx context.Context) {
	records, err := s.store.ListUnfinished(ctx)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("sweep failed to list unfinished orders")
		return
	}
	if len(records) == 0 {
		return
	}
	logger.Ctx(ctx).Info().Int("count", len(records)).Msg("re-dispatching parked side effects")
	for _, record := range records {
		s.coordinator.runSideEffects(ctx, record)
	}
}
