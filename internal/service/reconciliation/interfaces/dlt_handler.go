// internal/service/reconciliation/interfaces/dlt_handler.go
package interfaces

import (
	"context"
	"sync"

	"github.com/segmentio/kafka-go"

	"reconcilia/internal/pkg/logger"
	"reconcilia/internal/pkg/mq"
)

// DltConsumerAdapter 监听副作用死信主题并记录日志，
// 给运维一个"哪些订单的副作用被搁置了"的视图。补偿由 Sweeper 负责，
// 这里的消息读到即提交。
type DltConsumerAdapter struct {
	reader  *kafka.Reader
	wg      sync.WaitGroup
	stopped bool
}

func NewDltConsumerAdapter(reader *kafka.Reader) *DltConsumerAdapter {
	return &DltConsumerAdapter{
		reader: reader,
	}
}

func (a *DltConsumerAdapter) Start(ctx context.Context) error {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		logger.Ctx(ctx).Info().Str("topic", a.reader.Config().Topic).Msg("✅ DLT Consumer Adapter started.")
		for {
			if a.stopped {
				return
			}
			msg, err := a.reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					logger.Ctx(ctx).Info().Msg("🛑 DLT Consumer Adapter shutting down.")
					return
				}
				continue
			}

			logDeadLetter(ctx, msg)

			// 死信消息总是直接提交，它们已经被"处理"了（即记录日志）
			a.reader.CommitMessages(ctx, msg)
		}
	}()
	return nil
}

func (a *DltConsumerAdapter) Stop(ctx context.Context) {
	a.stopped = true
	a.reader.Close()
	a.wg.Wait()
	logger.Ctx(ctx).Info().Str("topic", a.reader.Config().Topic).Msg("✅ DLT Consumer Adapter stopped.")
}

func logDeadLetter(ctx context.Context, msg kafka.Message) {
	headers := make(map[string]string)
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}

	// 结构化记录，便于按订单键和效果类型聚合告警
	logger.Ctx(ctx).Error().
		Str("reason", "effect_dead_letter_received").
		Str("effect", headers[mq.HeaderEffect]).
		Str("order_key", headers[mq.HeaderOrderKey]).
		Str("exception_message", headers[mq.HeaderExceptionMessage]).
		Str("attempts", headers[mq.HeaderAttempts]).
		Str("value", string(msg.Value)).
		Msg("🚨 side effect parked in dead letter, eligible for manual re-dispatch")
}
