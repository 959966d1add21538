// internal/service/reconciliation/application/dispatcher.go
package application

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"reconcilia/internal/pkg/logger"
	"reconcilia/internal/service/reconciliation/domain"
	"reconcilia/internal/service/reconciliation/domain/port"
)

// ErrEffectDispatchFailed 表示某个副作用在限定重试内没有成功，已被送入死信。
// 它对状态迁移不是致命的：标志位保持 false，订单等待后台扫描或人工重派。
var ErrEffectDispatchFailed = errors.New("effect dispatch failed after retries")

// Dispatcher 执行确认邮件和日历预约两类副作用。
//
// 去重有两层：外部协作方尽量幂等（确定性日历事件 ID、以订单键为消息键），
// 同时派发前回查订单记录上的标志位，已翻转的副作用在任何网络调用之前被跳过。
// 失败重试采用有界指数退避，耗尽后归档到死信，永不回滚状态迁移，
// 也不会在有界重试窗口之外阻塞协调器的响应。
type Dispatcher struct {
	store       domain.OrderStore
	email       port.EmailSender
	calendar    port.CalendarBooker
	deadLetter  port.DeadLetterSink
	tracer      trace.Tracer
	maxAttempts int
	backoffBase time.Duration
}

func NewDispatcher(store domain.OrderStore, email port.EmailSender, calendar port.CalendarBooker,
	deadLetter port.DeadLetterSink, tracer trace.Tracer, maxAttempts int, backoffBase time.Duration) *Dispatcher {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if backoffBase <= 0 {
		backoffBase = 200 * time.Millisecond
	}
	return &Dispatcher{
		store:       store,
		email:       email,
		calendar:    calendar,
		deadLetter:  deadLetter,
		tracer:      tracer,
		maxAttempts: maxAttempts,
		backoffBase: backoffBase,
	}
}

// Dispatch 执行一个副作用。返回 nil 表示外部调用已成功（标志位由调用方翻转）。
func (d *Dispatcher) Dispatch(ctx context.Context, effect port.Effect, record *domain.OrderRecord) error {
	ctx, span := d.tracer.Start(ctx, "dispatcher.Dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("effect", string(effect)),
		attribute.String("order.key", record.OrderKey),
	)

	// 派发前回查最新标志位，避免并发的扫描任务和协调器重复派发
	if fresh, err := d.store.Get(ctx, record.OrderKey); err == nil && effectDone(fresh, effect) {
		effectDispatchTotal.WithLabelValues(string(effect), "skipped").Inc()
		span.AddEvent("effect already flagged, skipping before any network call")
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		lastErr = d.invoke(ctx, effect, record)
		if lastErr == nil {
			effectDispatchTotal.WithLabelValues(string(effect), "ok").Inc()
			return nil
		}
		span.RecordError(lastErr)
		logger.Ctx(ctx).Warn().Err(lastErr).
			Str("effect", string(effect)).
			Str("order_key", record.OrderKey).
			Int("attempt", attempt).
			Msg("effect dispatch attempt failed")

		if attempt < d.maxAttempts {
			effectDispatchTotal.WithLabelValues(string(effect), "retried").Inc()
			select {
			case <-time.After(d.backoffBase << (attempt - 1)):
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = d.maxAttempts // 上游超时，直接走死信归档
			}
		}
	}

	// 重试耗尽：归档到死信，标志位保持 false，订单仍可被重派
	entry := port.DeadLetterEntry{
		OrderKey: record.OrderKey,
		Effect:   effect,
		Attempts: d.maxAttempts,
		LastErr:  lastErr.Error(),
	}
	if err := d.deadLetter.Park(ctx, entry); err != nil {
		// 死信本身失败只能记日志，后台扫描仍然覆盖这笔订单
		logger.Ctx(ctx).Error().Err(err).Str("order_key", record.OrderKey).
			Str("effect", string(effect)).Msg("🚨 failed to park dead letter")
	}
	effectDispatchTotal.WithLabelValues(string(effect), "dead_letter").Inc()
	return errors.Wrapf(ErrEffectDispatchFailed, "%s for order %s: %v", effect, record.OrderKey, lastErr)
}

func (d *Dispatcher) invoke(ctx context.Context, effect port.Effect, record *domain.OrderRecord) error {
	switch effect {
	case port.EffectEmail:
		return d.email.SendConfirmation(ctx, record)
	case port.EffectCalendar:
		return d.calendar.BookAppointment(ctx, record)
	default:
		return errors.Errorf("unknown effect %q", effect)
	}
}
