// internal/service/reconciliation/application/coordinator.go
package application

import (
	"context"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"reconcilia/internal/pkg/logger"
	"reconcilia/internal/service/reconciliation/domain"
	"reconcilia/internal/service/reconciliation/domain/port"
)

// casMaxAttempts 限定乐观更新的重试次数。超出后以 ErrVersionConflict 上抛，
// 而不是无界自旋。
const casMaxAttempts = 5

// ErrConflictExhausted 表示乐观更新在限定次数内始终未能提交。
var ErrConflictExhausted = errors.Wrap(domain.ErrVersionConflict, "retries exhausted")

// Coordinator 是对账状态机：接收任意渠道的 PaymentEvent，归一化后在
// 迁移策略约束下对存储做乐观更新，并在首次进入触发态时恰好一次地派发副作用。
type Coordinator struct {
	store      domain.OrderStore
	dispatcher *Dispatcher
	tracer     trace.Tracer
	listeners  []port.StatusListener
}

func NewCoordinator(store domain.OrderStore, dispatcher *Dispatcher, tracer trace.Tracer) *Coordinator {
	return &Coordinator{
		store:      store,
		dispatcher: dispatcher,
		tracer:     tracer,
	}
}

// AddStatusListener 注册一个状态变化监听者（如 websocket 推送）。
// 必须在服务开始接收流量之前调用，之后不再加锁保护。
func (c *Coordinator) AddStatusListener(l port.StatusListener) {
	c.listeners = append(c.listeners, l)
}

// CreateOrder 在报价被接受、支付/预约路径选定的那一刻创建订单记录。
// 键已存在时返回现有记录和 ErrAlreadyExists，调用方按重复提交处理。
func (c *Coordinator) CreateOrder(ctx context.Context, orderKey string, snapshot domain.OrderSnapshot) (*domain.OrderRecord, error) {
	record, err := c.store.Create(ctx, orderKey, snapshot)
	if errors.Is(err, domain.ErrAlreadyExists) {
		logger.Ctx(ctx).Warn().Str("order_key", orderKey).
			Msg("order key already taken, treating as duplicate submission")
		existing, getErr := c.store.Get(ctx, orderKey)
		if getErr != nil {
			return nil, getErr
		}
		return existing, err
	}
	return record, err
}

// Handle 处理一个支付事件并返回最终的规范状态。
//
// 算法（§迁移策略）:
//  1. 订单记录必须已由报价/预约流程创建，否则返回 ErrUnknownOrder
//  2. candidate = Normalize(event.RawStatus)
//  3. 有界 CAS 循环：读取 → NextStatus → 无变化则幂等返回，否则乐观提交
//  4. 首次进入 approved/cashHome/cashWorkshop 时派发副作用，
//     每个副作用完成后用另一次 CAS 翻转对应标志位
func (c *Coordinator) Handle(ctx context.Context, event domain.PaymentEvent) (ReconciliationResult, error) {
	ctx, span := c.tracer.Start(ctx, "reconciliation.Handle", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	candidate := domain.Normalize(event.RawStatus)
	span.SetAttributes(
		attribute.String("order.key", event.OrderKey),
		attribute.String("event.source", string(event.Source)),
		attribute.String("event.raw_status", event.RawStatus),
		attribute.String("event.candidate", string(candidate)),
	)

	var (
		updated    *domain.OrderRecord
		wasTrigger bool
		prevStatus domain.CanonicalStatus
	)

	for attempt := 0; ; attempt++ {
		current, err := c.store.Get(ctx, event.OrderKey)
		if errors.Is(err, domain.ErrNotFound) {
			span.SetStatus(codes.Error, "unknown order")
			return ReconciliationResult{}, errors.Wrapf(domain.ErrUnknownOrder, "order %s", event.OrderKey)
		}
		if err != nil {
			span.RecordError(err)
			return ReconciliationResult{}, err
		}

		next := domain.NextStatus(current.CanonicalStatus, candidate)
		if next == current.CanonicalStatus {
			// 幂等重放或被策略忽略的事件：不写存储，不派发副作用
			eventsTotal.WithLabelValues(string(event.Source), string(next)).Inc()
			span.AddEvent("event is a no-op under the transition policy")
			if candidate == domain.StatusRefunded || candidate == domain.StatusChargedBack {
				// 业务上存疑的迟到事件（如 rejected 之后的 refunded），留痕供人工核对
				logger.Ctx(ctx).Warn().Str("order_key", event.OrderKey).
					Str("current", string(current.CanonicalStatus)).
					Str("candidate", string(candidate)).
					Msg("late post-terminal event ignored by policy")
			}
			return ReconciliationResult{
				OrderKey:    current.OrderKey,
				FinalStatus: current.CanonicalStatus,
				Version:     current.Version,
				Changed:     false,
			}, nil
		}

		prevStatus = current.CanonicalStatus
		// 首次进入触发态：只有标志位还是 false 的迁移才需要派发
		wasTrigger = next.TriggersSideEffects() && !current.CanonicalStatus.TriggersSideEffects()

		updated, err = c.store.CompareAndSet(ctx, event.OrderKey, current.Version, func(r *domain.OrderRecord) error {
			r.CanonicalStatus = next
			return nil
		})
		if errors.Is(err, domain.ErrVersionConflict) {
			casConflictsTotal.Inc()
			if attempt+1 >= casMaxAttempts {
				span.SetStatus(codes.Error, "cas retries exhausted")
				return ReconciliationResult{}, ErrConflictExhausted
			}
			// 竞争失败：重新读取当前（可能已是终态的）状态并重新评估
			continue
		}
		if err != nil {
			span.RecordError(err)
			return ReconciliationResult{}, err
		}
		break
	}

	eventsTotal.WithLabelValues(string(event.Source), string(updated.CanonicalStatus)).Inc()
	transitionsTotal.WithLabelValues(string(prevStatus), string(updated.CanonicalStatus)).Inc()
	logger.Ctx(ctx).Info().
		Str("order_key", updated.OrderKey).
		Str("from", string(prevStatus)).
		Str("to", string(updated.CanonicalStatus)).
		Str("source", string(event.Source)).
		Msg("canonical status transition accepted")

	c.notifyListeners(updated.OrderKey, updated.CanonicalStatus)

	result := ReconciliationResult{
		OrderKey:    updated.OrderKey,
		FinalStatus: updated.CanonicalStatus,
		Version:     updated.Version,
		Changed:     true,
	}

	if wasTrigger {
		result.SideEffectsTriggered = c.runSideEffects(ctx, updated)
	}
	return result, nil
}

// runSideEffects 派发尚未完成的副作用，并在每个副作用成功后翻转对应标志位。
// 标志位彼此独立，邮件成功而日历失败时只有日历保持可重试。
// 副作用失败绝不回滚已提交的状态迁移。
func (c *Coordinator) runSideEffects(ctx context.Context, record *domain.OrderRecord) []port.Effect {
	var triggered []port.Effect

	if !record.EmailSent {
		if err := c.dispatcher.Dispatch(ctx, port.EffectEmail, record); err != nil {
			logger.Ctx(ctx).Error().Err(err).Str("order_key", record.OrderKey).
				Msg("confirmation email parked for later re-dispatch")
		} else if err := c.markEffectDone(ctx, record.OrderKey, port.EffectEmail); err != nil {
			logger.Ctx(ctx).Error().Err(err).Str("order_key", record.OrderKey).
				Msg("failed to flip email flag, sweep will re-check")
		} else {
			triggered = append(triggered, port.EffectEmail)
		}
	}

	if !record.CalendarEventCreated {
		if err := c.dispatcher.Dispatch(ctx, port.EffectCalendar, record); err != nil {
			logger.Ctx(ctx).Error().Err(err).Str("order_key", record.OrderKey).
				Msg("calendar booking parked for later re-dispatch")
		} else if err := c.markEffectDone(ctx, record.OrderKey, port.EffectCalendar); err != nil {
			logger.Ctx(ctx).Error().Err(err).Str("order_key", record.OrderKey).
				Msg("failed to flip calendar flag, sweep will re-check")
		} else {
			triggered = append(triggered, port.EffectCalendar)
		}
	}

	return triggered
}

// markEffectDone 用 CAS 把对应标志位 false→true。标志位是单调的，
// 已经为 true 时直接成功返回。
func (c *Coordinator) markEffectDone(ctx context.Context, orderKey string, effect port.Effect) error {
	for attempt := 0; attempt < casMaxAttempts; attempt++ {
		current, err := c.store.Get(ctx, orderKey)
		if err != nil {
			return err
		}
		if effectDone(current, effect) {
			return nil
		}
		_, err = c.store.CompareAndSet(ctx, orderKey, current.Version, func(r *domain.OrderRecord) error {
			switch effect {
			case port.EffectEmail:
				r.EmailSent = true
			case port.EffectCalendar:
				r.CalendarEventCreated = true
			}
			return nil
		})
		if errors.Is(err, domain.ErrVersionConflict) {
			casConflictsTotal.Inc()
			continue
		}
		return err
	}
	return ErrConflictExhausted
}

func (c *Coordinator) notifyListeners(orderKey string, status domain.CanonicalStatus) {
	for _, l := range c.listeners {
		l.StatusChanged(orderKey, status)
	}
}

func effectDone(record *domain.OrderRecord, effect port.Effect) bool {
	switch effect {
	case port.EffectEmail:
		return record.EmailSent
	case port.EffectCalendar:
		return record.CalendarEventCreated
	}
	return false
}
