// internal/service/reconciliation/domain/port/effects.go
package port

import (
	"context"

	"reconcilia/internal/service/reconciliation/domain"
)

// Effect 标识一种需要去重的副作用。
type Effect string

const (
	EffectEmail    Effect = "confirmation_email"
	EffectCalendar Effect = "calendar_booking"
)

// EmailSender 发送预约确认邮件的出站端口。
// 实现方应尽量幂等（以订单键为消息键），但真正的去重由订单记录上的标志位保证。
type EmailSender interface {
	SendConfirmation(ctx context.Context, record *domain.OrderRecord) error
}

// CalendarBooker 创建日历预约的出站端口。
// 实现方使用由订单键派生的确定性事件 ID，重放对外表现为 upsert。
type CalendarBooker interface {
	BookAppointment(ctx context.Context, record *domain.OrderRecord) error
}

// DeadLetterEntry 是一次重试耗尽的副作用的归档载体。
type DeadLetterEntry struct {
	OrderKey string `json:"orderKey"`
	Effect   Effect `json:"effect"`
	Attempts int    `json:"attempts"`
	LastErr  string `json:"lastError"`
}

// DeadLetterSink 接收重试耗尽的副作用。进入死信不代表丢弃：
// 标志位保持 false，订单仍可被后台扫描或人工重派。
type DeadLetterSink interface {
	Park(ctx context.Context, entry DeadLetterEntry) error
}

// StatusListener 在规范状态发生可见变化时收到通知。
// websocket 推送订阅它，让向导页面不必一直轮询。
type StatusListener interface {
	StatusChanged(orderKey string, status domain.CanonicalStatus)
}
