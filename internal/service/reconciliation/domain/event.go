// internal/service/reconciliation/domain/event.go
package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventSource 标识支付事件来自哪个渠道。
type EventSource string

const (
	SourceWebhook  EventSource = "webhook"  // 网关服务端推送
	SourceRedirect EventSource = "redirect" // 浏览器回跳携带的回调
	SourcePoll     EventSource = "poll"     // 客户端主动轮询
)

// PaymentEvent 是三个渠道在边界处统一后的事件载体，创建后不可变。
// 渠道适配器负责把各自的报文形状压平成这一种，协调器只认识它。
type PaymentEvent struct {
	EventID    string      `json:"eventId"`
	OrderKey   string      `json:"orderKey"`
	Source     EventSource `json:"source"`
	RawStatus  string      `json:"rawStatus"`
	OccurredAt time.Time   `json:"occurredAt"`
	PaymentID  string      `json:"paymentId,omitempty"` // 网关支付单号，现金路径为空
}

// NewPaymentEvent 构造一个支付事件。
func NewPaymentEvent(orderKey string, source EventSource, rawStatus, paymentID string) PaymentEvent {
	return PaymentEvent{
		EventID:    uuid.NewString(),
		OrderKey:   orderKey,
		Source:     source,
		RawStatus:  rawStatus,
		OccurredAt: time.Now(),
		PaymentID:  paymentID,
	}
}
