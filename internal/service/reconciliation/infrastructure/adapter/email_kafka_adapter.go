// internal/service/reconciliation/infrastructure/adapter/email_kafka_adapter.go
package adapter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"reconcilia/internal/pkg/mq"
	"reconcilia/internal/service/reconciliation/domain"
)

const confirmationTemplate = "booking_confirmed"

// mailCommand 是投递给通知服务的邮件指令。
type mailCommand struct {
	OrderKey string  `json:"orderKey"`
	To       string  `json:"to"`
	Name     string  `json:"name"`
	Template string  `json:"template"`
	SlotID   string  `json:"slotId"`
	Mode     string  `json:"mode"`
	Total    float64 `json:"total"`
}

// EmailKafkaAdapter 实现 port.EmailSender：把确认邮件指令发到通知主题，
// 真正的投递由下游通知服务完成。消息键是订单键，下游按键去重/保序。
type EmailKafkaAdapter struct {
	writer *kafka.Writer
}

func NewEmailKafkaAdapter(writer *kafka.Writer) *EmailKafkaAdapter {
	return &EmailKafkaAdapter{writer: writer}
}

func (a *EmailKafkaAdapter) SendConfirmation(ctx context.Context, record *domain.OrderRecord) error {
	cmd := mailCommand{
		OrderKey: record.OrderKey,
		To:       record.Customer.Email,
		Name:     record.Customer.Name,
		Template: confirmationTemplate,
		SlotID:   record.Appointment.SlotID,
		Mode:     record.Appointment.Mode,
		Total:    record.Quote.Total,
	}
	raw, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal mail command: %w", err)
	}
	return mq.ProduceMessage(ctx, a.writer, []byte(record.OrderKey), raw)
}

// Close 关闭底层的 Kafka writer。
func (a *EmailKafkaAdapter) Close() error {
	return a.writer.Close()
}
