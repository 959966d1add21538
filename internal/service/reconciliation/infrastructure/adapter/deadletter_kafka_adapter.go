// internal/service/reconciliation/infrastructure/adapter/deadletter_kafka_adapter.go
package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/segmentio/kafka-go"

	"reconcilia/internal/pkg/mq"
	"reconcilia/internal/service/reconciliation/domain/port"
)

// DeadLetterKafkaAdapter 实现 port.DeadLetterSink：
// 把重试耗尽的副作用发到死信主题，消息头携带效果类型、订单键和失败原因，
// 供 DLT 消费端和人工排查使用。
type DeadLetterKafkaAdapter struct {
	writer *kafka.Writer
}

func NewDeadLetterKafkaAdapter(writer *kafka.Writer) *DeadLetterKafkaAdapter {
	return &DeadLetterKafkaAdapter{writer: writer}
}

func (a *DeadLetterKafkaAdapter) Park(ctx context.Context, entry port.DeadLetterEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter entry: %w", err)
	}
	headers := []kafka.Header{
		{Key: mq.HeaderEffect, Value: []byte(entry.Effect)},
		{Key: mq.HeaderOrderKey, Value: []byte(entry.OrderKey)},
		{Key: mq.HeaderExceptionMessage, Value: []byte(entry.LastErr)},
		{Key: mq.HeaderAttempts, Value: []byte(strconv.Itoa(entry.Attempts))},
	}
	return mq.ProduceMessage(ctx, a.writer, []byte(entry.OrderKey), raw, headers...)
}

// Close 关闭底层的 Kafka writer。
func (a *DeadLetterKafkaAdapter) Close() error {
	return a.writer.Close()
}
