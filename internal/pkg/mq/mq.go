// internal/pkg/mq/mq.go
package mq

import (
	"context"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
)

// 死信消息头，记录消息的来源和失败原因，供 DLT 消费端排查使用。
const (
	HeaderOriginalTopic    = "x-original-topic"
	HeaderOriginalKey      = "x-original-key"
	HeaderEffect           = "x-effect"
	HeaderOrderKey         = "x-order-key"
	HeaderExceptionMessage = "x-exception-message"
	HeaderAttempts         = "x-attempts"
)

// KafkaHeaderCarrier 让 kafka.Header 切片实现 otel 的 TextMapCarrier 接口，
// 用于在消息头中注入/提取追踪上下文。
type KafkaHeaderCarrier []kafka.Header

func (c *KafkaHeaderCarrier) Get(key string) string {
	for _, h := range *c {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *KafkaHeaderCarrier) Set(key, value string) {
	for i, h := range *c {
		if h.Key == key {
			(*c)[i].Value = []byte(value)
			return
		}
	}
	*c = append(*c, kafka.Header{Key: key, Value: []byte(value)})
}

func (c *KafkaHeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(*c))
	for _, h := range *c {
		keys = append(keys, h.Key)
	}
	return keys
}

// ProduceMessage 发送一条消息并自动注入当前的追踪上下文。
func ProduceMessage(ctx context.Context, writer *kafka.Writer, key, value []byte, extraHeaders ...kafka.Header) error {
	carrier := KafkaHeaderCarrier(extraHeaders)
	otel.GetTextMapPropagator().Inject(ctx, &carrier)

	return writer.WriteMessages(ctx, kafka.Message{
		Key:     key,
		Value:   value,
		Headers: carrier,
	})
}

// NewWriter 按照统一配置创建一个 Writer。
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{}, // 相同 key 的消息进同一分区，保证单订单有序
		RequiredAcks: kafka.RequireAll,
	}
}

// NewReader 按照统一配置创建一个 Reader。
func NewReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: groupID,
	})
}
