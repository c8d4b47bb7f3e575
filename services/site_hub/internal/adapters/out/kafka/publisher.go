package kafka

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/EthanQC/fieldsync/services/site_hub/internal/ports/out"
)

// Publisher 使用 segmentio/kafka-go 实现 EventPublisher，topic 由每条消息指定
type Publisher struct {
	Writer *kafka.Writer
}

var _ out.EventPublisher = (*Publisher)(nil)

// NewPublisher 创建发布者
func NewPublisher(brokers []string) *Publisher {
	return &Publisher{Writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           50 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}}
}

func (p *Publisher) Publish(ctx context.Context, topic, key string, value []byte) error {
	return p.Writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	})
}

func (p *Publisher) Close() error {
	return p.Writer.Close()
}
