package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"example.com/enrollment-payments/pkg/logger"
)

// MessageHandler обрабатывает одно сообщение. Context несёт trace_id и
// correlation_id из заголовков сообщения. Ошибка означает, что обработка
// провалилась и сообщение уйдёт в DLQ (если producer настроен).
type MessageHandler func(ctx context.Context, msg *Message) error

// Consumer читает команды компенсации и решения верификации из Kafka.
// Offset коммитится после обработки независимо от её результата:
// ошибочные сообщения уходят в DLQ, а не блокируют партицию.
type Consumer struct {
	reader *kafka.Reader
	dlq    *Producer
	topic  string
	log    zerolog.Logger
}

// NewConsumer создаёт Consumer топика. Инстансы с одним groupID
// распределяют партиции между собой.
func NewConsumer(cfg Config, topic string, groupID string) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("не указаны брокеры Kafka")
	}
	if topic == "" {
		return nil, fmt.Errorf("не указан топик")
	}
	if groupID == "" {
		return nil, fmt.Errorf("не указан group ID")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        100 * time.Millisecond,
		CommitInterval: time.Second,
		StartOffset:    kafka.LastOffset,
	})

	log := logger.With().Str("topic", topic).Str("group_id", groupID).Logger()
	log.Info().Strs("brokers", cfg.Brokers).Msg("Kafka Consumer создан")

	return &Consumer{
		reader: reader,
		topic:  topic,
		log:    log,
	}, nil
}

// SetDLQProducer включает отправку необработанных сообщений в DLQ.
func (c *Consumer) SetDLQProducer(p *Producer) {
	c.dlq = p
}

// Consume читает сообщения до отмены контекста.
func (c *Consumer) Consume(ctx context.Context, handler MessageHandler) error {
	c.log.Info().Msg("Запуск чтения сообщений из Kafka")

	for {
		select {
		case <-ctx.Done():
			c.log.Info().Msg("Остановка Consumer")
			return ctx.Err()
		default:
		}

		kafkaMsg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			c.log.Error().Err(err).Msg("Ошибка чтения сообщения из Kafka")
			continue
		}
		msg := fromKafkaMessage(kafkaMsg)

		if err := c.process(ctx, msg, handler); err != nil {
			c.log.Error().Err(err).
				Str("key", string(msg.Key)).
				Int("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Msg("Сообщение не обработано")

			if c.dlq != nil {
				if dlqErr := c.dlq.SendToDLQ(ctx, msg, err); dlqErr != nil {
					c.log.Error().Err(dlqErr).Str("key", string(msg.Key)).Msg("Ошибка отправки в DLQ")
				}
			}
		}

		// Коммитим в любом случае: необработанное сообщение уже в DLQ
		if err := c.reader.CommitMessages(ctx, kafkaMsg); err != nil {
			c.log.Error().Err(err).Int64("offset", msg.Offset).Msg("Ошибка коммита offset")
		}
	}
}

// ConsumeWithRetry читает сообщения, повторяя обработку каждого до maxRetries
// раз с экспоненциальной задержкой. Транзиентные ошибки (решение пришло
// раньше коммита сессии, БД на секунду отвалилась) гасятся повтором,
// остальное уходит в DLQ.
func (c *Consumer) ConsumeWithRetry(ctx context.Context, handler MessageHandler, maxRetries int) error {
	return c.Consume(ctx, func(ctx context.Context, msg *Message) error {
		var lastErr error
		delay := 100 * time.Millisecond

		for attempt := 0; attempt <= maxRetries; attempt++ {
			if attempt > 0 {
				c.log.Warn().
					Int("attempt", attempt).
					Str("key", string(msg.Key)).
					Dur("delay", delay).
					Msg("Повторная обработка сообщения")

				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(delay):
				}
				delay *= 2
			}

			if lastErr = handler(ctx, msg); lastErr == nil {
				return nil
			}
		}
		return fmt.Errorf("исчерпаны попытки обработки: %w", lastErr)
	})
}

// process прокидывает заголовки сообщения в context и вызывает обработчик.
func (c *Consumer) process(ctx context.Context, msg *Message, handler MessageHandler) error {
	if traceID, ok := msg.Headers[HeaderTraceID]; ok {
		ctx = ContextWithTraceID(ctx, traceID)
	}
	if correlationID, ok := msg.Headers[HeaderCorrelationID]; ok {
		ctx = ContextWithCorrelationID(ctx, correlationID)
	}

	c.log.Debug().
		Str("key", string(msg.Key)).
		Int("partition", msg.Partition).
		Int64("offset", msg.Offset).
		Str("trace_id", TraceIDFromContext(ctx)).
		Msg("Получено сообщение из Kafka")

	return handler(ctx, msg)
}

// Close останавливает чтение и закрывает соединение с брокерами.
func (c *Consumer) Close() error {
	if err := c.reader.Close(); err != nil {
		c.log.Error().Err(err).Msg("Ошибка при закрытии Kafka Consumer")
		return fmt.Errorf("ошибка закрытия consumer: %w", err)
	}
	c.log.Info().Msg("Kafka Consumer закрыт")
	return nil
}
