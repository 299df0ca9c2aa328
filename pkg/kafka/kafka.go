// Package kafka предоставляет обёртки над kafka-go для асинхронных каналов
// платёжного сервиса: команды компенсации (удаление квитанций) и решения
// админской верификации. Включает Producer и Consumer с поддержкой headers,
// трассировки и graceful shutdown.
package kafka

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"example.com/enrollment-payments/pkg/logger"
)

// Топики платёжного сервиса.
const (
	// TopicCompensations — топик команд компенсации (удаление осиротевших
	// квитанций из файлового хранилища). Наполняется через outbox:
	// команда переживает обрыв исходного запроса и падение процесса.
	TopicCompensations = "payments.compensations"

	// TopicVerifications — топик решений админской верификации
	// (approve / reject / delete), публикуется внешней админкой.
	TopicVerifications = "payments.verifications"

	// TopicDLQ — Dead Letter Queue для необработанных сообщений.
	TopicDLQ = "dlq.payments"
)

// Ключи для headers сообщений Kafka.
const (
	// HeaderTraceID — идентификатор трассировки для distributed tracing.
	HeaderTraceID = "trace_id"

	// HeaderCorrelationID — идентификатор корреляции для связи запросов и ответов.
	HeaderCorrelationID = "correlation_id"

	// HeaderTimestamp — временная метка создания сообщения.
	HeaderTimestamp = "timestamp"
)

// Config содержит настройки для подключения к Kafka.
type Config struct {
	// Brokers — список адресов брокеров Kafka.
	Brokers []string

	// ConsumerGroup — имя consumer group для Consumer.
	ConsumerGroup string
}

// Message представляет сообщение Kafka с метаданными.
type Message struct {
	// Key — ключ сообщения для партиционирования.
	Key []byte

	// Value — тело сообщения (payload).
	Value []byte

	// Topic — топик сообщения.
	Topic string

	// Partition — номер партиции.
	Partition int

	// Offset — смещение сообщения в партиции.
	Offset int64

	// Headers — заголовки сообщения (trace_id, correlation_id и т.д.).
	Headers map[string]string

	// Time — временная метка сообщения.
	Time time.Time
}

// fromKafkaMessage конвертирует kafka.Message в Message.
func fromKafkaMessage(m kafka.Message) *Message {
	headers := make(map[string]string, len(m.Headers))
	for _, h := range m.Headers {
		headers[h.Key] = string(h.Value)
	}

	return &Message{
		Key:       m.Key,
		Value:     m.Value,
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Headers:   headers,
		Time:      m.Time,
	}
}

// toKafkaMessage конвертирует Message в kafka.Message.
func (m *Message) toKafkaMessage() kafka.Message {
	headers := make([]kafka.Header, 0, len(m.Headers))
	for k, v := range m.Headers {
		headers = append(headers, kafka.Header{
			Key:   k,
			Value: []byte(v),
		})
	}

	return kafka.Message{
		Key:     m.Key,
		Value:   m.Value,
		Topic:   m.Topic,
		Headers: headers,
		Time:    m.Time,
	}
}

// TraceIDFromContext извлекает trace_id из context.
// Делегирует в pkg/logger для единообразной работы с контекстом.
func TraceIDFromContext(ctx context.Context) string {
	return logger.TraceIDFromContext(ctx)
}

// CorrelationIDFromContext извлекает correlation_id из context.
func CorrelationIDFromContext(ctx context.Context) string {
	return logger.CorrelationIDFromContext(ctx)
}

// ContextWithTraceID добавляет trace_id в context.
func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return logger.WithTraceID(ctx, traceID)
}

// ContextWithCorrelationID добавляет correlation_id в context.
func ContextWithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return logger.WithCorrelationID(ctx, correlationID)
}

// =============================================================================
// Создание топиков
// =============================================================================

// DefaultTopics возвращает топики платёжного сервиса для автосоздания.
func DefaultTopics() []string {
	return []string{TopicCompensations, TopicVerifications, TopicDLQ}
}

// EnsureTopics создаёт топики, если они не существуют.
// В production топики обычно создаёт оператор кластера; автосоздание
// нужно для локальной разработки и docker-compose окружения.
func EnsureTopics(brokers []string, topics []string) error {
	if len(brokers) == 0 {
		return fmt.Errorf("список брокеров пуст")
	}

	conn, err := kafka.Dial("tcp", brokers[0])
	if err != nil {
		return fmt.Errorf("ошибка подключения к брокеру %s: %w", brokers[0], err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("ошибка получения контроллера кластера: %w", err)
	}

	controllerConn, err := kafka.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("ошибка подключения к контроллеру: %w", err)
	}
	defer controllerConn.Close()

	configs := make([]kafka.TopicConfig, len(topics))
	for i, topic := range topics {
		configs[i] = kafka.TopicConfig{
			Topic:             topic,
			NumPartitions:     3,
			ReplicationFactor: 1,
		}
	}

	// CreateTopics идемпотентен: существующие топики не пересоздаются
	if err := controllerConn.CreateTopics(configs...); err != nil {
		return fmt.Errorf("ошибка создания топиков: %w", err)
	}

	logger.Info().Strs("topics", topics).Msg("Топики Kafka проверены")
	return nil
}
