package db

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"example.com/enrollment-payments/pkg/config"
)

// redisConnectTimeout — таймаут стартовой проверки соединения.
const redisConnectTimeout = 5 * time.Second

// ConnectRedis создаёт клиент Redis и проверяет соединение.
// Redis держит submit-локи, кеш платёжных интентов, маркеры идемпотентности
// capture и счётчики rate limiting — без него сабмит не работает,
// поэтому недоступность фатальна уже на старте.
func ConnectRedis(cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), redisConnectTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis недоступен: %w", err)
	}

	return client, nil
}
