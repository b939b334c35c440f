package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const connectTimeout = 3 * time.Second

type RedisConfig struct {
	Host      string `json:"host" env:"REDIS_HOST"`
	Port      int    `json:"port" env:"REDIS_PORT"`
	Password  string `json:"password" env:"REDIS_PASSWORD"`
	Namespace string `json:"namespace" env:"REDIS_NAMESPACE" env-default:"self-verifier"`
}

type RedisSentinelConfig struct {
	SentinelHost     string `json:"sentinel_host" env:"REDIS_SENTINEL_HOST"`
	SentinelPort     int    `json:"sentinel_port" env:"REDIS_SENTINEL_PORT"`
	Password         string `json:"password" env:"REDIS_SENTINEL_PASSWORD"`
	MasterName       string `json:"master_name" env:"REDIS_SENTINEL_MASTER"`
	SentinelUsername string `json:"sentinel_username" env:"REDIS_SENTINEL_USERNAME"`
	Namespace        string `json:"namespace" env:"REDIS_SENTINEL_NAMESPACE" env-default:"self-verifier"`
}

// NewRedisClient connects to a single redis instance and pings it once.
func NewRedisClient(config *RedisConfig) (*redis.Client, error) {
	if config.Host == "" {
		return nil, fmt.Errorf("redis host is empty")
	}

	addr := fmt.Sprintf("%s:%d", config.Host, config.Port)
	slog.Debug("Connecting to redis", "address", addr)

	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    config.Password,
		DB:          0,
		DialTimeout: connectTimeout,
	})

	if err := ping(client); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	slog.Info("Connected to redis", "address", addr)
	return client, nil
}

// NewRedisSentinelClient resolves the master through sentinel and pings it once.
func NewRedisSentinelClient(config *RedisSentinelConfig) (*redis.Client, error) {
	if config.MasterName == "" {
		return nil, fmt.Errorf("redis sentinel master name is empty")
	}

	sentinelAddr := fmt.Sprintf("%s:%d", config.SentinelHost, config.SentinelPort)
	slog.Debug("Connecting to redis through sentinel", "sentinel", sentinelAddr, "master", config.MasterName)

	client := redis.NewFailoverClient(&redis.FailoverOptions{
		MasterName:       config.MasterName,
		SentinelAddrs:    []string{sentinelAddr},
		SentinelUsername: config.SentinelUsername,
		Password:         config.Password,
		DB:               0,
		DialTimeout:      connectTimeout,
	})

	if err := ping(client); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis through Sentinel: %w", err)
	}

	slog.Info("Connected to redis through sentinel", "sentinel", sentinelAddr, "master", config.MasterName)
	return client, nil
}

func ping(client *redis.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	return client.Ping(ctx).Err()
}
