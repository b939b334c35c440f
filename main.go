package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go-self-verifier/events"
	"go-self-verifier/flow"
	log "go-self-verifier/logging"
	redis "go-self-verifier/redis"
	"go-self-verifier/selfapp"
	"go-self-verifier/storage"
	"go-self-verifier/verification"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

type Config struct {
	ServerConfig ServerConfig `json:"server_config"`

	LogLevel  string `json:"log_level" env:"LOG_LEVEL" env-default:"info"`
	LogFormat string `json:"log_format" env:"LOG_FORMAT" env-default:"text"`

	SelfApp selfapp.AppConfig `json:"self_app"`

	JwtPrivateKeyPath string `json:"jwt_private_key_path" env:"JWT_PRIVATE_KEY_PATH"`
	IssuerId          string `json:"issuer_id" env:"ISSUER_ID" env-default:"self_verifier"`

	StorageType         string                    `json:"storage_type" env:"STORAGE_TYPE" env-default:"memory"`
	RedisConfig         redis.RedisConfig         `json:"redis_config,omitempty"`
	RedisSentinelConfig redis.RedisSentinelConfig `json:"redis_sentinel_config,omitempty"`
	SQLConfig           storage.SQLConfig         `json:"sql_config,omitempty"`

	RabbitMQConfig events.RabbitConfig `json:"rabbitmq_config,omitempty"`
}

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}

func main() {
	configPath := flag.String("config", "", "Path for the config.json to use")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file loaded", "error", err)
	}

	config, err := readConfigFile(*configPath)
	if err != nil {
		fatal("failed to read config", err)
	}

	log.InitLogger(config.LogLevel, config.LogFormat)
	slog.Info("Using config", "path", *configPath, "host", config.ServerConfig.Host, "port", config.ServerConfig.Port)

	store, closeStore, err := createStorage(&config)
	if err != nil {
		fatal("failed to instantiate storage", err)
	}
	defer closeStore()

	publisher, err := createPublisher(&config)
	if err != nil {
		fatal("failed to instantiate event publisher", err)
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			slog.Warn("Failed to close event publisher", "error", err)
		}
	}()

	signer, err := createReportSigner(&config)
	if err != nil {
		fatal("failed to instantiate report signer", err)
	}

	clock := verification.SystemClock{}
	cache := verification.NewCache(store, clock)
	controller := flow.NewController(cache, selfapp.NewProvider(config.SelfApp), publisher, clock, config.SelfApp.UserID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// no retry on failure, the page offers a reset
	go func() {
		if err := controller.Initialize(ctx); err != nil {
			slog.Warn("Initial verification setup failed", "error", err)
		}
	}()

	serverState := ServerState{
		controller: controller,
		cache:      cache,
		signer:     signer,
		clock:      clock,
	}

	server, err := NewServer(&serverState, config.ServerConfig)
	if err != nil {
		fatal("failed to create server", err)
	}

	go func() {
		<-ctx.Done()
		_ = server.Stop()
	}()

	err = server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		fatal("failed to listen and serve", err)
	}
}

// readConfigFile reads the json config at path, or only the environment when
// path is empty. Environment variables override values from the file.
func readConfigFile(path string) (Config, error) {
	config := Config{SelfApp: selfapp.DefaultAppConfig()}

	var err error
	if path == "" {
		err = cleanenv.ReadEnv(&config)
	} else {
		err = cleanenv.ReadConfig(path, &config)
	}
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	return config, nil
}

func createStorage(config *Config) (storage.Store, func(), error) {
	noop := func() {}
	switch config.StorageType {
	case "redis":
		slog.Info("Using redis storage")
		client, err := redis.NewRedisClient(&config.RedisConfig)
		if err != nil {
			return nil, noop, err
		}
		return storage.NewRedisStore(client, config.RedisConfig.Namespace), closeWith("redis", client.Close), nil
	case "redis_sentinel":
		slog.Info("Using redis sentinel storage")
		client, err := redis.NewRedisSentinelClient(&config.RedisSentinelConfig)
		if err != nil {
			return nil, noop, err
		}
		return storage.NewRedisStore(client, config.RedisSentinelConfig.Namespace), closeWith("redis", client.Close), nil
	case "sqlite", "postgres":
		slog.Info("Using sql storage", "driver", config.StorageType)
		config.SQLConfig.Driver = config.StorageType
		store, err := storage.OpenSQLStore(&config.SQLConfig)
		if err != nil {
			return nil, noop, err
		}
		return store, closeWith("sql", store.Close), nil
	case "memory":
		slog.Info("Using in memory storage")
		return storage.NewMemoryStore(), noop, nil
	}
	return nil, noop, fmt.Errorf("%v is not a valid storage type", config.StorageType)
}

func closeWith(name string, closeFn func() error) func() {
	return func() {
		if err := closeFn(); err != nil {
			slog.Warn("Failed to close storage", "storage", name, "error", err)
		}
	}
}

func createPublisher(config *Config) (events.Publisher, error) {
	if config.RabbitMQConfig.URL == "" {
		slog.Info("No RabbitMQ url configured, verification events are not published")
		return events.NopPublisher{}, nil
	}
	publisher, err := events.DialRabbit(&config.RabbitMQConfig)
	if err != nil {
		return nil, err
	}
	return publisher, nil
}

// createReportSigner returns nil when no key is configured, which disables
// the certificate endpoint.
func createReportSigner(config *Config) (ReportSigner, error) {
	if config.JwtPrivateKeyPath == "" {
		slog.Info("No jwt private key configured, report certificates are disabled")
		return nil, nil
	}
	signer, err := NewReportJwtCreator(config.JwtPrivateKeyPath, config.IssuerId)
	if err != nil {
		return nil, err
	}
	return signer, nil
}
