package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"codegrade/internal/common/mq"
	"codegrade/internal/common/storage"
	"codegrade/internal/execution/language"
	"codegrade/internal/execution/limiter"
	"codegrade/internal/execution/orchestrator"
	"codegrade/internal/execution/sandbox/engine"
	"codegrade/internal/execution/sandbox/spec"
	"codegrade/pkg/utils/logger"

	"github.com/segmentio/kafka-go"
	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8090"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 180 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 15 * time.Second
	defaultQueuePrefix     = "codegrade:jobs"
	defaultEventTopic      = "codegrade.evaluations"
	defaultArchiveBucket   = "codegrade-submissions"
	defaultMetricsPath     = "/metrics"
	defaultRedisPort       = "6379"
)

// Environment overrides, applied after the YAML file.
const (
	envConcurrency      = "CODE_EXEC_CONCURRENCY"
	envQueueConcurrency = "CODE_EXEC_QUEUE_CONCURRENCY"
	envRedisURL         = "REDIS_URL"
	envRedisHost        = "REDIS_HOST"
	envRedisPort        = "REDIS_PORT"
	envRedisPassword    = "REDIS_PASSWORD"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// ExecutionConfig holds admission and request validation settings.
type ExecutionConfig struct {
	MaxConcurrentSandboxes int `yaml:"maxConcurrentSandboxes"`
	MaxCodeLength          int `yaml:"maxCodeLength"`
	MaxBulkAnswers         int `yaml:"maxBulkAnswers"`
	BulkConcurrency        int `yaml:"bulkConcurrency"`
}

// SandboxConfig holds container settings.
type SandboxConfig struct {
	WorkRoot         string        `yaml:"workRoot"`
	MemoryMB         int64         `yaml:"memoryMB"`
	CPUs             float64       `yaml:"cpus"`
	PIDs             int64         `yaml:"pids"`
	OutputLimitBytes int64         `yaml:"outputLimitBytes"`
	TmpfsMB          int64         `yaml:"tmpfsMB"`
	User             string        `yaml:"user"`
	PullImages       bool          `yaml:"pullImages"`
	PullTimeout      time.Duration `yaml:"pullTimeout"`
	// PrePullImages pulls every configured image in the background at startup.
	PrePullImages bool `yaml:"prePullImages"`
}

// QueueConfig holds the distributed job queue settings. An empty endpoint
// and redis address keep the service in direct mode.
type QueueConfig struct {
	Endpoint          string         `yaml:"endpoint"`
	Redis             mq.RedisConfig `yaml:"redis"`
	Prefix            string         `yaml:"prefix"`
	WorkerConcurrency int            `yaml:"workerConcurrency"`
	JobTimeout        time.Duration  `yaml:"jobTimeout"`
	Attempts          int            `yaml:"attempts"`
	Backoff           time.Duration  `yaml:"backoff"`
	MaxBackoff        time.Duration  `yaml:"maxBackoff"`
	ResultTTL         time.Duration  `yaml:"resultTTL"`
	ConnectTimeout    time.Duration  `yaml:"connectTimeout"`
}

// KafkaConfig holds the evaluation event producer settings.
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	ClientID     string        `yaml:"clientID"`
	Topic        string        `yaml:"topic"`
	BatchSize    int           `yaml:"batchSize"`
	BatchTimeout time.Duration `yaml:"batchTimeout"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	RequiredAcks int           `yaml:"requiredAcks"`
	Compression  string        `yaml:"compression"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Disabled bool   `yaml:"disabled"`
	Path     string `yaml:"path"`
}

// AppConfig holds execution-service config.
type AppConfig struct {
	Server    ServerConfig        `yaml:"server"`
	Logger    logger.Config       `yaml:"logger"`
	Execution ExecutionConfig     `yaml:"execution"`
	Sandbox   SandboxConfig       `yaml:"sandbox"`
	Languages []language.Spec     `yaml:"languages"`
	Queue     QueueConfig         `yaml:"queue"`
	Kafka     KafkaConfig         `yaml:"kafka"`
	MinIO     storage.MinIOConfig `yaml:"minio"`
	Metrics   MetricsConfig       `yaml:"metrics"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

// loadAppConfig reads path, applies environment overrides and fills defaults.
// A missing file at the default path is not an error; every setting has a default.
func loadAppConfig(path string, getenv func(string) string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		if !(path == defaultConfigPath && errors.Is(err, os.ErrNotExist)) {
			return nil, err
		}
	}
	if err := applyEnvOverrides(&cfg, getenv); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *AppConfig, getenv func(string) string) error {
	if getenv == nil {
		return nil
	}
	if raw := strings.TrimSpace(getenv(envConcurrency)); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return fmt.Errorf("%s must be a positive integer, got %q", envConcurrency, raw)
		}
		cfg.Execution.MaxConcurrentSandboxes = n
	}
	if raw := strings.TrimSpace(getenv(envQueueConcurrency)); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return fmt.Errorf("%s must be a positive integer, got %q", envQueueConcurrency, raw)
		}
		cfg.Queue.WorkerConcurrency = n
	}
	if url := strings.TrimSpace(getenv(envRedisURL)); url != "" {
		cfg.Queue.Endpoint = url
	} else if host := strings.TrimSpace(getenv(envRedisHost)); host != "" {
		port := strings.TrimSpace(getenv(envRedisPort))
		if port == "" {
			port = defaultRedisPort
		}
		cfg.Queue.Endpoint = ""
		cfg.Queue.Redis.URL = ""
		cfg.Queue.Redis.Addr = net.JoinHostPort(host, port)
		if password := getenv(envRedisPassword); password != "" {
			cfg.Queue.Redis.Password = password
		}
	}
	return nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Execution.MaxConcurrentSandboxes <= 0 {
		cfg.Execution.MaxConcurrentSandboxes = limiter.DefaultMaxConcurrent
	}
	if cfg.Queue.Endpoint != "" {
		cfg.Queue.Redis.URL = cfg.Queue.Endpoint
	}
	if cfg.Queue.Prefix == "" {
		cfg.Queue.Prefix = defaultQueuePrefix
	}
	if cfg.Queue.WorkerConcurrency <= 0 {
		cfg.Queue.WorkerConcurrency = cfg.Execution.MaxConcurrentSandboxes
	}
	applyRedisDefaults(&cfg.Queue.Redis)
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = defaultEventTopic
	}
	if cfg.MinIO.Bucket == "" {
		cfg.MinIO.Bucket = defaultArchiveBucket
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = defaultMetricsPath
	}
}

func applyRedisDefaults(cfg *mq.RedisConfig) {
	if cfg == nil {
		return
	}
	defaults := mq.DefaultRedisConfig()
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.MinRetryBackoff == 0 {
		cfg.MinRetryBackoff = defaults.MinRetryBackoff
	}
	if cfg.MaxRetryBackoff == 0 {
		cfg.MaxRetryBackoff = defaults.MaxRetryBackoff
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = defaults.PoolSize
	}
	if cfg.MinIdleConns == 0 {
		cfg.MinIdleConns = defaults.MinIdleConns
	}
	if cfg.PoolTimeout == 0 {
		cfg.PoolTimeout = defaults.PoolTimeout
	}
	if cfg.ConnMaxIdleTime == 0 {
		cfg.ConnMaxIdleTime = defaults.ConnMaxIdleTime
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = defaults.ConnMaxLifetime
	}
}

func (q QueueConfig) toOrchestratorConfig() orchestrator.Config {
	return orchestrator.Config{
		JobTimeout:        q.JobTimeout,
		Attempts:          q.Attempts,
		Backoff:           q.Backoff,
		MaxBackoff:        q.MaxBackoff,
		WorkerConcurrency: q.WorkerConcurrency,
		ResultTTL:         q.ResultTTL,
		ConnectTimeout:    q.ConnectTimeout,
	}
}

func (k KafkaConfig) toMQConfig() mq.KafkaConfig {
	return mq.KafkaConfig{
		Brokers:      k.Brokers,
		ClientID:     k.ClientID,
		BatchSize:    k.BatchSize,
		BatchTimeout: k.BatchTimeout,
		DialTimeout:  k.DialTimeout,
		WriteTimeout: k.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(k.RequiredAcks),
		Compression:  parseCompression(k.Compression),
	}
}

func parseCompression(raw string) kafka.Compression {
	switch strings.ToLower(raw) {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Compression(0)
	}
}

func (s SandboxConfig) toEngineConfig() engine.Config {
	return engine.Config{
		User:        s.User,
		PullImages:  s.PullImages,
		PullTimeout: s.PullTimeout,
	}
}

// toLimits overlays configured limits on the defaults.
func (s SandboxConfig) toLimits() spec.ResourceLimit {
	limits := spec.DefaultLimits()
	if s.MemoryMB > 0 {
		limits.MemoryMB = s.MemoryMB
	}
	if s.CPUs > 0 {
		limits.NanoCPUs = int64(s.CPUs * 1e9)
	}
	if s.PIDs > 0 {
		limits.PIDs = s.PIDs
	}
	if s.OutputLimitBytes > 0 {
		limits.OutputBytes = s.OutputLimitBytes
	}
	if s.TmpfsMB > 0 {
		limits.TmpfsMB = s.TmpfsMB
	}
	return limits
}
