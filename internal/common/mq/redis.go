package mq

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds the configuration for the Redis client backing the job queue.
type RedisConfig struct {
	// URL, when set, takes precedence over Addr, Password and DB.
	URL             string        `yaml:"url"`
	Addr            string        `yaml:"addr"`
	Password        string        `yaml:"password"`
	DB              int           `yaml:"db"`
	MaxRetries      int           `yaml:"maxRetries"`
	MinRetryBackoff time.Duration `yaml:"minRetryBackoff"`
	MaxRetryBackoff time.Duration `yaml:"maxRetryBackoff"`
	DialTimeout     time.Duration `yaml:"dialTimeout"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	PoolSize        int           `yaml:"poolSize"`
	MinIdleConns    int           `yaml:"minIdleConns"`
	PoolTimeout     time.Duration `yaml:"poolTimeout"`
	ConnMaxIdleTime time.Duration `yaml:"connMaxIdleTime"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DefaultRedisConfig returns a RedisConfig with sensible defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     3 * time.Second,
		WriteTimeout:    3 * time.Second,
		PoolSize:        20,
		MinIdleConns:    2,
		PoolTimeout:     4 * time.Second,
		ConnMaxIdleTime: 10 * time.Minute,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

// Configured reports whether an endpoint is set.
func (c *RedisConfig) Configured() bool {
	return c != nil && (c.URL != "" || c.Addr != "")
}

// Options converts the config into go-redis options.
func (c *RedisConfig) Options() (*redis.Options, error) {
	if c == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	var options *redis.Options
	if c.URL != "" {
		parsed, err := redis.ParseURL(c.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url failed: %w", err)
		}
		options = parsed
	} else {
		if c.Addr == "" {
			return nil, fmt.Errorf("addr cannot be empty")
		}
		options = &redis.Options{Addr: c.Addr, Password: c.Password, DB: c.DB}
	}
	options.MaxRetries = c.MaxRetries
	options.MinRetryBackoff = c.MinRetryBackoff
	options.MaxRetryBackoff = c.MaxRetryBackoff
	options.DialTimeout = c.DialTimeout
	options.ReadTimeout = c.ReadTimeout
	options.WriteTimeout = c.WriteTimeout
	options.PoolSize = c.PoolSize
	options.MinIdleConns = c.MinIdleConns
	options.PoolTimeout = c.PoolTimeout
	options.ConnMaxIdleTime = c.ConnMaxIdleTime
	options.ConnMaxLifetime = c.ConnMaxLifetime
	return options, nil
}

// NewRedisClient dials Redis and verifies the connection with PING.
func NewRedisClient(ctx context.Context, config *RedisConfig) (*redis.Client, error) {
	options, err := config.Options()
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(options)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}
