// Package config provides configuration loading and validation for the engine.
// It supports TOML (default) and YAML (.yaml/.yml) files with environment
// variable expansion, default values, and validation.
//
// Configuration structure:
//   - [engine]: TCP listener, worker count, read limits, shutdown timeout
//   - [queue]: work queue capacity and overflow policy
//   - [retry]: delivery retry budget and backoff
//   - [notifier]: outbound dial/write timeouts and per-peer circuit breaker
//   - [store]: transactional scope for handlers (none, postgres, sqlite)
//   - [smtp]: mail relay used by the email handlers
//   - [telegram]: bot used by SEND_TELEGRAM_MESSAGE
//   - [heartbeat]: cron-scheduled HELLO probes of peer engines
//   - [metrics]: admin HTTP server (/metrics, /healthz, /stats)
//   - [logging]: logging level, format, and output
//
// Environment variables:
// String values may reference ${VAR} or ${VAR:default}.
// For example: dsn = "${DATABASE_URL:postgres://localhost/engine}"
package config

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// Config represents the main application configuration.
type Config struct {
	Engine    EngineConfig    `toml:"engine" yaml:"engine"`
	Queue     QueueConfig     `toml:"queue" yaml:"queue"`
	Retry     RetryConfig     `toml:"retry" yaml:"retry"`
	Notifier  NotifierConfig  `toml:"notifier" yaml:"notifier"`
	Store     StoreConfig     `toml:"store" yaml:"store"`
	SMTP      SMTPConfig      `toml:"smtp" yaml:"smtp"`
	Telegram  TelegramConfig  `toml:"telegram" yaml:"telegram"`
	Heartbeat HeartbeatConfig `toml:"heartbeat" yaml:"heartbeat"`
	Metrics   MetricsConfig   `toml:"metrics" yaml:"metrics"`
	Logging   LoggingConfig   `toml:"logging" yaml:"logging"`
}

// EngineConfig представляет конфигурацию TCP listener и worker pool
type EngineConfig struct {
	Host                   string `toml:"host" yaml:"host"`
	Port                   int    `toml:"port" yaml:"port"`
	Workers                int    `toml:"workers" yaml:"workers"`
	ReadBufferSize         int    `toml:"read_buffer_size" yaml:"read_buffer_size"`
	ReadTimeoutSeconds     int    `toml:"read_timeout_seconds" yaml:"read_timeout_seconds"`
	ShutdownTimeoutSeconds int    `toml:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds"`
}

// Address returns host:port.
func (c EngineConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c EngineConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutSeconds) * time.Second
}

func (c EngineConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// QueueConfig представляет конфигурацию work queue. Capacity 0 means unbounded.
type QueueConfig struct {
	Capacity int    `toml:"capacity" yaml:"capacity"`
	Overflow string `toml:"overflow" yaml:"overflow"` // block, reject
}

// RetryConfig представляет политику повторной доставки.
// Pointers distinguish an explicit 0 from an unset value.
type RetryConfig struct {
	MaxErrorCount    *int `toml:"max_error_count" yaml:"max_error_count"`
	InitialBackoffMS *int `toml:"initial_backoff_ms" yaml:"initial_backoff_ms"`
	MaxBackoffMS     int  `toml:"max_backoff_ms" yaml:"max_backoff_ms"`
}

// NotifierConfig представляет конфигурацию исходящей доставки
type NotifierConfig struct {
	DialTimeoutSeconds  int           `toml:"dial_timeout_seconds" yaml:"dial_timeout_seconds"`
	WriteTimeoutSeconds int           `toml:"write_timeout_seconds" yaml:"write_timeout_seconds"`
	Breaker             BreakerConfig `toml:"breaker" yaml:"breaker"`
}

// BreakerConfig представляет конфигурацию per-peer circuit breaker
type BreakerConfig struct {
	Enabled            bool `toml:"enabled" yaml:"enabled"`
	Threshold          int  `toml:"threshold" yaml:"threshold"`
	OpenTimeoutSeconds int  `toml:"open_timeout_seconds" yaml:"open_timeout_seconds"`
}

// StoreConfig представляет конфигурацию транзакционного хранилища
type StoreConfig struct {
	Driver string `toml:"driver" yaml:"driver"` // none, postgres, sqlite
	DSN    string `toml:"dsn" yaml:"dsn"`
}

// SMTPConfig представляет конфигурацию почтового relay
type SMTPConfig struct {
	Host           string `toml:"host" yaml:"host"`
	Port           int    `toml:"port" yaml:"port"`
	TimeoutSeconds int    `toml:"timeout_seconds" yaml:"timeout_seconds"`
	ProductName    string `toml:"product_name" yaml:"product_name"`
}

// TelegramConfig представляет конфигурацию Telegram бота
type TelegramConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Token   string `toml:"token" yaml:"token"`
}

// HeartbeatConfig представляет конфигурацию heartbeat
type HeartbeatConfig struct {
	Enabled        bool     `toml:"enabled" yaml:"enabled"`
	Schedule       string   `toml:"schedule" yaml:"schedule"`
	Peers          []string `toml:"peers" yaml:"peers"`
	TimeoutSeconds int      `toml:"timeout_seconds" yaml:"timeout_seconds"`
}

// MetricsConfig представляет конфигурацию admin HTTP сервера
type MetricsConfig struct {
	Enabled   bool   `toml:"enabled" yaml:"enabled"`
	Listen    string `toml:"listen" yaml:"listen"`
	Namespace string `toml:"namespace" yaml:"namespace"`
}

// LoggingConfig представляет конфигурацию логирования
type LoggingConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
	Output string `toml:"output" yaml:"output"`
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func (c NotifierConfig) DialTimeout() time.Duration  { return seconds(c.DialTimeoutSeconds) }
func (c NotifierConfig) WriteTimeout() time.Duration { return seconds(c.WriteTimeoutSeconds) }
func (c BreakerConfig) OpenTimeout() time.Duration   { return seconds(c.OpenTimeoutSeconds) }
func (c SMTPConfig) Timeout() time.Duration          { return seconds(c.TimeoutSeconds) }
func (c HeartbeatConfig) Timeout() time.Duration     { return seconds(c.TimeoutSeconds) }

// InitialBackoff returns the first resend delay.
func (c RetryConfig) InitialBackoff() time.Duration {
	if c.InitialBackoffMS == nil {
		return 0
	}
	return time.Duration(*c.InitialBackoffMS) * time.Millisecond
}

func (c RetryConfig) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffMS) * time.Millisecond
}

// MaxErrors returns the retry budget.
func (c RetryConfig) MaxErrors() int {
	if c.MaxErrorCount == nil {
		return 0
	}
	return *c.MaxErrorCount
}

func (c RetryConfig) String() string {
	return fmt.Sprintf("max_error_count=%d initial_backoff=%s max_backoff=%s",
		c.MaxErrors(), c.InitialBackoff(), c.MaxBackoff())
}
