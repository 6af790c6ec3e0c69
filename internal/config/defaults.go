package config

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/wasilibs/go-re2"

	"github.com/aatumaykin/eventengine/internal/constants"
)

// applyDefaults применяет значения по умолчанию
func applyDefaults(c *Config) {
	if c.Engine.Host == "" {
		c.Engine.Host = constants.DefaultHost
	}
	if c.Engine.Port == 0 {
		c.Engine.Port = constants.DefaultPort
	}
	if c.Engine.Workers == 0 {
		c.Engine.Workers = constants.DefaultWorkers
	}
	if c.Engine.ReadBufferSize == 0 {
		c.Engine.ReadBufferSize = constants.DefaultReadBufferSize
	}
	if c.Engine.ReadTimeoutSeconds == 0 {
		c.Engine.ReadTimeoutSeconds = constants.DefaultReadTimeoutSeconds
	}
	if c.Engine.ShutdownTimeoutSeconds == 0 {
		c.Engine.ShutdownTimeoutSeconds = constants.DefaultShutdownSeconds
	}

	if c.Queue.Overflow == "" {
		c.Queue.Overflow = constants.QueueOverflowBlock
	}

	if c.Retry.MaxErrorCount == nil {
		c.Retry.MaxErrorCount = new(constants.DefaultMaxErrorCount)
	}
	if c.Retry.InitialBackoffMS == nil {
		c.Retry.InitialBackoffMS = new(constants.DefaultInitialBackoffMS)
	}
	if c.Retry.MaxBackoffMS == 0 {
		c.Retry.MaxBackoffMS = constants.DefaultMaxBackoffMS
	}

	if c.Notifier.DialTimeoutSeconds == 0 {
		c.Notifier.DialTimeoutSeconds = constants.DefaultDialTimeoutSeconds
	}
	if c.Notifier.WriteTimeoutSeconds == 0 {
		c.Notifier.WriteTimeoutSeconds = constants.DefaultWriteTimeoutSeconds
	}
	if c.Notifier.Breaker.Threshold == 0 {
		c.Notifier.Breaker.Threshold = constants.DefaultBreakerThreshold
	}
	if c.Notifier.Breaker.OpenTimeoutSeconds == 0 {
		c.Notifier.Breaker.OpenTimeoutSeconds = constants.DefaultBreakerOpenSeconds
	}

	if c.Store.Driver == "" {
		c.Store.Driver = "none"
	}
	c.Store.Driver = strings.ToLower(c.Store.Driver)

	if c.SMTP.Host == "" {
		c.SMTP.Host = constants.DefaultSMTPHost
	}
	if c.SMTP.Port == 0 {
		c.SMTP.Port = constants.DefaultSMTPPort
	}
	if c.SMTP.TimeoutSeconds == 0 {
		c.SMTP.TimeoutSeconds = constants.DefaultSMTPTimeoutSeconds
	}

	if c.Heartbeat.Schedule == "" {
		c.Heartbeat.Schedule = constants.DefaultHeartbeatSchedule
	}
	if c.Heartbeat.TimeoutSeconds == 0 {
		c.Heartbeat.TimeoutSeconds = constants.DefaultDialTimeoutSeconds
	}

	if c.Metrics.Listen == "" {
		c.Metrics.Listen = constants.DefaultMetricsListen
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = constants.DefaultMetricsNamespace
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
}

var envRef = re2.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::([^}]*))?\}`)

// expandEnvVars расширяет переменные окружения в строковых полях конфигурации
func expandEnvVars(c *Config) {
	for _, field := range []*string{
		&c.Engine.Host,
		&c.Store.DSN,
		&c.SMTP.Host,
		&c.SMTP.ProductName,
		&c.Telegram.Token,
		&c.Metrics.Listen,
		&c.Logging.Output,
	} {
		*field = expandEnv(*field)
	}

	for i, peer := range c.Heartbeat.Peers {
		c.Heartbeat.Peers[i] = expandEnv(peer)
	}

	if c.Store.Driver == "sqlite" {
		c.Store.DSN = expandHome(c.Store.DSN)
	}
	c.Logging.Output = expandHome(c.Logging.Output)
}

// expandEnv заменяет каждое вхождение ${VAR} и ${VAR:default}
func expandEnv(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		m := envRef.FindStringSubmatch(ref)
		if val := os.Getenv(m[1]); val != "" {
			return val
		}
		return m[2]
	})
}

// expandHome расширяет ~ в пути
func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}
