package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/wasilibs/go-re2"
	"gopkg.in/yaml.v3"

	"github.com/aatumaykin/eventengine/internal/constants"
	"github.com/aatumaykin/eventengine/internal/heartbeat"
)

// Load загружает конфигурацию из TOML или YAML файла (по расширению)
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		md, err := toml.Decode(string(data), &cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			sort.Strings(keys)
			return nil, fmt.Errorf("failed to parse config file: unknown keys: %s", strings.Join(keys, ", "))
		}
	}

	applyDefaults(&cfg)
	expandEnvVars(&cfg)

	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	expandEnvVars(&cfg)
	return &cfg
}

// Validate проверяет валидность конфигурации
func (c *Config) Validate() []error {
	var errs []error

	// engine
	if c.Engine.Host == "" {
		errs = append(errs, fmt.Errorf("engine.host is required"))
	}
	if err := validatePort(c.Engine.Port, "engine.port"); err != nil {
		errs = append(errs, err)
	}
	if c.Engine.Workers < 1 {
		errs = append(errs, fmt.Errorf("engine.workers must be >= 1 (got %d)", c.Engine.Workers))
	}
	if c.Engine.ReadBufferSize < 64 || c.Engine.ReadBufferSize > 1<<20 {
		errs = append(errs, fmt.Errorf("engine.read_buffer_size must be between 64 and 1048576 (got %d)", c.Engine.ReadBufferSize))
	}
	if c.Engine.ReadTimeoutSeconds < 1 {
		errs = append(errs, fmt.Errorf("engine.read_timeout_seconds must be >= 1"))
	}
	if c.Engine.ShutdownTimeoutSeconds < 1 {
		errs = append(errs, fmt.Errorf("engine.shutdown_timeout_seconds must be >= 1"))
	}

	// queue
	if c.Queue.Capacity < 0 {
		errs = append(errs, fmt.Errorf("queue.capacity must be >= 0 (got %d)", c.Queue.Capacity))
	}
	switch c.Queue.Overflow {
	case constants.QueueOverflowBlock, constants.QueueOverflowReject:
	default:
		errs = append(errs, fmt.Errorf("invalid queue.overflow: %s (expected: block, reject)", c.Queue.Overflow))
	}

	// retry
	if c.Retry.MaxErrors() < 0 {
		errs = append(errs, fmt.Errorf("retry.max_error_count must be >= 0"))
	}
	if c.Retry.InitialBackoff() < 0 {
		errs = append(errs, fmt.Errorf("retry.initial_backoff_ms must be >= 0"))
	}
	if c.Retry.MaxBackoff() < c.Retry.InitialBackoff() {
		errs = append(errs, fmt.Errorf("retry.max_backoff_ms must be >= retry.initial_backoff_ms"))
	}

	// notifier
	if c.Notifier.DialTimeoutSeconds < 1 {
		errs = append(errs, fmt.Errorf("notifier.dial_timeout_seconds must be >= 1"))
	}
	if c.Notifier.WriteTimeoutSeconds < 1 {
		errs = append(errs, fmt.Errorf("notifier.write_timeout_seconds must be >= 1"))
	}
	if c.Notifier.Breaker.Enabled {
		if c.Notifier.Breaker.Threshold < 1 {
			errs = append(errs, fmt.Errorf("notifier.breaker.threshold must be >= 1"))
		}
		if c.Notifier.Breaker.OpenTimeoutSeconds < 1 || c.Notifier.Breaker.OpenTimeoutSeconds > 3600 {
			errs = append(errs, fmt.Errorf("notifier.breaker.open_timeout_seconds must be between 1 and 3600 (got %d)", c.Notifier.Breaker.OpenTimeoutSeconds))
		}
	}

	// store
	switch c.Store.Driver {
	case "none":
	case "postgres", "sqlite":
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required when store.driver is '%s'", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid store.driver: %s (expected: none, postgres, sqlite)", c.Store.Driver))
	}

	// smtp
	if c.SMTP.Host == "" {
		errs = append(errs, fmt.Errorf("smtp.host is required"))
	}
	if err := validatePort(c.SMTP.Port, "smtp.port"); err != nil {
		errs = append(errs, err)
	}

	// telegram
	if c.Telegram.Enabled {
		if c.Telegram.Token == "" {
			errs = append(errs, fmt.Errorf("telegram.token is required when telegram is enabled"))
		} else if err := validateTelegramToken(c.Telegram.Token); err != nil {
			errs = append(errs, err)
		}
	}

	// heartbeat
	if c.Heartbeat.Enabled {
		if err := heartbeat.ValidateSchedule(c.Heartbeat.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("heartbeat.schedule: %w", err))
		}
		if len(c.Heartbeat.Peers) == 0 {
			errs = append(errs, fmt.Errorf("heartbeat.peers cannot be empty when heartbeat is enabled"))
		}
		for _, p := range c.Heartbeat.Peers {
			if err := validateHostPort(p, "heartbeat.peers"); err != nil {
				errs = append(errs, err)
			}
		}
	}

	// metrics
	if c.Metrics.Enabled {
		if err := validateHostPort(c.Metrics.Listen, "metrics.listen"); err != nil {
			errs = append(errs, err)
		}
		if !namespacePattern.MatchString(c.Metrics.Namespace) {
			errs = append(errs, fmt.Errorf("invalid metrics.namespace: %q", c.Metrics.Namespace))
		}
	}

	// logging
	if c.Logging.Level == "" {
		errs = append(errs, fmt.Errorf("logging.level is required"))
	} else {
		validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
		if !validLevels[strings.ToLower(c.Logging.Level)] {
			errs = append(errs, fmt.Errorf("invalid logging.level: %s (expected: debug, info, warn, error)", c.Logging.Level))
		}
	}

	if c.Logging.Format == "" {
		errs = append(errs, fmt.Errorf("logging.format is required"))
	} else {
		validFormats := map[string]bool{"json": true, "text": true}
		if !validFormats[strings.ToLower(c.Logging.Format)] {
			errs = append(errs, fmt.Errorf("invalid logging.format: %s (expected: json, text)", c.Logging.Format))
		}
	}

	if c.Logging.Output == "" {
		errs = append(errs, fmt.Errorf("logging.output is required"))
	}

	return errs
}

var namespacePattern = re2.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func validatePort(port int, fieldName string) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s must be between 1 and 65535 (got %d)", fieldName, port)
	}
	return nil
}

func validateHostPort(addr, fieldName string) error {
	host, port, err := splitHostPort(addr)
	if err != nil {
		return fmt.Errorf("%s: invalid address %q: %w", fieldName, addr, err)
	}
	if host == "" && fieldName != "metrics.listen" {
		return fmt.Errorf("%s: address %q has no host", fieldName, addr)
	}
	return validatePort(port, fieldName)
}

func validateTelegramToken(token string) error {
	parts := strings.Split(token, ":")
	if len(parts) != 2 {
		return formatValidationError("telegram.token", "invalid format (expected <bot_id>:<token>)", token)
	}

	botID := parts[0]
	botToken := parts[1]

	if len(botID) < 3 || len(botID) > 15 {
		return fmt.Errorf("telegram.token has invalid bot ID length (expected 3-15 digits, got %d digits)", len(botID))
	}
	for _, r := range botID {
		if r < '0' || r > '9' {
			return fmt.Errorf("telegram.token has invalid bot ID (expected digits only, got: %s)", botID)
		}
	}
	if len(botToken) < 10 || len(botToken) > 50 {
		return formatValidationError("telegram.token", fmt.Sprintf("invalid token length (expected 10-50 characters, got %d)", len(botToken)), token)
	}

	return nil
}
