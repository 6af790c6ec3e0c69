package constants

// DefaultVersion is the default version of the application
const DefaultVersion = "0.1.0-dev"

// DefaultBuildTime is the default build time when not provided at build time
const DefaultBuildTime = "unknown"

// DefaultGitCommit is the default git commit hash when not provided at build time
const DefaultGitCommit = "unknown"

// DefaultGoVersion is the default Go version when not provided at build time
const DefaultGoVersion = "unknown"

// Engine defaults.
const (
	DefaultHost               = "127.0.0.1"
	DefaultPort               = 8888
	DefaultWorkers            = 4
	DefaultReadBufferSize     = 1024
	DefaultReadTimeoutSeconds = 10
	DefaultShutdownSeconds    = 30
)

// Delivery defaults.
const (
	DefaultMaxErrorCount       = 10
	DefaultInitialBackoffMS    = 200
	DefaultMaxBackoffMS        = 10000
	DefaultDialTimeoutSeconds  = 5
	DefaultWriteTimeoutSeconds = 5
	DefaultBreakerThreshold    = 5
	DefaultBreakerOpenSeconds  = 30
)

// DefaultMetricsListen is the default admin HTTP address
const DefaultMetricsListen = "127.0.0.1:9888"

// DefaultHeartbeatSchedule is the default cron spec for peer probes
const DefaultHeartbeatSchedule = "@every 30s"

// DefaultSMTPHost and DefaultSMTPPort point at the mail relay used by the email handlers
const (
	DefaultSMTPHost           = "smtp.zoho.com"
	DefaultSMTPPort           = 587
	DefaultSMTPTimeoutSeconds = 30
)

// Work queue overflow policies.
const (
	QueueOverflowBlock  = "block"
	QueueOverflowReject = "reject"
)

// DefaultMetricsNamespace prefixes every Prometheus metric name
const DefaultMetricsNamespace = "eventengine"
