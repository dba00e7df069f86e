package config

// Config is the whole tankctl configuration file.
//
// All durations are Go duration strings (e.g. "40s", "1m", "5m"). Omitted or
// zero values fall back to the defaults documented on each section.
type Config struct {
	// Timezone is the IANA zone every lighting window is evaluated in.
	// Default: "Asia/Kolkata".
	Timezone string `json:"timezone,omitempty"`

	Logging  LoggingConfig  `json:"logging"`
	HTTP     HTTPConfig     `json:"http"`
	Auth     AuthConfig     `json:"auth"`
	Storage  *StorageConfig `json:"storage,omitempty"`
	Commands CommandsConfig `json:"commands"`
	Schedule ScheduleConfig `json:"schedule"`
	Fleet    FleetConfig    `json:"fleet"`

	// TaskEngine controls execution of the periodic jobs.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	// Notifier controls the notification pipeline and its sinks. If omitted
	// the pipeline runs with defaults and no sinks.
	Notifier *NotifierConfig `json:"notifier,omitempty"`
}

type LoggingConfig struct {
	Level   string         `json:"level"`
	Console bool           `json:"console"`
	File    LoggingFile    `json:"file"`
	Forward LoggingForward `json:"forward"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingForward relays WARN+ lines to the telegram notification sink.
type LoggingForward struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// HTTPConfig controls the API listener. Changes require a restart.
type HTTPConfig struct {
	Addr         string `json:"addr,omitempty"` // default ":8080"
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
	BodyLimit    int    `json:"body_limit,omitempty"` // bytes, default 64 KiB
	// SSEKeepalive is the comment interval on /events. Default "25s".
	SSEKeepalive string `json:"sse_keepalive,omitempty"`
}

// AuthConfig holds secrets. Prefer setting them through TANKCTL_* env vars.
type AuthConfig struct {
	JWTSecret string `json:"jwt_secret,omitempty"`
	// TokenTTL of device tokens; "0s" or empty means tokens never expire.
	TokenTTL     string `json:"token_ttl,omitempty"`
	PresharedKey string `json:"preshared_key,omitempty"`
	AdminAPIKey  string `json:"admin_api_key,omitempty"`
}

// StorageConfig selects the persistence backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/tankctl.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type CommandsConfig struct {
	MaxRetries         *int   `json:"max_retries,omitempty"`          // default 3, 1..30
	BaseBackoff        string `json:"base_backoff,omitempty"`         // default "60s"
	RetrySweepInterval string `json:"retry_sweep_interval,omitempty"` // default "1m"
}

// Retries is max_retries with the default applied.
func (c CommandsConfig) Retries() int {
	if c.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *c.MaxRetries
}

type ScheduleConfig struct {
	TickInterval string `json:"tick_interval,omitempty"` // default "1m"
	DefaultOn    string `json:"default_on,omitempty"`    // default "10:00"
	DefaultOff   string `json:"default_off,omitempty"`   // default "16:00"
}

type FleetConfig struct {
	OfflineThreshold     string `json:"offline_threshold,omitempty"`      // default "2m"
	HeartbeatInterval    string `json:"heartbeat_interval,omitempty"`     // default "1m"
	OfflineAlertAfter    string `json:"offline_alert_after,omitempty"`    // default "40s"
	OfflineAlertRepeat   string `json:"offline_alert_repeat,omitempty"`   // default "5m"
	OfflineAlertInterval string `json:"offline_alert_interval,omitempty"` // default "1m"
}

// TaskEngineConfig controls the worker pool that runs periodic jobs.
//
// Defaults (when fields are omitted/zero):
//   - enabled: true
//   - workers: 2
//   - queue_size: 64
//   - default_timeout: "30s"
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
type TaskEngineConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`

	// Events limits which domain events are forwarded; empty means the
	// built-in operator set.
	Events []string `json:"events,omitempty"`

	Webhook  WebhookConfig  `json:"webhook"`
	Telegram TelegramConfig `json:"telegram"`
	MQTT     MQTTConfig     `json:"mqtt"`
	AMQP     AMQPConfig     `json:"amqp"`
}

// WebhookConfig is the Discord-style notification endpoint.
type WebhookConfig struct {
	URL      string `json:"url,omitempty"`
	Username string `json:"username,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

type TelegramConfig struct {
	Token    string `json:"token,omitempty"`
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
}

type MQTTConfig struct {
	Broker      string `json:"broker,omitempty"`
	ClientID    string `json:"client_id,omitempty"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
	TopicPrefix string `json:"topic_prefix,omitempty"`
	QoS         int    `json:"qos,omitempty"`
	Retained    bool   `json:"retained,omitempty"`
}

type AMQPConfig struct {
	URL      string `json:"url,omitempty"`
	Exchange string `json:"exchange,omitempty"`
}
