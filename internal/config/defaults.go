package config

import "time"

const (
	DefaultTimezone = "Asia/Kolkata"
	DefaultHTTPAddr = ":8080"
	DefaultDBPath   = "./data/tankctl.db"

	DefaultMaxRetries         = 3
	MaxRetriesLimit           = 30
	DefaultBaseBackoff        = 60 * time.Second
	DefaultRetrySweepInterval = time.Minute

	DefaultTickInterval = time.Minute
	DefaultLightOn      = "10:00"
	DefaultLightOff     = "16:00"

	DefaultOfflineThreshold     = 2 * time.Minute
	DefaultHeartbeatInterval    = time.Minute
	DefaultOfflineAlertAfter    = 40 * time.Second
	DefaultOfflineAlertRepeat   = 5 * time.Minute
	DefaultOfflineAlertInterval = time.Minute

	DefaultSSEKeepalive = 25 * time.Second
)

// Default returns a config with every section present, used when no config
// file exists and by `tankctl migrate`.
func Default() *Config {
	enabled := true
	return &Config{
		Timezone: DefaultTimezone,
		Logging:  LoggingConfig{Level: "info", Console: true},
		HTTP:     HTTPConfig{Addr: DefaultHTTPAddr},
		Storage:  &StorageConfig{Driver: "sqlite", Path: DefaultDBPath},
		TaskEngine: &TaskEngineConfig{
			Enabled: &enabled,
		},
		Notifier: &NotifierConfig{Enabled: true},
	}
}
