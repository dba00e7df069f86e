package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TANKCTL_"

// LoadEnvFile loads KEY=VALUE pairs into the process environment without
// overriding variables that are already set. A missing file is not an error.
func LoadEnvFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("env file %s: %w", path, err)
	}
	return nil
}

type lookupFunc func(key string) (string, bool)

// ApplyEnv overlays TANKCTL_* variables onto cfg.
func ApplyEnv(cfg *Config) error {
	return applyEnv(cfg, os.LookupEnv)
}

func applyEnv(cfg *Config, lookup lookupFunc) error {
	if cfg == nil {
		return nil
	}
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	var errs []error
	integer := func(name string, dst *int64) {
		v, ok := lookup(EnvPrefix + name)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = n
	}

	str("TIMEZONE", &cfg.Timezone)
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("HTTP_ADDR", &cfg.HTTP.Addr)
	str("JWT_SECRET", &cfg.Auth.JWTSecret)
	str("TOKEN_TTL", &cfg.Auth.TokenTTL)
	str("PRESHARED_KEY", &cfg.Auth.PresharedKey)
	str("ADMIN_API_KEY", &cfg.Auth.AdminAPIKey)

	if v, ok := lookup(EnvPrefix + "DB_PATH"); ok {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{Driver: "sqlite"}
		}
		cfg.Storage.Path = strings.TrimSpace(v)
	}

	n := cfg.Notifier
	if n == nil {
		n = &NotifierConfig{Enabled: true}
	}
	before := *n
	str("WEBHOOK_URL", &n.Webhook.URL)
	str("TELEGRAM_TOKEN", &n.Telegram.Token)
	chat := n.Telegram.ChatID
	integer("TELEGRAM_CHAT_ID", &chat)
	n.Telegram.ChatID = chat
	str("MQTT_BROKER", &n.MQTT.Broker)
	str("MQTT_USERNAME", &n.MQTT.Username)
	str("MQTT_PASSWORD", &n.MQTT.Password)
	str("AMQP_URL", &n.AMQP.URL)
	if cfg.Notifier == nil && sinksChanged(before, *n) {
		cfg.Notifier = n
	}
	return errors.Join(errs...)
}

func sinksChanged(a, b NotifierConfig) bool {
	return a.Webhook != b.Webhook || a.Telegram != b.Telegram || a.MQTT != b.MQTT || a.AMQP != b.AMQP
}
