package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"tankctl/internal/clock"
)

// Validate checks shapes and ranges. It does not require secrets; the
// server refuses to start without them separately (see RequireSecrets).
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	_, err := LoadLocation(cfg.Timezone)
	add(err)

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		add(errors.New("logging.file.path is required when logging.file.enabled"))
	}
	if cfg.Logging.Forward.RatePerSec < 0 {
		add(errors.New("logging.forward.rate_per_sec must be >= 0"))
	}

	dur("http.read_timeout", cfg.HTTP.ReadTimeout)
	dur("http.write_timeout", cfg.HTTP.WriteTimeout)
	dur("http.idle_timeout", cfg.HTTP.IdleTimeout)
	dur("http.sse_keepalive", cfg.HTTP.SSEKeepalive)
	if cfg.HTTP.BodyLimit < 0 {
		add(errors.New("http.body_limit must be >= 0"))
	}
	dur("auth.token_ttl", cfg.Auth.TokenTTL)

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "sqlite", "sqlite3", "memory":
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		dur("storage.busy_timeout", s.BusyTimeout)
	}

	if n := cfg.Commands.MaxRetries; n != nil && (*n < 1 || *n > MaxRetriesLimit) {
		add(fmt.Errorf("commands.max_retries must be between 1 and %d", MaxRetriesLimit))
	}
	dur("commands.base_backoff", cfg.Commands.BaseBackoff)
	dur("commands.retry_sweep_interval", cfg.Commands.RetrySweepInterval)

	dur("schedule.tick_interval", cfg.Schedule.TickInterval)
	_, err = ParseTimeOfDayOrDefault("schedule.default_on", cfg.Schedule.DefaultOn, clock.MustTimeOfDay(DefaultLightOn))
	add(err)
	_, err = ParseTimeOfDayOrDefault("schedule.default_off", cfg.Schedule.DefaultOff, clock.MustTimeOfDay(DefaultLightOff))
	add(err)

	dur("fleet.offline_threshold", cfg.Fleet.OfflineThreshold)
	dur("fleet.heartbeat_interval", cfg.Fleet.HeartbeatInterval)
	dur("fleet.offline_alert_after", cfg.Fleet.OfflineAlertAfter)
	dur("fleet.offline_alert_repeat", cfg.Fleet.OfflineAlertRepeat)
	dur("fleet.offline_alert_interval", cfg.Fleet.OfflineAlertInterval)

	if te := cfg.TaskEngine; te != nil {
		if te.Workers < 0 {
			add(errors.New("task_engine.workers must be >= 0"))
		}
		if te.QueueSize < 0 {
			add(errors.New("task_engine.queue_size must be >= 0"))
		}
		if te.HistorySize < 0 {
			add(errors.New("task_engine.history_size must be >= 0"))
		}
		dur("task_engine.default_timeout", te.DefaultTimeout)
		dur("task_engine.max_queue_delay", te.MaxQueueDelay)
	}

	if n := cfg.Notifier; n != nil {
		if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 || n.DedupMaxEntries < 0 {
			add(errors.New("notifier: counts must be >= 0"))
		}
		dur("notifier.retry_base", n.RetryBase)
		dur("notifier.retry_max_delay", n.RetryMaxDelay)
		dur("notifier.dedup_window", n.DedupWindow)
		dur("notifier.webhook.timeout", n.Webhook.Timeout)
		if u := strings.TrimSpace(n.Webhook.URL); u != "" {
			add(checkURL("notifier.webhook.url", u, "http", "https"))
		}
		if strings.TrimSpace(n.Telegram.Token) != "" && n.Telegram.ChatID == 0 {
			add(errors.New("notifier.telegram.chat_id is required when a token is set"))
		}
		if n.MQTT.QoS < 0 || n.MQTT.QoS > 2 {
			add(errors.New("notifier.mqtt.qos must be 0, 1 or 2"))
		}
		if u := strings.TrimSpace(n.AMQP.URL); u != "" {
			add(checkURL("notifier.amqp.url", u, "amqp", "amqps"))
		}
	}
	return errors.Join(errs...)
}

// RequireSecrets reports missing secrets the server cannot run without.
func RequireSecrets(cfg *Config) error {
	var missing []string
	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		missing = append(missing, "auth.jwt_secret ("+EnvPrefix+"JWT_SECRET)")
	}
	if strings.TrimSpace(cfg.Auth.PresharedKey) == "" {
		missing = append(missing, "auth.preshared_key ("+EnvPrefix+"PRESHARED_KEY)")
	}
	if strings.TrimSpace(cfg.Auth.AdminAPIKey) == "" {
		missing = append(missing, "auth.admin_api_key ("+EnvPrefix+"ADMIN_API_KEY)")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing secrets: %s", strings.Join(missing, ", "))
	}
	return nil
}

func checkURL(path, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	for _, s := range schemes {
		if strings.EqualFold(u.Scheme, s) && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s: want a %s URL", path, strings.Join(schemes, "/"))
}
