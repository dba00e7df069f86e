package app

import (
	"fmt"
	"strings"
	"time"

	"tankctl/internal/auth"
	"tankctl/internal/clock"
	"tankctl/internal/command"
	"tankctl/internal/config"
	"tankctl/internal/fleet"
	"tankctl/internal/httpapi"
	"tankctl/internal/notifier"
	"tankctl/internal/schedule"
	"tankctl/internal/storage"
	"tankctl/internal/task/engine"
	logx "tankctl/pkg/logx"
)

func mapStorageConfig(cfg *config.Config, loc *time.Location) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{Driver: "sqlite", Path: config.DefaultDBPath, Location: loc}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "sqlite", "sqlite3":
		if path == "" {
			path = config.DefaultDBPath
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy, Location: loc}, nil
	case "memory":
		return storage.Config{Driver: "memory", Location: loc}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Forward: logx.ForwardConfig{
			Enabled:    l.Forward.Enabled,
			MinLevel:   l.Forward.MinLevel,
			RatePerSec: l.Forward.RatePerSec,
		},
	}
}

func mapAuthConfig(cfg *config.Config) (auth.Config, error) {
	ttl, err := config.ParseDurationField("auth.token_ttl", cfg.Auth.TokenTTL)
	if err != nil {
		return auth.Config{}, err
	}
	return auth.Config{Secret: cfg.Auth.JWTSecret, TTL: ttl, Issuer: "tankctl"}, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	h := cfg.HTTP
	out := httpapi.Config{Addr: strings.TrimSpace(h.Addr), BodyLimit: h.BodyLimit, AdminAPIKey: cfg.Auth.AdminAPIKey}
	var err error
	if out.ReadTimeout, err = config.ParseDurationField("http.read_timeout", h.ReadTimeout); err != nil {
		return httpapi.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("http.write_timeout", h.WriteTimeout); err != nil {
		return httpapi.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationField("http.idle_timeout", h.IdleTimeout); err != nil {
		return httpapi.Config{}, err
	}
	if out.SSEKeepalive, err = config.ParseDurationOrDefault("http.sse_keepalive", h.SSEKeepalive, config.DefaultSSEKeepalive); err != nil {
		return httpapi.Config{}, err
	}
	return out, nil
}

func mapCommandConfig(cfg *config.Config) (command.Config, error) {
	backoff, err := config.ParseDurationOrDefault("commands.base_backoff", cfg.Commands.BaseBackoff, config.DefaultBaseBackoff)
	if err != nil {
		return command.Config{}, err
	}
	return command.Config{MaxRetries: cfg.Commands.Retries(), BaseBackoff: backoff}, nil
}

func mapScheduleConfig(cfg *config.Config) (schedule.Config, error) {
	on, err := config.ParseTimeOfDayOrDefault("schedule.default_on", cfg.Schedule.DefaultOn, clock.MustTimeOfDay(config.DefaultLightOn))
	if err != nil {
		return schedule.Config{}, err
	}
	off, err := config.ParseTimeOfDayOrDefault("schedule.default_off", cfg.Schedule.DefaultOff, clock.MustTimeOfDay(config.DefaultLightOff))
	if err != nil {
		return schedule.Config{}, err
	}
	return schedule.Config{DefaultOn: on, DefaultOff: off}, nil
}

func mapFleetConfig(cfg *config.Config) (fleet.Config, error) {
	f := cfg.Fleet
	out := fleet.Config{PresharedKey: cfg.Auth.PresharedKey}
	var err error
	if out.OfflineThreshold, err = config.ParseDurationOrDefault("fleet.offline_threshold", f.OfflineThreshold, config.DefaultOfflineThreshold); err != nil {
		return fleet.Config{}, err
	}
	if out.AlertAfter, err = config.ParseDurationOrDefault("fleet.offline_alert_after", f.OfflineAlertAfter, config.DefaultOfflineAlertAfter); err != nil {
		return fleet.Config{}, err
	}
	if out.AlertRepeat, err = config.ParseDurationOrDefault("fleet.offline_alert_repeat", f.OfflineAlertRepeat, config.DefaultOfflineAlertRepeat); err != nil {
		return fleet.Config{}, err
	}
	return out, nil
}

// jobIntervals are the trigger periods of the periodic jobs.
type jobIntervals struct {
	RetrySweep    time.Duration
	Enforce       time.Duration
	Heartbeat     time.Duration
	OfflineAlerts time.Duration
}

func mapJobIntervals(cfg *config.Config) (jobIntervals, error) {
	var (
		out jobIntervals
		err error
	)
	if out.RetrySweep, err = config.ParseDurationOrDefault("commands.retry_sweep_interval", cfg.Commands.RetrySweepInterval, config.DefaultRetrySweepInterval); err != nil {
		return out, err
	}
	if out.Enforce, err = config.ParseDurationOrDefault("schedule.tick_interval", cfg.Schedule.TickInterval, config.DefaultTickInterval); err != nil {
		return out, err
	}
	if out.Heartbeat, err = config.ParseDurationOrDefault("fleet.heartbeat_interval", cfg.Fleet.HeartbeatInterval, config.DefaultHeartbeatInterval); err != nil {
		return out, err
	}
	if out.OfflineAlerts, err = config.ParseDurationOrDefault("fleet.offline_alert_interval", cfg.Fleet.OfflineAlertInterval, config.DefaultOfflineAlertInterval); err != nil {
		return out, err
	}
	return out, nil
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	out := engine.Config{Enabled: true, Workers: 2, QueueSize: 64, HistorySize: 200, DefaultTimeout: 30 * time.Second}
	te := cfg.TaskEngine
	if te == nil {
		return out, nil
	}
	if te.Enabled != nil {
		out.Enabled = *te.Enabled
	}
	if te.Workers > 0 {
		out.Workers = te.Workers
	}
	if te.QueueSize > 0 {
		out.QueueSize = te.QueueSize
	}
	if te.HistorySize > 0 {
		out.HistorySize = te.HistorySize
	}
	var err error
	if out.DefaultTimeout, err = config.ParseDurationOrDefault("task_engine.default_timeout", te.DefaultTimeout, out.DefaultTimeout); err != nil {
		return engine.Config{}, err
	}
	if out.MaxQueueDelay, err = config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	nc := cfg.Notifier
	if nc == nil {
		return notifier.Config{Enabled: true}, nil
	}
	out := notifier.Config{
		Enabled:         nc.Enabled,
		Workers:         nc.Workers,
		QueueSize:       nc.QueueSize,
		RatePerSec:      nc.RatePerSec,
		RetryMax:        nc.RetryMax,
		DedupMaxEntries: nc.DedupMaxEntries,
		PersistDedup:    nc.PersistDedup,
	}
	var err error
	if out.RetryBase, err = config.ParseDurationField("notifier.retry_base", nc.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("notifier.retry_max_delay", nc.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationField("notifier.dedup_window", nc.DedupWindow); err != nil {
		return notifier.Config{}, err
	}
	return out, nil
}

func mapSinksConfig(cfg *config.Config) (notifier.SinksConfig, error) {
	nc := cfg.Notifier
	if nc == nil {
		return notifier.SinksConfig{}, nil
	}
	timeout, err := config.ParseDurationField("notifier.webhook.timeout", nc.Webhook.Timeout)
	if err != nil {
		return notifier.SinksConfig{}, err
	}
	return notifier.SinksConfig{
		Webhook: notifier.WebhookConfig{
			URL:      strings.TrimSpace(nc.Webhook.URL),
			Username: nc.Webhook.Username,
			Timeout:  timeout,
		},
		Telegram: notifier.TelegramConfig{
			Token:    strings.TrimSpace(nc.Telegram.Token),
			ChatID:   nc.Telegram.ChatID,
			ThreadID: nc.Telegram.ThreadID,
		},
		MQTT: notifier.MQTTConfig{
			Broker:      strings.TrimSpace(nc.MQTT.Broker),
			ClientID:    nc.MQTT.ClientID,
			Username:    nc.MQTT.Username,
			Password:    nc.MQTT.Password,
			TopicPrefix: nc.MQTT.TopicPrefix,
			QoS:         byte(nc.MQTT.QoS),
			Retained:    nc.MQTT.Retained,
		},
		AMQP: notifier.AMQPConfig{
			URL:      strings.TrimSpace(nc.AMQP.URL),
			Exchange: nc.AMQP.Exchange,
		},
	}, nil
}

func notifierEvents(cfg *config.Config) []string {
	if cfg.Notifier == nil {
		return nil
	}
	return cfg.Notifier.Events
}

// services bundles every live-applicable config section.
type services struct {
	commands command.Config
	schedule schedule.Config
	fleet    fleet.Config
	engine   engine.Config
	notifier notifier.Config
	jobs     jobIntervals
}

func mapServices(cfg *config.Config) (services, error) {
	var (
		out services
		err error
	)
	if out.commands, err = mapCommandConfig(cfg); err != nil {
		return out, err
	}
	if out.schedule, err = mapScheduleConfig(cfg); err != nil {
		return out, err
	}
	if out.fleet, err = mapFleetConfig(cfg); err != nil {
		return out, err
	}
	if out.engine, err = mapTaskEngineConfig(cfg); err != nil {
		return out, err
	}
	if out.notifier, err = mapNotifierConfig(cfg); err != nil {
		return out, err
	}
	if out.jobs, err = mapJobIntervals(cfg); err != nil {
		return out, err
	}
	return out, nil
}

// Migrate opens the configured store, which applies the embedded schema,
// and closes it again.
func Migrate(cfg *config.Config, log logx.Logger) (storage.Config, error) {
	loc, err := config.LoadLocation(cfg.Timezone)
	if err != nil {
		return storage.Config{}, err
	}
	sc, err := mapStorageConfig(cfg, loc)
	if err != nil {
		return storage.Config{}, err
	}
	st, err := storage.Open(sc, log)
	if err != nil {
		return sc, err
	}
	return sc, st.Close()
}
