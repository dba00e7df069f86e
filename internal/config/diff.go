package config

import (
	"reflect"
	"sort"
	"strings"

	logx "tankctl/pkg/logx"
)

// restartSections cannot be applied to a running process.
var restartSections = map[string]bool{
	"timezone": true,
	"http":     true,
	"storage":  true,
	"auth":     true,
}

// RequiresRestart reports whether any changed section needs a restart.
func RequiresRestart(sections []string) []string {
	var out []string
	for _, s := range sections {
		if restartSections[s] {
			out = append(out, s)
		}
	}
	return out
}

// SummarizeConfigChange lists changed sections plus log fields that are safe
// to print. Secrets are reported only as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if strings.TrimSpace(oldCfg.Timezone) != strings.TrimSpace(newCfg.Timezone) {
		changed = append(changed, "timezone")
		attrs = append(attrs, logx.String("timezone", strings.TrimSpace(newCfg.Timezone)))
	}
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.forward_enabled", newCfg.Logging.Forward.Enabled),
		)
	}
	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs, logx.String("http.addr", newCfg.HTTP.Addr))
	}
	if oldCfg.Auth != newCfg.Auth {
		changed = append(changed, "auth")
		attrs = append(attrs,
			logx.Bool("auth.jwt_secret_set", newCfg.Auth.JWTSecret != ""),
			logx.Bool("auth.preshared_key_set", newCfg.Auth.PresharedKey != ""),
			logx.Bool("auth.admin_api_key_set", newCfg.Auth.AdminAPIKey != ""),
			logx.String("auth.token_ttl", newCfg.Auth.TokenTTL),
		)
	}
	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nS.Driver),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}
	if !commandsEqual(oldCfg.Commands, newCfg.Commands) {
		changed = append(changed, "commands")
		attrs = append(attrs,
			logx.Int("commands.max_retries", newCfg.Commands.Retries()),
			logx.String("commands.base_backoff", newCfg.Commands.BaseBackoff),
		)
	}
	if oldCfg.Schedule != newCfg.Schedule {
		changed = append(changed, "schedule")
		attrs = append(attrs,
			logx.String("schedule.tick_interval", newCfg.Schedule.TickInterval),
			logx.String("schedule.default_window", newCfg.Schedule.DefaultOn+"-"+newCfg.Schedule.DefaultOff),
		)
	}
	if oldCfg.Fleet != newCfg.Fleet {
		changed = append(changed, "fleet")
		attrs = append(attrs, logx.String("fleet.offline_threshold", newCfg.Fleet.OfflineThreshold))
	}
	if !reflect.DeepEqual(oldCfg.TaskEngine, newCfg.TaskEngine) {
		changed = append(changed, "task_engine")
		if te := newCfg.TaskEngine; te != nil {
			attrs = append(attrs, logx.Int("task_engine.workers", te.Workers))
		}
	}
	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		if n := newCfg.Notifier; n != nil {
			attrs = append(attrs,
				logx.Bool("notifier.enabled", n.Enabled),
				logx.Bool("notifier.webhook_set", n.Webhook.URL != ""),
				logx.Bool("notifier.telegram_set", n.Telegram.Token != ""),
				logx.Bool("notifier.mqtt_set", n.MQTT.Broker != ""),
				logx.Bool("notifier.amqp_set", n.AMQP.URL != ""),
			)
		}
	}
	sort.Strings(changed)
	return changed, attrs
}

func commandsEqual(a, b CommandsConfig) bool {
	return a.Retries() == b.Retries() &&
		a.BaseBackoff == b.BaseBackoff &&
		a.RetrySweepInterval == b.RetrySweepInterval
}
