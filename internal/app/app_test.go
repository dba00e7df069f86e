package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"tankctl/internal/config"
	"tankctl/internal/task/engine"
	logx "tankctl/pkg/logx"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Logging.Console = false
	cfg.Logging.File = config.LoggingFile{Enabled: true, Path: filepath.Join(t.TempDir(), "tankctl.log")}
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.Storage = &config.StorageConfig{Driver: "memory"}
	cfg.Auth = config.AuthConfig{
		JWTSecret:    "0123456789abcdef0123",
		PresharedKey: "psk",
		AdminAPIKey:  "admin",
	}
	return cfg
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		storage *config.StorageConfig
		driver  string
		path    string
		wantErr bool
	}{
		{name: "default", driver: "sqlite", path: config.DefaultDBPath},
		{name: "sqlite3 alias", storage: &config.StorageConfig{Driver: "sqlite3", Path: "x.db"}, driver: "sqlite", path: "x.db"},
		{name: "memory", storage: &config.StorageConfig{Driver: "memory"}, driver: "memory"},
		{name: "none", storage: &config.StorageConfig{Driver: "none"}, wantErr: true},
		{name: "unknown", storage: &config.StorageConfig{Driver: "postgres"}, wantErr: true},
		{name: "bad busy timeout", storage: &config.StorageConfig{Driver: "sqlite", BusyTimeout: "soon"}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			sc, err := mapStorageConfig(&config.Config{Storage: tc.storage}, time.UTC)
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if tc.wantErr {
				return
			}
			if sc.Driver != tc.driver || sc.Path != tc.path {
				t.Fatalf("config = %s %q, want %s %q", sc.Driver, sc.Path, tc.driver, tc.path)
			}
		})
	}
}

func TestMapServicesDefaults(t *testing.T) {
	t.Parallel()
	svc, err := mapServices(&config.Config{Auth: config.AuthConfig{PresharedKey: "k"}})
	if err != nil {
		t.Fatalf("mapServices: %v", err)
	}
	if svc.commands.MaxRetries != 3 || svc.commands.BaseBackoff != 60*time.Second {
		t.Fatalf("commands = %+v, want 3 retries and 60s backoff", svc.commands)
	}
	if svc.schedule.DefaultOn.String() != "10:00" || svc.schedule.DefaultOff.String() != "16:00" {
		t.Fatalf("schedule = %s-%s, want 10:00-16:00", svc.schedule.DefaultOn, svc.schedule.DefaultOff)
	}
	if svc.fleet.AlertAfter != 40*time.Second || svc.fleet.PresharedKey != "k" {
		t.Fatalf("fleet = %+v", svc.fleet)
	}
	want := jobIntervals{RetrySweep: time.Minute, Enforce: time.Minute, Heartbeat: time.Minute, OfflineAlerts: time.Minute}
	if svc.jobs != want {
		t.Fatalf("jobs = %+v, want %+v", svc.jobs, want)
	}
	if !svc.engine.Enabled || !svc.notifier.Enabled {
		t.Fatalf("engine/notifier should default to enabled")
	}
}

func TestMapServicesRejectsBadDurations(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Schedule: config.ScheduleConfig{TickInterval: "often"}}
	if _, err := mapServices(cfg); err == nil {
		t.Fatalf("mapServices accepted an invalid tick interval")
	}
}

func TestMapSinksConfig(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Notifier: &config.NotifierConfig{
		Webhook: config.WebhookConfig{URL: " https://hooks.example/x ", Timeout: "3s"},
		MQTT:    config.MQTTConfig{Broker: "tcp://broker:1883", QoS: 1},
	}}
	sc, err := mapSinksConfig(cfg)
	if err != nil {
		t.Fatalf("mapSinksConfig: %v", err)
	}
	if sc.Webhook.URL != "https://hooks.example/x" || sc.Webhook.Timeout != 3*time.Second {
		t.Fatalf("webhook = %+v", sc.Webhook)
	}
	if sc.MQTT.QoS != 1 || sc.AMQP.URL != "" {
		t.Fatalf("mqtt/amqp = %+v / %+v", sc.MQTT, sc.AMQP)
	}
	if !sinksChanged(cfg, &config.Config{}) {
		t.Fatalf("sinksChanged = false, want true")
	}
}

func TestNewRequiresSecrets(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Auth.AdminAPIKey = ""
	m := config.NewManager("")
	m.Commit(cfg)
	if _, err := New(m); err == nil {
		t.Fatalf("New accepted a config without admin_api_key")
	}
}

func TestAppStartStop(t *testing.T) {
	t.Parallel()
	m := config.NewManager("")
	m.Commit(testConfig(t))

	a, err := New(m)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	names := map[string]bool{}
	for _, s := range a.jobs.Snapshot() {
		names[s.Name] = true
	}
	for _, want := range []string{JobRetrySweep, JobEnforce, JobHeartbeat, JobOfflineAlerts, JobPrune} {
		if !names[want] {
			t.Fatalf("job %s not registered (have %v)", want, names)
		}
	}

	resp, err := a.HTTP().App().Test(httptest.NewRequest("GET", "/healthz", nil), -1)
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("healthz status = %d, want 200: %s", resp.StatusCode, body)
	}
	var health map[string]any
	if err := json.Unmarshal(body, &health); err != nil {
		t.Fatalf("decode healthz: %v", err)
	}
	for _, key := range []string{"status", "engine", "schedules", "notifier", "loops"} {
		if _, ok := health[key]; !ok {
			t.Fatalf("healthz missing %q: %s", key, body)
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := a.Err(); err != nil {
		t.Fatalf("Err() = %v, want nil", err)
	}
}

func TestJobWrapperMarksNoRetry(t *testing.T) {
	t.Parallel()
	a := &App{}
	run := a.job("x", func(context.Context) error { return io.ErrUnexpectedEOF })
	if err := run(context.Background()); !engine.IsNoRetry(err) {
		t.Fatalf("job error = %v, want NoRetry", err)
	}
	if err := a.job("y", func(context.Context) error { return nil })(context.Background()); err != nil {
		t.Fatalf("job error = %v, want nil", err)
	}
}

func TestMigrateCreatesDatabase(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Storage = &config.StorageConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "db", "tankctl.db")}
	sc, err := Migrate(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if sc.Driver != "sqlite" {
		t.Fatalf("driver = %s, want sqlite", sc.Driver)
	}
}
