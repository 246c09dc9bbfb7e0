package config

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
telegram:
  token: "123:abc"
  group_log: "-100123"
  send_timeout: 10s
logging:
  level: info
  console: true
scheduler:
  timezone: UTC
dispatcher:
  retry_max: 3
  retry_base: 2s
storage:
  driver: sqlite
  path: ./data/remindbot.sqlite
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestDecodeYAML(t *testing.T) {
	cfg, err := Decode("config.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" || cfg.Telegram.GroupLog != "-100123" {
		t.Fatalf("telegram = %+v", cfg.Telegram)
	}
	if cfg.Scheduler.Timezone != "UTC" || cfg.Scheduler.Disabled {
		t.Fatalf("scheduler = %+v", cfg.Scheduler)
	}
	if cfg.Dispatcher.RetryMax != 3 || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("dispatcher/storage = %+v %+v", cfg.Dispatcher, cfg.Storage)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestDecodeStrict(t *testing.T) {
	cases := []struct {
		name, file, body string
	}{
		{"unknown yaml field", "c.yaml", "telegram:\n  token: x\n  tokn: y\n"},
		{"unknown json section", "c.json", `{"telegram":{"token":"x"},"plugins":{}}`},
		{"trailing data", "c.json", `{"telegram":{"token":"x"}} {}`},
		{"bad yaml", "c.yml", "telegram: [\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode(tc.file, []byte(tc.body)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestDecodeEnvOverlay(t *testing.T) {
	t.Setenv("REMINDBOT_TELEGRAM_TOKEN", "from-env")
	t.Setenv("REMINDBOT_DISPATCHER_RATE_PER_SEC", "2.5")
	t.Setenv("REMINDBOT_STORAGE_MAX_CONNS", "8")

	cfg, err := Decode("config.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Telegram.Token != "from-env" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if cfg.Dispatcher.RatePerSec != 2.5 || cfg.Storage.MaxConns != 8 {
		t.Fatalf("overlay not applied: %+v %+v", cfg.Dispatcher, cfg.Storage)
	}
	// Unset variables keep file values.
	if cfg.Storage.Path != "./data/remindbot.sqlite" {
		t.Fatalf("path = %q", cfg.Storage.Path)
	}
}

func TestDecodeYAMLNamesBadKey(t *testing.T) {
	_, err := Decode("config.yml", []byte("telegram:\n  token: x\n  1: y\n"))
	if err == nil || !strings.Contains(err.Error(), "telegram: key 1") {
		t.Fatalf("err = %v", err)
	}
}

func TestSchedulerDisabledOptIn(t *testing.T) {
	cfg, err := Decode("config.yaml", []byte("telegram:\n  token: x\nscheduler:\n  disabled: true\n"))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !cfg.Scheduler.Disabled {
		t.Fatal("explicit disabled not decoded")
	}

	t.Setenv("REMINDBOT_SCHEDULER_DISABLED", "true")
	cfg, err = Decode("config.yaml", []byte("telegram:\n  token: x\n"))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !cfg.Scheduler.Disabled {
		t.Fatal("env override not applied")
	}
}

func TestEnvHelpListsVariables(t *testing.T) {
	help, err := EnvHelp()
	if err != nil {
		t.Fatalf("help: %v", err)
	}
	for _, want := range []string{"REMINDBOT_TELEGRAM_TOKEN", "REMINDBOT_STORAGE_DSN"} {
		if !strings.Contains(help, want) {
			t.Fatalf("help missing %s", want)
		}
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{Telegram: TelegramConfig{Token: "x"}}
	}
	if err := Validate(valid()); err != nil {
		t.Fatalf("minimal config: %v", err)
	}

	cases := []struct {
		name string
		mut  func(c *Config)
		want string
	}{
		{"missing token", func(c *Config) { c.Telegram.Token = " " }, "telegram.token"},
		{"bad duration", func(c *Config) { c.Telegram.SendTimeout = "ten" }, "telegram.send_timeout"},
		{"negative duration", func(c *Config) { c.Dispatcher.RetryBase = "-1s" }, "dispatcher.retry_base"},
		{"bad timezone", func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }, "scheduler.timezone"},
		{"bad spec", func(c *Config) { c.Scheduler.Spec = "every minute" }, "scheduler.spec"},
		{"sqlite without path", func(c *Config) { c.Storage.Driver = "sqlite" }, "storage.path"},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = "postgres" }, "storage.dsn"},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "redis" }, "storage.driver"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"telegram log without group", func(c *Config) { c.Logging.Telegram.Enabled = true }, "group_log"},
		{"bad group id", func(c *Config) { c.Telegram.GroupLog = "@chan" }, "telegram.group_log"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := valid()
			tc.mut(c)
			err := Validate(c)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	old := &Config{Telegram: TelegramConfig{Token: "a"}, Ops: OpsConfig{Token: "s1"}}
	nw := &Config{Telegram: TelegramConfig{Token: "b"}, Ops: OpsConfig{Token: "s2"}, Scheduler: SchedulerConfig{Timezone: "UTC"}}

	changed, fields := SummarizeConfigChange(old, nw)
	if !slices.Equal(changed, []string{"ops", "scheduler", "telegram"}) {
		t.Fatalf("changed = %v", changed)
	}
	if len(fields) == 0 {
		t.Fatalf("expected fields")
	}

	if got := RestartRequired(old, nw); !slices.Equal(got, []string{"telegram.token"}) {
		t.Fatalf("restart = %v", got)
	}
	if got, _ := SummarizeConfigChange(nw, nw); len(got) != 0 {
		t.Fatalf("identical configs reported %v", got)
	}
}

func TestManagerLoadAndReload(t *testing.T) {
	p := writeFile(t, "config.yaml", sampleYAML)
	m := NewConfigManager(p)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatalf("Get did not return committed config")
	}

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ok, err := m.Reload(context.Background())
	if err != nil || ok {
		t.Fatalf("unchanged reload = %v, %v", ok, err)
	}

	if err := os.WriteFile(p, []byte(strings.Replace(sampleYAML, "retry_max: 3", "retry_max: 5", 1)), 0o600); err != nil {
		t.Fatal(err)
	}
	ok, err = m.Reload(context.Background())
	if err != nil || !ok {
		t.Fatalf("changed reload = %v, %v", ok, err)
	}
	select {
	case got := <-ch:
		if got.Dispatcher.RetryMax != 5 {
			t.Fatalf("retry_max = %d", got.Dispatcher.RetryMax)
		}
	default:
		t.Fatalf("no config published")
	}

	// An invalid file is rejected and the committed config stays.
	if err := os.WriteFile(p, []byte("telegram:\n  token: \"\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Reload(context.Background()); err == nil {
		t.Fatalf("expected validation error")
	}
	if m.Get().Dispatcher.RetryMax != 5 {
		t.Fatalf("committed config replaced by invalid one")
	}
}

func TestManagerValidatorRejects(t *testing.T) {
	p := writeFile(t, "config.json", `{"telegram":{"token":"x"}}`)
	m := NewConfigManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		if cfg.Ops.Enabled {
			return context.Canceled
		}
		return nil
	})
	if err := os.WriteFile(p, []byte(`{"telegram":{"token":"x"},"ops":{"enabled":true}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Reload(context.Background()); err == nil {
		t.Fatalf("expected validator error")
	}
	if m.Get().Ops.Enabled {
		t.Fatalf("rejected config was committed")
	}
}

func TestPublishKeepsLatest(t *testing.T) {
	m := NewConfigManager("unused.json")
	ch := m.Subscribe(1)
	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b)
	if got := <-ch; got != b {
		t.Fatalf("subscriber received stale config")
	}
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatalf("channel not closed by Unsubscribe")
	}
}

func TestManagerWatch(t *testing.T) {
	p := writeFile(t, "config.json", `{"telegram":{"token":"x"}}`)
	m := NewConfigManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	ch := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(300 * time.Millisecond)
	defer tick.Stop()
	for {
		// Rewrite until the watcher has picked up the directory.
		if err := os.WriteFile(p, []byte(`{"telegram":{"token":"y"}}`), 0o600); err != nil {
			t.Fatal(err)
		}
		select {
		case got := <-ch:
			if got.Telegram.Token != "y" {
				t.Fatalf("token = %q", got.Telegram.Token)
			}
			return
		case <-tick.C:
		case <-deadline:
			t.Fatalf("watch did not publish the change")
		}
	}
}

func TestDurationOr(t *testing.T) {
	d, err := DurationOr("dispatcher.retry_base", "", 3*time.Second)
	if err != nil || d != 3*time.Second {
		t.Fatalf("default = %v, %v", d, err)
	}
	d, err = DurationOr("dispatcher.retry_base", " 1m ", time.Second)
	if err != nil || d != time.Minute {
		t.Fatalf("parsed = %v, %v", d, err)
	}
	cases := []struct{ key, raw, want string }{
		{"storage.busy_timeout", "soon", "REMINDBOT_STORAGE_BUSY_TIMEOUT"},
		{"scheduler.job_timeout", "-5s", "REMINDBOT_SCHEDULER_JOB_TIMEOUT"},
	}
	for _, tc := range cases {
		_, err := DurationOr(tc.key, tc.raw, time.Second)
		if err == nil || !strings.Contains(err.Error(), tc.key) || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s=%q: err = %v", tc.key, tc.raw, err)
		}
	}
}

func TestEnvKeyMatchesTags(t *testing.T) {
	for key, want := range map[string]string{
		"telegram.send_timeout":      "REMINDBOT_TELEGRAM_SEND_TIMEOUT",
		"logging.telegram.min_level": "REMINDBOT_LOG_TELEGRAM_MIN_LEVEL",
		"ops.idle_timeout":           "REMINDBOT_OPS_IDLE_TIMEOUT",
	} {
		if got := EnvKey(key); got != want {
			t.Fatalf("EnvKey(%q) = %q, want %q", key, got, want)
		}
	}
}
