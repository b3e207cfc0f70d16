package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"detectorpoll/internal/job"
)

const jsonConfig = `{
  "logging": {"level": "debug", "console": true},
  "server": {"enabled": true, "addr": "127.0.0.1:9090", "token": "s3cret"},
  "storage": {"driver": "memory", "tail": 50},
  "scheduler": {"default_timeout": "3s", "autostart": true},
  "retention": {"enabled": true, "schedule": "@every 1h", "max_age": "72h"},
  "jobs": [
    {"id": "card", "endpoint": "https://fraud.local/score", "template": "{\"n\":{{iteration}}}",
     "delay": "500ms", "max_iterations": 10, "active": true},
    {"id": "iban", "endpoint": "http://fraud.local/iban", "template": "{}", "delay": "0s", "max_iterations": -1}
  ]
}`

const yamlConfig = `
logging:
  level: debug
  console: true
server:
  enabled: true
  addr: 127.0.0.1:9090
  token: s3cret
storage:
  driver: memory
  tail: 50
scheduler:
  default_timeout: 3s
  autostart: true
retention:
  enabled: true
  schedule: "@every 1h"
  max_age: 72h
jobs:
  - id: card
    endpoint: https://fraud.local/score
    template: '{"n":{{iteration}}}'
    delay: 500ms
    max_iterations: 10
    active: true
  - id: iban
    endpoint: http://fraud.local/iban
    template: '{}'
    delay: 0s
    max_iterations: -1
`

const tomlConfig = `
[logging]
level = "debug"
console = true

[server]
enabled = true
addr = "127.0.0.1:9090"
token = "s3cret"

[storage]
driver = "memory"
tail = 50

[scheduler]
default_timeout = "3s"
autostart = true

[retention]
enabled = true
schedule = "@every 1h"
max_age = "72h"

[[jobs]]
id = "card"
endpoint = "https://fraud.local/score"
template = '{"n":{{iteration}}}'
delay = "500ms"
max_iterations = 10
active = true

[[jobs]]
id = "iban"
endpoint = "http://fraud.local/iban"
template = '{}'
delay = "0s"
max_iterations = -1
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestParseFormatsAgree(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		file string
		body string
	}{
		{name: "json", file: "c.json", body: jsonConfig},
		{name: "yaml", file: "c.yaml", body: yamlConfig},
		{name: "toml", file: "c.toml", body: tomlConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			m := NewConfigManager(writeFile(t, dir, tt.file, tt.body))
			cfg, err := m.Load()
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if cfg.Logging.Level != "debug" || !cfg.Server.Enabled || cfg.Storage == nil || cfg.Storage.Tail != 50 {
				t.Fatalf("unexpected sections: %+v", cfg)
			}
			if len(cfg.Jobs) != 2 || cfg.Jobs[1].MaxIterations != job.Unbounded {
				t.Fatalf("jobs = %+v", cfg.Jobs)
			}
			spec, err := cfg.Jobs[0].ToSpec(m.Dir())
			if err != nil {
				t.Fatalf("ToSpec: %v", err)
			}
			if spec.Delay != 500*time.Millisecond || spec.MaxIterations != 10 || spec.Template != `{"n":{{iteration}}}` {
				t.Fatalf("spec = %+v", spec)
			}
			if m.Get() != cfg {
				t.Fatalf("Load did not commit")
			}
		})
	}
}

func TestParseRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()
	if _, err := ParseBytes("c.json", []byte(`{"logging":{"lvl":"info"}}`)); err == nil {
		t.Fatal("expected unknown field error")
	}
	if _, err := ParseBytes("c.json", []byte(`{} {}`)); err == nil {
		t.Fatal("expected trailing data error")
	}
	if _, err := ParseBytes("c.yaml", []byte("jobs: [\n")); err == nil {
		t.Fatal("expected yaml syntax error")
	}
	if _, err := ParseBytes("c.toml", []byte("[jobs\n")); err == nil {
		t.Fatal("expected toml syntax error")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	good := func() *Config {
		cfg, err := ParseBytes("c.json", []byte(jsonConfig))
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		return cfg
	}
	if err := good().Validate(""); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{name: "level", mutate: func(c *Config) { c.Logging.Level = "loud" }, want: "logging.level"},
		{name: "driver", mutate: func(c *Config) { c.Storage.Driver = "postgres" }, want: "storage.driver"},
		{name: "timeout", mutate: func(c *Config) { c.Scheduler.DefaultTimeout = "soon" }, want: "scheduler.default_timeout"},
		{name: "retention", mutate: func(c *Config) { c.Retention.MaxAge = "" }, want: "max_age"},
		{name: "schedule", mutate: func(c *Config) { c.Retention.Schedule = "whenever" }, want: "schedule"},
		{name: "dup", mutate: func(c *Config) { c.Jobs[1].ID = "card" }, want: "duplicate"},
		{name: "endpoint", mutate: func(c *Config) { c.Jobs[0].Endpoint = "ftp://x" }, want: "scheme"},
		{name: "delay", mutate: func(c *Config) { c.Jobs[0].Delay = "-1s" }, want: "delay"},
		{name: "empty id", mutate: func(c *Config) { c.Jobs[0].ID = " " }, want: "id is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := good()
			tt.mutate(cfg)
			err := cfg.Validate("")
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestToSpecTemplateFileAndTokenEnv(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "body.json", `{"iban":"{{iban}}"}`)
	t.Setenv("DETECTORPOLL_TEST_TOKEN", " tok ")

	j := JobConfig{
		ID:             "f",
		Endpoint:       "https://fraud.local/score",
		TemplateFile:   "body.json",
		BearerTokenEnv: "DETECTORPOLL_TEST_TOKEN",
		Delay:          "1s",
	}
	spec, err := j.ToSpec(dir)
	if err != nil {
		t.Fatalf("ToSpec: %v", err)
	}
	if spec.Template != `{"iban":"{{iban}}"}` || spec.BearerToken != "tok" {
		t.Fatalf("spec = %+v", spec)
	}

	j.Template = "{}"
	if _, err := j.ToSpec(dir); err == nil {
		t.Fatal("expected template/template_file conflict")
	}
	j.Template, j.TemplateFile = "", "missing.json"
	if _, err := j.ToSpec(dir); err == nil {
		t.Fatal("expected missing template file error")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg, _ := ParseBytes("c.json", []byte(jsonConfig))
	newCfg, _ := ParseBytes("c.json", []byte(jsonConfig))

	changed, _, jobs := SummarizeConfigChange(oldCfg, newCfg)
	if len(changed) != 0 || len(jobs) != 0 {
		t.Fatalf("identical configs reported changes: %v %v", changed, jobs)
	}

	newCfg.Logging.Level = "info"
	newCfg.Server.Token = "rotated"
	newCfg.Jobs[0].Delay = "2s"
	newCfg.Jobs = append(newCfg.Jobs, JobConfig{ID: "new", Endpoint: "http://x", Delay: "1s"})

	changed, attrs, jobs := SummarizeConfigChange(oldCfg, newCfg)
	want := []string{"jobs", "logging", "server"}
	if strings.Join(changed, ",") != strings.Join(want, ",") {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	if strings.Join(jobs, ",") != "card,new" {
		t.Fatalf("jobs = %v", jobs)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}
}

func TestPublishKeepsNewest(t *testing.T) {
	t.Parallel()
	m := NewConfigManager("unused.json")
	ch := m.Subscribe(1)
	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b)
	if got := <-ch; got != b {
		t.Fatal("slow subscriber should see the newest config")
	}
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
}

func TestWatchPublishesValidReload(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeFile(t, dir, "c.json", jsonConfig)
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()

	// Give the watcher a moment to register before writing.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, dir, "c.json", `{"logging":{"level":"loud"}}`)
	time.Sleep(500 * time.Millisecond)
	writeFile(t, dir, "c.json", strings.Replace(jsonConfig, `"debug"`, `"warn"`, 1))

	select {
	case cfg := <-ch:
		if cfg.Logging.Level != "warn" {
			t.Fatalf("published level = %q, invalid config leaked through", cfg.Logging.Level)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload published")
	}
	if m.Get().Logging.Level != "warn" {
		t.Fatal("reload not committed")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
