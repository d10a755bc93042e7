package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgecomet/pdfrender/internal/common/configtypes"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadAPIConfig_Defaults(t *testing.T) {
	path := writeConfig(t, "api.yaml", `
redis:
  addr: "localhost:6379"
`)

	cfg, err := LoadAPIConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":3000", cfg.Server.Listen)
	assert.Equal(t, DefaultQueueName, cfg.Queue.Name)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Queue.BackoffBase.ToDuration())
	assert.Equal(t, 60*time.Second, cfg.Queue.LeaseDuration.ToDuration())
	assert.Equal(t, 1, cfg.Queue.MaxStalled)
	assert.Equal(t, 100, cfg.Queue.RemoveOnComplete)
	assert.Equal(t, 500, cfg.Queue.RemoveOnFail)
	assert.Equal(t, "downloads", cfg.Storage.BasePath)
	assert.Equal(t, "/download", cfg.Storage.URLPrefix)
	assert.Equal(t, time.Hour, cfg.Cleanup.Interval.ToDuration())
	assert.Equal(t, time.Hour, cfg.Cleanup.MaxAge.ToDuration())
	assert.Equal(t, 10, cfg.RateLimit.Requests)
	assert.Equal(t, 15*time.Minute, cfg.RateLimit.Window.ToDuration())
	assert.Equal(t, 2*time.Second, cfg.Status.Interval.ToDuration())
	assert.Equal(t, 300, cfg.Status.MaxCycles)
	assert.Equal(t, 15*time.Second, cfg.Status.Heartbeat.ToDuration())
	assert.False(t, cfg.Admin.Enabled())

	assert.True(t, cfg.Log.Console.Enabled)
	assert.Equal(t, configtypes.LogLevelInfo, cfg.Log.Level)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, "pdfapi", cfg.Metrics.Namespace)
}

func TestLoadAPIConfig_Full(t *testing.T) {
	path := writeConfig(t, "api.yaml", `
server:
  listen: "0.0.0.0:8080"
  timeout: 45s
redis:
  addr: "redis:6379"
  password: "secret"
  db: 2
queue:
  name: "pdf-test"
  max_attempts: 5
  backoff_base: 500ms
storage:
  base_path: "/var/lib/pdf"
cleanup:
  enabled: true
  interval: 30m
  max_age: 1d
rate_limit:
  enabled: true
  requests: 20
  window: 1m
admin:
  username: "admin"
  password: "hunter2"
log:
  level: "debug"
  file:
    enabled: true
    path: "/tmp/api.log"
    format: "json"
metrics:
  enabled: true
  listen: ":9100"
`)

	cfg, err := LoadAPIConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.Server.Timeout.ToDuration())
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.Equal(t, "pdf-test", cfg.Queue.Name)
	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Queue.BackoffBase.ToDuration())
	assert.Equal(t, 24*time.Hour, cfg.Cleanup.MaxAge.ToDuration())
	assert.True(t, cfg.Admin.Enabled())
	assert.False(t, cfg.Log.Console.Enabled)
	assert.True(t, cfg.Log.File.Enabled)
}

func TestLoadAPIConfig_Errors(t *testing.T) {
	tests := []struct {
		name        string
		yaml        string
		errContains string
	}{
		{
			name:        "missing redis",
			yaml:        "server:\n  listen: \":3000\"\n",
			errContains: "redis.addr is required",
		},
		{
			name:        "unknown field",
			yaml:        "redis:\n  addr: \"x:1\"\n  adress: \"typo\"\n",
			errContains: "unknown configuration field",
		},
		{
			name:        "half admin credentials",
			yaml:        "redis:\n  addr: \"x:1\"\nadmin:\n  username: \"a\"\n",
			errContains: "must be set together",
		},
		{
			name:        "metrics port collides",
			yaml:        "server:\n  listen: \":3000\"\nredis:\n  addr: \"x:1\"\nmetrics:\n  enabled: true\n  listen: \":3000\"\n",
			errContains: "must differ",
		},
		{
			name:        "bad queue name",
			yaml:        "redis:\n  addr: \"x:1\"\nqueue:\n  name: \"a b\"\n",
			errContains: "invalid queue.name",
		},
		{
			name:        "negative stall limit",
			yaml:        "redis:\n  addr: \"x:1\"\nqueue:\n  max_stalled: -1\n",
			errContains: "queue.max_stalled",
		},
		{
			name:        "bad log level",
			yaml:        "redis:\n  addr: \"x:1\"\nlog:\n  level: \"verbose\"\n",
			errContains: "invalid log.level",
		},
		{
			name:        "tls without certificate",
			yaml:        "redis:\n  addr: \"x:1\"\nserver:\n  tls:\n    enabled: true\n    listen: \":3443\"\n",
			errContains: "cert_file",
		},
		{
			name:        "tls port collides",
			yaml:        "redis:\n  addr: \"x:1\"\nserver:\n  listen: \":3000\"\n  tls:\n    enabled: true\n    listen: \":3000\"\n    cert_file: a.crt\n    key_file: a.key\n",
			errContains: "server.tls.listen port",
		},
		{
			name:        "bad storage prefix",
			yaml:        "redis:\n  addr: \"x:1\"\nstorage:\n  url_prefix: \"download\"\n",
			errContains: "storage.url_prefix",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadAPIConfig(writeConfig(t, "api.yaml", tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errContains)
		})
	}
}

func TestLoadWorkerConfig_Defaults(t *testing.T) {
	path := writeConfig(t, "worker.yaml", `
redis:
  addr: "localhost:6379"
`)

	cfg, err := LoadWorkerConfig(path)
	require.NoError(t, err)

	assert.NotEmpty(t, cfg.Worker.ID)
	assert.Equal(t, 2, cfg.Worker.Concurrency)
	assert.Equal(t, "2", cfg.Chrome.MaxConcurrency)
	assert.Equal(t, DefaultUserAgent, cfg.Chrome.UserAgent)
	assert.Equal(t, 120*time.Second, cfg.Chrome.StepTimeout.ToDuration())
	assert.Equal(t, 10*time.Second, cfg.Chrome.ContentWait.ToDuration())
	assert.Equal(t, 1500*time.Millisecond, cfg.Chrome.QuietWindow.ToDuration())
	assert.Equal(t, 10*time.Second, cfg.Chrome.QuietMax.ToDuration())
	require.NotNil(t, cfg.Chrome.ResolveHosts)
	assert.True(t, cfg.Chrome.ResolveHostsEnabled())
	assert.Equal(t, "pdfworker", cfg.Metrics.Namespace)
}

func TestLoadWorkerConfig_ResolveHostsOptOut(t *testing.T) {
	path := writeConfig(t, "worker.yaml", `
redis:
  addr: "localhost:6379"
chrome:
  resolve_hosts: false
`)

	cfg, err := LoadWorkerConfig(path)
	require.NoError(t, err)
	assert.False(t, cfg.Chrome.ResolveHostsEnabled())
}

func TestChromeConfig_ResolveHostsEnabled(t *testing.T) {
	yes, no := true, false
	assert.True(t, ChromeConfig{}.ResolveHostsEnabled(), "unset means enabled")
	assert.True(t, ChromeConfig{ResolveHosts: &yes}.ResolveHostsEnabled())
	assert.False(t, ChromeConfig{ResolveHosts: &no}.ResolveHostsEnabled())
}

func TestLoadWorkerConfig_Errors(t *testing.T) {
	tests := []struct {
		name        string
		yaml        string
		errContains string
	}{
		{
			name:        "bad max concurrency",
			yaml:        "redis:\n  addr: \"x:1\"\nchrome:\n  max_concurrency: \"many\"\n",
			errContains: "chrome.max_concurrency",
		},
		{
			name:        "negative worker concurrency",
			yaml:        "redis:\n  addr: \"x:1\"\nworker:\n  concurrency: -1\n",
			errContains: "worker.concurrency",
		},
		{
			name:        "quiet window above max",
			yaml:        "redis:\n  addr: \"x:1\"\nchrome:\n  quiet_window: 20s\n  quiet_max: 5s\n",
			errContains: "chrome.quiet_window",
		},
		{
			name:        "invalid blocked pattern",
			yaml:        "redis:\n  addr: \"x:1\"\nchrome:\n  blocked_patterns: [\"~[oops\"]\n",
			errContains: "chrome.blocked_patterns",
		},
		{
			name:        "poll slower than lease",
			yaml:        "redis:\n  addr: \"x:1\"\nworker:\n  poll_interval: 2m\n",
			errContains: "worker.poll_interval",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadWorkerConfig(writeConfig(t, "worker.yaml", tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errContains)
		})
	}
}

func TestGetConfigPath(t *testing.T) {
	path := writeConfig(t, "x.yaml", "redis: {}\n")

	abs, err := GetConfigPath(path)
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(abs))

	_, err = GetConfigPath("")
	require.Error(t, err)

	_, err = GetConfigPath(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}

func TestShippedConfigs(t *testing.T) {
	apiCfg, err := LoadAPIConfig(filepath.Join("..", "..", "..", "configs", "pdf-api.yaml"))
	require.NoError(t, err)
	assert.Equal(t, []string{"X-Forwarded-For"}, apiCfg.RateLimit.TrustedHeaders)
	assert.False(t, apiCfg.Admin.Enabled())

	workerCfg, err := LoadWorkerConfig(filepath.Join("..", "..", "..", "configs", "pdf-worker.yaml"))
	require.NoError(t, err)
	assert.Equal(t, apiCfg.Queue, workerCfg.Queue)
	assert.Equal(t, 1500*time.Millisecond, workerCfg.Chrome.QuietWindow.ToDuration())
	assert.NotEmpty(t, workerCfg.Worker.ID)
}
