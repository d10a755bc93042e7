package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/edgecomet/pdfrender/internal/common/configtypes"
	"github.com/edgecomet/pdfrender/pkg/pattern"
	"github.com/edgecomet/pdfrender/pkg/types"
)

// DefaultUserAgent is sent by the renderer unless chrome.user_agent overrides it
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36"

// WorkerConfig configures the pdf-worker process
type WorkerConfig struct {
	Worker  WorkerSection             `yaml:"worker"`
	Redis   configtypes.RedisConfig   `yaml:"redis"`
	Queue   configtypes.QueueConfig   `yaml:"queue"`
	Chrome  ChromeConfig              `yaml:"chrome"`
	Storage configtypes.StorageConfig `yaml:"storage"`
	Log     configtypes.LogConfig     `yaml:"log"`
	Metrics configtypes.MetricsConfig `yaml:"metrics"`
}

type WorkerSection struct {
	ID              string         `yaml:"id"`
	Concurrency     int            `yaml:"concurrency"`
	PollInterval    types.Duration `yaml:"poll_interval"`
	ShutdownTimeout types.Duration `yaml:"shutdown_timeout"`
}

// ChromeConfig is the YAML shape of the renderer settings
type ChromeConfig struct {
	// MaxConcurrency is "auto" or a positive integer
	MaxConcurrency  string         `yaml:"max_concurrency"`
	ExecPath        string         `yaml:"exec_path"`
	UserAgent       string         `yaml:"user_agent"`
	StepTimeout     types.Duration `yaml:"step_timeout"`
	ContentWait     types.Duration `yaml:"content_wait"`
	QuietWindow     types.Duration `yaml:"quiet_window"`
	QuietMax        types.Duration `yaml:"quiet_max"`
	ImageWait       types.Duration `yaml:"image_wait"`
	BlockedPatterns []string       `yaml:"blocked_patterns,omitempty"`
	ResolveHosts    *bool          `yaml:"resolve_hosts,omitempty"` // Block hosts resolving to private IPs (default: true)
}

// ResolveHostsEnabled reports whether hostnames are resolved before requests are allowed
func (c ChromeConfig) ResolveHostsEnabled() bool {
	return c.ResolveHosts == nil || *c.ResolveHosts
}

// LoadWorkerConfig reads, defaults and validates the worker config file
func LoadWorkerConfig(path string) (*WorkerConfig, error) {
	var cfg WorkerConfig
	if err := readStrict(path, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func (cfg *WorkerConfig) applyDefaults() {
	if cfg.Worker.ID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "worker"
		}
		cfg.Worker.ID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if cfg.Worker.Concurrency == 0 {
		cfg.Worker.Concurrency = 2
	}
	if cfg.Worker.PollInterval == 0 {
		cfg.Worker.PollInterval = types.Duration(time.Second)
	}
	if cfg.Worker.ShutdownTimeout == 0 {
		cfg.Worker.ShutdownTimeout = types.Duration(30 * time.Second)
	}

	c := &cfg.Chrome
	if c.MaxConcurrency == "" {
		c.MaxConcurrency = "2"
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.StepTimeout == 0 {
		c.StepTimeout = types.Duration(120 * time.Second)
	}
	if c.ContentWait == 0 {
		c.ContentWait = types.Duration(10 * time.Second)
	}
	if c.QuietWindow == 0 {
		c.QuietWindow = types.Duration(1500 * time.Millisecond)
	}
	if c.QuietMax == 0 {
		c.QuietMax = types.Duration(10 * time.Second)
	}
	if c.ImageWait == 0 {
		c.ImageWait = types.Duration(10 * time.Second)
	}
	if c.ResolveHosts == nil {
		resolve := true
		c.ResolveHosts = &resolve
	}

	applyQueueDefaults(&cfg.Queue)
	applyStorageDefaults(&cfg.Storage)
	applyLogDefaults(&cfg.Log)
	applyMetricsDefaults(&cfg.Metrics, "pdfworker")
}

// Validate checks configuration validity
func (cfg *WorkerConfig) Validate() error {
	if cfg.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be >= 1, got %d", cfg.Worker.Concurrency)
	}
	if cfg.Worker.PollInterval <= 0 {
		return fmt.Errorf("worker.poll_interval must be positive")
	}
	if cfg.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker.shutdown_timeout must be positive")
	}

	if err := validateRedis(cfg.Redis); err != nil {
		return err
	}
	if err := validateQueue(cfg.Queue); err != nil {
		return err
	}
	if cfg.Worker.PollInterval >= cfg.Queue.LeaseDuration {
		return fmt.Errorf("worker.poll_interval must be shorter than queue.lease_duration")
	}
	if err := validateStorage(cfg.Storage); err != nil {
		return err
	}

	c := cfg.Chrome
	if c.MaxConcurrency != "auto" {
		n, err := strconv.Atoi(c.MaxConcurrency)
		if err != nil || n <= 0 {
			return fmt.Errorf("chrome.max_concurrency must be 'auto' or positive integer")
		}
	}
	if c.StepTimeout <= 0 {
		return fmt.Errorf("chrome.step_timeout must be positive")
	}
	if c.ContentWait < 0 || c.ImageWait < 0 {
		return fmt.Errorf("chrome.content_wait and chrome.image_wait must be >= 0")
	}
	if c.QuietWindow <= 0 || c.QuietMax < c.QuietWindow {
		return fmt.Errorf("chrome.quiet_window must be positive and not exceed chrome.quiet_max")
	}
	if _, err := pattern.CompileAll(c.BlockedPatterns); err != nil {
		return fmt.Errorf("invalid chrome.blocked_patterns: %w", err)
	}

	if err := validateLog(cfg.Log); err != nil {
		return err
	}
	return validateMetrics(cfg.Metrics, "")
}
