package config

import (
	"fmt"
	"time"

	"github.com/edgecomet/pdfrender/internal/common/configtypes"
	"github.com/edgecomet/pdfrender/pkg/types"
)

// APIConfig configures the pdf-api process
type APIConfig struct {
	Server    APIServerConfig           `yaml:"server"`
	Redis     configtypes.RedisConfig   `yaml:"redis"`
	Queue     configtypes.QueueConfig   `yaml:"queue"`
	Storage   configtypes.StorageConfig `yaml:"storage"`
	Cleanup   configtypes.CleanupConfig `yaml:"cleanup"`
	RateLimit RateLimitConfig           `yaml:"rate_limit"`
	Admin     AdminConfig               `yaml:"admin"`
	Status    StatusConfig              `yaml:"status"`
	Log       configtypes.LogConfig     `yaml:"log"`
	Metrics   configtypes.MetricsConfig `yaml:"metrics"`
}

type APIServerConfig struct {
	Listen  string                `yaml:"listen"`
	Timeout types.Duration        `yaml:"timeout"`
	TLS     configtypes.TLSConfig `yaml:"tls"`
}

// RateLimitConfig caps conversion requests per client IP
type RateLimitConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Requests int            `yaml:"requests"`
	Window   types.Duration `yaml:"window"`

	// TrustedHeaders name proxy headers (e.g. X-Forwarded-For) that carry
	// the client IP. Empty means the connection address is used.
	TrustedHeaders []string `yaml:"trusted_headers,omitempty"`
}

// AdminConfig protects the queue inspection endpoint with basic auth.
// The endpoint is disabled when either credential is empty.
type AdminConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Enabled reports whether admin credentials are configured
func (a AdminConfig) Enabled() bool {
	return a.Username != "" && a.Password != ""
}

// StatusConfig tunes the status stream
type StatusConfig struct {
	Interval  types.Duration `yaml:"interval"`
	MaxCycles int            `yaml:"max_cycles"`
	// Heartbeat is how often an idle stream writes a comment line so a
	// closed connection is noticed between state changes
	Heartbeat types.Duration `yaml:"heartbeat"`
}

// LoadAPIConfig reads, defaults and validates the API config file
func LoadAPIConfig(path string) (*APIConfig, error) {
	var cfg APIConfig
	if err := readStrict(path, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func (cfg *APIConfig) applyDefaults() {
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":3000"
	}
	if cfg.Server.Timeout == 0 {
		cfg.Server.Timeout = types.Duration(30 * time.Second)
	}

	applyQueueDefaults(&cfg.Queue)
	applyStorageDefaults(&cfg.Storage)
	applyLogDefaults(&cfg.Log)
	applyMetricsDefaults(&cfg.Metrics, "pdfapi")

	if cfg.Cleanup.Interval == 0 {
		cfg.Cleanup.Interval = types.Duration(time.Hour)
	}
	if cfg.Cleanup.MaxAge == 0 {
		cfg.Cleanup.MaxAge = types.Duration(time.Hour)
	}

	if cfg.RateLimit.Requests == 0 {
		cfg.RateLimit.Requests = 10
	}
	if cfg.RateLimit.Window == 0 {
		cfg.RateLimit.Window = types.Duration(15 * time.Minute)
	}

	if cfg.Status.Interval == 0 {
		cfg.Status.Interval = types.Duration(2 * time.Second)
	}
	if cfg.Status.MaxCycles == 0 {
		cfg.Status.MaxCycles = 300
	}
	if cfg.Status.Heartbeat == 0 {
		cfg.Status.Heartbeat = types.Duration(15 * time.Second)
	}
}

// Validate checks configuration validity
func (cfg *APIConfig) Validate() error {
	if err := configtypes.ValidateListenAddress(cfg.Server.Listen); err != nil {
		return fmt.Errorf("invalid server.listen: %w", err)
	}
	if cfg.Server.Timeout <= 0 {
		return fmt.Errorf("server.timeout must be positive")
	}
	if err := validateTLS(cfg.Server.TLS, cfg.Server.Listen); err != nil {
		return err
	}

	if err := validateRedis(cfg.Redis); err != nil {
		return err
	}
	if err := validateQueue(cfg.Queue); err != nil {
		return err
	}
	if err := validateStorage(cfg.Storage); err != nil {
		return err
	}

	if cfg.Cleanup.Enabled {
		if cfg.Cleanup.Interval <= 0 {
			return fmt.Errorf("cleanup.interval must be positive")
		}
		if cfg.Cleanup.MaxAge <= 0 {
			return fmt.Errorf("cleanup.max_age must be positive")
		}
	}

	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.Requests < 1 {
			return fmt.Errorf("rate_limit.requests must be >= 1")
		}
		if cfg.RateLimit.Window <= 0 {
			return fmt.Errorf("rate_limit.window must be positive")
		}
	}

	if (cfg.Admin.Username == "") != (cfg.Admin.Password == "") {
		return fmt.Errorf("admin.username and admin.password must be set together")
	}

	if cfg.Status.Interval <= 0 {
		return fmt.Errorf("status.interval must be positive")
	}
	if cfg.Status.MaxCycles < 1 {
		return fmt.Errorf("status.max_cycles must be >= 1")
	}
	if cfg.Status.Heartbeat <= 0 {
		return fmt.Errorf("status.heartbeat must be positive")
	}

	if err := validateLog(cfg.Log); err != nil {
		return err
	}
	return validateMetrics(cfg.Metrics, cfg.Server.Listen)
}

func validateTLS(t configtypes.TLSConfig, serverListen string) error {
	if !t.Enabled {
		return nil
	}
	if err := configtypes.ValidateListenAddress(t.Listen); err != nil {
		return fmt.Errorf("invalid server.tls.listen: %w", err)
	}
	if t.CertFile == "" || t.KeyFile == "" {
		return fmt.Errorf("server.tls.cert_file and server.tls.key_file are required when TLS is enabled")
	}
	tlsPort, err1 := configtypes.GetPortFromListen(t.Listen)
	serverPort, err2 := configtypes.GetPortFromListen(serverListen)
	if err1 == nil && err2 == nil && tlsPort == serverPort {
		return fmt.Errorf("server.tls.listen port (%d) must differ from server.listen port", tlsPort)
	}
	return nil
}
