package configtypes

import (
	"github.com/edgecomet/pdfrender/pkg/types"
)

// Log level constants
const (
	LogLevelDebug  = "debug"
	LogLevelInfo   = "info"
	LogLevelWarn   = "warn"
	LogLevelError  = "error"
	LogLevelDPanic = "dpanic"
	LogLevelPanic  = "panic"
	LogLevelFatal  = "fatal"
)

// Log format constants
const (
	LogFormatJSON    = "json"
	LogFormatConsole = "console"
	LogFormatText    = "text"
)

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// QueueConfig is shared by the producer (API) and the consumer (worker)
// so both sides agree on key layout and retry policy.
type QueueConfig struct {
	Name             string         `yaml:"name"`
	MaxAttempts      int            `yaml:"max_attempts"`
	BackoffBase      types.Duration `yaml:"backoff_base"`
	LeaseDuration    types.Duration `yaml:"lease_duration"`
	// MaxStalled is how many times a job may outlive its lease before it
	// is failed instead of requeued. Minimum 1.
	MaxStalled       int            `yaml:"max_stalled"`
	RemoveOnComplete int            `yaml:"remove_on_complete"`
	RemoveOnFail     int            `yaml:"remove_on_fail"`
}

// StorageConfig points at the local artifact directory
type StorageConfig struct {
	BasePath  string `yaml:"base_path"`
	URLPrefix string `yaml:"url_prefix"`
}

// TLSConfig adds an HTTPS listener next to the plain one
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Listen   string `yaml:"listen"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type CleanupConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Interval types.Duration `yaml:"interval"`
	MaxAge   types.Duration `yaml:"max_age"`
}

type LogConfig struct {
	Level   string           `yaml:"level"`
	Console ConsoleLogConfig `yaml:"console"`
	File    FileLogConfig    `yaml:"file"`
}

type ConsoleLogConfig struct {
	Enabled bool   `yaml:"enabled"`
	Format  string `yaml:"format"`
	Level   string `yaml:"level,omitempty"`
}

type FileLogConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Path     string         `yaml:"path"`
	Format   string         `yaml:"format"`
	Level    string         `yaml:"level,omitempty"`
	Rotation RotationConfig `yaml:"rotation"`
}

type RotationConfig struct {
	MaxSize    int  `yaml:"max_size"`
	MaxAge     int  `yaml:"max_age"`
	MaxBackups int  `yaml:"max_backups"`
	Compress   bool `yaml:"compress"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Listen    string `yaml:"listen"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}
