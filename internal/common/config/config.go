package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/edgecomet/pdfrender/internal/common/configtypes"
	"github.com/edgecomet/pdfrender/internal/common/yamlutil"
	"github.com/edgecomet/pdfrender/pkg/types"
)

// Queue defaults
const (
	DefaultQueueName        = "pdf-conversion"
	DefaultMaxAttempts      = 3
	DefaultBackoffBase      = time.Second
	DefaultLeaseDuration    = 60 * time.Second
	DefaultMaxStalled       = 1
	DefaultRemoveOnComplete = 100
	DefaultRemoveOnFail     = 500
)

var (
	namespaceRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	queueNameRe = regexp.MustCompile(`^[a-zA-Z0-9_\-]+$`)
)

// GetConfigPath resolves the config file path
func GetConfigPath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("config path cannot be empty")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path: %w", err)
	}

	if _, err := os.Stat(absPath); os.IsNotExist(err) {
		return "", fmt.Errorf("config file does not exist: %s", absPath)
	}

	return absPath, nil
}

func readStrict(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	if err := yamlutil.UnmarshalStrict(data, v); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

func applyLogDefaults(log *configtypes.LogConfig) {
	// both outputs off means the section was omitted
	if !log.Console.Enabled && !log.File.Enabled {
		log.Console.Enabled = true
	}
	if log.Level == "" {
		log.Level = configtypes.LogLevelInfo
	}
	if log.Console.Format == "" {
		log.Console.Format = configtypes.LogFormatConsole
	}
	if log.File.Format == "" {
		log.File.Format = configtypes.LogFormatText
	}
}

func applyQueueDefaults(q *configtypes.QueueConfig) {
	if q.Name == "" {
		q.Name = DefaultQueueName
	}
	if q.MaxAttempts == 0 {
		q.MaxAttempts = DefaultMaxAttempts
	}
	if q.BackoffBase == 0 {
		q.BackoffBase = types.Duration(DefaultBackoffBase)
	}
	if q.LeaseDuration == 0 {
		q.LeaseDuration = types.Duration(DefaultLeaseDuration)
	}
	if q.MaxStalled == 0 {
		q.MaxStalled = DefaultMaxStalled
	}
	if q.RemoveOnComplete == 0 {
		q.RemoveOnComplete = DefaultRemoveOnComplete
	}
	if q.RemoveOnFail == 0 {
		q.RemoveOnFail = DefaultRemoveOnFail
	}
}

func applyStorageDefaults(s *configtypes.StorageConfig) {
	if s.BasePath == "" {
		s.BasePath = "downloads"
	}
	if s.URLPrefix == "" {
		s.URLPrefix = "/download"
	}
}

func validateRedis(r configtypes.RedisConfig) error {
	if r.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if r.DB < 0 {
		return fmt.Errorf("redis.db must be >= 0, got %d", r.DB)
	}
	return nil
}

func validateQueue(q configtypes.QueueConfig) error {
	if !queueNameRe.MatchString(q.Name) {
		return fmt.Errorf("invalid queue.name: %q (letters, digits, '-' and '_' only)", q.Name)
	}
	if q.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be >= 1, got %d", q.MaxAttempts)
	}
	if q.BackoffBase <= 0 {
		return fmt.Errorf("queue.backoff_base must be positive")
	}
	if q.LeaseDuration < types.Duration(time.Second) {
		return fmt.Errorf("queue.lease_duration must be at least 1s")
	}
	if q.MaxStalled < 1 {
		return fmt.Errorf("queue.max_stalled must be >= 1, got %d", q.MaxStalled)
	}
	if q.RemoveOnComplete < 0 || q.RemoveOnFail < 0 {
		return fmt.Errorf("queue.remove_on_complete and queue.remove_on_fail must be >= 0")
	}
	return nil
}

func validateStorage(s configtypes.StorageConfig) error {
	if s.BasePath == "" {
		return fmt.Errorf("storage.base_path is required")
	}
	if !strings.HasPrefix(s.URLPrefix, "/") {
		return fmt.Errorf("invalid storage.url_prefix: %s (must start with /)", s.URLPrefix)
	}
	return nil
}

func validateLog(log configtypes.LogConfig) error {
	validLogLevels := map[string]bool{
		configtypes.LogLevelDebug:  true,
		configtypes.LogLevelInfo:   true,
		configtypes.LogLevelWarn:   true,
		configtypes.LogLevelError:  true,
		configtypes.LogLevelDPanic: true,
		configtypes.LogLevelPanic:  true,
		configtypes.LogLevelFatal:  true,
	}
	if !validLogLevels[log.Level] {
		return fmt.Errorf("invalid log.level: %s (must be debug, info, warn, error, dpanic, panic, or fatal)", log.Level)
	}

	if log.Console.Enabled && log.Console.Format != configtypes.LogFormatJSON && log.Console.Format != configtypes.LogFormatConsole {
		return fmt.Errorf("invalid log.console.format: %s (must be json or console)", log.Console.Format)
	}

	if log.File.Enabled {
		if log.File.Path == "" {
			return fmt.Errorf("log.file.path must be specified when file logging is enabled")
		}
		if log.File.Format != configtypes.LogFormatJSON && log.File.Format != configtypes.LogFormatText {
			return fmt.Errorf("invalid log.file.format: %s (must be json or text)", log.File.Format)
		}
		r := log.File.Rotation
		if r.MaxSize < 0 || r.MaxAge < 0 || r.MaxBackups < 0 {
			return fmt.Errorf("log.file.rotation values must be >= 0")
		}
	}

	return nil
}

// validateMetrics also rejects a metrics port that collides with serverListen
func validateMetrics(m configtypes.MetricsConfig, serverListen string) error {
	if m.Enabled {
		if err := configtypes.ValidateListenAddress(m.Listen); err != nil {
			return fmt.Errorf("invalid metrics.listen: %w", err)
		}

		if serverListen != "" {
			metricsPort, err1 := configtypes.GetPortFromListen(m.Listen)
			serverPort, err2 := configtypes.GetPortFromListen(serverListen)
			if err1 == nil && err2 == nil && metricsPort == serverPort {
				return fmt.Errorf("metrics.listen port (%d) must differ from server.listen port (%d) when metrics enabled", metricsPort, serverPort)
			}
		}
	}

	if m.Path != "" && !strings.HasPrefix(m.Path, "/") {
		return fmt.Errorf("invalid metrics.path: %s (must start with /)", m.Path)
	}

	if m.Namespace != "" && !namespaceRe.MatchString(m.Namespace) {
		return fmt.Errorf("invalid metrics.namespace: %s (must match [a-zA-Z_][a-zA-Z0-9_]*)", m.Namespace)
	}

	return nil
}

func applyMetricsDefaults(m *configtypes.MetricsConfig, namespace string) {
	if m.Path == "" {
		m.Path = "/metrics"
	}
	if m.Namespace == "" {
		m.Namespace = namespace
	}
}
