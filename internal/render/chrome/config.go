package chrome

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v4/mem"

	"github.com/edgecomet/pdfrender/internal/common/config"
)

// Config holds the settings of the shared browser and the render pipeline
type Config struct {
	MaxConcurrency string // "auto" or integer string
	ExecPath       string
	UserAgent      string

	// StepTimeout bounds navigation, evaluation and printing
	StepTimeout time.Duration
	// ContentWait is a soft wait for the primary content selector
	ContentWait time.Duration
	// QuietWindow and QuietMax drive the DOM mutation quiescence wait
	QuietWindow time.Duration
	QuietMax    time.Duration
	// ImageWait bounds the wait for images after scrolling
	ImageWait time.Duration

	BlockedPatterns []string
	ResolveHosts    bool
}

// NewConfigFromYAML converts the worker's chrome section
func NewConfigFromYAML(c config.ChromeConfig) *Config {
	return &Config{
		MaxConcurrency:  c.MaxConcurrency,
		ExecPath:        c.ExecPath,
		UserAgent:       c.UserAgent,
		StepTimeout:     c.StepTimeout.ToDuration(),
		ContentWait:     c.ContentWait.ToDuration(),
		QuietWindow:     c.QuietWindow.ToDuration(),
		QuietMax:        c.QuietMax.ToDuration(),
		ImageWait:       c.ImageWait.ToDuration(),
		BlockedPatterns: c.BlockedPatterns,
		ResolveHosts:    c.ResolveHostsEnabled(),
	}
}

// DefaultConfig is used in tests to avoid constructing full Config structs
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrency: "2",
		UserAgent:      config.DefaultUserAgent,
		StepTimeout:    120 * time.Second,
		ContentWait:    10 * time.Second,
		QuietWindow:    1500 * time.Millisecond,
		QuietMax:       10 * time.Second,
		ImageWait:      10 * time.Second,
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.MaxConcurrency != "auto" {
		n, err := strconv.Atoi(c.MaxConcurrency)
		if err != nil {
			return fmt.Errorf("max concurrency must be 'auto' or valid integer")
		}
		if n <= 0 {
			return fmt.Errorf("max concurrency must be positive")
		}
	}

	if c.StepTimeout <= 0 {
		return fmt.Errorf("step timeout must be positive")
	}

	if c.QuietWindow <= 0 || c.QuietMax < c.QuietWindow {
		return fmt.Errorf("quiet window must be positive and not exceed quiet max")
	}

	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}

	return nil
}

// CalculateMaxConcurrency resolves the render slot count.
// "auto" uses (Total RAM - 2GB) / 500MB per concurrent tab.
func (c *Config) CalculateMaxConcurrency() int {
	if c.MaxConcurrency == "auto" {
		return autoConcurrency()
	}

	n, err := strconv.Atoi(c.MaxConcurrency)
	if err != nil || n <= 0 {
		return autoConcurrency()
	}

	return n
}

func autoConcurrency() int {
	v, err := mem.VirtualMemory()
	var totalRAMBytes int64

	if err != nil {
		// conservative guess when memory can't be read
		totalRAMBytes = int64(8 * 1024 * 1024 * 1024)
	} else {
		totalRAMBytes = int64(v.Total)
	}

	reservedBytes := int64(2 * 1024 * 1024 * 1024)
	tabBytes := int64(500 * 1024 * 1024)

	n := int((totalRAMBytes - reservedBytes) / tabBytes)

	if n < 2 {
		n = 2
	}
	if n > 50 {
		n = 50
	}

	return n
}
