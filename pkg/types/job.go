package types

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DefaultWidth is the viewport width used when a request does not set one
const DefaultWidth = "1080px"

var widthRe = regexp.MustCompile(`^\d+px$`)

// RenderOptions controls how a document is laid out before export
type RenderOptions struct {
	Width         string `json:"width"`
	IncludeBanner bool   `json:"includeBanner"`
	IncludeTitle  bool   `json:"includeTitle"`
	IncludeTags   bool   `json:"includeTags"`
}

// WithDefaults fills unset fields
func (o RenderOptions) WithDefaults() RenderOptions {
	if strings.TrimSpace(o.Width) == "" {
		o.Width = DefaultWidth
	}
	return o
}

// Validate checks the width format
func (o RenderOptions) Validate() error {
	if !widthRe.MatchString(o.Width) {
		return fmt.Errorf("width must be a pixel value like %q, got %q", DefaultWidth, o.Width)
	}
	if o.WidthPixels() <= 0 {
		return fmt.Errorf("width must be positive, got %q", o.Width)
	}
	return nil
}

// WidthPixels returns the numeric part of Width, or 0 when it is malformed
func (o RenderOptions) WidthPixels() int {
	n, err := strconv.Atoi(strings.TrimSuffix(o.Width, "px"))
	if err != nil {
		return 0
	}
	return n
}

// JobState is the lifecycle state of a queued job. A job backing off between
// attempts stays in waiting with RetryAt set.
type JobState string

const (
	JobStateWaiting   JobState = "waiting"
	JobStateActive    JobState = "active"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
)

// Terminal reports whether no further transition can happen
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// Valid reports whether s is a known state
func (s JobState) Valid() bool {
	switch s {
	case JobStateWaiting, JobStateActive, JobStateCompleted, JobStateFailed:
		return true
	}
	return false
}

// JobResult is the outcome of a successful render
type JobResult struct {
	DownloadURL string `json:"downloadUrl"`
	FileName    string `json:"fileName"`
}

// Job is the persistent record of a conversion request
type Job struct {
	ID           string        `json:"id"`
	TargetURL    string        `json:"url"`
	Options      RenderOptions `json:"options"`
	State        JobState      `json:"state"`
	AttemptsMade int           `json:"attemptsMade"`
	MaxAttempts  int           `json:"maxAttempts"`
	StalledCount int           `json:"stalledCount,omitempty"`
	Result       *JobResult    `json:"result,omitempty"`
	FailedReason string        `json:"failedReason,omitempty"`
	EnqueuedAt   time.Time     `json:"enqueuedAt"`
	ProcessedAt  time.Time     `json:"processedAt,omitzero"`
	FinishedAt   time.Time     `json:"finishedAt,omitzero"`
	RetryAt      time.Time     `json:"retryAt,omitzero"`
	LeaseOwner   string        `json:"-"`
	LeaseToken   string        `json:"-"`
	LeaseUntil   time.Time     `json:"-"`
}
