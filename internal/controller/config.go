package controller

import (
	"fmt"
	"time"
)

// Config holds the controller's budgets and limits. A Controller copies it
// at construction; changing the caller's value afterwards has no effect.
type Config struct {
	// MaxGenerateRetries is how many times an unusable generation is
	// retried. One generation request is always made.
	MaxGenerateRetries int
	// MaxRepairRetries is the repair budget per unit and also the number
	// of repair requests made for one diagnostic before giving up.
	MaxRepairRetries int
	// Parallelism bounds how many units are processed at once.
	Parallelism int
	// RequiredMarkers must appear in a completion for it to count as a
	// test file (e.g. "TEST"). Empty accepts any non-empty text.
	RequiredMarkers []string
	// Framework is named in prompts.
	Framework string
	// IncludeSource adds the unit's source to refine and repair prompts.
	IncludeSource bool
	// MaxDiagnosticBytes caps the build output kept on a diagnostic. Zero
	// keeps everything.
	MaxDiagnosticBytes int
	// Per-call caps. Each collaborator call runs on a context detached from
	// run cancellation and bounded by these.
	CompletionTimeout time.Duration
	BuildTimeout      time.Duration
	CoverageTimeout   time.Duration
}

// DefaultConfig returns the defaults used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		MaxGenerateRetries: 2,
		MaxRepairRetries:   4,
		Parallelism:        2,
		RequiredMarkers:    []string{"TEST"},
		Framework:          "GoogleTest",
		IncludeSource:      true,
		MaxDiagnosticBytes: 8000,
		CompletionTimeout:  5 * time.Minute,
		BuildTimeout:       15 * time.Minute,
		CoverageTimeout:    15 * time.Minute,
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if c.MaxGenerateRetries < 0 {
		return fmt.Errorf("max generate retries must be >= 0, got %d", c.MaxGenerateRetries)
	}
	if c.MaxRepairRetries < 0 {
		return fmt.Errorf("max repair retries must be >= 0, got %d", c.MaxRepairRetries)
	}
	if c.MaxDiagnosticBytes < 0 {
		return fmt.Errorf("max diagnostic bytes must be >= 0, got %d", c.MaxDiagnosticBytes)
	}
	if c.Parallelism < 1 {
		return fmt.Errorf("parallelism must be >= 1, got %d", c.Parallelism)
	}
	return nil
}

// withDefaults fills zero durations and names, and copies slices.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Framework == "" {
		c.Framework = d.Framework
	}
	if c.CompletionTimeout <= 0 {
		c.CompletionTimeout = d.CompletionTimeout
	}
	if c.BuildTimeout <= 0 {
		c.BuildTimeout = d.BuildTimeout
	}
	if c.CoverageTimeout <= 0 {
		c.CoverageTimeout = d.CoverageTimeout
	}
	c.RequiredMarkers = append([]string(nil), c.RequiredMarkers...)
	return c
}
