// Package build writes candidate test files into the project, drives the
// native build and coverage tooling, and classifies build failures.
package build

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Options configures a build Runner.
type Options struct {
	ProjectDir       string
	BuildDir         string
	TestsDir         string
	TestPrefix       string
	ConfigureCommand string
	BuildCommand     string
	TargetTemplate   string
	Timeout          time.Duration
}

// Snapshot is the test text to build for a unit.
type Snapshot struct {
	Unit string
	Text string
}

// Result holds the structured output of a build.
type Result struct {
	Unit       string `json:"unit"`
	TestFile   string `json:"test_file"`
	Target     string `json:"target"`
	Passed     bool   `json:"passed"`
	TimedOut   bool   `json:"timed_out"`
	ExitCode   int    `json:"exit_code"`
	DurationMs int    `json:"duration_ms"`
	Output     string `json:"output,omitempty"` // untruncated; callers cap what they keep
}

// Runner builds one candidate test file at a time.
type Runner struct {
	cmd  CommandRunner
	opts Options
}

// NewRunner creates a Runner with the given command runner.
func NewRunner(cmd CommandRunner, opts Options) *Runner {
	if opts.TestPrefix == "" {
		opts.TestPrefix = "test_"
	}
	if opts.TargetTemplate == "" {
		opts.TargetTemplate = "{{test_name}}"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Minute
	}
	return &Runner{cmd: cmd, opts: opts}
}

// TestName is the flattened test file name for unit, e.g. "src/net/conn.cc"
// becomes "test_src_net_conn.cc".
func (r *Runner) TestName(unit string) string {
	flat := strings.ReplaceAll(filepath.ToSlash(unit), "/", "_")
	return r.opts.TestPrefix + flat
}

// TestFile is where unit's candidate is written.
func (r *Runner) TestFile(unit string) string {
	return filepath.Join(r.opts.TestsDir, r.TestName(unit))
}

// Target is the build target name for unit.
func (r *Runner) Target(unit string) string {
	name := r.TestName(unit)
	return Substitute(r.opts.TargetTemplate, map[string]string{
		"test_name": strings.TrimSuffix(name, filepath.Ext(name)),
	})
}

func (r *Runner) vars(unit string) map[string]string {
	return map[string]string{
		"project_dir": r.opts.ProjectDir,
		"build_dir":   r.opts.BuildDir,
		"tests_dir":   r.opts.TestsDir,
		"target":      r.Target(unit),
		"test_file":   r.TestFile(unit),
	}
}

// Build writes snap to the unit's test file and runs the configure and build
// commands in the build dir. A failed or timed-out build is a Result with
// Passed=false, not an error; errors are reserved for the runner itself
// failing (cannot write, cannot exec, caller cancelled).
func (r *Runner) Build(ctx context.Context, snap Snapshot) (*Result, error) {
	if strings.TrimSpace(snap.Text) == "" {
		return nil, errors.New("empty test text")
	}
	testFile := r.TestFile(snap.Unit)
	if err := os.MkdirAll(r.opts.TestsDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir tests dir: %w", err)
	}
	if err := os.WriteFile(testFile, []byte(snap.Text), 0o644); err != nil {
		return nil, fmt.Errorf("write test file: %w", err)
	}
	if err := os.MkdirAll(r.opts.BuildDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir build dir: %w", err)
	}

	res := &Result{Unit: snap.Unit, TestFile: testFile, Target: r.Target(snap.Unit)}
	start := time.Now()
	defer func() { res.DurationMs = int(time.Since(start).Milliseconds()) }()

	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	vars := r.vars(snap.Unit)
	var output []string
	for _, tmpl := range []string{r.opts.ConfigureCommand, r.opts.BuildCommand} {
		if tmpl == "" {
			continue
		}
		stdout, stderr, exitCode, err := r.cmd.Run(ctx, r.opts.BuildDir, Substitute(tmpl, vars))
		output = append(output, combine(stdout, stderr))
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
				res.TimedOut = true
				res.ExitCode = -1
				output = append(output, fmt.Sprintf("build timed out after %s", r.opts.Timeout))
				res.Output = strings.Join(output, "\n")
				return res, nil
			}
			return nil, fmt.Errorf("run %q: %w", tmpl, err)
		}
		if exitCode != 0 {
			res.ExitCode = exitCode
			res.Output = strings.Join(output, "\n")
			return res, nil
		}
	}

	res.Passed = true
	res.Output = strings.Join(output, "\n")
	return res, nil
}

// Discard removes unit's test file so a failed candidate does not break the
// build for other units. Missing files are not an error.
func (r *Runner) Discard(unit string) error {
	err := os.Remove(r.TestFile(unit))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("discard test file: %w", err)
	}
	return nil
}
