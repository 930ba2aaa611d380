package build

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lucasnoah/testfactory/internal/candidate"
)

// CoverageOptions configures a CoverageRunner.
type CoverageOptions struct {
	BuildDir       string
	TestCommand    string
	CaptureCommand string
	HTMLCommand    string
	Tracefile      string
	HTMLDir        string
	Timeout        time.Duration
	MaxOutputBytes int
}

// CoverageRunner runs a built test target and summarises line coverage.
type CoverageRunner struct {
	cmd  CommandRunner
	opts CoverageOptions
}

// NewCoverageRunner creates a CoverageRunner with the given command runner.
func NewCoverageRunner(cmd CommandRunner, opts CoverageOptions) *CoverageRunner {
	if opts.Tracefile == "" {
		opts.Tracefile = "coverage.info"
	}
	if opts.HTMLDir == "" {
		opts.HTMLDir = "coverage"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Minute
	}
	return &CoverageRunner{cmd: cmd, opts: opts}
}

func (c *CoverageRunner) abs(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.opts.BuildDir, p)
}

// Run executes the test, capture and HTML commands for target in the build
// dir, then parses the tracefile. Failing tests or tooling are an error.
func (c *CoverageRunner) Run(ctx context.Context, unit, target string) (*candidate.CoverageSummary, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	vars := map[string]string{
		"build_dir": c.opts.BuildDir,
		"target":    target,
		"tracefile": c.abs(c.opts.Tracefile),
		"html_dir":  c.abs(c.opts.HTMLDir),
	}
	for _, step := range []struct {
		name string
		tmpl string
	}{
		{"test", c.opts.TestCommand},
		{"capture", c.opts.CaptureCommand},
		{"html", c.opts.HTMLCommand},
	} {
		if step.tmpl == "" {
			continue
		}
		stdout, stderr, exitCode, err := c.cmd.Run(ctx, c.opts.BuildDir, Substitute(step.tmpl, vars))
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
				return nil, fmt.Errorf("%s timed out after %s", step.name, c.opts.Timeout)
			}
			return nil, fmt.Errorf("%s: %w", step.name, err)
		}
		if exitCode != 0 {
			return nil, fmt.Errorf("%s failed (exit code %d): %s", step.name, exitCode, Tail(combine(stdout, stderr), c.opts.MaxOutputBytes))
		}
	}

	f, err := os.Open(c.abs(c.opts.Tracefile))
	if err != nil {
		return nil, fmt.Errorf("open tracefile: %w", err)
	}
	defer f.Close()
	summary, err := ParseLCOV(f)
	if err != nil {
		return nil, err
	}
	if c.opts.HTMLCommand != "" {
		summary.ReportDir = c.abs(c.opts.HTMLDir)
	}
	return summary, nil
}

// ParseLCOV reads an lcov tracefile. Per-file totals come from LF/LH records,
// falling back to counting DA records when a file has none.
func ParseLCOV(r io.Reader) (*candidate.CoverageSummary, error) {
	summary := &candidate.CoverageSummary{}
	var cur *candidate.FileCoverage
	var daFound, daHit int
	var sawLF bool

	flush := func() {
		if cur == nil {
			return
		}
		if !sawLF {
			cur.LinesFound, cur.LinesHit = daFound, daHit
		}
		summary.Files = append(summary.Files, *cur)
		summary.LinesFound += cur.LinesFound
		summary.LinesHit += cur.LinesHit
		cur = nil
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		key, val, _ := strings.Cut(line, ":")
		switch key {
		case "SF":
			flush()
			cur = &candidate.FileCoverage{Path: val}
			daFound, daHit, sawLF = 0, 0, false
		case "DA":
			if cur == nil {
				continue
			}
			parts := strings.Split(val, ",")
			if len(parts) < 2 {
				return nil, fmt.Errorf("lcov line %d: malformed DA record", lineNo)
			}
			daFound++
			if n, err := strconv.Atoi(parts[1]); err == nil && n > 0 {
				daHit++
			}
		case "LF", "LH":
			if cur == nil {
				continue
			}
			n, err := strconv.Atoi(val)
			if err != nil {
				return nil, fmt.Errorf("lcov line %d: bad %s value %q", lineNo, key, val)
			}
			sawLF = true
			if key == "LF" {
				cur.LinesFound = n
			} else {
				cur.LinesHit = n
			}
		case "end_of_record":
			flush()
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read tracefile: %w", err)
	}
	flush()

	if summary.LinesFound > 0 {
		summary.Percent = float64(summary.LinesHit) * 100 / float64(summary.LinesFound)
	}
	return summary, nil
}
