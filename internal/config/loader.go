package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Defaults used when the config file leaves a field unset. They mirror the
// original CMake + Ollama setup this tool was built around.
const (
	DefaultBaseURL            = "http://localhost:11434/v1"
	DefaultModel              = "phi3:mini"
	DefaultMaxGenerateRetries = 2
	DefaultMaxRepairRetries   = 4
	DefaultParallelism        = 2
	DefaultMaxDiagnosticBytes = 8000
)

// Load reads and parses a configuration from the given YAML file path.
// Relative project paths are resolved against the config file's directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	base, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("resolve config dir: %w", err)
	}
	resolvePaths(cfg, base)
	return cfg, nil
}

// Parse decodes YAML config data and applies defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault searches for a config in standard locations and loads the
// first one found. Search order: ./testfactory.yaml, ~/.testfactory/config.yaml
func LoadDefault() (*Config, string, error) {
	candidates := []string{"testfactory.yaml"}

	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(home, ".testfactory", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			cfg, err := Load(path)
			return cfg, path, err
		}
	}

	return nil, "", fmt.Errorf("no testfactory config found (searched: %v)", candidates)
}

// DefaultStateDir returns ~/.testfactory.
func DefaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".testfactory"), nil
}

// applyDefaults fills every field the file left unset.
func applyDefaults(cfg *Config) {
	p := &cfg.Project
	if p.Root == "" {
		p.Root = "."
	}
	if p.TestsDir == "" {
		p.TestsDir = "generated_tests"
	}
	if p.BuildDir == "" {
		p.BuildDir = "build"
	}
	if len(p.Extensions) == 0 {
		p.Extensions = []string{".cc", ".cpp"}
	}
	if p.ExcludeDirs == nil {
		p.ExcludeDirs = []string{"third_party"}
	}
	if p.TestPrefix == "" {
		p.TestPrefix = "test_"
	}
	if p.Framework == "" {
		p.Framework = "GoogleTest"
	}

	c := &cfg.Completion
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.Timeout == "" {
		c.Timeout = "60s"
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.RetryDelay == "" {
		c.RetryDelay = "2s"
	}
	if c.Temperature == 0 {
		c.Temperature = 0.2
	}

	pl := &cfg.Pipeline
	if pl.MaxGenerateRetries == nil {
		v := DefaultMaxGenerateRetries
		pl.MaxGenerateRetries = &v
	}
	if pl.MaxRepairRetries == nil {
		v := DefaultMaxRepairRetries
		pl.MaxRepairRetries = &v
	}
	if pl.Parallelism == 0 {
		pl.Parallelism = DefaultParallelism
	}
	if pl.RequiredMarkers == nil {
		pl.RequiredMarkers = []string{"TEST"}
	}
	if pl.MaxDiagnosticBytes == 0 {
		pl.MaxDiagnosticBytes = DefaultMaxDiagnosticBytes
	}

	b := &cfg.Build
	if b.ConfigureCommand == "" {
		b.ConfigureCommand = "cmake {{project_dir}}"
	}
	if b.BuildCommand == "" {
		b.BuildCommand = "cmake --build . --target {{target}}"
	}
	if b.TargetTemplate == "" {
		b.TargetTemplate = "{{test_name}}"
	}
	if b.Timeout == "" {
		b.Timeout = "10m"
	}

	cv := &cfg.Coverage
	if cv.TestCommand == "" {
		cv.TestCommand = "ctest --output-on-failure -R {{target}}"
	}
	if cv.CaptureCommand == "" {
		cv.CaptureCommand = "lcov --capture --directory . --output-file coverage.info"
	}
	if cv.HTMLCommand == "" {
		cv.HTMLCommand = "genhtml {{tracefile}} --output-directory {{html_dir}}"
	}
	if cv.Tracefile == "" {
		cv.Tracefile = "coverage.info"
	}
	if cv.HTMLDir == "" {
		cv.HTMLDir = "coverage"
	}
	if cv.Timeout == "" {
		cv.Timeout = "10m"
	}

	if cfg.State.JournalFormat == "" {
		cfg.State.JournalFormat = "jsonl"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite3"
	}
	if cfg.Publish.AccessKeyEnv == "" {
		cfg.Publish.AccessKeyEnv = "TESTFACTORY_S3_ACCESS_KEY"
	}
	if cfg.Publish.SecretKeyEnv == "" {
		cfg.Publish.SecretKeyEnv = "TESTFACTORY_S3_SECRET_KEY"
	}

	t := &cfg.Telemetry
	if t.ServiceName == "" {
		t.ServiceName = "testfactory"
	}
	if t.TraceExporter == "" {
		t.TraceExporter = "none"
	}
	if t.TraceExporter == "otlp" && t.OTLPEndpoint == "" {
		t.OTLPEndpoint = "localhost:4317"
	}
}

// resolvePaths anchors relative project and prompt paths at base.
func resolvePaths(cfg *Config, base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		if strings.HasPrefix(p, "~/") {
			if home, err := os.UserHomeDir(); err == nil {
				return filepath.Join(home, p[2:])
			}
			return p
		}
		return filepath.Join(base, p)
	}
	cfg.Project.Root = abs(cfg.Project.Root)
	cfg.Project.TestsDir = abs(cfg.Project.TestsDir)
	cfg.Project.BuildDir = abs(cfg.Project.BuildDir)
	cfg.Prompts.Dir = abs(cfg.Prompts.Dir)
	cfg.State.Dir = abs(cfg.State.Dir)
}
