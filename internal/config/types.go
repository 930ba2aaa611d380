package config

import "time"

// Config is the top-level configuration structure parsed from testfactory.yaml.
type Config struct {
	Project    Project    `yaml:"project"`
	Completion Completion `yaml:"completion"`
	Pipeline   Pipeline   `yaml:"pipeline"`
	Build      Build      `yaml:"build"`
	Coverage   Coverage   `yaml:"coverage"`
	State      State      `yaml:"state"`
	Database   Database   `yaml:"database"`
	Prompts    Prompts    `yaml:"prompts"`
	Publish    Publish    `yaml:"publish"`
	Telemetry  Telemetry  `yaml:"telemetry"`
}

// Project describes the native codebase under test and where generated tests go.
type Project struct {
	Root        string   `yaml:"root" validate:"required"`
	TestsDir    string   `yaml:"tests_dir" validate:"required"`
	BuildDir    string   `yaml:"build_dir" validate:"required"`
	Extensions  []string `yaml:"extensions" validate:"min=1,dive,startswith=."`
	ExcludeDirs []string `yaml:"exclude_dirs"`
	TestPrefix  string   `yaml:"test_prefix"`
	Framework   string   `yaml:"framework"`
}

// Completion configures the text-completion service client.
type Completion struct {
	BaseURL           string  `yaml:"base_url" validate:"required,url"`
	Model             string  `yaml:"model" validate:"required"`
	APIKeyEnv         string  `yaml:"api_key_env"`
	Timeout           string  `yaml:"timeout"`
	MaxRetries        int     `yaml:"max_retries" validate:"gte=0,lte=20"`
	RetryDelay        string  `yaml:"retry_delay"`
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gte=0"`
	Temperature       float32 `yaml:"temperature" validate:"gte=0,lte=2"`
	MaxTokens         int     `yaml:"max_tokens" validate:"gte=0"`
	SystemPrompt      string  `yaml:"system_prompt"`
}

// Pipeline holds the controller's retry budgets and parallelism.
type Pipeline struct {
	MaxGenerateRetries *int     `yaml:"max_generate_retries" validate:"omitempty,gte=0"`
	MaxRepairRetries   *int     `yaml:"max_repair_retries" validate:"omitempty,gte=0"`
	Parallelism        int      `yaml:"parallelism" validate:"gte=1,lte=64"`
	RequiredMarkers    []string `yaml:"required_markers"`
	MaxDiagnosticBytes int      `yaml:"max_diagnostic_bytes" validate:"gte=0"`
}

// Build configures the build system invocation.
type Build struct {
	ConfigureCommand string `yaml:"configure_command"`
	BuildCommand     string `yaml:"build_command" validate:"required"`
	TargetTemplate   string `yaml:"target_template"`
	Timeout          string `yaml:"timeout"`
}

// Coverage configures the test + coverage tool invocation.
type Coverage struct {
	TestCommand    string `yaml:"test_command"`
	CaptureCommand string `yaml:"capture_command"`
	HTMLCommand    string `yaml:"html_command"`
	Tracefile      string `yaml:"tracefile"`
	HTMLDir        string `yaml:"html_dir"`
	Timeout        string `yaml:"timeout"`
}

// State configures where the attempt journal lives.
type State struct {
	Dir           string `yaml:"dir"`
	JournalFormat string `yaml:"journal_format" validate:"oneof=jsonl msgpack"`
}

// Database configures the event/attempt mirror.
type Database struct {
	Driver string `yaml:"driver" validate:"omitempty,oneof=sqlite3 pgx"`
	DSN    string `yaml:"dsn"`
}

// Prompts points at a directory of prompt template overrides.
type Prompts struct {
	Dir string `yaml:"dir"`
}

// Publish configures uploading reports to S3-compatible object storage.
type Publish struct {
	Endpoint     string `yaml:"endpoint"`
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	Region       string `yaml:"region"`
	AccessKeyEnv string `yaml:"access_key_env"`
	SecretKeyEnv string `yaml:"secret_key_env"`
	UseSSL       bool   `yaml:"use_ssl"`
}

// Telemetry configures tracing and the run's metrics listener.
type Telemetry struct {
	ServiceName   string `yaml:"service_name"`
	TraceExporter string `yaml:"trace_exporter" validate:"oneof=none stdout otlp"`
	OTLPEndpoint  string `yaml:"otlp_endpoint"`
	OTLPInsecure  bool   `yaml:"otlp_insecure"`
	MetricsAddr   string `yaml:"metrics_addr"`
}

// Duration parses s, falling back to def when s is empty or malformed.
// Validate reports malformed durations, so callers that run after Validate
// never see the fallback for a bad value.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// IntOr dereferences p, returning def when p is nil.
func IntOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}
