package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lucasnoah/testfactory/internal/build"
	"github.com/lucasnoah/testfactory/internal/candidate"
	"github.com/lucasnoah/testfactory/internal/completion"
	"github.com/lucasnoah/testfactory/internal/config"
	"github.com/lucasnoah/testfactory/internal/controller"
	"github.com/lucasnoah/testfactory/internal/db"
	"github.com/lucasnoah/testfactory/internal/discovery"
	"github.com/lucasnoah/testfactory/internal/logging"
	"github.com/lucasnoah/testfactory/internal/prompt"
	"github.com/lucasnoah/testfactory/internal/report"
	"github.com/lucasnoah/testfactory/internal/telemetry"
)

// app is the resolved configuration and shared services for one command.
type app struct {
	cfg     *config.Config
	cfgPath string
	logger  *zap.Logger
}

func loadConfig() (*config.Config, string, error) {
	if configPath != "" {
		cfg, err := config.Load(configPath)
		return cfg, configPath, err
	}
	return config.LoadDefault()
}

// newApp loads and validates the config and builds the logger. Failures are
// usage errors.
func newApp(cmd *cobra.Command) (*app, error) {
	cfg, path, err := loadConfig()
	if err != nil {
		return nil, usageError(err)
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, usageError(fmt.Errorf("%s: %d validation error(s):\n  - %s", path, len(errs), strings.Join(msgs, "\n  - ")))
	}
	logger, err := logging.New(logging.Options{
		Level:  logLevel,
		Format: logFormat,
		Output: cmd.ErrOrStderr(),
	})
	if err != nil {
		return nil, usageError(err)
	}
	return &app{cfg: cfg, cfgPath: path, logger: logger}, nil
}

// stateDir returns the configured state dir, creating it if needed.
func (a *app) stateDir() (string, error) {
	dir := a.cfg.State.Dir
	if dir == "" {
		def, err := config.DefaultStateDir()
		if err != nil {
			return "", err
		}
		dir = def
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create state dir: %w", err)
	}
	return dir, nil
}

func (a *app) store() (*candidate.Store, error) {
	codec, err := candidate.CodecFor(a.cfg.State.JournalFormat)
	if err != nil {
		return nil, usageError(err)
	}
	dir, err := a.stateDir()
	if err != nil {
		return nil, err
	}
	return candidate.NewStore(dir, codec), nil
}

// openDB opens and migrates the mirror database. A sqlite mirror with no
// DSN lives in the state dir.
func (a *app) openDB() (*db.DB, error) {
	driver := a.cfg.Database.Driver
	dsn := a.cfg.Database.DSN
	if driver == db.DriverSQLite && dsn == "" {
		dir, err := a.stateDir()
		if err != nil {
			return nil, err
		}
		dsn = filepath.Join(dir, "testfactory.db")
	}
	if dsn == "" {
		return nil, usageError(fmt.Errorf("database.dsn is required for driver %s", driver))
	}
	database, err := db.OpenDriver(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return database, nil
}

func (a *app) discover() ([]discovery.Unit, error) {
	p := a.cfg.Project
	return discovery.Discover(discovery.Options{
		Root:        p.Root,
		Extensions:  p.Extensions,
		ExcludeDirs: p.ExcludeDirs,
		SkipPaths:   []string{p.TestsDir, p.BuildDir},
	})
}

func (a *app) controllerConfig() controller.Config {
	pl := a.cfg.Pipeline
	// a completion call spans the client's own retries
	perCall := config.Duration(a.cfg.Completion.Timeout, 0) * time.Duration(a.cfg.Completion.MaxRetries+1)
	return controller.Config{
		MaxGenerateRetries: config.IntOr(pl.MaxGenerateRetries, config.DefaultMaxGenerateRetries),
		MaxRepairRetries:   config.IntOr(pl.MaxRepairRetries, config.DefaultMaxRepairRetries),
		Parallelism:        pl.Parallelism,
		RequiredMarkers:    pl.RequiredMarkers,
		Framework:          a.cfg.Project.Framework,
		IncludeSource:      true,
		MaxDiagnosticBytes: pl.MaxDiagnosticBytes,
		CompletionTimeout:  perCall,
		BuildTimeout:       config.Duration(a.cfg.Build.Timeout, 0),
		CoverageTimeout:    config.Duration(a.cfg.Coverage.Timeout, 0),
	}
}

func (a *app) completer() *completion.Client {
	c := a.cfg.Completion
	var key string
	if c.APIKeyEnv != "" {
		key = os.Getenv(c.APIKeyEnv)
	}
	return completion.New(completion.Options{
		BaseURL:           c.BaseURL,
		APIKey:            key,
		Model:             c.Model,
		Timeout:           config.Duration(c.Timeout, 0),
		MaxRetries:        c.MaxRetries,
		RetryDelay:        config.Duration(c.RetryDelay, 0),
		RequestsPerSecond: c.RequestsPerSecond,
		Temperature:       c.Temperature,
		MaxTokens:         c.MaxTokens,
		SystemPrompt:      c.SystemPrompt,
	}, a.logger.Named("completion"))
}

func (a *app) builder(cmd build.CommandRunner) *build.Runner {
	p, b := a.cfg.Project, a.cfg.Build
	return build.NewRunner(cmd, build.Options{
		ProjectDir:       p.Root,
		BuildDir:         p.BuildDir,
		TestsDir:         p.TestsDir,
		TestPrefix:       p.TestPrefix,
		ConfigureCommand: b.ConfigureCommand,
		BuildCommand:     b.BuildCommand,
		TargetTemplate:   b.TargetTemplate,
		Timeout:          config.Duration(b.Timeout, 0),
	})
}

func (a *app) coverage(cmd build.CommandRunner) *build.CoverageRunner {
	c := a.cfg.Coverage
	return build.NewCoverageRunner(cmd, build.CoverageOptions{
		BuildDir:       a.cfg.Project.BuildDir,
		TestCommand:    c.TestCommand,
		CaptureCommand: c.CaptureCommand,
		HTMLCommand:    c.HTMLCommand,
		Tracefile:      c.Tracefile,
		HTMLDir:        c.HTMLDir,
		Timeout:        config.Duration(c.Timeout, 0),
		MaxOutputBytes: a.cfg.Pipeline.MaxDiagnosticBytes,
	})
}

// coverageDir is where the HTML coverage report is generated.
func (a *app) coverageDir() string {
	dir := a.cfg.Coverage.HTMLDir
	if dir == "" || filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(a.cfg.Project.BuildDir, dir)
}

func (a *app) prompts() *prompt.Set {
	return prompt.NewSet(a.cfg.Prompts.Dir)
}

func (a *app) publisher() (*report.Publisher, error) {
	p := a.cfg.Publish
	opts := report.PublishOptions{
		Endpoint:  p.Endpoint,
		Bucket:    p.Bucket,
		Prefix:    p.Prefix,
		Region:    p.Region,
		AccessKey: os.Getenv(p.AccessKeyEnv),
		SecretKey: os.Getenv(p.SecretKeyEnv),
		UseSSL:    p.UseSSL,
	}
	if err := opts.Validate(); err != nil {
		return nil, usageError(fmt.Errorf("publish: %w", err))
	}
	return report.NewPublisher(opts, a.logger.Named("publish"))
}

// initTracing installs the configured tracer provider. Stdout spans go to w.
func (a *app) initTracing(ctx context.Context, w io.Writer) (func(context.Context) error, error) {
	t := a.cfg.Telemetry
	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    t.ServiceName,
		ServiceVersion: version,
		TraceExporter:  t.TraceExporter,
		OTLPEndpoint:   t.OTLPEndpoint,
		OTLPInsecure:   t.OTLPInsecure,
		Output:         w,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	return shutdown, nil
}
