package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/testfactory/internal/report"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

// ExitUsage is returned for bad flags, arguments or configuration.
const ExitUsage = 3

// ExitError carries a process exit code out of a command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func usageError(err error) error {
	return &ExitError{Code: ExitUsage, Err: err}
}

func internalError(err error) error {
	return &ExitError{Code: report.ExitInternal, Err: err}
}

// ExitCode maps an error returned by a command to a process exit code.
// Errors that carry no code come from flag and argument parsing.
func ExitCode(err error) int {
	if err == nil {
		return report.ExitOK
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ExitUsage
}

var (
	configPath string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "testfactory",
	Short: "testfactory: generate and repair C++ unit tests with a completion model",
	Long: `testfactory walks a C++ project, asks a text-completion service for a
GoogleTest file per source unit, builds it, and feeds build failures back to the
model until the test compiles or its repair budget runs out.

Attempt history is journaled under the state dir (default ~/.testfactory) so an
interrupted run resumes where it stopped. Runs, attempts and events are also
mirrored to SQLite or Postgres for the dashboard and analytics.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	err := rootCmd.Execute()
	if err != nil {
		var ee *ExitError
		if !errors.As(err, &ee) || ee.Err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
	}
	return ExitCode(err)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to testfactory.yaml (default: ./testfactory.yaml, then ~/.testfactory/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log format: console or json")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(analyticsCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(promptsCmd)
}
