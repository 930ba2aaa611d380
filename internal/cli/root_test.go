package cli

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lucasnoah/testfactory/internal/report"
)

func executeCommand(args ...string) (string, error) {
	configPath = ""
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

// writeProject lays out a config, a source tree and a state dir under a temp
// dir and returns the config path.
func writeProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, f := range []string{"src/core/parser.cc", "src/util.cpp", "src/third_party/lib.cc"} {
		path := filepath.Join(dir, f)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte("int f() { return 1; }\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	cfg := `
project:
  root: src
  build_dir: build
state:
  dir: state
`
	path := filepath.Join(dir, "testfactory.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestVersionCommand(t *testing.T) {
	SetVersion("test-version")
	out, err := executeCommand("version")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "test-version") {
		t.Errorf("expected version output to contain 'test-version', got: %s", out)
	}
}

func TestRootHelp(t *testing.T) {
	out, err := executeCommand("--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedSubcommands := []string{
		"run", "discover", "status", "history", "report",
		"config", "db", "analytics", "serve", "prompts", "version",
	}
	for _, sub := range expectedSubcommands {
		if !strings.Contains(out, sub) {
			t.Errorf("help output missing subcommand %q", sub)
		}
	}
}

func TestSubcommandHelp(t *testing.T) {
	tests := []struct {
		args []string
		want []string
	}{
		{[]string{"analytics", "--help"}, []string{"outcomes", "state-duration", "failure-kinds", "repair-cycles", "runs", "timeline"}},
		{[]string{"db", "--help"}, []string{"migrate", "reset"}},
		{[]string{"config", "--help"}, []string{"validate", "show"}},
		{[]string{"prompts", "--help"}, []string{"install", "show"}},
		{[]string{"run", "--help"}, []string{"--only", "--no-mirror", "--publish", "--metrics-addr"}},
	}
	for _, tt := range tests {
		t.Run(tt.args[0], func(t *testing.T) {
			out, err := executeCommand(tt.args...)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("%v help missing %q", tt.args, w)
				}
			}
		})
	}
}

func TestUnknownCommandIsUsageError(t *testing.T) {
	_, err := executeCommand("frobnicate")
	if err == nil {
		t.Fatal("expected error for unknown command")
	}
	if got := ExitCode(err); got != ExitUsage {
		t.Errorf("ExitCode = %d, want %d", got, ExitUsage)
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, report.ExitOK},
		{"attention", &ExitError{Code: report.ExitAttention}, report.ExitAttention},
		{"internal", internalError(errors.New("disk full")), report.ExitInternal},
		{"usage", usageError(errors.New("bad flag")), ExitUsage},
		{"plain", errors.New("unknown flag: --nope"), ExitUsage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Errorf("ExitCode = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestExitErrorMessage(t *testing.T) {
	if got := (&ExitError{Code: 1}).Error(); got != "exit status 1" {
		t.Errorf("Error() = %q", got)
	}
	inner := errors.New("boom")
	ee := internalError(inner)
	if !errors.Is(ee, inner) {
		t.Error("ExitError should unwrap to the wrapped error")
	}
}

func TestDBResetRequiresConfirmation(t *testing.T) {
	_, err := executeCommand("db", "reset")
	if err == nil {
		t.Fatal("expected error without --yes")
	}
	if got := ExitCode(err); got != ExitUsage {
		t.Errorf("ExitCode = %d, want %d", got, ExitUsage)
	}
}

func TestConfigValidate(t *testing.T) {
	path := writeProject(t)
	out, err := executeCommand("config", "validate", "-c", path)
	if err != nil {
		t.Fatalf("unexpected error: %v\n%s", err, out)
	}
	if !strings.Contains(out, "is valid") {
		t.Errorf("expected valid message, got: %s", out)
	}
}

func TestConfigValidateReportsErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "testfactory.yaml")
	cfg := "build:\n  build_command: \"make all\"\n  timeout: soon\n"
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := executeCommand("config", "validate", "-c", path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if got := ExitCode(err); got != ExitUsage {
		t.Errorf("ExitCode = %d, want %d", got, ExitUsage)
	}
	for _, field := range []string{"build.build_command", "build.timeout"} {
		if !strings.Contains(out, field) {
			t.Errorf("output missing %q: %s", field, out)
		}
	}
}

func TestConfigShow(t *testing.T) {
	path := writeProject(t)
	out, err := executeCommand("config", "show", "-c", path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "journal_format: jsonl") {
		t.Errorf("expected defaults merged into output, got: %s", out)
	}
}

func TestDiscoverCommand(t *testing.T) {
	path := writeProject(t)
	out, err := executeCommand("discover", "-c", path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "core/parser.cc") || !strings.Contains(out, "util.cpp") {
		t.Errorf("expected both units, got: %s", out)
	}
	if strings.Contains(out, "lib.cc") {
		t.Errorf("excluded dir should not be discovered: %s", out)
	}
}

func TestStatusCommandNewUnits(t *testing.T) {
	path := writeProject(t)
	out, err := executeCommand("status", "-c", path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Count(out, "new") != 2 {
		t.Errorf("expected two new units, got: %s", out)
	}
}

func TestDBMigrate(t *testing.T) {
	path := writeProject(t)
	out, err := executeCommand("db", "migrate", "-c", path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "sqlite3") {
		t.Errorf("expected driver in output, got: %s", out)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(path), "state", "testfactory.db")); err != nil {
		t.Errorf("expected database in state dir: %v", err)
	}
}

func TestPromptsInstall(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "prompts")
	out, err := executeCommand("prompts", "install", "--dir", dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, name := range []string{"generate.md", "refine.md", "repair.md"} {
		if !strings.Contains(out, name) {
			t.Errorf("output missing %q: %s", name, out)
		}
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("template %s not written: %v", name, err)
		}
	}

	out, err = executeCommand("prompts", "install", "--dir", dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "already present") {
		t.Errorf("expected existing templates to be kept, got: %s", out)
	}
}
