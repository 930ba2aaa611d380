package build

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lucasnoah/testfactory/internal/candidate"
)

// mockCmd records calls and returns configured results.
type mockCmd struct {
	mu      sync.Mutex
	calls   []mockCall
	results []mockResult
	callIdx int
}

type mockCall struct {
	Dir     string
	Command string
}

type mockResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error
	Block    bool // wait for ctx to expire
}

func (m *mockCmd) Run(ctx context.Context, dir string, command string) (string, string, int, error) {
	m.mu.Lock()
	m.calls = append(m.calls, mockCall{Dir: dir, Command: command})
	if m.callIdx >= len(m.results) {
		m.mu.Unlock()
		return "", "", 0, nil
	}
	r := m.results[m.callIdx]
	m.callIdx++
	m.mu.Unlock()
	if r.Block {
		<-ctx.Done()
		return r.Stdout, r.Stderr, -1, ctx.Err()
	}
	return r.Stdout, r.Stderr, r.ExitCode, r.Err
}

func newTestRunner(t *testing.T, mock *mockCmd) (*Runner, Options) {
	t.Helper()
	root := t.TempDir()
	opts := Options{
		ProjectDir:       filepath.Join(root, "project"),
		BuildDir:         filepath.Join(root, "build"),
		TestsDir:         filepath.Join(root, "generated_tests"),
		TestPrefix:       "test_",
		ConfigureCommand: "cmake {{project_dir}}",
		BuildCommand:     "cmake --build . --target {{target}}",
		Timeout:          time.Minute,
	}
	return NewRunner(mock, opts), opts
}

func TestRunner_Build_HappyPath(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{Stdout: "-- Configuring done"}, {Stdout: "[100%] Built target test_src_util"}}}
	r, opts := newTestRunner(t, mock)

	res, err := r.Build(context.Background(), Snapshot{Unit: "src/util.cc", Text: "TEST(Util, Works) {}"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Passed {
		t.Errorf("expected passed=true")
	}
	if res.Target != "test_src_util" {
		t.Errorf("Target = %q, want test_src_util", res.Target)
	}
	wantFile := filepath.Join(opts.TestsDir, "test_src_util.cc")
	if res.TestFile != wantFile {
		t.Errorf("TestFile = %q, want %q", res.TestFile, wantFile)
	}
	data, err := os.ReadFile(wantFile)
	if err != nil {
		t.Fatalf("test file not written: %v", err)
	}
	if string(data) != "TEST(Util, Works) {}" {
		t.Errorf("test file content = %q", data)
	}

	if len(mock.calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(mock.calls))
	}
	if mock.calls[0].Command != "cmake "+opts.ProjectDir {
		t.Errorf("configure command = %q", mock.calls[0].Command)
	}
	if mock.calls[1].Command != "cmake --build . --target test_src_util" {
		t.Errorf("build command = %q", mock.calls[1].Command)
	}
	for _, c := range mock.calls {
		if c.Dir != opts.BuildDir {
			t.Errorf("command ran in %q, want build dir", c.Dir)
		}
	}
}

func TestRunner_Build_CompileFailure(t *testing.T) {
	stderr := "test_a.cc:3:5: error: 'Foo' was not declared in this scope"
	mock := &mockCmd{results: []mockResult{{}, {Stderr: stderr, ExitCode: 2}}}
	r, _ := newTestRunner(t, mock)

	res, err := r.Build(context.Background(), Snapshot{Unit: "a.cc", Text: "TEST(A, B) { Foo(); }"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Passed {
		t.Error("expected passed=false")
	}
	if res.ExitCode != 2 {
		t.Errorf("ExitCode = %d, want 2", res.ExitCode)
	}
	if !strings.Contains(res.Output, "was not declared") {
		t.Errorf("Output missing diagnostic: %q", res.Output)
	}
}

func TestRunner_Build_ConfigureFailureSkipsBuild(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{Stderr: "CMake Error", ExitCode: 1}}}
	r, _ := newTestRunner(t, mock)

	res, err := r.Build(context.Background(), Snapshot{Unit: "a.cc", Text: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Passed || res.ExitCode != 1 {
		t.Errorf("res = %+v", res)
	}
	if len(mock.calls) != 1 {
		t.Errorf("expected build to be skipped, got %d calls", len(mock.calls))
	}
}

func TestRunner_Build_Timeout(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{}, {Stderr: "compiling...", Block: true}}}
	r, _ := newTestRunner(t, mock)
	r.opts.Timeout = 20 * time.Millisecond

	res, err := r.Build(context.Background(), Snapshot{Unit: "a.cc", Text: "x"})
	if err != nil {
		t.Fatalf("timeout should not be an error: %v", err)
	}
	if !res.TimedOut || res.Passed {
		t.Errorf("res = %+v, want timed out", res)
	}
	if Classify(res.Output) != "timeout" {
		t.Errorf("Classify(timeout output) = %q", Classify(res.Output))
	}
}

func TestRunner_Build_CommandError(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{Err: fmt.Errorf("exec: sh not found")}}}
	r, _ := newTestRunner(t, mock)

	if _, err := r.Build(context.Background(), Snapshot{Unit: "a.cc", Text: "x"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestRunner_Build_EmptyText(t *testing.T) {
	r, _ := newTestRunner(t, &mockCmd{})
	if _, err := r.Build(context.Background(), Snapshot{Unit: "a.cc", Text: "  \n"}); err == nil {
		t.Fatal("expected error for empty text")
	}
}

func TestRunner_Discard(t *testing.T) {
	r, _ := newTestRunner(t, &mockCmd{})
	if _, err := r.Build(context.Background(), Snapshot{Unit: "a.cc", Text: "x"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Discard("a.cc"); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if _, err := os.Stat(r.TestFile("a.cc")); !os.IsNotExist(err) {
		t.Errorf("test file still present")
	}
	if err := r.Discard("a.cc"); err != nil {
		t.Errorf("second Discard should be a no-op: %v", err)
	}
}

func TestRunner_KeepsFullOutput(t *testing.T) {
	var b strings.Builder
	b.WriteString("test_a.cc:3:1: error: expected ';' before '}' token\n")
	for i := 0; i < 200; i++ {
		fmt.Fprintf(&b, "test_a.cc:%d:5: error: 'v' was not declared in this scope\n", 10+i)
	}
	mock := &mockCmd{results: []mockResult{{}, {Stderr: b.String(), ExitCode: 1}}}
	r, _ := newTestRunner(t, mock)

	res, err := r.Build(context.Background(), Snapshot{Unit: "a.cc", Text: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(strings.TrimLeft(res.Output, "\n"), "test_a.cc:3:1: error: expected ';'") {
		t.Errorf("first error missing from output: %q", res.Output[:80])
	}

	d := Diagnose(res.Output, res.ExitCode, res.TimedOut, 8000)
	if d.Kind != candidate.FailureSyntaxError {
		t.Errorf("Kind = %q, want syntax_error", d.Kind)
	}
	if d.Location != "test_a.cc:3" {
		t.Errorf("Location = %q, want test_a.cc:3", d.Location)
	}
	if !strings.HasPrefix(d.Signature, "syntax_error|test_a.cc:3|") {
		t.Errorf("Signature = %q", d.Signature)
	}
	if len(d.Text) > 8000+200 || !strings.Contains(d.Text, "expected ';'") {
		t.Errorf("Text should be capped and keep the first error, len=%d", len(d.Text))
	}
}

func TestExecRunner_ExitCode(t *testing.T) {
	e := &ExecRunner{}
	stdout, _, code, err := e.Run(context.Background(), t.TempDir(), "echo hi; exit 3")
	if err != nil {
		t.Fatal(err)
	}
	if code != 3 || strings.TrimSpace(stdout) != "hi" {
		t.Errorf("code=%d stdout=%q", code, stdout)
	}
}

func TestExecRunner_Timeout(t *testing.T) {
	e := &ExecRunner{WaitDelay: 100 * time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, _, err := e.Run(ctx, t.TempDir(), "sleep 5")
	if err != context.DeadlineExceeded {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
}
