//go:build integration

package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/projectctl/internal/testutil"
)

const defaultTimeout = 2 * time.Minute

// Harness builds the projectctl binary once and runs it against an isolated
// home, projectctl root and project directory
type Harness struct {
	t          *testing.T
	binary     string
	home       string
	rootDir    string
	ProjectDir string
}

// NewHarness builds the binary and prepares empty directories
func NewHarness(ctx context.Context, t *testing.T) *Harness {
	t.Helper()
	testutil.RequireGit(t)

	projectRoot, err := testutil.FindProjectRoot()
	if err != nil {
		t.Fatalf("get project root: %v", err)
	}

	binDir := t.TempDir()
	binary := filepath.Join(binDir, "projectctl")
	t.Logf("Building %s", binary)

	cmd := exec.CommandContext(ctx, "go", "build", "-o", binary, "./cmd/projectctl")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: t, prefix: "[build] "}
	if err := cmd.Run(); err != nil {
		t.Fatalf("go build: %v", err)
	}

	base := t.TempDir()
	h := &Harness{
		t:          t,
		binary:     binary,
		home:       filepath.Join(base, "home"),
		rootDir:    filepath.Join(base, "projectctl"),
		ProjectDir: filepath.Join(base, "project"),
	}
	for _, dir := range []string{h.home, h.ProjectDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
	}
	return h
}

// Run executes projectctl with args and returns stdout, stderr and the exit code
func (h *Harness) Run(ctx context.Context, args ...string) (string, string, int) {
	h.t.Helper()

	cmd := exec.CommandContext(ctx, h.binary, args...)
	cmd.Env = append(os.Environ(),
		"HOME="+h.home,
		"PROJECTCTL_ROOT_DIR="+h.rootDir,
		"PROJECTCTL_PROJECT_DIR="+h.ProjectDir,
		"GIT_CONFIG_NOSYSTEM=1",
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	exitCode := 0
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			h.t.Fatalf("exec failed: %v", err)
		}
		exitCode = exitErr.ExitCode()
	}
	return stdout.String(), stderr.String(), exitCode
}

// MustRun executes projectctl and fails the test on a non-zero exit code
func (h *Harness) MustRun(ctx context.Context, args ...string) string {
	h.t.Helper()
	stdout, stderr, code := h.Run(ctx, args...)
	if code != 0 {
		h.t.Fatalf("command failed with exit code %d\nstdout: %s\nstderr: %s\nargs: %v",
			code, stdout, stderr, args)
	}
	return stdout
}

// ReadFile reads a file relative to the project directory
func (h *Harness) ReadFile(rel string) string {
	h.t.Helper()
	data, err := os.ReadFile(filepath.Join(h.ProjectDir, filepath.FromSlash(rel)))
	if err != nil {
		h.t.Fatalf("read %s: %v", rel, err)
	}
	return string(data)
}

// WriteFile writes a file relative to the project directory
func (h *Harness) WriteFile(rel, content string) {
	h.t.Helper()
	path := filepath.Join(h.ProjectDir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		h.t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		h.t.Fatal(err)
	}
}

// CacheEntries lists the cached template repositories
func (h *Harness) CacheEntries() []string {
	h.t.Helper()
	entries, err := os.ReadDir(filepath.Join(h.rootDir, "repositories"))
	if err != nil {
		h.t.Fatalf("read repositories dir: %v", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	for _, line := range strings.Split(string(p), "\n") {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}
