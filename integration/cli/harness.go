//go:build integration

package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/mwsync/internal/testutil"
)

const defaultTimeout = 2 * time.Minute

// Harness drives a freshly built mw binary against an in-process fake wiki
type Harness struct {
	t      *testing.T
	binary string
	Dir    string
	Wiki   *testutil.FakeWiki
}

// NewHarness builds the binary and starts a fake wiki for one test
func NewHarness(t *testing.T, ctx context.Context) *Harness {
	t.Helper()

	projectRoot, err := testutil.FindProjectRoot()
	if err != nil {
		t.Fatalf("get project root: %v", err)
	}

	binary := filepath.Join(t.TempDir(), "mw")
	build := exec.CommandContext(ctx, "go", "build", "-o", binary, "./cmd/mw")
	build.Dir = projectRoot
	build.Stdout = &testWriter{t: t, prefix: "[build] "}
	build.Stderr = &testWriter{t: t, prefix: "[build] "}
	if err := build.Run(); err != nil {
		t.Fatalf("go build: %v", err)
	}

	return &Harness{
		t:      t,
		binary: binary,
		Dir:    t.TempDir(),
		Wiki:   testutil.StartFakeWiki(t),
	}
}

// Run executes mw inside the workspace and returns stdout, stderr and the exit code
func (h *Harness) Run(ctx context.Context, stdin string, args ...string) (string, string, int, error) {
	h.t.Helper()

	cmd := exec.CommandContext(ctx, h.binary, append([]string{"-C", h.Dir}, args...)...)
	cmd.Stdin = strings.NewReader(stdin)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return "", "", 0, fmt.Errorf("exec failed: %w", err)
		}
	}

	return stdout.String(), stderr.String(), exitCode, nil
}

// MustRun executes mw and fails the test on a non-zero exit
func (h *Harness) MustRun(ctx context.Context, args ...string) string {
	h.t.Helper()
	stdout, stderr, exitCode, err := h.Run(ctx, "", args...)
	if err != nil {
		h.t.Fatalf("exec failed: %v", err)
	}
	if exitCode != 0 {
		h.t.Fatalf("mw %v failed with exit code %d\nstdout: %s\nstderr: %s",
			args, exitCode, stdout, stderr)
	}
	return stdout
}

// WriteFile writes a working file relative to the workspace
func (h *Harness) WriteFile(name, content string) {
	h.t.Helper()
	path := filepath.Join(h.Dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		h.t.Fatalf("mkdir parent: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		h.t.Fatalf("write file: %v", err)
	}
}

// ReadFile reads a working file relative to the workspace
func (h *Harness) ReadFile(name string) string {
	h.t.Helper()
	data, err := os.ReadFile(filepath.Join(h.Dir, name))
	if err != nil {
		h.t.Fatalf("read file: %v", err)
	}
	return string(data)
}

// FileExists checks if a working file exists
func (h *Harness) FileExists(name string) bool {
	_, err := os.Stat(filepath.Join(h.Dir, name))
	return err == nil
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)
