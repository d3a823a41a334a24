// Package testutil provides helpers shared by package tests: polling for
// asynchronous results and filesystem fixtures.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// WaitFor polls condition every 10ms until it holds or timeout passes.
// Returns true if condition was met.
func WaitFor(tb testing.TB, timeout time.Duration, condition func() bool) bool {
	tb.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if condition() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// MustWaitFor is WaitFor that fails the test on timeout.
func MustWaitFor(tb testing.TB, timeout time.Duration, condition func() bool) {
	tb.Helper()
	if !WaitFor(tb, timeout, condition) {
		tb.Fatalf("timed out after %v waiting for condition", timeout)
	}
}

// TempDir returns a fresh directory with symlinks in its own path resolved
// (macOS places t.TempDir under a symlinked /var), so paths built from it
// are already canonical.
func TempDir(tb testing.TB) string {
	tb.Helper()
	dir, err := filepath.EvalSymlinks(tb.TempDir())
	if err != nil {
		tb.Fatalf("resolving temp dir: %v", err)
	}
	return dir
}

// WriteFile writes content to path, creating parent directories.
func WriteFile(tb testing.TB, path, content string) {
	tb.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		tb.Fatalf("creating %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		tb.Fatalf("writing %s: %v", path, err)
	}
}

// ReadFile returns the content of path, failing the test if it cannot be
// read.
func ReadFile(tb testing.TB, path string) string {
	tb.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		tb.Fatalf("reading %s: %v", path, err)
	}
	return string(b)
}
