package sync

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// testLogger returns a debug-level logger that writes to t.Log,
// so all activity appears in CI output.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// testLogWriter adapts testing.T to io.Writer for slog.
type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))

	return len(p), nil
}

// tempDir returns a fresh temp directory with symlinks resolved, so paths
// built under it agree with the mapper's canonical roots (macOS /var is a
// symlink to /private/var).
func tempDir(t *testing.T) string {
	t.Helper()

	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	return dir
}

// mirrorDirs creates source and destination roots under one temp dir.
func mirrorDirs(t *testing.T) (string, string) {
	t.Helper()

	base := tempDir(t)
	src := filepath.Join(base, "source")
	dst := filepath.Join(base, "destination")

	require.NoError(t, os.Mkdir(src, 0o755))
	require.NoError(t, os.Mkdir(dst, 0o755))

	return src, dst
}

// writeTestFile creates dir/relPath with content, creating parents.
func writeTestFile(t *testing.T, dir, relPath, content string) string {
	t.Helper()

	fullPath := filepath.Join(dir, relPath)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		t.Fatalf("MkdirAll(%s): %v", filepath.Dir(fullPath), err)
	}

	if err := os.WriteFile(fullPath, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile(%s): %v", fullPath, err)
	}

	return fullPath
}

// readTestFile returns the content of dir/relPath.
func readTestFile(t *testing.T, dir, relPath string) string {
	t.Helper()

	data, err := os.ReadFile(filepath.Join(dir, relPath))
	if err != nil {
		t.Fatalf("ReadFile(%s): %v", relPath, err)
	}

	return string(data)
}

func newTestMapper(t *testing.T, src, dst string) *PathMapper {
	t.Helper()

	m, err := NewPathMapper(src, dst)
	require.NoError(t, err)

	return m
}

// isRoot reports whether permission checks are meaningless because the
// test runs as root.
func isRoot() bool {
	return os.Geteuid() == 0
}
