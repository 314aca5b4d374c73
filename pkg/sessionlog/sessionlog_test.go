package sessionlog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNameForTTYStripsDevAndReplacesSlashes(t *testing.T) {
	assert.Equal(t, "pts-7", NameForTTY("/dev/pts/7"))
	assert.Equal(t, "ttys001", NameForTTY("/dev/ttys001"))
	assert.Equal(t, defaultName, NameForTTY(""))
}

func TestAppendCreatesFileAndFormatsEntry(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)
	path := filepath.Join(dir, "pts-1.log")

	store.Append(path, "ls -la", "total 0\ndrwxr-xr-x")

	content := store.Read(path)
	assert.Equal(t, "$ ls -la\ntotal 0\ndrwxr-xr-x\n", content)
}

func TestAppendTruncatesToMaxLines(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)
	path := filepath.Join(dir, "pts-2.log")

	for i := 0; i < 50; i++ {
		store.Append(path, "cmd", strings.Repeat("line\n", 10))
	}

	lines, err := readLines(path)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(lines), maxLines)
}

func TestReadDegradesToEmptyOnMissingFile(t *testing.T) {
	store := New(t.TempDir())
	assert.Equal(t, "", store.Read("/nonexistent/path.log"))
}

func TestCurrentPathHonorsEnvOverride(t *testing.T) {
	dir := t.TempDir()
	override := filepath.Join(dir, "pinned.log")
	t.Setenv(EnvLogFileOverride, override)

	store := New(dir)
	assert.Equal(t, override, store.CurrentPath())
}

func TestCurrentPathFallsBackToMostRecentLog(t *testing.T) {
	t.Setenv(EnvLogFileOverride, "")
	dir := t.TempDir()
	store := New(dir)

	older := filepath.Join(dir, "a.log")
	newer := filepath.Join(dir, "b.log")
	require.NoError(t, os.WriteFile(older, []byte("$ old\n"), 0o600))
	require.NoError(t, os.WriteFile(newer, []byte("$ new\n"), 0o600))

	path := store.CurrentPath()
	assert.True(t, path == newer || path == older || strings.HasSuffix(path, "default.log"))
}
