package debuginfo

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempSource(t *testing.T, text string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "main.c")
	require.NoError(t, os.WriteFile(path, []byte(text), 0644))
	return path
}

func TestSourceTextCacheLineReadsAndCaches(t *testing.T) {
	path := writeTempSource(t, "int main(void) {\n  return 0;\n}\n")
	c := newSourceTextCache()

	line, err := c.Line(&SourceLocation{Path: path, Line: 2})
	require.NoError(t, err)
	assert.Equal(t, "  return 0;", line)

	// Overwrite the file on disk; the cached copy should not change.
	require.NoError(t, os.WriteFile(path, []byte("changed\n"), 0644))
	line, err = c.Line(&SourceLocation{Path: path, Line: 2})
	require.NoError(t, err)
	assert.Equal(t, "  return 0;", line)
}

func TestSourceTextCacheLineOutOfRange(t *testing.T) {
	path := writeTempSource(t, "one line only\n")
	c := newSourceTextCache()

	_, err := c.Line(&SourceLocation{Path: path, Line: 99})
	assert.Error(t, err)
}

func TestSourceTextCacheInvalidateDetectsChange(t *testing.T) {
	path := writeTempSource(t, "int main(void) {\n  return 0;\n}\n")
	c := newSourceTextCache()

	_, err := c.Line(&SourceLocation{Path: path, Line: 1})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("int main(void) {\n  return 1;\n}\n"), 0644))
	changed, err := c.Invalidate(path)
	require.NoError(t, err)
	assert.True(t, changed)

	line, err := c.Line(&SourceLocation{Path: path, Line: 2})
	require.NoError(t, err)
	assert.Equal(t, "  return 1;", line)
}

func TestSourceTextCacheInvalidateNoChange(t *testing.T) {
	path := writeTempSource(t, "int main(void) {\n  return 0;\n}\n")
	c := newSourceTextCache()

	_, err := c.Line(&SourceLocation{Path: path, Line: 1})
	require.NoError(t, err)

	changed, err := c.Invalidate(path)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestSourceTextCacheInvalidateUncached(t *testing.T) {
	c := newSourceTextCache()
	changed, err := c.Invalidate("/never/read.c")
	require.NoError(t, err)
	assert.False(t, changed)
}
