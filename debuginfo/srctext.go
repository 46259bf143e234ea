package debuginfo

import (
	"os"
	"strings"
	"sync"

	"github.com/juju/errors"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// sourceTextCache caches a source file's line-split text the first time a
// resolved frame's source line is read from it, so printing the same
// file's lines for many frames costs one disk read rather than one per
// frame.
type sourceTextCache struct {
	mu    sync.Mutex
	files map[string]*cachedSourceFile
}

type cachedSourceFile struct {
	text  string
	lines []string
}

func newSourceTextCache() *sourceTextCache {
	return &sourceTextCache{files: map[string]*cachedSourceFile{}}
}

func newCachedSourceFile(text string) *cachedSourceFile {
	return &cachedSourceFile{text: text, lines: strings.Split(text, "\n")}
}

// Line returns loc's 1-based source line, reading and caching its file's
// contents on first access.
func (c *sourceTextCache) Line(loc *SourceLocation) (string, error) {
	f, err := c.get(loc.Path)
	if err != nil {
		return "", errors.Trace(err)
	}
	if loc.Line == 0 || int(loc.Line) > len(f.lines) {
		return "", errors.Errorf("line %d out of range for %q (%d lines)", loc.Line, loc.Path, len(f.lines))
	}
	return f.lines[loc.Line-1], nil
}

func (c *sourceTextCache) get(path string) (*cachedSourceFile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.files[path]; ok {
		return f, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "read %q", path)
	}
	f := newCachedSourceFile(string(b))
	c.files[path] = f
	return f, nil
}

// Invalidate re-reads path from disk and diffs it against the cached
// copy with diffmatchpatch. If the two differ, the stale entry is
// dropped (so the next Line call re-reads and re-splits it) and changed
// is true; callers use this after a rebuild to find out which of the
// source files backing already-resolved frames actually need their
// displayed text refreshed, without blindly re-reading every cached
// file.
func (c *sourceTextCache) Invalidate(path string) (changed bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cached, ok := c.files[path]
	if !ok {
		return false, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return false, errors.Annotatef(err, "read %q", path)
	}
	text := string(b)
	if text == cached.text {
		return false, nil
	}

	dmp := diffmatchpatch.New()
	for _, d := range dmp.DiffMain(cached.text, text, false) {
		if d.Type != diffmatchpatch.DiffEqual {
			changed = true
			break
		}
	}
	if changed {
		delete(c.files, path)
	}
	return changed, nil
}

// SourceText returns loc's cached source line, reading and caching its
// file the first time it's asked for.
func (img *Image) SourceText(loc *SourceLocation) (string, error) {
	if loc == nil || loc.Path == "" {
		return "", errors.New("no source location")
	}
	return img.srctext.Line(loc)
}

// InvalidateSourceText re-reads path and diffs it against whatever was
// last cached for it under SourceText, reporting whether the cached
// copy was stale. Called by a caller that watches the build output and
// wants to know which already-resolved frames' cached source text needs
// re-fetching, rather than re-fetching all of them on every rebuild.
func (img *Image) InvalidateSourceText(path string) (bool, error) {
	return img.srctext.Invalidate(path)
}
