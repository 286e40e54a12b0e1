package cache

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// ErrNotFound is returned by Resolve when no entry provides the program.
var ErrNotFound = errors.New("entry program not found")

// Resolve finds the entry program.  The remote classpath is searched
// first, then the cached local entries, then $PATH.  An entry matches
// when it is a directory containing main or a file whose base name is
// main.  Cached files lose their mode bits in transit, so a program
// found in the cache is made executable.
func (c *Cache) Resolve(main string, remote []string) (string, error) {
	if p, ok := lookIn(remote, remote, main); ok {
		return p, nil
	}
	if p, ok := lookIn(c.paths, c.remotes, main); ok {
		if err := os.Chmod(p, 0o755); err != nil {
			return "", fmt.Errorf("make %s executable: %w", p, err)
		}
		return p, nil
	}
	p, err := exec.LookPath(main)
	if err != nil {
		return "", fmt.Errorf("%s: %w", main, ErrNotFound)
	}
	return p, nil
}

// lookIn searches entries; names holds the launcher-side name of each
// entry, which is what a plain file must be called to match.
func lookIn(entries, names []string, main string) (string, bool) {
	for i, e := range entries {
		fi, err := os.Stat(e)
		if err != nil {
			continue
		}
		if !fi.IsDir() {
			if names[i] == main || filepath.Base(names[i]) == main {
				return e, true
			}
			continue
		}
		p := filepath.Join(e, filepath.FromSlash(main))
		if fi, err := os.Stat(p); err == nil && fi.Mode().IsRegular() {
			return p, true
		}
	}
	return "", false
}
