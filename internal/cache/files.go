package cache

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	rvlerrors "rvl/internal/errors"
	"rvl/internal/wire"
)

// ── Pruning ──────────────────────────────────────────────────────────

// prune deletes everything under the cache directory that the manifest
// does not list, then any directory left empty.
func (c *Cache) prune(want map[string]bool, st *Stats) error {
	live := make(map[string]bool, len(c.translations))
	for _, id := range c.translations {
		live[id] = true
	}

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return rvlerrors.Resource("list cache", err)
	}
	var dirs []string
	for _, e := range entries {
		name := e.Name()
		if name == TranslationFile {
			continue
		}
		top := filepath.Join(c.dir, name)
		if !live[name] {
			c.log.Debug("Removing orphaned %s", top)
			if err := removeCounted(top, st); err != nil {
				return err
			}
			continue
		}
		err := filepath.WalkDir(top, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				dirs = append(dirs, p)
				return nil
			}
			if want[p] {
				return nil
			}
			c.log.Debug("Removing old file %s", p)
			if err := os.Remove(p); err != nil {
				return err
			}
			st.DeletedFiles++
			return nil
		})
		if err != nil {
			return rvlerrors.Resource("prune cache", err)
		}
	}

	// deepest first, so parents see their children gone
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })
	for _, d := range dirs {
		if left, err := os.ReadDir(d); err == nil && len(left) == 0 {
			if os.Remove(d) == nil {
				st.DeletedDirs++
			}
		}
	}
	return nil
}

func removeCounted(p string, st *Stats) error {
	err := filepath.WalkDir(p, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			st.DeletedDirs++
		} else {
			st.DeletedFiles++
		}
		return nil
	})
	if err != nil {
		return rvlerrors.Resource("prune cache", err)
	}
	if err := os.RemoveAll(p); err != nil {
		return rvlerrors.Resource("prune cache", err)
	}
	return nil
}

// ── Updating ─────────────────────────────────────────────────────────

// Stale reports whether the file at p needs fetching for r.  Times are
// compared at one-second precision since not every file system keeps
// milliseconds.
func Stale(p string, r wire.ResourceInfo) bool {
	fi, err := os.Stat(p)
	if err != nil || !fi.Mode().IsRegular() {
		return true
	}
	if fi.Size() != r.Length {
		return true
	}
	return fi.ModTime().UnixMilli()/1000 != r.ModTime/1000
}

func (c *Cache) update(ctx context.Context, lc *wire.LocalClasspath, manifest *wire.CacheManifest, f Fetcher, st *Stats) error {
	st.Total = len(manifest.Resources)
	for _, r := range manifest.Resources {
		if err := ctx.Err(); err != nil {
			return err
		}
		p := c.localPath(lc, r)
		if !Stale(p, r) {
			continue
		}
		c.log.Debug("Updating resource %s, len %d, modified %d", p, r.Length, r.ModTime)
		n, found, err := c.fetch(ctx, p, r, f)
		if err != nil {
			return err
		}
		if !found {
			c.log.Warn("Launcher has no resource %q under path %s", r.Name, r.PathID)
			st.Missing++
			continue
		}
		if n != r.Length {
			c.log.Warn("Resource %s: expected %d bytes, got %d", p, r.Length, n)
		}
		st.Updated++
		st.Bytes += n
	}
	return nil
}

// fetch downloads r into a uniquely named temporary file next to p and
// renames it into place, so an interrupted download never leaves a
// truncated resource behind under its real name.
func (c *Cache) fetch(ctx context.Context, p string, r wire.ResourceInfo, f Fetcher) (int64, bool, error) {
	dir := filepath.Dir(p)
	if err := ensureDir(dir); err != nil {
		return 0, false, err
	}
	tmp := filepath.Join(dir, "."+uuid.NewString()+".part")
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return 0, false, rvlerrors.Resource("create "+tmp, err)
	}
	cw := &countingWriter{w: out}
	found, err := f.Fetch(ctx, r.PathID, r.Name, cw)
	closeErr := out.Close()
	if err == nil && closeErr != nil {
		err = rvlerrors.Resource("write "+tmp, closeErr)
	}
	if err != nil || !found {
		os.Remove(tmp) //nolint:errcheck
		if !found && err == nil {
			os.Remove(p) //nolint:errcheck
		}
		return 0, found, err
	}

	if fi, err := os.Stat(p); err == nil && fi.IsDir() {
		if err := os.RemoveAll(p); err != nil {
			os.Remove(tmp) //nolint:errcheck
			return 0, true, rvlerrors.Resource("replace dir "+p, err)
		}
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp) //nolint:errcheck
		return 0, true, rvlerrors.Resource("rename "+tmp, err)
	}
	mtime := time.UnixMilli(r.ModTime)
	if err := os.Chtimes(p, mtime, mtime); err != nil {
		return cw.n, true, rvlerrors.Resource("set mtime of "+p, err)
	}
	return cw.n, true, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
