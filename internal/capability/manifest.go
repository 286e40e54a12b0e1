package capability

import (
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	rvlerrors "rvl/internal/errors"
	"rvl/internal/wire"
	"rvl/util"
)

// ── Classpath collection ─────────────────────────────────────────────

// BuildClasspath assigns ids "1", "2", … to the local entries in order.
// Paths are sent relative to workDir when possible, slash separated.
// Excluded entries, duplicates and entries that do not exist are left
// out.
func BuildClasspath(workDir string, entries, exclude []string, log *util.Logger) *wire.LocalClasspath {
	excluded := make(map[string]bool, 2*len(exclude))
	for _, e := range exclude {
		abs, rel := classpathForms(workDir, e)
		excluded[abs] = true
		excluded[rel] = true
	}

	lc := &wire.LocalClasspath{}
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		abs, rel := classpathForms(workDir, e)
		if excluded[abs] || excluded[rel] || seen[rel] {
			continue
		}
		if _, err := os.Stat(abs); err != nil {
			if log != nil {
				log.Warn("Skipping classpath entry %s: %v", e, err)
			}
			continue
		}
		seen[rel] = true
		lc.Entries = append(lc.Entries, wire.PathEntry{ID: strconv.Itoa(len(lc.Entries) + 1), Path: rel})
	}
	return lc
}

// classpathForms returns the absolute path of entry and the form sent
// on the wire.
func classpathForms(workDir, entry string) (abs, wirePath string) {
	abs = localPath(workDir, filepath.FromSlash(entry))
	if rel, err := filepath.Rel(workDir, abs); err == nil {
		return abs, filepath.ToSlash(rel)
	}
	return abs, filepath.ToSlash(abs)
}

func localPath(workDir, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(workDir, p)
}

// BuildManifest walks every entry of lc.  A plain-file entry yields one
// resource with an empty name; a directory yields one resource per file
// beneath it, named relative to the entry.
func BuildManifest(workDir string, lc *wire.LocalClasspath) (*wire.CacheManifest, error) {
	m := &wire.CacheManifest{}
	for _, e := range lc.Entries {
		root := localPath(workDir, filepath.FromSlash(e.Path))
		fi, err := os.Stat(root)
		if err != nil {
			return nil, rvlerrors.Resource("read classpath entry "+e.Path, err)
		}
		if !fi.IsDir() {
			m.Resources = append(m.Resources, resourceInfo(e.ID, "", fi))
			continue
		}
		err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			fi, err := os.Stat(p) // follows symlinks
			if err != nil || !fi.Mode().IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(root, p)
			if err != nil {
				return err
			}
			m.Resources = append(m.Resources, resourceInfo(e.ID, filepath.ToSlash(rel), fi))
			return nil
		})
		if err != nil {
			return nil, rvlerrors.Resource("walk classpath entry "+e.Path, err)
		}
	}
	return m, nil
}

func resourceInfo(id, name string, fi os.FileInfo) wire.ResourceInfo {
	return wire.ResourceInfo{
		PathID:  id,
		Name:    name,
		ModTime: fi.ModTime().UnixMilli(),
		Length:  fi.Size(),
	}
}

// resolveResource maps a resource request to a local file.  Requests
// that name an unknown entry or climb out of it resolve to nothing.
func resolveResource(workDir string, lc *wire.LocalClasspath, pathID, name string) (string, bool) {
	entry, ok := lc.Lookup(pathID)
	if !ok {
		return "", false
	}
	root := localPath(workDir, filepath.FromSlash(entry))
	if name == "" {
		return root, true
	}
	clean := path.Clean(name)
	if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", false
	}
	return filepath.Join(root, filepath.FromSlash(clean)), true
}
