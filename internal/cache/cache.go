// Package cache keeps the worker's copy of the launcher's local
// classpath.
//
// Each entry program gets its own directory under the cache root.  Every
// launcher path is mapped to a local id, a directory or file name inside
// that directory, and the mapping is kept in a ".dirs" file so that the
// next run of the same program only fetches what changed.
package cache

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	rvlerrors "rvl/internal/errors"
	"rvl/internal/wire"
	"rvl/util"
)

// TranslationFile holds the "localID,remotePath" lines.
const TranslationFile = ".dirs"

// Fetcher downloads one resource into w.  found is false when the
// launcher answered that the resource does not exist.
type Fetcher interface {
	Fetch(ctx context.Context, pathID, name string, w io.Writer) (found bool, err error)
}

// FetchFunc adapts a function to Fetcher.
type FetchFunc func(ctx context.Context, pathID, name string, w io.Writer) (bool, error)

// Fetch implements Fetcher.
func (f FetchFunc) Fetch(ctx context.Context, pathID, name string, w io.Writer) (bool, error) {
	return f(ctx, pathID, name, w)
}

// Stats summarises one Sync.
type Stats struct {
	DeletedFiles int
	DeletedDirs  int
	Updated      int
	Total        int
	Missing      int
	Bytes        int64
}

// String renders the stats the way the worker logs them.
func (s Stats) String() string {
	return fmt.Sprintf("Removed old files/dirs (%d, %d), updated/total resources (%d/%d), fetched %s",
		s.DeletedFiles, s.DeletedDirs, s.Updated, s.Total, humanize.Bytes(uint64(s.Bytes)))
}

// Cache is the per-program cache directory.  It is not safe for
// concurrent use.
type Cache struct {
	dir string
	log *util.Logger

	// remote path → local id
	translations map[string]string
	// local paths of the last synced classpath, in launcher order
	paths   []string
	remotes []string
}

// Open prepares root/main, replacing a plain file that is in the way.
func Open(root, main string, log *util.Logger) (*Cache, error) {
	if log == nil {
		log = util.NewLogger(0)
	}
	if main == "" {
		return nil, rvlerrors.Protocolf(string(wire.TagMainClass), rvlerrors.ErrMalformed, "empty entry program name")
	}
	if err := ensureDir(root); err != nil {
		return nil, err
	}
	dir := filepath.Join(root, dirName(main))
	if err := ensureDir(dir); err != nil {
		return nil, err
	}
	return &Cache{dir: dir, log: log, translations: make(map[string]string)}, nil
}

// dirName turns an entry program name into a single path element.
func dirName(main string) string {
	name := strings.NewReplacer("/", "_", "\\", "_").Replace(main)
	if name == "." || name == ".." {
		name = "_" + name
	}
	return name
}

func ensureDir(dir string) error {
	if fi, err := os.Stat(dir); err == nil && !fi.IsDir() {
		if err := os.Remove(dir); err != nil {
			return rvlerrors.Resource("replace file "+dir, err)
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return rvlerrors.Resource("create dir "+dir, err)
	}
	return nil
}

// Dir returns the per-program cache directory.
func (c *Cache) Dir() string { return c.dir }

// Paths returns the local copies of the launcher's classpath entries in
// the order the launcher listed them.  Valid after Sync.
func (c *Cache) Paths() []string { return append([]string(nil), c.paths...) }

// Sync brings the cache in line with the launcher's classpath and
// manifest, fetching every stale resource through f.
func (c *Cache) Sync(ctx context.Context, lc *wire.LocalClasspath, manifest *wire.CacheManifest, f Fetcher) (Stats, error) {
	var st Stats
	if lc == nil {
		lc = &wire.LocalClasspath{}
	}
	if manifest == nil {
		manifest = &wire.CacheManifest{}
	}
	if err := validate(lc, manifest); err != nil {
		return st, err
	}

	if err := c.loadTranslations(); err != nil {
		return st, err
	}
	c.removeOrphans(lc)
	c.defineTranslations(lc)
	if err := c.saveTranslations(); err != nil {
		return st, err
	}

	c.paths, c.remotes = c.paths[:0], c.remotes[:0]
	for _, e := range lc.Entries {
		c.paths = append(c.paths, filepath.Join(c.dir, c.translations[e.Path]))
		c.remotes = append(c.remotes, e.Path)
	}

	want := c.targets(lc, manifest)
	if err := c.prune(want, &st); err != nil {
		return st, err
	}
	if err := c.update(ctx, lc, manifest, f, &st); err != nil {
		return st, err
	}
	return st, nil
}

// validate rejects manifests that would write outside the cache.
func validate(lc *wire.LocalClasspath, manifest *wire.CacheManifest) error {
	for _, r := range manifest.Resources {
		if _, ok := lc.Lookup(r.PathID); !ok {
			return rvlerrors.Protocolf(string(wire.TagCacheManifest), rvlerrors.ErrMalformed, "resource %q names unknown path id %q", r.Name, r.PathID)
		}
		if r.Name == "" {
			continue
		}
		clean := path.Clean(r.Name)
		if path.IsAbs(r.Name) || clean != r.Name || clean == ".." || strings.HasPrefix(clean, "../") {
			return rvlerrors.Protocolf(string(wire.TagCacheManifest), rvlerrors.ErrMalformed, "resource name %q is not a clean relative path", r.Name)
		}
		if r.Length < 0 {
			return rvlerrors.Protocolf(string(wire.TagCacheManifest), rvlerrors.ErrMalformed, "resource %q has length %d", r.Name, r.Length)
		}
	}
	return nil
}

// ── Path translations ────────────────────────────────────────────────

func (c *Cache) loadTranslations() error {
	c.translations = make(map[string]string)
	f, err := os.Open(filepath.Join(c.dir, TranslationFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return rvlerrors.Resource("read path translations", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for line := 1; sc.Scan(); line++ {
		text := sc.Text()
		if text == "" {
			continue
		}
		id, remote, ok := strings.Cut(text, ",")
		if !ok || !validID(id) {
			return rvlerrors.Resource("read path translations",
				fmt.Errorf("bad line %d in %s: %q", line, TranslationFile, text))
		}
		c.translations[remote] = id
	}
	if err := sc.Err(); err != nil {
		return rvlerrors.Resource("read path translations", err)
	}
	return nil
}

func validID(id string) bool {
	return id != "" && id != "." && id != ".." && id != TranslationFile && !strings.ContainsAny(id, "/\\")
}

// removeOrphans forgets translations of paths the launcher no longer
// sends.
func (c *Cache) removeOrphans(lc *wire.LocalClasspath) {
	current := make(map[string]bool, len(lc.Entries))
	for _, e := range lc.Entries {
		current[e.Path] = true
	}
	for remote := range c.translations {
		if !current[remote] {
			c.log.Debug("Forgetting %s (%s)", remote, c.translations[remote])
			delete(c.translations, remote)
		}
	}
}

// defineTranslations gives every new path a local id derived from its
// base name, prefixed with "N_" until it is unique.
func (c *Cache) defineTranslations(lc *wire.LocalClasspath) {
	used := make(map[string]bool, len(c.translations))
	for _, id := range c.translations {
		used[id] = true
	}
	for _, e := range lc.Entries {
		if _, ok := c.translations[e.Path]; ok {
			continue
		}
		base := baseName(e.Path)
		id := base
		for i := 1; used[id]; i++ {
			id = strconv.Itoa(i) + "_" + base
		}
		used[id] = true
		c.translations[e.Path] = id
		c.log.Debug("Caching %s as %s", e.Path, id)
	}
}

func baseName(remote string) string {
	remote = strings.TrimRight(remote, "/\\")
	if i := strings.LastIndexAny(remote, "/\\"); i >= 0 {
		remote = remote[i+1:]
	}
	if !validID(remote) {
		return "entry"
	}
	return remote
}

func (c *Cache) saveTranslations() error {
	remotes := make([]string, 0, len(c.translations))
	for remote := range c.translations {
		remotes = append(remotes, remote)
	}
	sort.Strings(remotes)

	var b strings.Builder
	for _, remote := range remotes {
		b.WriteString(c.translations[remote])
		b.WriteByte(',')
		b.WriteString(remote)
		b.WriteByte('\n')
	}
	if err := os.WriteFile(filepath.Join(c.dir, TranslationFile), []byte(b.String()), 0o644); err != nil {
		return rvlerrors.Resource("write path translations", err)
	}
	return nil
}

// localPath maps a manifest resource to its file in the cache.
func (c *Cache) localPath(lc *wire.LocalClasspath, r wire.ResourceInfo) string {
	remote, _ := lc.Lookup(r.PathID)
	p := filepath.Join(c.dir, c.translations[remote])
	if r.Name == "" {
		return p
	}
	return filepath.Join(p, filepath.FromSlash(r.Name))
}

func (c *Cache) targets(lc *wire.LocalClasspath, manifest *wire.CacheManifest) map[string]bool {
	want := make(map[string]bool, len(manifest.Resources))
	for _, r := range manifest.Resources {
		want[c.localPath(lc, r)] = true
	}
	return want
}
