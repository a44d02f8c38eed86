package registry

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pacm/pacm/internal/config"
)

// VersionCache persists a PackageSource's ListVersions result to a JSON
// sidecar file keyed by package name, so repeat resolves within the TTL
// skip the network round trip. Grounded on the teacher's
// internal/actions/download_cache.go sidecar-metadata idiom, adapted from
// per-URL download caching to per-package version-list caching.
type VersionCache struct {
	dir string
	ttl time.Duration
}

// NewVersionCache returns a VersionCache rooted at dir (typically
// config.Paths.VersionCacheDir) with entries expiring after ttl.
func NewVersionCache(dir string, ttl time.Duration) *VersionCache {
	return &VersionCache{dir: dir, ttl: ttl}
}

// NewDefaultVersionCache resolves the current environment's data home via
// internal/config and returns a VersionCache rooted at its version-cache
// directory, with the TTL read from PACM_VERSION_CACHE_TTL (or its
// default). This is the call site that actually wires config.Paths.
// VersionCacheDir and config.VersionCacheTTL into a running cache, since
// this module carries no cmd/ entrypoint to do that wiring at startup.
func NewDefaultVersionCache() (*VersionCache, error) {
	paths, err := config.Resolve()
	if err != nil {
		return nil, err
	}
	return NewVersionCache(paths.VersionCacheDir, config.VersionCacheTTL()), nil
}

type versionCacheEntry struct {
	Versions []string  `json:"versions"`
	CachedAt time.Time `json:"cached_at"`
}

func (c *VersionCache) path(sourceName, packageName string) string {
	return filepath.Join(c.dir, sourceName, safeFileName(packageName)+".json")
}

func safeFileName(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		switch c := name[i]; c {
		case '/', '\\', ':':
			out = append(out, '_')
		default:
			out = append(out, c)
		}
	}
	return string(out)
}

// Get returns a cached version list for packageName, if present and not
// older than the configured TTL.
func (c *VersionCache) Get(sourceName, packageName string) ([]string, bool) {
	data, err := os.ReadFile(c.path(sourceName, packageName))
	if err != nil {
		return nil, false
	}
	var entry versionCacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false
	}
	if time.Since(entry.CachedAt) > c.ttl {
		return nil, false
	}
	return entry.Versions, true
}

// Put records versions for packageName, atomically replacing any
// existing entry.
func (c *VersionCache) Put(sourceName, packageName string, versions []string) error {
	path := c.path(sourceName, packageName)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	entry := versionCacheEntry{Versions: versions, CachedAt: time.Now().UTC()}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// CachedSource wraps a PackageSource, caching ListVersions results.
type CachedSource struct {
	PackageSource
	cache      *VersionCache
	sourceName string
}

// WithCache wraps source so repeat ListVersions calls for the same
// package within the cache's TTL are served from disk.
func WithCache(sourceName string, source PackageSource, cache *VersionCache) *CachedSource {
	return &CachedSource{PackageSource: source, cache: cache, sourceName: sourceName}
}

// ListVersions serves from the on-disk cache when fresh, otherwise
// delegates to the wrapped source and refreshes the cache entry.
func (c *CachedSource) ListVersions(ctx context.Context, name string) ([]string, error) {
	if versions, ok := c.cache.Get(c.sourceName, name); ok {
		return versions, nil
	}
	versions, err := c.PackageSource.ListVersions(ctx, name)
	if err != nil {
		return nil, err
	}
	_ = c.cache.Put(c.sourceName, name, versions)
	return versions, nil
}
