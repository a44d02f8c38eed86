// Package pkgcache computes filesystem paths for downloaded-but-not-yet
// stored package tarballs, per spec.md §4.3. It is pure path arithmetic:
// no I/O, no state beyond the configured root. Scoped package names
// ("@scope/pkg") namespace by "/", matching npm's own on-disk layout --
// deliberately NOT the teacher's internal/registry/cache.go first-letter
// bucketing scheme, since that scheme has no counterpart in spec.md §4.3
// (see DESIGN.md).
package pkgcache

import "path/filepath"

// Cache computes package cache paths rooted at a directory (typically
// config.Paths.PackageCacheRoot).
type Cache struct {
	root string
}

// New returns a Cache rooted at root.
func New(root string) *Cache {
	return &Cache{root: root}
}

// PackagePath returns the directory a given (name, version) pair's
// extracted tarball contents live in. Scoped names split across nested
// directories: "@scope/pkg" at version "1.0.0" yields
// "<root>/@scope/pkg/1.0.0".
func (c *Cache) PackagePath(name, version string) string {
	return filepath.Join(c.root, filepath.FromSlash(name), version)
}

// IntegrityPath returns the sidecar file recording the verified
// integrity string for a cached package, so a repeat ensure can
// short-circuit without re-downloading.
func (c *Cache) IntegrityPath(name, version string) string {
	return c.PackagePath(name, version) + ".integrity"
}
