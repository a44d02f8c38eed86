// Package store implements pacm's content-addressed package store (CAS),
// the heart of the system per spec.md §2/§4.4. A package instance's
// store key is derived deterministically from its file tree and its
// resolved dependency graph, so identical inputs always land at the same
// path regardless of dependency ordering. Grounded on
// _examples/original_source/cas_store.rs for the exact API and
// determinism invariants, and on the teacher's install/manager.go
// copyDir idiom for the tree-copy step.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pacm/pacm/internal/pacmerr"
)

// DependencyFingerprint identifies one resolved dependency of a package
// instance. StoreKey is nil when the dependency hasn't been stored yet.
type DependencyFingerprint struct {
	Name     string
	Version  string
	StoreKey *string
}

// EnsureParams describes a package instance to materialize in the store.
type EnsureParams struct {
	Name         string
	Version      string
	Dependencies []DependencyFingerprint
	SourceDir    string
	Integrity    *string
	Resolved     *string
}

// StoreEntry is a fully materialized package instance inside the store.
type StoreEntry struct {
	StoreKey     string
	ContentHash  string
	GraphHash    string
	RootDir      string
	PackageDir   string
	MetadataPath string
	Dependencies []DependencyFingerprint
	CreatedAt    time.Time
}

// metadataFile is the on-disk JSON shape of metadata.json.
type metadataFile struct {
	StoreKey     string               `json:"store_key"`
	Name         string               `json:"name"`
	Version      string               `json:"version"`
	ContentHash  string               `json:"content_hash"`
	GraphHash    string               `json:"graph_hash"`
	Integrity    *string              `json:"integrity,omitempty"`
	Resolved     *string              `json:"resolved,omitempty"`
	Dependencies []dependencyMetadata `json:"dependencies"`
	CreatedAt    time.Time            `json:"created_at"`
}

type dependencyMetadata struct {
	Name     string  `json:"name"`
	Version  string  `json:"version"`
	StoreKey *string `json:"store_key,omitempty"`
}

// CasStore is a content-addressed package store rooted at a directory.
type CasStore struct {
	root string
}

// Open returns a CasStore rooted at root, creating the directory if
// necessary.
func Open(root string) (*CasStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, pacmerr.New(pacmerr.StoreIo, fmt.Sprintf("failed to create store root %s", root), err)
	}
	return &CasStore{root: root}, nil
}

// Root returns the store's root directory.
func (s *CasStore) Root() string { return s.root }

// EnsureEntry materializes a package instance in the store, returning its
// StoreEntry. If an entry with the same store key already exists, it is
// loaded and returned unchanged (created_at is preserved) rather than
// rewritten. The staging step copies SourceDir into a sibling temp
// directory and atomically renames it into place, so a crash mid-copy
// never leaves a corrupt or partial root_dir visible under its final
// name, and concurrent callers racing on the same store key converge on
// exactly one winner.
func (s *CasStore) EnsureEntry(params *EnsureParams) (*StoreEntry, error) {
	contentHash, err := hashTree(params.SourceDir)
	if err != nil {
		return nil, pacmerr.New(pacmerr.StoreIo, fmt.Sprintf("failed to hash source tree %s", params.SourceDir), err)
	}

	deps := make([]DependencyFingerprint, len(params.Dependencies))
	copy(deps, params.Dependencies)
	sort.Slice(deps, func(i, j int) bool {
		if deps[i].Name != deps[j].Name {
			return deps[i].Name < deps[j].Name
		}
		return deps[i].Version < deps[j].Version
	})

	graphHash := hashGraph(contentHash, deps)
	storeKey := fmt.Sprintf("%s@%s::%s", params.Name, params.Version, graphHash[:16])

	if existing, err := s.LoadEntry(storeKey); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	rootDir := filepath.Join(s.root, storeKey)
	packageDir := filepath.Join(rootDir, "package")
	metadataPath := filepath.Join(rootDir, "metadata.json")

	stagingDir := filepath.Join(s.root, ".staging-"+uuid.NewString())
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return nil, pacmerr.New(pacmerr.StoreIo, "failed to create staging directory", err)
	}
	defer os.RemoveAll(stagingDir)

	stagedPackageDir := filepath.Join(stagingDir, "package")
	if err := copyTree(params.SourceDir, stagedPackageDir); err != nil {
		return nil, pacmerr.New(pacmerr.StoreIo, fmt.Sprintf("failed to copy %s into store", params.SourceDir), err)
	}

	createdAt := time.Now().UTC()
	meta := metadataFile{
		StoreKey:    storeKey,
		Name:        params.Name,
		Version:     params.Version,
		ContentHash: contentHash,
		GraphHash:   graphHash,
		Integrity:   params.Integrity,
		Resolved:    params.Resolved,
		CreatedAt:   createdAt,
	}
	for _, d := range deps {
		meta.Dependencies = append(meta.Dependencies, dependencyMetadata{
			Name: d.Name, Version: d.Version, StoreKey: d.StoreKey,
		})
	}

	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, pacmerr.New(pacmerr.StoreIo, "failed to encode store metadata", err)
	}
	if err := os.WriteFile(filepath.Join(stagingDir, "metadata.json"), metaBytes, 0o644); err != nil {
		return nil, pacmerr.New(pacmerr.StoreIo, "failed to write store metadata", err)
	}

	if err := os.Rename(stagingDir, rootDir); err != nil {
		// Another goroutine/process won the race and created rootDir first;
		// defer to its entry so ensure_entry has exactly one winner.
		if existing, loadErr := s.LoadEntry(storeKey); loadErr == nil && existing != nil {
			return existing, nil
		}
		return nil, pacmerr.New(pacmerr.StoreIo, fmt.Sprintf("failed to publish store entry %s", storeKey), err)
	}

	return &StoreEntry{
		StoreKey:     storeKey,
		ContentHash:  contentHash,
		GraphHash:    graphHash,
		RootDir:      rootDir,
		PackageDir:   packageDir,
		MetadataPath: metadataPath,
		Dependencies: deps,
		CreatedAt:    createdAt,
	}, nil
}

// LoadEntry reads an existing entry by store key, returning (nil, nil)
// if it doesn't exist. A present-but-unparseable metadata.json yields a
// pacmerr.StoreCorrupt error.
func (s *CasStore) LoadEntry(storeKey string) (*StoreEntry, error) {
	rootDir := filepath.Join(s.root, storeKey)
	metadataPath := filepath.Join(rootDir, "metadata.json")

	data, err := os.ReadFile(metadataPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, pacmerr.New(pacmerr.StoreIo, fmt.Sprintf("failed to read %s", metadataPath), err)
	}

	var meta metadataFile
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, pacmerr.New(pacmerr.StoreCorrupt, fmt.Sprintf("corrupt metadata at %s", metadataPath), err)
	}

	deps := make([]DependencyFingerprint, 0, len(meta.Dependencies))
	for _, d := range meta.Dependencies {
		deps = append(deps, DependencyFingerprint{Name: d.Name, Version: d.Version, StoreKey: d.StoreKey})
	}

	return &StoreEntry{
		StoreKey:     meta.StoreKey,
		ContentHash:  meta.ContentHash,
		GraphHash:    meta.GraphHash,
		RootDir:      rootDir,
		PackageDir:   filepath.Join(rootDir, "package"),
		MetadataPath: metadataPath,
		Dependencies: deps,
		CreatedAt:    meta.CreatedAt,
	}, nil
}

// storeEntrySize pairs a store entry with the total size of its root_dir
// on disk, used only by Prune's eviction ordering.
type storeEntrySize struct {
	entry *StoreEntry
	bytes int64
}

// Prune evicts whole store entries, oldest CreatedAt first, until the
// store's total on-disk size is at or under maxBytes. It returns the
// number of entries removed and the bytes freed. maxBytes <= 0 is
// treated as "no limit": Prune is then a no-op, matching
// config.Settings.MaxCacheSizeBytes, which returns 0 for an unset limit.
func (s *CasStore) Prune(maxBytes int64) (removed int, freed int64, err error) {
	if maxBytes <= 0 {
		return 0, 0, nil
	}

	dirEntries, err := os.ReadDir(s.root)
	if err != nil {
		return 0, 0, pacmerr.New(pacmerr.StoreIo, fmt.Sprintf("failed to list store root %s", s.root), err)
	}

	var sized []storeEntrySize
	var total int64
	for _, de := range dirEntries {
		if !de.IsDir() || strings.HasPrefix(de.Name(), ".staging-") {
			continue
		}
		entry, loadErr := s.LoadEntry(de.Name())
		if loadErr != nil || entry == nil {
			continue
		}
		size, sizeErr := dirSize(entry.RootDir)
		if sizeErr != nil {
			return removed, freed, pacmerr.New(pacmerr.StoreIo, fmt.Sprintf("failed to size store entry %s", entry.StoreKey), sizeErr)
		}
		sized = append(sized, storeEntrySize{entry: entry, bytes: size})
		total += size
	}

	sort.Slice(sized, func(i, j int) bool {
		return sized[i].entry.CreatedAt.Before(sized[j].entry.CreatedAt)
	})

	for _, se := range sized {
		if total <= maxBytes {
			break
		}
		if err := os.RemoveAll(se.entry.RootDir); err != nil {
			return removed, freed, pacmerr.New(pacmerr.StoreIo, fmt.Sprintf("failed to evict store entry %s", se.entry.StoreKey), err)
		}
		total -= se.bytes
		freed += se.bytes
		removed++
	}

	return removed, freed, nil
}

// dirSize sums the apparent size of every regular file under root.
func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	return total, err
}

// hashTree computes a deterministic content hash over a directory tree:
// sha256 of the concatenation, in sorted relative-path order, of
// "<rel-path>\0<mode>\0<length>\0" plus the file's bytes for regular
// files, or "<rel-path>\0SYM\0<target>\0" for symlinks.
func hashTree(root string) (string, error) {
	var paths []string
	infoByPath := map[string]fs.DirEntry{}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			return nil
		}
		paths = append(paths, rel)
		infoByPath[rel] = d
		return nil
	})
	if err != nil {
		return "", err
	}
	sort.Strings(paths)

	h := sha256.New()
	for _, rel := range paths {
		d := infoByPath[rel]
		full := filepath.Join(root, filepath.FromSlash(rel))

		if d.Type()&fs.ModeSymlink != 0 {
			target, err := os.Readlink(full)
			if err != nil {
				return "", err
			}
			fmt.Fprintf(h, "%s\x00SYM\x00%s\x00", rel, target)
			continue
		}

		info, err := d.Info()
		if err != nil {
			return "", err
		}
		fmt.Fprintf(h, "%s\x00%o\x00%d\x00", rel, info.Mode().Perm(), info.Size())

		f, err := os.Open(full)
		if err != nil {
			return "", err
		}
		_, err = io.Copy(h, f)
		f.Close()
		if err != nil {
			return "", err
		}
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// hashGraph computes sha256(content_hash + sorted dependency fingerprints),
// each fingerprint contributing "<name>\0<version>\0<store_key or "">\0".
// Dependencies must already be sorted by the caller so the result is
// independent of original input order.
func hashGraph(contentHash string, sortedDeps []DependencyFingerprint) string {
	h := sha256.New()
	io.WriteString(h, contentHash)
	for _, d := range sortedDeps {
		key := ""
		if d.StoreKey != nil {
			key = *d.StoreKey
		}
		fmt.Fprintf(h, "%s\x00%s\x00%s\x00", d.Name, d.Version, key)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// copyTree recursively copies src into dst, preserving file modes and
// symlinks, grounded on the teacher's install/manager.go copyDir idiom.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case d.IsDir():
			info, err := d.Info()
			if err != nil {
				return err
			}
			return os.MkdirAll(target, info.Mode().Perm())
		default:
			return copyFile(path, target, d)
		}
	})
}

func copyFile(src, dst string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
