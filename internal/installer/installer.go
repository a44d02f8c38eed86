// Package installer materializes a resolved install plan into a
// project's node_modules tree and updates the lockfile to match, per
// spec.md §4.7. Grounded on _examples/original_source/fast_install.rs
// for the exact API and the teacher's install/manager.go copyDir/
// copySymlink/copyFile helpers (stripped of its pipx/shebang-specific
// logic) for the Copy install mode. Plan entries are installed
// concurrently via golang.org/x/sync/errgroup since each touches a
// distinct node_modules path, per spec.md §5.
package installer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/pacm/pacm/internal/lockfile"
	"github.com/pacm/pacm/internal/log"
	"github.com/pacm/pacm/internal/pacmerr"
	"github.com/pacm/pacm/internal/store"
)

// InstallMode selects how a package is materialized under node_modules.
type InstallMode int

const (
	// Link materializes a package as a directory symlink into the store.
	Link InstallMode = iota
	// Copy materializes a package as a deep, independent copy of the
	// store package directory.
	Copy
)

func (m InstallMode) String() string {
	if m == Copy {
		return "copy"
	}
	return "link"
}

// PackageInstance is a resolved package and its own dependency ranges,
// distinct from PackageEntry: it carries only the three dependency
// buckets relevant to install-time linking (runtime, optional, peer),
// not the lockfile's five-bucket (dev included) shape.
type PackageInstance struct {
	Name                 string
	Version              string
	Dependencies         map[string]string
	OptionalDependencies map[string]string
	PeerDependencies     map[string]string
}

// InstallPlanEntry pairs a resolved package instance with its store
// entry, ready to be linked or copied into a project.
type InstallPlanEntry struct {
	Package    PackageInstance
	StoreEntry store.StoreEntry
}

// InstallOutcome reports how one plan entry was materialized.
type InstallOutcome struct {
	PackageName string
	LinkMode    string
}

// Installer materializes install plans using a fixed InstallMode.
type Installer struct {
	mode   InstallMode
	Logger log.Logger // optional, falls back to log.Default()

	// Store and MaxCacheSize are optional. When both are set, Install
	// prunes the store down to MaxCacheSize bytes (oldest entries first)
	// after materializing the plan, typically fed by
	// config.Settings.MaxCacheSize via config.ParseByteSize.
	Store        *store.CasStore
	MaxCacheSize int64
}

// New returns an Installer using the given mode.
func New(mode InstallMode) *Installer {
	return &Installer{mode: mode}
}

func (inst *Installer) logger() log.Logger {
	if inst.Logger != nil {
		return inst.Logger
	}
	return log.Default()
}

// Install materializes every entry in plan under project's node_modules
// directory and updates the lockfile record at node_modules/<name> (name
// being the entry's Package.Name) in place.
// Entries are processed concurrently (bounded by errgroup's default,
// unbounded, goroutine-per-entry fan-out) since distinct plan entries
// never write the same target path. The first failure cancels the
// errgroup's derived context, so any entry whose installOne hasn't
// started its filesystem work yet returns ctx.Err() instead of touching
// node_modules; work already past that check still runs to completion.
// Either way the lockfile is left unmodified past the failure.
func (inst *Installer) Install(ctx context.Context, project string, plan map[string]*InstallPlanEntry, lock *lockfile.Lockfile) ([]InstallOutcome, error) {
	type result struct {
		outcome InstallOutcome
		key     string
	}

	results := make([]result, len(plan))
	keys := make([]string, 0, len(plan))
	for k := range plan {
		keys = append(keys, k)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, key := range keys {
		i, key := i, key
		entry := plan[key]
		g.Go(func() error {
			outcome, err := inst.installOne(gctx, project, entry)
			if err != nil {
				return fmt.Errorf("installer: %s: %w", entry.Package.Name, err)
			}
			results[i] = result{outcome: outcome, key: key}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	outcomes := make([]InstallOutcome, 0, len(results))
	for _, r := range results {
		outcomes = append(outcomes, r.outcome)

		lockKey := "node_modules/" + plan[r.key].Package.Name
		le, ok := lock.Packages[lockKey]
		if !ok {
			le = &lockfile.PackageEntry{}
			lock.Packages[lockKey] = le
		}
		storeKey := plan[r.key].StoreEntry.StoreKey
		contentHash := plan[r.key].StoreEntry.ContentHash
		rootDir := plan[r.key].StoreEntry.RootDir
		linkMode := r.outcome.LinkMode
		le.StoreKey = &storeKey
		le.ContentHash = &contentHash
		le.LinkMode = &linkMode
		le.StorePath = &rootDir
	}

	inst.logger().Info("install complete", "count", len(outcomes), "mode", inst.mode.String())

	if inst.Store != nil && inst.MaxCacheSize > 0 {
		removed, freed, pruneErr := inst.Store.Prune(inst.MaxCacheSize)
		if pruneErr != nil {
			inst.logger().Warn("store prune failed", "error", pruneErr)
		} else if removed > 0 {
			inst.logger().Info("store pruned", "entries_removed", removed, "bytes_freed", freed)
		}
	}

	return outcomes, nil
}

func (inst *Installer) installOne(ctx context.Context, project string, entry *InstallPlanEntry) (InstallOutcome, error) {
	if err := ctx.Err(); err != nil {
		return InstallOutcome{}, err
	}

	target := nodeModulesPath(project, entry.Package.Name)

	if err := os.RemoveAll(target); err != nil {
		return InstallOutcome{}, pacmerr.New(pacmerr.StoreIo, fmt.Sprintf("failed to clear %s", target), err)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return InstallOutcome{}, pacmerr.New(pacmerr.StoreIo, fmt.Sprintf("failed to create %s", filepath.Dir(target)), err)
	}

	switch inst.mode {
	case Copy:
		if err := copyDir(entry.StoreEntry.PackageDir, target); err != nil {
			return InstallOutcome{}, pacmerr.New(pacmerr.StoreIo, fmt.Sprintf("failed to copy %s", entry.Package.Name), err)
		}
	default:
		if err := os.Symlink(entry.StoreEntry.PackageDir, target); err != nil {
			return InstallOutcome{}, pacmerr.New(pacmerr.StoreIo, fmt.Sprintf("failed to link %s", entry.Package.Name), err)
		}
	}

	return InstallOutcome{PackageName: entry.Package.Name, LinkMode: inst.mode.String()}, nil
}

// nodeModulesPath computes the node_modules target for a package name,
// splitting scoped names ("@scope/pkg") across nested directories.
func nodeModulesPath(project, name string) string {
	parts := strings.Split(name, "/")
	segs := append([]string{project, "node_modules"}, parts...)
	return filepath.Join(segs...)
}

func copyDir(src, dst string) error {
	srcInfo, err := os.Stat(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dst, srcInfo.Mode()); err != nil {
		return err
	}

	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		srcPath := filepath.Join(src, entry.Name())
		dstPath := filepath.Join(dst, entry.Name())

		info, err := entry.Info()
		if err != nil {
			return err
		}

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			if err := copySymlink(srcPath, dstPath); err != nil {
				return err
			}
		case entry.IsDir():
			if err := copyDir(srcPath, dstPath); err != nil {
				return err
			}
		default:
			if err := copyFile(srcPath, dstPath); err != nil {
				return err
			}
		}
	}
	return nil
}

func copySymlink(src, dst string) error {
	target, err := os.Readlink(src)
	if err != nil {
		return err
	}
	os.Remove(dst)
	return os.Symlink(target, dst)
}

func copyFile(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	srcInfo, err := srcFile.Stat()
	if err != nil {
		return err
	}

	dstFile, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, srcInfo.Mode())
	if err != nil {
		return err
	}
	defer dstFile.Close()

	_, err = io.Copy(dstFile, srcFile)
	return err
}
