package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pacm/pacm/internal/pacmerr"
)

func writePackage(t *testing.T, dir, name, version string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"),
		[]byte(`{"name":"`+name+`","version":"`+version+`"}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bin.js"),
		[]byte("#!/usr/bin/env node\nconsole.log('ok');\n"), 0o644))
}

func strPtr(s string) *string { return &s }

func TestEnsureEntryCreatesAndLoads(t *testing.T) {
	root := t.TempDir()
	store, err := Open(filepath.Join(root, "store"))
	require.NoError(t, err)

	srcDir := filepath.Join(root, "src", "foo")
	writePackage(t, srcDir, "foo", "1.2.3")

	params := &EnsureParams{
		Name:      "foo",
		Version:   "1.2.3",
		SourceDir: srcDir,
		Integrity: strPtr("sha512-test"),
		Resolved:  strPtr("https://example.com/foo.tgz"),
	}

	entry, err := store.EnsureEntry(params)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(entry.PackageDir, "package.json"))
	assert.FileExists(t, filepath.Join(entry.PackageDir, "bin.js"))
	assert.FileExists(t, entry.MetadataPath)
	assert.True(t, strings.Contains(entry.StoreKey, "foo@1.2.3::"))

	loaded, err := store.LoadEntry(entry.StoreKey)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, entry.StoreKey, loaded.StoreKey)
	assert.Equal(t, entry.ContentHash, loaded.ContentHash)
	assert.Equal(t, entry.GraphHash, loaded.GraphHash)
	assert.Equal(t, entry.PackageDir, loaded.PackageDir)

	again, err := store.EnsureEntry(params)
	require.NoError(t, err)
	assert.Equal(t, entry.StoreKey, again.StoreKey)
	assert.Equal(t, entry.CreatedAt, again.CreatedAt)
}

func TestEnsureEntryDependencyOrderDeterministic(t *testing.T) {
	root := t.TempDir()
	store, err := Open(filepath.Join(root, "store"))
	require.NoError(t, err)

	depADir := filepath.Join(root, "src", "dep-a")
	writePackage(t, depADir, "dep-a", "1.0.0")
	depBDir := filepath.Join(root, "src", "dep-b")
	writePackage(t, depBDir, "dep-b", "2.0.0")
	parentDir := filepath.Join(root, "src", "parent")
	writePackage(t, parentDir, "parent", "3.0.0")

	depA, err := store.EnsureEntry(&EnsureParams{Name: "dep-a", Version: "1.0.0", SourceDir: depADir})
	require.NoError(t, err)
	depB, err := store.EnsureEntry(&EnsureParams{Name: "dep-b", Version: "2.0.0", SourceDir: depBDir})
	require.NoError(t, err)

	forward := []DependencyFingerprint{
		{Name: "dep-a", Version: "1.0.0", StoreKey: &depA.StoreKey},
		{Name: "dep-b", Version: "2.0.0", StoreKey: &depB.StoreKey},
	}
	reverse := []DependencyFingerprint{forward[1], forward[0]}

	first, err := store.EnsureEntry(&EnsureParams{
		Name: "parent", Version: "3.0.0", SourceDir: parentDir, Dependencies: forward,
	})
	require.NoError(t, err)

	second, err := store.EnsureEntry(&EnsureParams{
		Name: "parent", Version: "3.0.0", SourceDir: parentDir, Dependencies: reverse,
	})
	require.NoError(t, err)

	assert.Equal(t, first.StoreKey, second.StoreKey)
	assert.Equal(t, first.GraphHash, second.GraphHash)
	assert.Equal(t, first.RootDir, second.RootDir)
	assert.True(t, strings.HasPrefix(first.RootDir, store.Root()))
}

func TestLoadEntryMissingReturnsNil(t *testing.T) {
	root := t.TempDir()
	store, err := Open(filepath.Join(root, "store"))
	require.NoError(t, err)

	entry, err := store.LoadEntry("nope@1.0.0::0000000000000000")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestPruneEvictsOldestEntriesFirst(t *testing.T) {
	root := t.TempDir()
	casStore, err := Open(filepath.Join(root, "store"))
	require.NoError(t, err)

	oldDir := filepath.Join(root, "src", "old")
	writePackage(t, oldDir, "old", "1.0.0")
	oldEntry, err := casStore.EnsureEntry(&EnsureParams{Name: "old", Version: "1.0.0", SourceDir: oldDir})
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)

	newDir := filepath.Join(root, "src", "new")
	writePackage(t, newDir, "new", "1.0.0")
	newEntry, err := casStore.EnsureEntry(&EnsureParams{Name: "new", Version: "1.0.0", SourceDir: newDir})
	require.NoError(t, err)

	newSize, err := dirSize(newEntry.RootDir)
	require.NoError(t, err)

	removed, freed, err := casStore.Prune(newSize)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.True(t, freed > 0)

	_, statErr := os.Stat(oldEntry.RootDir)
	assert.True(t, os.IsNotExist(statErr), "oldest entry should have been evicted")
	assert.DirExists(t, newEntry.RootDir)
}

func TestPruneNoLimitIsNoop(t *testing.T) {
	root := t.TempDir()
	casStore, err := Open(filepath.Join(root, "store"))
	require.NoError(t, err)

	srcDir := filepath.Join(root, "src", "foo")
	writePackage(t, srcDir, "foo", "1.0.0")
	entry, err := casStore.EnsureEntry(&EnsureParams{Name: "foo", Version: "1.0.0", SourceDir: srcDir})
	require.NoError(t, err)

	removed, freed, err := casStore.Prune(0)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
	assert.Equal(t, int64(0), freed)
	assert.DirExists(t, entry.RootDir)
}

func TestLoadEntryCorruptMetadataIsStoreCorrupt(t *testing.T) {
	root := t.TempDir()
	storeRoot := filepath.Join(root, "store")
	store, err := Open(storeRoot)
	require.NoError(t, err)

	key := "bad@1.0.0::0000000000000000"
	dir := filepath.Join(storeRoot, key)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "metadata.json"), []byte("{not json"), 0o644))

	_, err = store.LoadEntry(key)
	assert.Error(t, err)
	assert.True(t, pacmerr.Is(err, pacmerr.StoreCorrupt))
}
