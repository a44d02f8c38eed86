package functional

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/cucumber/godog"

	"github.com/pacm/pacm/internal/installer"
	"github.com/pacm/pacm/internal/lockfile"
	"github.com/pacm/pacm/internal/pkgcache"
	"github.com/pacm/pacm/internal/semverrange"
	"github.com/pacm/pacm/internal/specifier"
	"github.com/pacm/pacm/internal/store"
	"github.com/pacm/pacm/internal/tarball"
)

type stateKeyType struct{}

var stateKey = stateKeyType{}

type scenarioState struct {
	root string

	tarballData      []byte
	tarballName      string
	tarballVersion   string
	lastIntegrity    string
	firstIntegrity   string
	lastErr          error
	cachePath        string

	sourceDir    string
	storeRoot    string
	firstEntry   *store.StoreEntry
	secondEntry  *store.StoreEntry

	lock         *lockfile.Lockfile
	encoded      []byte
	decoded      *lockfile.Lockfile

	projectDir   string
	plan         map[string]*installer.InstallPlanEntry

	parsedName   string
	parsedRange  string
	canonResult  string
}

func getState(ctx context.Context) *scenarioState {
	s, _ := ctx.Value(stateKey).(*scenarioState)
	return s
}

func initializeScenario(ctx *godog.ScenarioContext) {
	ctx.Before(func(c context.Context, sc *godog.Scenario) (context.Context, error) {
		root, err := os.MkdirTemp("", "pacm-functional-*")
		if err != nil {
			return c, err
		}
		s := &scenarioState{root: root, plan: map[string]*installer.InstallPlanEntry{}}
		return context.WithValue(c, stateKey, s), nil
	})
	ctx.After(func(c context.Context, sc *godog.Scenario, err error) (context.Context, error) {
		if s := getState(c); s != nil {
			os.RemoveAll(s.root)
		}
		return c, nil
	})

	ctx.Step(`^a gzip tarball for "([^"]*)" version "([^"]*)" containing:$`, aGzipTarballContaining)
	ctx.Step(`^I ensure the cached package with no expected integrity$`, iEnsureCachedPackageWithNoExpectedIntegrity)
	ctx.Step(`^I ensure the cached package again with the returned integrity$`, iEnsureCachedPackageAgainWithTheReturnedIntegrity)
	ctx.Step(`^I ensure the cached package expecting integrity "([^"]*)"$`, iEnsureCachedPackageExpectingIntegrity)
	ctx.Step(`^the returned integrity starts with "([^"]*)"$`, theReturnedIntegrityStartsWith)
	ctx.Step(`^the returned integrity is unchanged$`, theReturnedIntegrityIsUnchanged)
	ctx.Step(`^the cache path contains "([^"]*)"$`, theCachePathContains)
	ctx.Step(`^the cache path does not exist$`, theCachePathDoesNotExist)
	ctx.Step(`^the operation fails with an error containing "([^"]*)"$`, theOperationFailsWithAnErrorContaining)

	ctx.Step(`^a source tree for "([^"]*)" version "([^"]*)" with file "([^"]*)" containing "([^"]*)"$`, aSourceTreeWithFile)
	ctx.Step(`^I ensure a store entry with dependencies "([^"]*)"$`, iEnsureAStoreEntryWithDependencies)
	ctx.Step(`^both store entries have the same store key$`, bothStoreEntriesHaveTheSameStoreKey)
	ctx.Step(`^both store entries have the same graph hash$`, bothStoreEntriesHaveTheSameGraphHash)
	ctx.Step(`^both store entries have the same root directory$`, bothStoreEntriesHaveTheSameRootDirectory)

	ctx.Step(`^a lockfile with format (\d+)$`, aLockfileWithFormat)
	ctx.Step(`^a root entry with version "([^"]*)" and integrity "([^"]*)"$`, aRootEntryWithVersionAndIntegrity)
	ctx.Step(`^a dependency entry "([^"]*)" with version "([^"]*)"$`, aDependencyEntryWithVersion)
	ctx.Step(`^I encode the lockfile$`, iEncodeTheLockfile)
	ctx.Step(`^the encoded bytes start with "([^"]*)"$`, theEncodedBytesStartWith)
	ctx.Step(`^I decode the encoded bytes$`, iDecodeTheEncodedBytes)
	ctx.Step(`^the decoded lockfile equals the original$`, theDecodedLockfileEqualsTheOriginal)

	ctx.Step(`^an empty project directory$`, anEmptyProjectDirectory)
	ctx.Step(`^a store entry for "([^"]*)" version "([^"]*)" with file "([^"]*)" containing "([^"]*)"$`, aStoreEntryForWithFile)
	ctx.Step(`^I install the plan in "([^"]*)" mode$`, iInstallThePlanInMode)
	ctx.Step(`^the project file "([^"]*)" exists$`, theProjectFileExists)
	ctx.Step(`^the lockfile entry "([^"]*)" has link mode "([^"]*)"$`, theLockfileEntryHasLinkMode)
	ctx.Step(`^the lockfile entry "([^"]*)" has a store path equal to its root directory$`, theLockfileEntryHasAStorePathEqualToItsRootDirectory)

	ctx.Step(`^I parse the specifier "([^"]*)"$`, iParseTheSpecifier)
	ctx.Step(`^the parsed name is "([^"]*)"$`, theParsedNameIs)
	ctx.Step(`^the parsed range is "([^"]*)"$`, theParsedRangeIs)

	ctx.Step(`^I canonicalize the range "([^"]*)"$`, iCanonicalizeTheRange)
	ctx.Step(`^the canonical range is "([^"]*)"$`, theCanonicalRangeIs)
	ctx.Step(`^the canonical range contains "([^"]*)"$`, theCanonicalRangeContains)
}

func buildGzipTarball(entries [][2]string) ([]byte, error) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	for _, e := range entries {
		name, content := e[0], e[1]
		hdr := &tar.Header{
			Name: "package/" + name,
			Mode: 0o644,
			Size: int64(len(content)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func aGzipTarballContaining(ctx context.Context, name, version string, table *godog.Table) error {
	s := getState(ctx)
	var entries [][2]string
	for _, row := range table.Rows {
		entries = append(entries, [2]string{
			strings.TrimSpace(row.Cells[0].Value),
			strings.ReplaceAll(row.Cells[1].Value, "\\n", "\n"),
		})
	}
	data, err := buildGzipTarball(entries)
	if err != nil {
		return err
	}
	s.tarballData = data
	s.tarballName = name
	s.tarballVersion = version
	return nil
}

func (s *scenarioState) cache() *pkgcache.Cache {
	return pkgcache.New(filepath.Join(s.root, "cache"))
}

func iEnsureCachedPackageWithNoExpectedIntegrity(ctx context.Context) error {
	s := getState(ctx)
	dest := s.cache().PackagePath(s.tarballName, s.tarballVersion)
	s.cachePath = dest
	integrity, err := tarball.Ingest(s.tarballData, tarball.Gzip, dest, "")
	s.lastIntegrity = integrity
	s.firstIntegrity = integrity
	s.lastErr = err
	return nil
}

func iEnsureCachedPackageAgainWithTheReturnedIntegrity(ctx context.Context) error {
	s := getState(ctx)
	dest := s.cache().PackagePath(s.tarballName, s.tarballVersion)
	integrity, err := tarball.Ingest(s.tarballData, tarball.Gzip, dest, s.firstIntegrity)
	s.lastIntegrity = integrity
	s.lastErr = err
	return err
}

func iEnsureCachedPackageExpectingIntegrity(ctx context.Context, expected string) error {
	s := getState(ctx)
	dest := s.cache().PackagePath(s.tarballName, s.tarballVersion)
	s.cachePath = dest
	integrity, err := tarball.Ingest(s.tarballData, tarball.Gzip, dest, expected)
	s.lastIntegrity = integrity
	s.lastErr = err
	return nil
}

func theReturnedIntegrityStartsWith(ctx context.Context, prefix string) error {
	s := getState(ctx)
	if s.lastErr != nil {
		return fmt.Errorf("unexpected error: %w", s.lastErr)
	}
	if !strings.HasPrefix(s.lastIntegrity, prefix) {
		return fmt.Errorf("integrity %q does not start with %q", s.lastIntegrity, prefix)
	}
	return nil
}

func theReturnedIntegrityIsUnchanged(ctx context.Context) error {
	s := getState(ctx)
	if s.lastIntegrity != s.firstIntegrity {
		return fmt.Errorf("integrity changed: %q != %q", s.lastIntegrity, s.firstIntegrity)
	}
	return nil
}

func theCachePathContains(ctx context.Context, relPath string) error {
	s := getState(ctx)
	full := filepath.Join(s.cachePath, relPath)
	if _, err := os.Stat(full); err != nil {
		return fmt.Errorf("expected %s to exist: %w", full, err)
	}
	return nil
}

func theCachePathDoesNotExist(ctx context.Context) error {
	s := getState(ctx)
	if _, err := os.Stat(s.cachePath); !os.IsNotExist(err) {
		return fmt.Errorf("expected %s to not exist", s.cachePath)
	}
	return nil
}

func theOperationFailsWithAnErrorContaining(ctx context.Context, substr string) error {
	s := getState(ctx)
	if s.lastErr == nil {
		return fmt.Errorf("expected an error containing %q, got none", substr)
	}
	if !strings.Contains(s.lastErr.Error(), substr) {
		return fmt.Errorf("error %q does not contain %q", s.lastErr.Error(), substr)
	}
	return nil
}

func aSourceTreeWithFile(ctx context.Context, name, version, file, content string) error {
	s := getState(ctx)
	s.sourceDir = filepath.Join(s.root, "src", name)
	if err := os.MkdirAll(filepath.Dir(filepath.Join(s.sourceDir, file)), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(s.sourceDir, file), []byte(content), 0o644); err != nil {
		return err
	}
	s.storeRoot = filepath.Join(s.root, "store")
	return nil
}

func iEnsureAStoreEntryWithDependencies(ctx context.Context, depsSpec string) error {
	s := getState(ctx)
	st, err := store.Open(s.storeRoot)
	if err != nil {
		return err
	}

	var deps []store.DependencyFingerprint
	for _, part := range strings.Split(depsSpec, ",") {
		nv := strings.SplitN(part, "@", 2)
		deps = append(deps, store.DependencyFingerprint{Name: nv[0], Version: nv[1]})
	}

	entry, err := st.EnsureEntry(&store.EnsureParams{
		Name:         "parent",
		Version:      "3.0.0",
		SourceDir:    s.sourceDir,
		Dependencies: deps,
	})
	if err != nil {
		return err
	}
	if s.firstEntry == nil {
		s.firstEntry = entry
	} else {
		s.secondEntry = entry
	}
	return nil
}

func bothStoreEntriesHaveTheSameStoreKey(ctx context.Context) error {
	s := getState(ctx)
	if s.firstEntry.StoreKey != s.secondEntry.StoreKey {
		return fmt.Errorf("store keys differ: %q != %q", s.firstEntry.StoreKey, s.secondEntry.StoreKey)
	}
	return nil
}

func bothStoreEntriesHaveTheSameGraphHash(ctx context.Context) error {
	s := getState(ctx)
	if s.firstEntry.GraphHash != s.secondEntry.GraphHash {
		return fmt.Errorf("graph hashes differ: %q != %q", s.firstEntry.GraphHash, s.secondEntry.GraphHash)
	}
	return nil
}

func bothStoreEntriesHaveTheSameRootDirectory(ctx context.Context) error {
	s := getState(ctx)
	if s.firstEntry.RootDir != s.secondEntry.RootDir {
		return fmt.Errorf("root dirs differ: %q != %q", s.firstEntry.RootDir, s.secondEntry.RootDir)
	}
	return nil
}

func aLockfileWithFormat(ctx context.Context, format int) error {
	s := getState(ctx)
	s.lock = lockfile.New()
	s.lock.Format = format
	return nil
}

func aRootEntryWithVersionAndIntegrity(ctx context.Context, version, integrity string) error {
	s := getState(ctx)
	s.lock.Packages[""] = &lockfile.PackageEntry{
		Version:   &version,
		Integrity: &integrity,
	}
	return nil
}

func aDependencyEntryWithVersion(ctx context.Context, path, version string) error {
	s := getState(ctx)
	s.lock.Packages[path] = &lockfile.PackageEntry{Version: &version}
	return nil
}

func iEncodeTheLockfile(ctx context.Context) error {
	s := getState(ctx)
	s.encoded = lockfile.Encode(s.lock)
	return nil
}

func theEncodedBytesStartWith(ctx context.Context, magic string) error {
	s := getState(ctx)
	if !bytes.HasPrefix(s.encoded, []byte(magic)) {
		return fmt.Errorf("encoded lockfile does not start with %q", magic)
	}
	return nil
}

func iDecodeTheEncodedBytes(ctx context.Context) error {
	s := getState(ctx)
	decoded, err := lockfile.Decode(s.encoded)
	if err != nil {
		return err
	}
	s.decoded = decoded
	return nil
}

func theDecodedLockfileEqualsTheOriginal(ctx context.Context) error {
	s := getState(ctx)
	if s.decoded.Format != s.lock.Format {
		return fmt.Errorf("format mismatch: %d != %d", s.decoded.Format, s.lock.Format)
	}
	if len(s.decoded.Packages) != len(s.lock.Packages) {
		return fmt.Errorf("package count mismatch: %d != %d", len(s.decoded.Packages), len(s.lock.Packages))
	}
	for key, want := range s.lock.Packages {
		got, ok := s.decoded.Packages[key]
		if !ok {
			return fmt.Errorf("missing decoded entry %q", key)
		}
		if (want.Version == nil) != (got.Version == nil) {
			return fmt.Errorf("version presence mismatch for %q", key)
		}
		if want.Version != nil && *want.Version != *got.Version {
			return fmt.Errorf("version mismatch for %q: %q != %q", key, *got.Version, *want.Version)
		}
		if !reflect.DeepEqual(want, got) {
			return fmt.Errorf("decoded entry %q differs from the original: %+v != %+v", key, got, want)
		}
	}
	return nil
}

func anEmptyProjectDirectory(ctx context.Context) error {
	s := getState(ctx)
	s.projectDir = filepath.Join(s.root, "project")
	s.storeRoot = filepath.Join(s.root, "store")
	s.lock = lockfile.New()
	return os.MkdirAll(s.projectDir, 0o755)
}

func aStoreEntryForWithFile(ctx context.Context, name, version, file, content string) error {
	s := getState(ctx)
	srcDir := filepath.Join(s.root, "src", name)
	if err := os.MkdirAll(srcDir, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(srcDir, file), []byte(strings.ReplaceAll(content, "\\n", "\n")), 0o644); err != nil {
		return err
	}

	st, err := store.Open(s.storeRoot)
	if err != nil {
		return err
	}
	entry, err := st.EnsureEntry(&store.EnsureParams{Name: name, Version: version, SourceDir: srcDir})
	if err != nil {
		return err
	}

	s.plan[name] = &installer.InstallPlanEntry{
		Package:    installer.PackageInstance{Name: name, Version: version},
		StoreEntry: *entry,
	}
	s.lock.Packages["node_modules/"+name] = &lockfile.PackageEntry{Version: &version}
	return nil
}

func iInstallThePlanInMode(ctx context.Context, mode string) error {
	s := getState(ctx)
	m := installer.Link
	if mode == "copy" {
		m = installer.Copy
	}
	inst := installer.New(m)
	_, err := inst.Install(context.Background(), s.projectDir, s.plan, s.lock)
	return err
}

func theProjectFileExists(ctx context.Context, relPath string) error {
	s := getState(ctx)
	full := filepath.Join(s.projectDir, relPath)
	if _, err := os.Stat(full); err != nil {
		return fmt.Errorf("expected %s to exist: %w", full, err)
	}
	return nil
}

func theLockfileEntryHasLinkMode(ctx context.Context, path, mode string) error {
	s := getState(ctx)
	entry, ok := s.lock.Packages[path]
	if !ok || entry.LinkMode == nil {
		return fmt.Errorf("no link mode recorded for %q", path)
	}
	if *entry.LinkMode != mode {
		return fmt.Errorf("link mode %q != %q", *entry.LinkMode, mode)
	}
	return nil
}

func theLockfileEntryHasAStorePathEqualToItsRootDirectory(ctx context.Context, path string) error {
	s := getState(ctx)
	entry, ok := s.lock.Packages[path]
	if !ok || entry.StorePath == nil {
		return fmt.Errorf("no store path recorded for %q", path)
	}
	name := strings.TrimPrefix(path, "node_modules/")
	planEntry := s.plan[name]
	if *entry.StorePath != planEntry.StoreEntry.RootDir {
		return fmt.Errorf("store path %q != root dir %q", *entry.StorePath, planEntry.StoreEntry.RootDir)
	}
	return nil
}

func iParseTheSpecifier(ctx context.Context, spec string) error {
	s := getState(ctx)
	s.parsedName, s.parsedRange = specifier.Parse(spec)
	return nil
}

func theParsedNameIs(ctx context.Context, name string) error {
	s := getState(ctx)
	if s.parsedName != name {
		return fmt.Errorf("parsed name %q != %q", s.parsedName, name)
	}
	return nil
}

func theParsedRangeIs(ctx context.Context, rangeStr string) error {
	s := getState(ctx)
	if s.parsedRange != rangeStr {
		return fmt.Errorf("parsed range %q != %q", s.parsedRange, rangeStr)
	}
	return nil
}

func iCanonicalizeTheRange(ctx context.Context, rangeStr string) error {
	s := getState(ctx)
	s.canonResult = semverrange.Canonicalize(rangeStr)
	return nil
}

func theCanonicalRangeIs(ctx context.Context, expected string) error {
	s := getState(ctx)
	if s.canonResult != expected {
		return fmt.Errorf("canonical range %q != %q", s.canonResult, expected)
	}
	return nil
}

func theCanonicalRangeContains(ctx context.Context, substr string) error {
	s := getState(ctx)
	if !strings.Contains(s.canonResult, substr) {
		return fmt.Errorf("canonical range %q does not contain %q", s.canonResult, substr)
	}
	return nil
}
