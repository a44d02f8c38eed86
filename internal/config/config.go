// Package config resolves pacm's on-disk layout and environment-driven
// settings. DataHome and Resolve read the per-user data home from the
// environment on every call; the result is not cached. internal/sandbox
// provides the scoped override used by tests.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const vendorDir = "pacm"

const (
	// EnvAPITimeout configures the registry/fetch request timeout.
	EnvAPITimeout = "PACM_API_TIMEOUT"
	// EnvVersionCacheTTL configures how long a registry's version list is cached.
	EnvVersionCacheTTL = "PACM_VERSION_CACHE_TTL"
	// EnvInstallMode selects the default installer mode ("link" or "copy").
	EnvInstallMode = "PACM_INSTALL_MODE"
	// EnvGitHubToken enables authenticated GitHub API access for GitHubSource.
	EnvGitHubToken = "PACM_GITHUB_TOKEN"

	// DefaultAPITimeout is used when PACM_API_TIMEOUT is unset or invalid.
	DefaultAPITimeout = 30 * time.Second
	// DefaultVersionCacheTTL is used when PACM_VERSION_CACHE_TTL is unset or invalid.
	DefaultVersionCacheTTL = 1 * time.Hour
)

// Paths holds the filesystem locations pacm reads from and writes to.
// All fields are derived from DataHome; no field is ever computed from
// anything other than the environment snapshot DataHome() observed.
type Paths struct {
	DataHome         string // <data_home>
	StoreRoot        string // <data_home>/pacm/store/v1
	PackageCacheRoot string // <data_home>/pacm/cache/packages
	VersionCacheDir  string // <data_home>/pacm/cache/versions
	SettingsFile     string // <data_home>/pacm/config.toml
}

// DataHome resolves the per-user data home per spec.md §6: the first
// non-empty of XDG_DATA_HOME, LOCALAPPDATA, APPDATA, HOME wins, in that
// platform-appropriate order.
func DataHome() (string, error) {
	for _, env := range []string{"XDG_DATA_HOME", "LOCALAPPDATA", "APPDATA", "HOME"} {
		if v := os.Getenv(env); v != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("config: no data home could be resolved (XDG_DATA_HOME, LOCALAPPDATA, APPDATA, HOME all unset)")
}

// Resolve computes Paths from the current environment.
func Resolve() (*Paths, error) {
	home, err := DataHome()
	if err != nil {
		return nil, err
	}
	return &Paths{
		DataHome:         home,
		StoreRoot:        filepath.Join(home, vendorDir, "store", "v1"),
		PackageCacheRoot: filepath.Join(home, vendorDir, "cache", "packages"),
		VersionCacheDir:  filepath.Join(home, vendorDir, "cache", "versions"),
		SettingsFile:     filepath.Join(home, vendorDir, "config.toml"),
	}, nil
}

// EnsureDirectories creates every directory this module writes into.
func (p *Paths) EnsureDirectories() error {
	for _, dir := range []string{p.StoreRoot, p.PackageCacheRoot, p.VersionCacheDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// Settings is the optional TOML file at <data_home>/pacm/config.toml.
// Unlike the manifest and lockfile, this file is ambient configuration, not
// part of the resolved dependency graph; it is read once at startup and
// never mutated by the CAS, installer, or lockfile codec.
type Settings struct {
	InstallMode    string   `toml:"install_mode,omitempty"`
	NpmRegistryURL string   `toml:"npm_registry_url,omitempty"`
	GitHubRepos    []string `toml:"github_repos,omitempty"`

	// MaxCacheSize caps the content-addressed store's total on-disk size
	// (e.g. "2G", "512MB"), parsed with ParseByteSize. Empty means no cap.
	MaxCacheSize string `toml:"max_cache_size,omitempty"`
}

// MaxCacheSizeBytes resolves MaxCacheSize to a byte count for
// store.CasStore.Prune. It returns (0, nil) when MaxCacheSize is unset,
// matching Prune's "<=0 means no limit" contract.
func (s *Settings) MaxCacheSizeBytes() (int64, error) {
	if strings.TrimSpace(s.MaxCacheSize) == "" {
		return 0, nil
	}
	return ParseByteSize(s.MaxCacheSize)
}

// LoadSettings reads the TOML settings file. A missing file is not an
// error; it yields an empty Settings so callers fall back to defaults.
func LoadSettings(path string) (*Settings, error) {
	var s Settings
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &s, nil
	}
	if _, err := toml.DecodeFile(path, &s); err != nil {
		return nil, fmt.Errorf("config: failed to parse settings file %s: %w", path, err)
	}
	return &s, nil
}

// WriteSettings writes the settings file atomically (temp file + rename).
func WriteSettings(path string, s *Settings) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	enc := toml.NewEncoder(f)
	if err := enc.Encode(s); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// APITimeout returns the configured registry/fetch request timeout.
func APITimeout() time.Duration {
	return parseDuration(os.Getenv(EnvAPITimeout), DefaultAPITimeout, time.Second, 10*time.Minute)
}

// VersionCacheTTL returns the configured version-list cache TTL.
func VersionCacheTTL() time.Duration {
	return parseDuration(os.Getenv(EnvVersionCacheTTL), DefaultVersionCacheTTL, 5*time.Minute, 7*24*time.Hour)
}

func parseDuration(raw string, def, min, max time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}

// InstallModeFromEnv returns "link" or "copy" per PACM_INSTALL_MODE,
// defaulting to "link" for anything else.
func InstallModeFromEnv() string {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(EnvInstallMode))) {
	case "copy":
		return "copy"
	default:
		return "link"
	}
}

// ParseByteSize parses a human-readable byte-size string ("50MB", "1G",
// "52428800") into a byte count. Backs Settings.MaxCacheSizeBytes, which
// feeds store.CasStore.Prune's eviction cap.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return 0, fmt.Errorf("config: empty size string")
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	var numStr, suffix string
	for i, c := range s {
		if (c >= '0' && c <= '9') || c == '.' {
			numStr += string(c)
		} else {
			suffix = s[i:]
			break
		}
	}
	if numStr == "" {
		return 0, fmt.Errorf("config: invalid size format %q", s)
	}
	num, err := strconv.ParseFloat(numStr, 64)
	if err != nil {
		return 0, fmt.Errorf("config: invalid size number %q", numStr)
	}
	var mult float64
	switch suffix {
	case "", "B":
		mult = 1
	case "K", "KB":
		mult = 1024
	case "M", "MB":
		mult = 1024 * 1024
	case "G", "GB":
		mult = 1024 * 1024 * 1024
	default:
		return 0, fmt.Errorf("config: invalid size suffix %q", suffix)
	}
	return int64(num * mult), nil
}
