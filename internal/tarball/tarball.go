// Package tarball ingests a package tarball into the package cache, per
// spec.md §4.2: hash the compressed bytes as an SRI-style "sha512-..."
// integrity string, verify it against an optional expected value, then
// stream the tar entries into a staging directory (stripping a leading
// "package/" path segment, npm's tarball convention) and atomically
// rename into place. Grounded on the teacher's internal/actions/extract.go
// (isPathWithinDirectory, validateSymlinkTarget, atomicSymlink,
// extractTarReader) adapted away from its Action/ExecutionContext
// framework, plus its multi-format decompression (tar.xz/tar.bz2/tar.zst/
// tar.lz) as an enrichment beyond the mandatory gzip path spec.md names.
package tarball

import (
	"archive/tar"
	"bytes"
	"compress/bzip2"
	"compress/gzip"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/pacm/pacm/internal/pacmerr"
	lzip "github.com/sorairolake/lzip-go"
	"github.com/ulikunitz/xz"
)

// Format identifies a tarball's compression scheme.
type Format int

const (
	Gzip Format = iota
	Xz
	Bzip2
	Zstd
	Lzip
	Plain
)

// DetectFormat guesses a tarball's compression from its filename,
// defaulting to Gzip, the format the npm registry and spec.md §6 assume.
func DetectFormat(filename string) Format {
	lower := strings.ToLower(filename)
	switch {
	case strings.HasSuffix(lower, ".tar.xz"), strings.HasSuffix(lower, ".txz"):
		return Xz
	case strings.HasSuffix(lower, ".tar.bz2"), strings.HasSuffix(lower, ".tbz2"), strings.HasSuffix(lower, ".tbz"):
		return Bzip2
	case strings.HasSuffix(lower, ".tar.zst"), strings.HasSuffix(lower, ".tzst"):
		return Zstd
	case strings.HasSuffix(lower, ".tar.lz"), strings.HasSuffix(lower, ".tlz"):
		return Lzip
	case strings.HasSuffix(lower, ".tar"):
		return Plain
	default:
		return Gzip
	}
}

// ComputeIntegrity returns the SRI-style "sha512-<base64>" string for a
// blob of (typically still-compressed) bytes.
func ComputeIntegrity(data []byte) string {
	sum := sha512.Sum512(data)
	return "sha512-" + base64.StdEncoding.EncodeToString(sum[:])
}

// Ingest verifies and extracts a tarball's bytes into destDir. If
// expectedIntegrity is non-empty and doesn't match the computed
// integrity, Ingest returns a pacmerr.IntegrityMismatch error (message
// contains "integrity mismatch") and destDir is left absent -- no
// partial package directory survives a failed verification. On success
// it returns the computed integrity string. Calling Ingest again with
// the same bytes and the integrity it returned is a no-op short-circuit
// once destDir already exists.
func Ingest(data []byte, format Format, destDir string, expectedIntegrity string) (string, error) {
	computed := ComputeIntegrity(data)
	if expectedIntegrity != "" && computed != expectedIntegrity {
		return "", pacmerr.New(pacmerr.IntegrityMismatch,
			fmt.Sprintf("computed %s, expected %s", computed, expectedIntegrity), nil)
	}

	if info, err := os.Stat(destDir); err == nil && info.IsDir() {
		return computed, nil
	}

	tr, closeFn, err := openTarReader(data, format)
	if err != nil {
		return "", pacmerr.New(pacmerr.TarballMalformed, "failed to open tarball", err)
	}
	defer closeFn()

	parent := filepath.Dir(destDir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", pacmerr.New(pacmerr.StoreIo, "failed to create cache parent directory", err)
	}

	stagingDir := filepath.Join(parent, ".staging-"+uuid.NewString())
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return "", pacmerr.New(pacmerr.StoreIo, "failed to create staging directory", err)
	}
	defer os.RemoveAll(stagingDir)

	if err := extractTarEntries(tr, stagingDir); err != nil {
		return "", pacmerr.New(pacmerr.TarballMalformed, "failed to extract tarball", err)
	}

	if err := os.Rename(stagingDir, destDir); err != nil {
		if info, statErr := os.Stat(destDir); statErr == nil && info.IsDir() {
			return computed, nil
		}
		return "", pacmerr.New(pacmerr.StoreIo, "failed to publish extracted package", err)
	}

	return computed, nil
}

func openTarReader(data []byte, format Format) (*tar.Reader, func(), error) {
	r := bytes.NewReader(data)
	switch format {
	case Gzip:
		gzr, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return tar.NewReader(gzr), func() { gzr.Close() }, nil
	case Xz:
		xzr, err := xz.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return tar.NewReader(xzr), func() {}, nil
	case Bzip2:
		return tar.NewReader(bzip2.NewReader(r)), func() {}, nil
	case Zstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return tar.NewReader(zr), func() { zr.Close() }, nil
	case Lzip:
		lr, err := lzip.NewReader(r)
		if err != nil {
			return nil, nil, err
		}
		return tar.NewReader(lr), func() {}, nil
	default:
		return tar.NewReader(r), func() {}, nil
	}
}

// extractTarEntries streams tar entries into destPath, stripping a single
// leading "package/" path segment (npm's tarball convention) and
// rejecting any entry (regular file or symlink) that would escape
// destPath.
func extractTarEntries(tr *tar.Reader, destPath string) error {
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read tar header: %w", err)
		}

		cleanPath := strings.TrimPrefix(header.Name, "./")
		parts := strings.Split(cleanPath, "/")
		if len(parts) > 0 && parts[0] == "package" {
			parts = parts[1:]
		}
		if len(parts) == 0 || (len(parts) == 1 && parts[0] == "") {
			continue
		}
		relativePath := filepath.Join(parts...)
		target := filepath.Join(destPath, relativePath)

		if !isPathWithinDirectory(target, destPath) {
			return fmt.Errorf("archive entry escapes destination directory: %s", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}

		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("failed to create parent directory: %w", err)
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_RDWR|os.O_TRUNC, os.FileMode(header.Mode))
			if err != nil {
				return fmt.Errorf("failed to create file: %w", err)
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return fmt.Errorf("failed to write file: %w", err)
			}
			f.Close()

		case tar.TypeSymlink:
			if err := validateSymlinkTarget(header.Linkname, target, destPath); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("failed to create parent directory: %w", err)
			}
			if err := atomicSymlink(header.Linkname, target); err != nil {
				return fmt.Errorf("failed to create symlink: %w", err)
			}

		case tar.TypeLink:
			// Hard links are resolved to copies, not symlinks, per
			// spec.md §6: a hard-linked entry must be an independent
			// file, not a reference back into the archive's own tree.
			linkSource, err := resolveHardlinkSource(header.Linkname, destPath)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("failed to create parent directory: %w", err)
			}
			if err := copyExtractedFile(linkSource, target, os.FileMode(header.Mode)); err != nil {
				return fmt.Errorf("failed to materialize hard link: %w", err)
			}
		}
	}
	return nil
}

// resolveHardlinkSource maps a tar hard-link's Linkname (an archive-root
// relative path, unlike a symlink's location-relative target) to the
// already-extracted file under destPath, applying the same "package/"
// prefix stripping as the entry names themselves.
func resolveHardlinkSource(linkname, destPath string) (string, error) {
	cleanPath := strings.TrimPrefix(linkname, "./")
	parts := strings.Split(cleanPath, "/")
	if len(parts) > 0 && parts[0] == "package" {
		parts = parts[1:]
	}
	source := filepath.Join(destPath, filepath.Join(parts...))
	if !isPathWithinDirectory(source, destPath) {
		return "", fmt.Errorf("hard link target escapes destination directory: %s", linkname)
	}
	return source, nil
}

// copyExtractedFile copies src (a file already materialized under the
// staging directory) to dst, giving dst an independent copy of the bytes
// rather than a second name for the same inode.
func copyExtractedFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_RDWR|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func isPathWithinDirectory(targetPath, basePath string) bool {
	absTarget, err := filepath.Abs(targetPath)
	if err != nil {
		return false
	}
	absBase, err := filepath.Abs(basePath)
	if err != nil {
		return false
	}
	return absTarget == absBase || strings.HasPrefix(absTarget, absBase+string(os.PathSeparator))
}

func validateSymlinkTarget(linkTarget, linkLocation, destPath string) error {
	if filepath.IsAbs(linkTarget) {
		return fmt.Errorf("absolute symlink targets are not allowed: %s -> %s", linkLocation, linkTarget)
	}
	resolvedTarget := filepath.Join(filepath.Dir(linkLocation), linkTarget)
	if !isPathWithinDirectory(resolvedTarget, destPath) {
		return fmt.Errorf("symlink target escapes destination directory: %s -> %s (resolves to %s)",
			linkLocation, linkTarget, resolvedTarget)
	}
	return nil
}

// atomicSymlink creates a symlink atomically using rename, avoiding a
// TOCTOU window where a concurrent extractor could observe a half-created
// link.
func atomicSymlink(target, linkPath string) error {
	tmpLink := linkPath + ".tmp"
	os.Remove(tmpLink)
	if err := os.Symlink(target, tmpLink); err != nil {
		return err
	}
	return os.Rename(tmpLink, linkPath)
}
