// Package lockfile implements pacm's binary lockfile format, per spec.md
// §4.5: magic "PACMLOCK", a varint format version, and length-prefixed
// records keyed by node_modules path. Grounded on
// _examples/original_source/lockfile.rs for the exact field set and the
// sync_from_manifest/round-trip contract. encoding/binary is a deliberate
// standard-library fallback: no third-party varint or binary-framing
// library appears anywhere in the example corpus (see DESIGN.md).
package lockfile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/pacm/pacm/internal/manifest"
	"github.com/pacm/pacm/internal/pacmerr"
)

var magic = []byte("PACMLOCK")

// CurrentFormat is the format version written by Encode.
const CurrentFormat = 7

// PackageEntry is one installed (or planned) package's lockfile record.
// Pointer fields are nil when unresolved — spec.md §9's placeholder
// entries created by sync_from_manifest leave Version/Integrity/Resolved
// nil until a later resolve/install pass fills them in.
type PackageEntry struct {
	Version    *string
	Integrity  *string
	Resolved   *string
	StoreKey   *string
	ContentHash *string
	LinkMode   *string
	StorePath  *string

	Dependencies         map[string]string
	DevDependencies      map[string]string
	OptionalDependencies map[string]string
	PeerDependencies     map[string]string
	PeerDependenciesMeta map[string]bool // name -> optional

	OS  []string
	CPU []string
}

// Lockfile is the full set of installed packages, keyed by node_modules
// path ("" is the project root itself).
type Lockfile struct {
	Format   int
	Packages map[string]*PackageEntry
}

// New returns an empty lockfile at the current format version.
func New() *Lockfile {
	return &Lockfile{Format: CurrentFormat, Packages: map[string]*PackageEntry{}}
}

// SyncFromManifest ensures the lockfile has a root entry ("") mirroring
// the manifest's version and dependency buckets, and a placeholder entry
// at node_modules/<name> for every runtime, dev, and optional dependency.
// The manifest's name is not recorded: PackageEntry has no name field.
// Any pre-existing node_modules/<name> entry, placeholder or resolved, is
// left untouched rather than overwritten, so a second sync is idempotent
// and never discards resolver progress.
func (l *Lockfile) SyncFromManifest(m *manifest.Manifest) {
	root, ok := l.Packages[""]
	if !ok {
		root = &PackageEntry{}
		l.Packages[""] = root
	}
	version := m.Version
	root.Version = &version
	root.Dependencies = cloneMap(m.Dependencies)
	root.DevDependencies = cloneMap(m.DevDependencies)
	root.OptionalDependencies = cloneMap(m.OptionalDependencies)
	root.PeerDependencies = cloneMap(m.PeerDependencies)
	root.PeerDependenciesMeta = map[string]bool{}
	for name, meta := range m.PeerDependenciesMeta {
		root.PeerDependenciesMeta[name] = meta.Optional
	}

	ensurePlaceholder := func(name string) {
		key := "node_modules/" + name
		if _, exists := l.Packages[key]; exists {
			return
		}
		l.Packages[key] = &PackageEntry{}
	}
	for name := range m.Dependencies {
		ensurePlaceholder(name)
	}
	for name := range m.DevDependencies {
		ensurePlaceholder(name)
	}
	for name := range m.OptionalDependencies {
		ensurePlaceholder(name)
	}
}

func cloneMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Encode serializes the lockfile to pacm's binary format.
func Encode(l *Lockfile) []byte {
	var buf bytes.Buffer
	buf.Write(magic)
	writeUvarint(&buf, uint64(l.Format))

	keys := make([]string, 0, len(l.Packages))
	for k := range l.Packages {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	writeUvarint(&buf, uint64(len(keys)))
	for _, k := range keys {
		writeLPString(&buf, k)
		encodeEntry(&buf, l.Packages[k])
	}
	return buf.Bytes()
}

// Decode parses pacm's binary lockfile format. A wrong magic prefix
// yields a pacmerr.LockfileFormat error whose message contains
// "unknown lockfile format".
func Decode(data []byte) (*Lockfile, error) {
	r := bytes.NewReader(data)

	got := make([]byte, len(magic))
	if _, err := io.ReadFull(r, got); err != nil || !bytes.Equal(got, magic) {
		return nil, pacmerr.New(pacmerr.LockfileFormat, "unknown lockfile format", nil)
	}

	format, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, pacmerr.New(pacmerr.LockfileFormat, "truncated lockfile header", err)
	}

	count, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, pacmerr.New(pacmerr.LockfileFormat, "truncated lockfile record count", err)
	}

	l := &Lockfile{Format: int(format), Packages: map[string]*PackageEntry{}}
	for i := uint64(0); i < count; i++ {
		key, err := readLPString(r)
		if err != nil {
			return nil, pacmerr.New(pacmerr.LockfileFormat, "truncated lockfile record key", err)
		}
		entry, err := decodeEntry(r)
		if err != nil {
			return nil, pacmerr.New(pacmerr.LockfileFormat, fmt.Sprintf("truncated lockfile record %q", key), err)
		}
		l.Packages[key] = entry
	}
	return l, nil
}

// field flag bits record which optional pointer fields are present.
const (
	flagVersion = 1 << iota
	flagIntegrity
	flagResolved
	flagStoreKey
	flagContentHash
	flagLinkMode
	flagStorePath
)

func encodeEntry(buf *bytes.Buffer, e *PackageEntry) {
	var flags byte
	if e.Version != nil {
		flags |= flagVersion
	}
	if e.Integrity != nil {
		flags |= flagIntegrity
	}
	if e.Resolved != nil {
		flags |= flagResolved
	}
	if e.StoreKey != nil {
		flags |= flagStoreKey
	}
	if e.ContentHash != nil {
		flags |= flagContentHash
	}
	if e.LinkMode != nil {
		flags |= flagLinkMode
	}
	if e.StorePath != nil {
		flags |= flagStorePath
	}
	buf.WriteByte(flags)

	writeOptString(buf, e.Version)
	writeOptString(buf, e.Integrity)
	writeOptString(buf, e.Resolved)
	writeOptString(buf, e.StoreKey)
	writeOptString(buf, e.ContentHash)
	writeOptString(buf, e.LinkMode)
	writeOptString(buf, e.StorePath)

	writeDepMap(buf, e.Dependencies)
	writeDepMap(buf, e.DevDependencies)
	writeDepMap(buf, e.OptionalDependencies)
	writeDepMap(buf, e.PeerDependencies)
	writePeerMetaMap(buf, e.PeerDependenciesMeta)

	writeStringList(buf, e.OS)
	writeStringList(buf, e.CPU)
}

func decodeEntry(r *bytes.Reader) (*PackageEntry, error) {
	flags, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	e := &PackageEntry{}

	read := func(present bool) (*string, error) {
		return readOptString(r, present)
	}

	if e.Version, err = read(flags&flagVersion != 0); err != nil {
		return nil, err
	}
	if e.Integrity, err = read(flags&flagIntegrity != 0); err != nil {
		return nil, err
	}
	if e.Resolved, err = read(flags&flagResolved != 0); err != nil {
		return nil, err
	}
	if e.StoreKey, err = read(flags&flagStoreKey != 0); err != nil {
		return nil, err
	}
	if e.ContentHash, err = read(flags&flagContentHash != 0); err != nil {
		return nil, err
	}
	if e.LinkMode, err = read(flags&flagLinkMode != 0); err != nil {
		return nil, err
	}
	if e.StorePath, err = read(flags&flagStorePath != 0); err != nil {
		return nil, err
	}

	if e.Dependencies, err = readDepMap(r); err != nil {
		return nil, err
	}
	if e.DevDependencies, err = readDepMap(r); err != nil {
		return nil, err
	}
	if e.OptionalDependencies, err = readDepMap(r); err != nil {
		return nil, err
	}
	if e.PeerDependencies, err = readDepMap(r); err != nil {
		return nil, err
	}
	if e.PeerDependenciesMeta, err = readPeerMetaMap(r); err != nil {
		return nil, err
	}

	if e.OS, err = readStringList(r); err != nil {
		return nil, err
	}
	if e.CPU, err = readStringList(r); err != nil {
		return nil, err
	}

	return e, nil
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func writeLPString(buf *bytes.Buffer, s string) {
	writeUvarint(buf, uint64(len(s)))
	buf.WriteString(s)
}

func readLPString(r *bytes.Reader) (string, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func writeOptString(buf *bytes.Buffer, s *string) {
	if s == nil {
		return
	}
	writeLPString(buf, *s)
}

func readOptString(r *bytes.Reader, present bool) (*string, error) {
	if !present {
		return nil, nil
	}
	s, err := readLPString(r)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func writeDepMap(buf *bytes.Buffer, m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	writeUvarint(buf, uint64(len(keys)))
	for _, k := range keys {
		writeLPString(buf, k)
		writeLPString(buf, m[k])
	}
}

func readDepMap(r *bytes.Reader) (map[string]string, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	m := make(map[string]string, n)
	for i := uint64(0); i < n; i++ {
		k, err := readLPString(r)
		if err != nil {
			return nil, err
		}
		v, err := readLPString(r)
		if err != nil {
			return nil, err
		}
		m[k] = v
	}
	return m, nil
}

func writePeerMetaMap(buf *bytes.Buffer, m map[string]bool) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	writeUvarint(buf, uint64(len(keys)))
	for _, k := range keys {
		writeLPString(buf, k)
		if m[k] {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	}
}

func readPeerMetaMap(r *bytes.Reader) (map[string]bool, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	m := make(map[string]bool, n)
	for i := uint64(0); i < n; i++ {
		k, err := readLPString(r)
		if err != nil {
			return nil, err
		}
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		m[k] = b != 0
	}
	return m, nil
}

func writeStringList(buf *bytes.Buffer, ss []string) {
	writeUvarint(buf, uint64(len(ss)))
	for _, s := range ss {
		writeLPString(buf, s)
	}
}

func readStringList(r *bytes.Reader) ([]string, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	ss := make([]string, 0, n)
	for i := uint64(0); i < n; i++ {
		s, err := readLPString(r)
		if err != nil {
			return nil, err
		}
		ss = append(ss, s)
	}
	return ss, nil
}
