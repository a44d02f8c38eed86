// Package pacmerr defines the typed error kinds shared across pacm's
// content-addressed store, tarball ingester, lockfile/manifest codecs, and
// registry collaborators.
package pacmerr

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Kind classifies an Error for callers that need to branch on failure mode
// without string-matching messages.
type Kind int

const (
	// IntegrityMismatch: tarball hash differs from expected.
	IntegrityMismatch Kind = iota
	// TarballMalformed: decompression or tar parsing failed.
	TarballMalformed
	// StoreCorrupt: metadata.json present but unparseable.
	StoreCorrupt
	// StoreIo: any filesystem error during staging/rename/copy.
	StoreIo
	// LockfileFormat: bad magic, truncated record, or unknown format version.
	LockfileFormat
	// ManifestFormat: invalid JSON or missing required fields.
	ManifestFormat
	// Network: a transient network condition (timeout, DNS, TLS, connection
	// refused, rate limit) surfaced by a registry or fetch collaborator.
	// Not one of spec.md §7's seven core kinds; an ambient addition for the
	// registry/fetch layer.
	Network
)

func (k Kind) String() string {
	switch k {
	case IntegrityMismatch:
		return "integrity mismatch"
	case TarballMalformed:
		return "tarball malformed"
	case StoreCorrupt:
		return "corrupt store entry"
	case StoreIo:
		return "store io error"
	case LockfileFormat:
		return "unknown lockfile format"
	case ManifestFormat:
		return "manifest format error"
	case Network:
		return "network error"
	default:
		return "unknown error"
	}
}

// Error is the concrete error value pacm surfaces to callers. Errors are
// propagated as values, never by panic/unwind.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an Error of the given kind.
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == kind
	}
	return false
}

// ClassifyNetworkError inspects a network-layer error and returns the most
// specific description of what went wrong, for wrapping into a Network
// Error. Mirrors the teacher's registry error classification: unwrap
// through context, DNS, TLS, net.OpError, and url.Error in turn.
func ClassifyNetworkError(err error) string {
	if err == nil {
		return "unknown"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return "timeout"
		}
		return "dns"
	}

	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return "tls"
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Timeout() {
			return "timeout"
		}
		var innerDNS *net.DNSError
		if errors.As(opErr.Err, &innerDNS) {
			return "dns"
		}
		return "connection"
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return "timeout"
		}
		msg := urlErr.Err.Error()
		if strings.Contains(msg, "certificate") || strings.Contains(msg, "tls") || strings.Contains(msg, "x509") {
			return "tls"
		}
		return ClassifyNetworkError(urlErr.Err)
	}

	return "network"
}

// WrapNetwork wraps err as a Network Error, annotating the message with the
// classified failure mode.
func WrapNetwork(err error, context string) *Error {
	return New(Network, fmt.Sprintf("%s (%s)", context, ClassifyNetworkError(err)), err)
}
