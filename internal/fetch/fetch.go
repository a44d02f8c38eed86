// Package fetch is pacm's byte-blob fetcher collaborator: given a URL it
// returns the response body bytes, bounded and SSRF-hardened. spec.md §6
// treats "a byte-blob fetcher" as an assumed external dependency; this is
// the concrete implementation, grounded on the teacher's
// internal/actions/download_file.go HTTP idiom and internal/httputil's
// SSRF-hardened client (kept as-is from the teacher). Optionally verifies
// a detached PGP signature against a known public key, via
// ProtonMail/gopenpgp.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/ProtonMail/gopenpgp/v2/crypto"

	"github.com/pacm/pacm/internal/httputil"
	"github.com/pacm/pacm/internal/pacmerr"
)

// maxBodyBytes bounds how much of a response this fetcher will buffer,
// mirroring the teacher's version-list fetch cap.
const maxBodyBytes = 200 * 1024 * 1024

// Fetcher retrieves byte blobs over HTTP(S).
type Fetcher struct {
	client *http.Client
}

// New returns a Fetcher using pacm's SSRF-hardened HTTP client.
func New() *Fetcher {
	return &Fetcher{client: httputil.NewSecureClient(httputil.DefaultOptions())}
}

// Fetch retrieves the bytes at url.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, pacmerr.WrapNetwork(err, fmt.Sprintf("failed to build request for %s", url))
	}
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, pacmerr.WrapNetwork(err, fmt.Sprintf("failed to fetch %s", url))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, pacmerr.New(pacmerr.Network, fmt.Sprintf("unexpected status %d fetching %s", resp.StatusCode, url), nil)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, pacmerr.WrapNetwork(err, fmt.Sprintf("failed to read body of %s", url))
	}
	if len(data) > maxBodyBytes {
		return nil, pacmerr.New(pacmerr.Network, fmt.Sprintf("response from %s exceeded %d bytes", url, maxBodyBytes), nil)
	}
	return data, nil
}

// VerifyDetachedSignature checks data against an ASCII-armored detached
// PGP signature using the given ASCII-armored public key. This is an
// optional supply-chain hardening step beyond spec.md's mandatory SRI
// integrity check, for registries (e.g. GitHub release assets) that
// publish signatures alongside tarballs.
func VerifyDetachedSignature(data []byte, armoredSignature, armoredPublicKey string) error {
	key, err := crypto.NewKeyFromArmored(armoredPublicKey)
	if err != nil {
		return pacmerr.New(pacmerr.IntegrityMismatch, "failed to parse PGP public key", err)
	}
	keyRing, err := crypto.NewKeyRing(key)
	if err != nil {
		return pacmerr.New(pacmerr.IntegrityMismatch, "failed to build PGP keyring", err)
	}

	message := crypto.NewPlainMessage(data)
	signature, err := crypto.NewPGPSignatureFromArmored(armoredSignature)
	if err != nil {
		return pacmerr.New(pacmerr.IntegrityMismatch, "failed to parse PGP signature", err)
	}

	if err := keyRing.VerifyDetached(message, signature, 0); err != nil {
		return pacmerr.New(pacmerr.IntegrityMismatch, "PGP signature verification failed: integrity mismatch", err)
	}
	return nil
}
