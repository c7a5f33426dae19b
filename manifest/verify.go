package manifest

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/subtle"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/meridian-games/arc/internal/arctype"
	"github.com/meridian-games/arc/internal/crypt"
)

// sigHash maps a manifest signature-hash algorithm to the crypto.Hash the
// RSA primitives expect. BLAKE3 is a resource-hash algorithm only.
func sigHash(alg arctype.HashAlgorithm) (crypto.Hash, error) {
	switch alg {
	case arctype.HashMD5:
		return crypto.MD5, nil
	case arctype.HashSHA1:
		return crypto.SHA1, nil
	case arctype.HashSHA256:
		return crypto.SHA256, nil
	case arctype.HashSHA512:
		return crypto.SHA512, nil
	default:
		return 0, fmt.Errorf("%w: signature hash algorithm %d", arctype.ErrUnknownAlgorithm, alg)
	}
}

// Sign computes the manifest signature over the archive index checksum and
// stores it on the manifest.
func (m *Manifest) Sign(priv *rsa.PrivateKey, indexChecksum []byte) error {
	if m.Header.SignatureSignAlgorithm != arctype.SignRSA {
		return fmt.Errorf("%w: sign algorithm %d", arctype.ErrUnknownAlgorithm, m.Header.SignatureSignAlgorithm)
	}
	h, err := sigHash(m.Header.SignatureHashAlgorithm)
	if err != nil {
		return err
	}
	digest, err := crypt.Hash(indexChecksum, m.Header.SignatureHashAlgorithm)
	if err != nil {
		return err
	}
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, h, digest)
	if err != nil {
		return fmt.Errorf("sign manifest: %w", err)
	}
	m.Signature = sig
	return nil
}

// VerifySignature checks the manifest signature against the public key and
// the archive index checksum the manifest claims to describe. Any defect —
// wrong key, truncated signature, tampered checksum — surfaces as
// ErrSignature, never a panic.
func (m *Manifest) VerifySignature(pub *rsa.PublicKey, indexChecksum []byte) error {
	if m.Header.SignatureSignAlgorithm != arctype.SignRSA {
		return fmt.Errorf("%w: sign algorithm %d", arctype.ErrUnknownAlgorithm, m.Header.SignatureSignAlgorithm)
	}
	if len(m.Signature) == 0 {
		return fmt.Errorf("%w: empty signature", ErrSignature)
	}
	h, err := sigHash(m.Header.SignatureHashAlgorithm)
	if err != nil {
		return err
	}
	digest, err := crypt.Hash(indexChecksum, m.Header.SignatureHashAlgorithm)
	if err != nil {
		return err
	}
	if err := rsa.VerifyPKCS1v15(pub, h, digest, m.Signature); err != nil {
		return fmt.Errorf("%w: %v", ErrSignature, err)
	}
	return nil
}

// CompareDigests performs a constant-effort comparison of two digests. A
// length mismatch is a format error in its own right, not a silent failure.
func CompareDigests(got, want []byte) error {
	if len(got) != len(want) {
		return fmt.Errorf("%w: digest length %d, want %d", ErrFormat, len(got), len(want))
	}
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return fmt.Errorf("%w: digest mismatch", ErrSignature)
	}
	return nil
}

// VerifyContent hashes data with the manifest's resource-hash algorithm and
// compares against the expected content digest.
func (m *Manifest) VerifyContent(expected, data []byte) error {
	sum, err := crypt.Hash(data, m.Header.ResourceHashAlgorithm)
	if err != nil {
		return err
	}
	return CompareDigests(sum, expected)
}

// ValidateBundleVersion checks continuity of the installed bundle. On first
// run the bundled manifest's signature is persisted to markerPath; on later
// runs a differing stored signature means the app bundle itself changed and
// any cached live-update state must be discarded.
func (m *Manifest) ValidateBundleVersion(markerPath string) error {
	stored, err := os.ReadFile(markerPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return os.WriteFile(markerPath, m.Signature, 0o600)
	}
	if !bytesEqual(stored, m.Signature) {
		return fmt.Errorf("%w: installed bundle changed", ErrVersionMismatch)
	}
	return nil
}

func bytesEqual(a, b []byte) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare(a, b) == 1
}
