// Package crypt bundles the hashing, stream-cipher, and compression
// primitives the archive core calls through. Algorithms are selected by
// identifier so the manifest can declare what a build used.
package crypt

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20"

	"github.com/meridian-games/arc/internal/arctype"
)

// Hash digests data with the named algorithm.
func Hash(data []byte, alg arctype.HashAlgorithm) ([]byte, error) {
	switch alg {
	case arctype.HashMD5:
		sum := md5.Sum(data)
		return sum[:], nil
	case arctype.HashSHA1:
		sum := sha1.Sum(data)
		return sum[:], nil
	case arctype.HashSHA256:
		sum := sha256.Sum256(data)
		return sum[:], nil
	case arctype.HashSHA512:
		sum := sha512.Sum512(data)
		return sum[:], nil
	case arctype.HashBLAKE3:
		sum := blake3.Sum256(data)
		return sum[:], nil
	default:
		return nil, fmt.Errorf("%w: hash algorithm %d", arctype.ErrUnknownAlgorithm, alg)
	}
}

// HashSize returns the digest length in bytes for the named algorithm.
func HashSize(alg arctype.HashAlgorithm) (int, error) {
	switch alg {
	case arctype.HashMD5:
		return md5.Size, nil
	case arctype.HashSHA1:
		return sha1.Size, nil
	case arctype.HashSHA256, arctype.HashBLAKE3:
		return sha256.Size, nil
	case arctype.HashSHA512:
		return sha512.Size, nil
	default:
		return 0, fmt.Errorf("%w: hash algorithm %d", arctype.ErrUnknownAlgorithm, alg)
	}
}

// entryKey is the embedded symmetric key for bytecode payloads. The key
// ships with every runtime; this is obfuscation, not a secrecy boundary.
var entryKey = []byte("3b6a1cf6e94c48d9a07f52c1b8d3e0a4")

// entryNonce is fixed across all payloads.
var entryNonce = make([]byte, chacha20.NonceSize)

// EncryptEntry applies the embedded stream cipher to a payload in place of
// the plaintext. Decryption is the same operation.
func EncryptEntry(data []byte) ([]byte, error) {
	c, err := chacha20.NewUnauthenticatedCipher(entryKey, entryNonce)
	if err != nil {
		return nil, fmt.Errorf("entry cipher: %w", err)
	}
	out := make([]byte, len(data))
	c.XORKeyStream(out, data)
	return out, nil
}

// DecryptEntry reverses EncryptEntry.
func DecryptEntry(data []byte) ([]byte, error) {
	return EncryptEntry(data)
}
