// Package manifest models the signed resource manifest that accompanies an
// archive: which resources exist, how each is delivered, and a signature
// binding the manifest to the archive index it was built against.
package manifest

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"

	"github.com/meridian-games/arc/internal/arctype"
)

const (
	// Magic identifies a serialized manifest.
	Magic = 0x43F1A7A2

	// Version is the supported manifest format version.
	Version = 1
)

// Resource flags re-exported for callers.
const (
	ResourceBundled    = arctype.ResourceBundled
	ResourceExcluded   = arctype.ResourceExcluded
	ResourceLiveUpdate = arctype.ResourceLiveUpdate
)

// Hash and signature algorithm identifiers re-exported for callers.
const (
	HashMD5    = arctype.HashMD5
	HashSHA1   = arctype.HashSHA1
	HashSHA256 = arctype.HashSHA256
	HashSHA512 = arctype.HashSHA512
	HashBLAKE3 = arctype.HashBLAKE3

	SignRSA = arctype.SignRSA
)

// Sentinel errors re-exported from the shared set.
var (
	ErrFormat          = arctype.ErrFormat
	ErrVersionMismatch = arctype.ErrVersionMismatch
	ErrSignature       = arctype.ErrSignature
	ErrNotFound        = arctype.ErrNotFound
)

// Header declares the algorithms a manifest was built with. It is validated
// before anything else in the document is trusted.
type Header struct {
	Magic                  uint32                `cbor:"magic"`
	Version                uint32                `cbor:"version"`
	ResourceHashAlgorithm  arctype.HashAlgorithm `cbor:"resource_hash"`
	SignatureHashAlgorithm arctype.HashAlgorithm `cbor:"signature_hash"`
	SignatureSignAlgorithm arctype.SignAlgorithm `cbor:"signature_sign"`
}

// ResourceEntry is one resource known to the manifest. URLDigest is the
// primary key; the entry list is sorted ascending by it.
type ResourceEntry struct {
	URL           string               `cbor:"url"`
	URLDigest     []byte               `cbor:"url_digest"`
	ContentDigest []byte               `cbor:"content_digest"`
	Flags         arctype.ResourceFlag `cbor:"flags"`
}

// Manifest is the parsed document.
type Manifest struct {
	Header            Header          `cbor:"header"`
	ProjectID         []byte          `cbor:"project_id"`
	SupportedVersions []string        `cbor:"supported_versions"`
	Entries           []ResourceEntry `cbor:"entries"`
	Signature         []byte          `cbor:"signature"`
}

// encMode is the deterministic CBOR encoder; builds must be reproducible.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

// Encode serializes the manifest with deterministic CBOR encoding.
func Encode(m *Manifest) ([]byte, error) {
	return encMode.Marshal(m)
}

// envelope is decoded ahead of the full document so magic and version
// reject cheaply.
type envelope struct {
	Header Header `cbor:"header"`
}

// Parse decodes a serialized manifest. Magic and version are validated
// first; the entry list must arrive sorted ascending by URL digest or the
// document is rejected as malformed.
func Parse(data []byte) (*Manifest, error) {
	var env envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: manifest envelope: %v", ErrFormat, err)
	}
	if env.Header.Magic != Magic {
		return nil, fmt.Errorf("%w: bad manifest magic %#x", ErrFormat, env.Header.Magic)
	}
	if env.Header.Version != Version {
		return nil, fmt.Errorf("%w: manifest version %d, want %d", ErrVersionMismatch, env.Header.Version, Version)
	}

	var m Manifest
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: manifest body: %v", ErrFormat, err)
	}
	for i := 1; i < len(m.Entries); i++ {
		if bytes.Compare(m.Entries[i-1].URLDigest, m.Entries[i].URLDigest) >= 0 {
			return nil, fmt.Errorf("%w: manifest entries not sorted by url digest", ErrFormat)
		}
	}
	return &m, nil
}

// SortEntries orders the entry list ascending by URL digest, restoring the
// invariant FindEntry depends on.
func (m *Manifest) SortEntries() {
	sort.Slice(m.Entries, func(i, j int) bool {
		return bytes.Compare(m.Entries[i].URLDigest, m.Entries[j].URLDigest) < 0
	})
}

// FindEntry binary-searches the entry list by URL digest.
func (m *Manifest) FindEntry(urlDigest []byte) (*ResourceEntry, bool) {
	pos := sort.Search(len(m.Entries), func(i int) bool {
		return bytes.Compare(m.Entries[i].URLDigest, urlDigest) >= 0
	})
	if pos < len(m.Entries) && bytes.Equal(m.Entries[pos].URLDigest, urlDigest) {
		return &m.Entries[pos], true
	}
	return nil, false
}

// SupportsVersion reports whether the manifest lists the given build
// identifier among its supported versions.
func (m *Manifest) SupportsVersion(version string) bool {
	for _, v := range m.SupportedVersions {
		if v == version {
			return true
		}
	}
	return false
}
