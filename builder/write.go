package builder

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/hex"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"github.com/meridian-games/arc/internal/arctype"
	"github.com/meridian-games/arc/internal/codec"
	"github.com/meridian-games/arc/internal/crypt"
	"github.com/meridian-games/arc/internal/pack"
	"github.com/meridian-games/arc/manifest"
)

// Result lists the artifacts a build produced.
type Result struct {
	IndexPath        string
	DataPath         string
	ManifestPath     string
	ManifestHashPath string
	PublicKeyPath    string
	PrivateKeyPath   string
	PackDir          string

	Manifest *manifest.Manifest
}

// Write runs the build: payloads are processed in deterministic order, the
// index and data file are emitted for bundled entries, excluded and
// live-update payloads land in the resource pack, and the manifest is signed
// against the index checksum. Output files are truncated up front so an
// aborted build never masquerades as a finished one.
func (b *Builder) Write(ctx context.Context, prefix string) (*Result, error) {
	hashLen, err := crypt.HashSize(b.resourceHash)
	if err != nil {
		return nil, err
	}

	res := &Result{
		IndexPath:      prefix + ExtIndex,
		DataPath:       prefix + ExtData,
		ManifestPath:   prefix + ExtManifest,
		PublicKeyPath:  b.pubKeyPath,
		PrivateKeyPath: b.privKeyPath,
		PackDir:        b.packDir,
	}
	if res.PrivateKeyPath == "" {
		res.PrivateKeyPath = prefix + ExtPrivateKey
		res.PublicKeyPath = prefix + ExtPublicKey
	}
	if res.PackDir == "" {
		res.PackDir = prefix + ".resourcepack"
	}
	if b.writeManifestHash {
		res.ManifestHashPath = prefix + ExtManifestHash
	}

	priv, err := b.signingKey(res)
	if err != nil {
		return nil, err
	}

	store, err := pack.New(res.PackDir)
	if err != nil {
		return nil, err
	}

	for _, p := range []string{res.IndexPath, res.ManifestPath} {
		if err := os.WriteFile(p, nil, 0o644); err != nil {
			return nil, err
		}
	}
	data, err := os.Create(res.DataPath)
	if err != nil {
		return nil, err
	}
	defer data.Close()

	bundled, err := b.processEntries(ctx, data, store, hashLen)
	if err != nil {
		return nil, err
	}
	if err := data.Sync(); err != nil {
		return nil, err
	}

	encoded := codec.Encode(buildIndex(bundled, hashLen))
	if err := os.WriteFile(res.IndexPath, encoded, 0o644); err != nil {
		return nil, err
	}
	checksum, err := codec.Checksum(encoded)
	if err != nil {
		return nil, err
	}

	m, err := b.buildManifest(priv, checksum)
	if err != nil {
		return nil, err
	}
	doc, err := manifest.Encode(m)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(res.ManifestPath, doc, 0o644); err != nil {
		return nil, err
	}
	if res.ManifestHashPath != "" {
		sum, err := crypt.Hash(doc, b.signatureHash)
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(res.ManifestHashPath, []byte(hex.EncodeToString(sum)+"\n"), 0o644); err != nil {
			return nil, err
		}
	}

	res.Manifest = m
	b.log().Info("archive built",
		"entries", len(b.entries),
		"bundled", len(bundled),
		"index", res.IndexPath)
	return res, nil
}

// signingKey loads the configured private key, generating a fresh pair next
// to the outputs when none exists yet.
func (b *Builder) signingKey(res *Result) (*rsa.PrivateKey, error) {
	if _, statErr := os.Stat(res.PrivateKeyPath); os.IsNotExist(statErr) {
		b.log().Info("generating signing key pair", "private", res.PrivateKeyPath)
		if err := manifest.GenerateKeyPair(res.PrivateKeyPath, res.PublicKeyPath); err != nil {
			return nil, err
		}
	}
	return manifest.LoadPrivateKey(res.PrivateKeyPath)
}

// processEntries runs every queued file through compression, encryption, and
// digesting, routing each payload to the data file or the resource pack.
// It returns the bundled entries with their final offsets.
//
// Files are visited in reverse path order so repeated builds of the same tree
// lay payloads out identically.
func (b *Builder) processEntries(ctx context.Context, data *os.File, store *pack.Store, hashLen int) ([]*entry, error) {
	ordered := make([]*entry, len(b.entries))
	copy(ordered, b.entries)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].url < ordered[j].url })

	var (
		bundled []*entry
		offset  int64
		seen    = make(map[string]*entry)
	)
	for i := len(ordered) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e := ordered[i]
		payload, err := b.processPayload(e)
		if err != nil {
			return nil, err
		}
		sum, err := crypt.Hash(payload, b.resourceHash)
		if err != nil {
			return nil, err
		}
		copy(e.digest[:], sum)

		if e.liveUpdate || b.isExcluded(e.url) {
			err := store.Put(sum, &pack.Resource{
				Data:  payload,
				Flags: e.flags,
				Size:  e.size,
			})
			if err != nil {
				return nil, fmt.Errorf("pack %s: %w", e.url, err)
			}
			continue
		}

		// Identical content appears once in the data file and index.
		if prior, ok := seen[string(sum[:hashLen])]; ok {
			e.offset = prior.offset
			continue
		}

		offset = alignUp(offset)
		if offset+int64(len(payload)) > math.MaxUint32 {
			return nil, fmt.Errorf("%w: data file exceeds offset range", arctype.ErrFormat)
		}
		if _, err := data.WriteAt(payload, offset); err != nil {
			return nil, fmt.Errorf("write payload %s: %w", e.url, err)
		}
		e.offset = uint32(offset)
		offset += int64(len(payload))

		seen[string(sum[:hashLen])] = e
		bundled = append(bundled, e)
	}
	return bundled, nil
}

// processPayload reads the source file and applies compression and the
// cipher, finalizing the entry's flags and sizes.
func (b *Builder) processPayload(e *entry) ([]byte, error) {
	raw, err := os.ReadFile(e.absPath)
	if err != nil {
		return nil, err
	}
	if int64(len(raw)) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %s exceeds entry size range", arctype.ErrFormat, e.relPath)
	}
	e.size = uint32(len(raw))

	payload := raw
	if e.wantCompress && len(raw) > 0 {
		compressed, err := crypt.Compress(raw)
		if err != nil {
			return nil, fmt.Errorf("compress %s: %w", e.url, err)
		}
		if float64(len(compressed)) <= compressionRatio*float64(len(raw)) {
			payload = compressed
			e.flags |= arctype.EntryCompressed
			e.compressed = uint32(len(compressed))
		}
	}
	if _, ok := encryptedExts[ext(e.relPath)]; ok {
		encrypted, err := crypt.EncryptEntry(payload)
		if err != nil {
			return nil, fmt.Errorf("encrypt %s: %w", e.url, err)
		}
		payload = encrypted
		e.flags |= arctype.EntryEncrypted
	}
	return payload, nil
}

// buildIndex assembles the sorted index from the bundled entries.
func buildIndex(bundled []*entry, hashLen int) *codec.Index {
	sort.Slice(bundled, func(i, j int) bool {
		return bytes.Compare(bundled[i].digest[:hashLen], bundled[j].digest[:hashLen]) < 0
	})
	idx := &codec.Index{
		HashLength: uint32(hashLen),
		Digests:    make([]byte, 0, len(bundled)*codec.MaxHashLength),
		Entries:    make([]codec.Entry, 0, len(bundled)),
	}
	for _, e := range bundled {
		idx.Digests = append(idx.Digests, e.digest[:]...)
		idx.Entries = append(idx.Entries, codec.Entry{
			Offset:         e.offset,
			Size:           e.size,
			CompressedSize: e.compressed,
			Flags:          uint32(e.flags),
		})
	}
	return idx
}

// buildManifest produces the signed manifest covering every queued entry,
// bundled or not.
func (b *Builder) buildManifest(priv *rsa.PrivateKey, indexChecksum []byte) (*manifest.Manifest, error) {
	projectID, err := crypt.Hash([]byte(b.projectID), b.resourceHash)
	if err != nil {
		return nil, err
	}
	m := &manifest.Manifest{
		Header: manifest.Header{
			Magic:                  manifest.Magic,
			Version:                manifest.Version,
			ResourceHashAlgorithm:  b.resourceHash,
			SignatureHashAlgorithm: b.signatureHash,
			SignatureSignAlgorithm: arctype.SignRSA,
		},
		ProjectID:         projectID,
		SupportedVersions: b.supportedVersions,
		Entries:           make([]manifest.ResourceEntry, 0, len(b.entries)),
	}
	hashLen, err := crypt.HashSize(b.resourceHash)
	if err != nil {
		return nil, err
	}
	for _, e := range b.entries {
		urlDigest, err := crypt.Hash([]byte(e.url), b.resourceHash)
		if err != nil {
			return nil, err
		}
		flags := arctype.ResourceBundled
		switch {
		case e.liveUpdate:
			flags = arctype.ResourceLiveUpdate | arctype.ResourceExcluded
		case b.isExcluded(e.url):
			flags = arctype.ResourceExcluded
		}
		m.Entries = append(m.Entries, manifest.ResourceEntry{
			URL:           e.url,
			URLDigest:     urlDigest,
			ContentDigest: append([]byte(nil), e.digest[:hashLen]...),
			Flags:         flags,
		})
	}
	m.SortEntries()
	if err := m.Sign(priv, indexChecksum); err != nil {
		return nil, err
	}
	return m, nil
}

// alignUp rounds a data file offset to the entry alignment boundary.
func alignUp(n int64) int64 {
	const align = 4
	return (n + align - 1) &^ (align - 1)
}

// ext returns the file extension without the leading dot.
func ext(path string) string {
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		return path[i+1:]
	}
	return ""
}
