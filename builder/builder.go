// Package builder assembles a resource archive from a source tree: payload
// compression and encryption, exclusion routing to a resource pack, the
// sorted index, and the signed manifest.
package builder

import (
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/meridian-games/arc/internal/arctype"
	"github.com/meridian-games/arc/internal/codec"
)

// Output file extensions appended to the build prefix.
const (
	ExtIndex        = ".idx"
	ExtData         = ".dat"
	ExtManifest     = ".manifest"
	ExtPublicKey    = ".pub"
	ExtPrivateKey   = ".key"
	ExtManifestHash = ".manifest_sha"
)

// compressionRatio is the acceptance threshold: a compressed payload is kept
// only when it is at most this fraction of the original. Anything closer to
// 1.0 buys nothing but a decompression pass at load time.
const compressionRatio = 0.95

// encryptedExts lists bytecode-like asset extensions whose payloads are
// passed through the embedded stream cipher.
var encryptedExts = map[string]struct{}{
	"luac":           {},
	"scriptc":        {},
	"gui_scriptc":    {},
	"render_scriptc": {},
}

// entry is the transient build-time record for one source file. Flags and
// sizes are finalized as payload bytes are processed; the record is immutable
// once written.
type entry struct {
	absPath    string
	relPath    string
	url        string
	size       uint32
	compressed uint32 // codec.UncompressedSize when stored raw
	digest     [codec.MaxHashLength]byte
	flags      arctype.EntryFlag
	offset     uint32

	wantCompress bool
	liveUpdate   bool
}

// Builder accumulates files and emits index, data, manifest, and resource
// pack outputs. A Builder drives one archive; concurrent builds must target
// distinct outputs.
type Builder struct {
	root    string
	entries []*entry

	parents  map[string][]string // child url -> parent urls
	excluded map[string]bool

	projectID         string
	supportedVersions []string
	resourceHash      arctype.HashAlgorithm
	signatureHash     arctype.HashAlgorithm
	packDir           string
	privKeyPath       string
	pubKeyPath        string
	writeManifestHash bool

	logger *slog.Logger
}

// Option configures a Builder.
type Option func(*Builder)

// WithLogger sets the logger used during the build.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Builder) { b.logger = logger }
}

// WithProjectID sets the project identifier hashed into the manifest.
func WithProjectID(id string) Option {
	return func(b *Builder) { b.projectID = id }
}

// WithSupportedVersions sets the build identifiers the manifest declares
// compatible.
func WithSupportedVersions(versions ...string) Option {
	return func(b *Builder) { b.supportedVersions = versions }
}

// WithResourceHash selects the content digest algorithm. Default SHA1.
func WithResourceHash(alg arctype.HashAlgorithm) Option {
	return func(b *Builder) { b.resourceHash = alg }
}

// WithSignatureHash selects the signature digest algorithm. Default SHA256.
func WithSignatureHash(alg arctype.HashAlgorithm) Option {
	return func(b *Builder) { b.signatureHash = alg }
}

// WithPackDir sets the directory excluded and live-update payloads are
// written to. Defaults to <prefix>.resourcepack next to the other outputs.
func WithPackDir(dir string) Option {
	return func(b *Builder) { b.packDir = dir }
}

// WithKeyPair supplies existing signing keys instead of generating a pair.
func WithKeyPair(privPath, pubPath string) Option {
	return func(b *Builder) {
		b.privKeyPath = privPath
		b.pubKeyPath = pubPath
	}
}

// WithManifestHashFile also emits the hex digest of the serialized manifest
// to a side file, for publish tooling.
func WithManifestHashFile(enabled bool) Option {
	return func(b *Builder) { b.writeManifestHash = enabled }
}

// New creates a Builder over a source tree root.
func New(root string, opts ...Option) *Builder {
	b := &Builder{
		root:          root,
		parents:       make(map[string][]string),
		excluded:      make(map[string]bool),
		projectID:     filepath.Base(root),
		resourceHash:  arctype.HashSHA1,
		signatureHash: arctype.HashSHA256,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// log returns the logger, falling back to a discard logger if nil.
func (b *Builder) log() *slog.Logger {
	if b.logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return b.logger
}

// urlOf converts a path relative to the root into its canonical URL form.
func urlOf(rel string) string {
	return "/" + strings.TrimPrefix(filepath.ToSlash(rel), "/")
}

// Add queues a file, given relative to the build root.
func (b *Builder) Add(rel string, compress bool) {
	b.add(rel, compress, false)
}

// AddLiveUpdate queues a file that is delivered through the live-update
// channel instead of the bundled data file.
func (b *Builder) AddLiveUpdate(rel string, compress bool) {
	b.add(rel, compress, true)
}

func (b *Builder) add(rel string, compress, liveUpdate bool) {
	e := &entry{
		absPath:      filepath.Join(b.root, rel),
		relPath:      rel,
		url:          urlOf(rel),
		compressed:   codec.UncompressedSize,
		wantCompress: compress,
		liveUpdate:   liveUpdate,
	}
	b.entries = append(b.entries, e)
}

// AddDependency records that parent refers to child, both in URL form. The
// graph drives exclusion: a resource leaves the bundle only when every chain
// of parents above it passes through an excluded node.
func (b *Builder) AddDependency(parent, child string) {
	b.parents[child] = append(b.parents[child], parent)
}

// Exclude marks a URL as the root of an excluded subtree.
func (b *Builder) Exclude(url string) {
	b.excluded[url] = true
}

// parentChains returns every chain of ancestors above url, deepest first.
// A resource with no parents has no chains.
func (b *Builder) parentChains(url string) [][]string {
	var chains [][]string
	var walk func(node string, chain []string)
	walk = func(node string, chain []string) {
		parents := b.parents[node]
		if len(parents) == 0 {
			if len(chain) > 0 {
				chains = append(chains, append([]string(nil), chain...))
			}
			return
		}
		for _, p := range parents {
			walk(p, append(chain, p))
		}
	}
	walk(url, nil)
	return chains
}

// isExcluded reports whether every parent chain reaching url passes through
// an excluded node. A single non-excluded chain keeps the resource bundled.
func (b *Builder) isExcluded(url string) bool {
	if b.excluded[url] {
		return true
	}
	chains := b.parentChains(url)
	if len(chains) == 0 {
		return false
	}
	for _, chain := range chains {
		chainExcluded := false
		for _, node := range chain {
			if b.excluded[node] {
				chainExcluded = true
				break
			}
		}
		if !chainExcluded {
			return false
		}
	}
	return true
}
