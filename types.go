package arc

import (
	"log/slog"
	"net/http"
)

// Getter loads nested resources from inside a type hook. It runs under the
// factory lock; hooks must call it instead of Factory.Get, which would
// deadlock.
type Getter func(path string) (any, error)

// ResourceType materializes raw payload bytes into an in-memory resource and
// tears it down again. Create must return a comparable value, in practice a
// pointer, since the factory indexes resources by handle.
type ResourceType interface {
	Create(path string, data []byte, get Getter) (any, error)
	Destroy(res any) error
}

// Preloader is implemented by types that parse headers and pull nested
// dependencies ahead of Create.
type Preloader interface {
	Preload(path string, data []byte, get Getter) error
}

// PostCreator is implemented by types that finish construction after the
// resource is materialized.
type PostCreator interface {
	PostCreate(path string, res any) error
}

// Recreator is implemented by types that support hot reload. Recreate
// produces a replacement resource; prev stays valid for the duration of the
// call so types can migrate state across.
type Recreator interface {
	Recreate(path string, data []byte, prev any) (any, error)
}

// ReloadFunc observes a completed reload. It runs under the factory lock.
type ReloadFunc func(path string, res any)

// Descriptor is the factory's bookkeeping record for one resident resource.
type Descriptor struct {
	// Path is the canonical resource path.
	Path string

	// Resource is the materialized value the type's Create hook produced.
	Resource any

	// DataSize is the payload size on disk, MemorySize the size the type
	// reported for the materialized resource, when it did.
	DataSize   int
	MemorySize int

	digest   []byte
	refCount int
	typ      ResourceType
	prev     any // staged during an in-flight reload
}

// RefCount returns the descriptor's current reference count.
func (d *Descriptor) RefCount() int {
	return d.refCount
}

// Config carries everything a Factory needs at construction. There is no
// process-global state; two factories with different configs coexist.
type Config struct {
	// IndexPath, DataPath, and ManifestPath locate the bundled archive.
	IndexPath    string
	DataPath     string
	ManifestPath string

	// PublicKeyPath locates the PKIX DER key the manifest signature is
	// verified against. Verification failure is fatal to construction.
	PublicKeyPath string

	// LiveUpdateDir holds the mutable live-update state: the union index,
	// the appended data file, and the bundle version marker. Empty disables
	// live update.
	LiveUpdateDir string

	// BuiltinsIndex, BuiltinsData, and BuiltinsManifest carry an in-memory
	// overlay archive consulted before the bundled one, typically embedded
	// in the binary. All three must be set together.
	BuiltinsIndex    []byte
	BuiltinsData     []byte
	BuiltinsManifest []byte

	// HTTPBaseURL enables the remote fallback source. HTTPCacheDir, when
	// set, gives fetched payloads an on-disk cache with revalidation.
	HTTPBaseURL  string
	HTTPCacheDir string

	// MountDir enables the local filesystem fallback source, resolving
	// resource paths below this directory.
	MountDir string

	// PackDir locates downloaded resource pack files. After a bundle
	// install, pack files the new bundle supplies itself are purged.
	PackDir string

	// EngineVersion, when set, must appear in the manifest's supported
	// versions list.
	EngineVersion string

	// MaxResources bounds the descriptor table. Zero means the default.
	MaxResources int
}

// Option configures a Factory beyond its Config.
type Option func(*Factory)

// WithLogger sets the factory logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Factory) {
		f.logger = logger
	}
}

// WithHTTPClient sets the client used by the remote fallback source.
func WithHTTPClient(client *http.Client) Option {
	return func(f *Factory) {
		f.httpClient = client
	}
}
