// Package arc is the runtime resource factory: a reference-counted,
// loop-detecting cache over a signed content-addressed archive, with
// fallback loading from HTTP and the local filesystem and live-update
// patching of the bundled content.
package arc

import (
	"crypto/rsa"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"slices"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/meridian-games/arc/archive"
	"github.com/meridian-games/arc/httpsource"
	"github.com/meridian-games/arc/internal/arctype"
	"github.com/meridian-games/arc/internal/crypt"
	"github.com/meridian-games/arc/internal/pack"
	"github.com/meridian-games/arc/manifest"
)

// Live-update state file names inside Config.LiveUpdateDir.
const (
	liveUpdateIndexName = "liveupdate.idx"
	liveUpdateDataName  = "liveupdate.dat"
	bundleVersionName   = "bundle.ver"
)

const defaultMaxResources = 1024

// Factory is the runtime resource cache. All operations serialize behind one
// lock; loads block while holding it so the loop-detection stack and the
// reference counts stay consistent.
type Factory struct {
	mu sync.Mutex

	cfg        Config
	logger     *slog.Logger
	httpClient *http.Client

	manifest *manifest.Manifest
	arch     *archive.Archive
	hashAlg  arctype.HashAlgorithm

	builtinsManifest *manifest.Manifest
	builtinsArch     *archive.Archive

	fetcher *httpsource.Fetcher

	types       map[string]ResourceType
	descriptors map[string]*Descriptor // hex url digest -> descriptor
	byHandle    map[any]*Descriptor
	inflight    []string

	observers  map[int]ReloadFunc
	observerID int

	watcher  *fsnotify.Watcher
	watchWG  sync.WaitGroup
	maxCount int
}

// NewFactory verifies the bundled manifest and archive and builds a factory
// over them. A malformed or unverifiable manifest fails construction; no
// factory is produced over untrusted content.
func NewFactory(cfg Config, opts ...Option) (*Factory, error) {
	f := &Factory{
		cfg:         cfg,
		types:       make(map[string]ResourceType),
		descriptors: make(map[string]*Descriptor),
		byHandle:    make(map[any]*Descriptor),
		observers:   make(map[int]ReloadFunc),
		maxCount:    cfg.MaxResources,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.maxCount <= 0 {
		f.maxCount = defaultMaxResources
	}

	raw, err := os.ReadFile(cfg.ManifestPath)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	m, err := manifest.Parse(raw)
	if err != nil {
		return nil, err
	}
	if cfg.EngineVersion != "" && !m.SupportsVersion(cfg.EngineVersion) {
		return nil, fmt.Errorf("%w: engine version %q not supported by manifest", ErrVersionMismatch, cfg.EngineVersion)
	}
	f.manifest = m
	f.hashAlg = m.Header.ResourceHashAlgorithm

	pub, err := manifest.LoadPublicKey(cfg.PublicKeyPath)
	if err != nil {
		return nil, err
	}

	arch, err := f.openArchive(m, pub)
	if err != nil {
		return nil, err
	}
	f.arch = arch

	if err := f.openBuiltins(); err != nil {
		_ = arch.Close()
		return nil, err
	}

	if cfg.HTTPBaseURL != "" {
		fetcher, err := httpsource.NewFetcher(cfg.HTTPBaseURL,
			httpsource.WithClient(f.httpClient),
			httpsource.WithCacheDir(cfg.HTTPCacheDir),
			httpsource.WithLogger(f.logger))
		if err != nil {
			_ = arch.Close()
			return nil, err
		}
		f.fetcher = fetcher
	}

	f.log().Info("resource factory ready",
		"entries", arch.Len(),
		"manifest", cfg.ManifestPath,
		"live_update", cfg.LiveUpdateDir != "")
	return f, nil
}

func (f *Factory) log() *slog.Logger {
	if f.logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return f.logger
}

// openArchive loads the bundled archive, verifies the manifest signature
// against its index checksum, and reconciles cached live-update state with
// the installed bundle.
func (f *Factory) openArchive(m *manifest.Manifest, pub *rsa.PublicKey) (*archive.Archive, error) {
	bundled, err := archive.Load(f.cfg.IndexPath, f.cfg.DataPath, archive.WithLogger(f.logger))
	if err != nil {
		return nil, err
	}
	if err := m.VerifySignature(pub, bundled.Checksum()); err != nil {
		_ = bundled.Close()
		return nil, err
	}

	if f.cfg.LiveUpdateDir == "" {
		return bundled, nil
	}
	if err := os.MkdirAll(f.cfg.LiveUpdateDir, 0o700); err != nil {
		_ = bundled.Close()
		return nil, err
	}

	luIndex := filepath.Join(f.cfg.LiveUpdateDir, liveUpdateIndexName)
	luData := filepath.Join(f.cfg.LiveUpdateDir, liveUpdateDataName)
	marker := filepath.Join(f.cfg.LiveUpdateDir, bundleVersionName)

	switch err := m.ValidateBundleVersion(marker); {
	case err == nil:
		// Same bundle as last run; the cached union index is valid.
		_ = bundled.Close()
		return archive.Load(f.cfg.IndexPath, f.cfg.DataPath,
			archive.WithLogger(f.logger),
			archive.WithLiveUpdate(luIndex, luData))
	case errors.Is(err, ErrVersionMismatch):
		return f.installBundle(bundled, luIndex, luData, marker)
	default:
		_ = bundled.Close()
		return nil, err
	}
}

// installBundle reconciles a newly installed bundle with live-update state
// cached against the previous one. Live-update payloads the new bundle does
// not supply survive; everything else is dropped from the union index.
func (f *Factory) installBundle(bundled *archive.Archive, luIndex, luData, marker string) (*archive.Archive, error) {
	stale, err := archive.Load(f.cfg.IndexPath, f.cfg.DataPath,
		archive.WithLogger(f.logger),
		archive.WithLiveUpdate(luIndex, luData))
	if err != nil {
		_ = bundled.Close()
		return nil, err
	}
	keep := stale.LiveUpdateDelta(bundled)
	_ = stale.Close()
	_ = bundled.Close()

	if err := os.Remove(luIndex); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	arch, err := archive.Load(f.cfg.IndexPath, f.cfg.DataPath,
		archive.WithLogger(f.logger),
		archive.WithLiveUpdate(luIndex, luData))
	if err != nil {
		return nil, err
	}
	if len(keep) > 0 {
		if err := arch.MergeLiveUpdate(keep); err != nil {
			_ = arch.Close()
			return nil, err
		}
	}
	if err := os.WriteFile(marker, f.manifest.Signature, 0o600); err != nil {
		_ = arch.Close()
		return nil, err
	}
	f.purgePack(keep, arch.HashLength())
	f.log().Info("installed new bundle", "surviving_live_update", len(keep))
	return arch, nil
}

// purgePack drops downloaded pack files the new bundle now supplies itself.
// Purge failure is not fatal; stale pack files are dead weight, not a
// correctness problem.
func (f *Factory) purgePack(keep []archive.LiveEntry, hashLength int) {
	if f.cfg.PackDir == "" {
		return
	}
	store, err := pack.New(f.cfg.PackDir)
	if err != nil {
		f.log().Warn("resource pack unavailable for purge", "dir", f.cfg.PackDir, "error", err)
		return
	}
	if err := store.Purge(archive.DigestHexSet(keep, hashLength)); err != nil {
		f.log().Warn("resource pack purge failed", "dir", f.cfg.PackDir, "error", err)
	}
}

// openBuiltins wraps the in-memory overlay archive, when configured.
func (f *Factory) openBuiltins() error {
	if len(f.cfg.BuiltinsIndex) == 0 {
		return nil
	}
	if len(f.cfg.BuiltinsData) == 0 || len(f.cfg.BuiltinsManifest) == 0 {
		return fmt.Errorf("%w: builtins require index, data, and manifest together", ErrFormat)
	}
	bm, err := manifest.Parse(f.cfg.BuiltinsManifest)
	if err != nil {
		return fmt.Errorf("builtins manifest: %w", err)
	}
	ba, err := archive.Wrap(f.cfg.BuiltinsIndex, f.cfg.BuiltinsData, archive.WithLogger(f.logger))
	if err != nil {
		return fmt.Errorf("builtins archive: %w", err)
	}
	f.builtinsManifest = bm
	f.builtinsArch = ba
	return nil
}

// RegisterType binds a resource type to a file extension, given without the
// leading dot. Duplicate registration is a configuration error.
func (f *Factory) RegisterType(ext string, t ResourceType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.types[ext]; ok {
		return fmt.Errorf("%w: %q", ErrAlreadyRegistered, ext)
	}
	f.types[ext] = t
	return nil
}

// canonicalPath validates and normalizes a resource path. Paths must be
// absolute; duplicate separators and dot segments collapse.
func canonicalPath(p string) (string, error) {
	if p == "" || p[0] != '/' {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return path.Clean(p), nil
}

// urlDigest hashes a canonical path with the manifest's resource algorithm.
func (f *Factory) urlDigest(canonical string) ([]byte, error) {
	return crypt.Hash([]byte(canonical), f.hashAlg)
}

// Get loads a resource, or bumps its reference count if already resident.
// The returned handle is whatever the type's Create hook produced. Get is
// safe for concurrent use.
func (f *Factory) Get(p string) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.get(p)
}

// get is the lock-held body of Get; type hooks re-enter here through their
// Getter.
func (f *Factory) get(p string) (any, error) {
	canonical, err := canonicalPath(p)
	if err != nil {
		return nil, err
	}

	if slices.Contains(f.inflight, canonical) {
		chain := append(slices.Clone(f.inflight), canonical)
		return nil, &LoopError{Chain: chain}
	}
	f.inflight = append(f.inflight, canonical)
	defer func() {
		f.inflight = f.inflight[:len(f.inflight)-1]
	}()

	dig, err := f.urlDigest(canonical)
	if err != nil {
		return nil, err
	}
	key := hex.EncodeToString(dig)

	if d, ok := f.descriptors[key]; ok {
		d.refCount++
		return d.Resource, nil
	}

	ext := pathExt(canonical)
	typ, ok := f.types[ext]
	if !ok {
		return nil, fmt.Errorf("%w: extension %q (%s)", ErrUnknownResourceType, ext, canonical)
	}
	if len(f.descriptors) >= f.maxCount {
		return nil, fmt.Errorf("%w: %d resources resident", ErrOutOfResources, len(f.descriptors))
	}

	data, err := f.loadBytes(canonical, dig)
	if err != nil {
		return nil, err
	}

	getter := Getter(f.get)
	if pre, ok := typ.(Preloader); ok {
		if err := pre.Preload(canonical, data, getter); err != nil {
			return nil, fmt.Errorf("preload %s: %w", canonical, err)
		}
	}
	res, err := typ.Create(canonical, data, getter)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", canonical, err)
	}
	if post, ok := typ.(PostCreator); ok {
		if err := post.PostCreate(canonical, res); err != nil {
			_ = typ.Destroy(res)
			return nil, fmt.Errorf("post-create %s: %w", canonical, err)
		}
	}

	d := &Descriptor{
		Path:     canonical,
		Resource: res,
		DataSize: len(data),
		digest:   dig,
		refCount: 1,
		typ:      typ,
	}
	f.descriptors[key] = d
	f.byHandle[res] = d
	f.log().Debug("resource loaded", "path", canonical, "size", len(data))
	return res, nil
}

// GetRaw loads a resource's bytes through the same source chain as Get, with
// no type hooks and no descriptor registration.
func (f *Factory) GetRaw(p string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	canonical, err := canonicalPath(p)
	if err != nil {
		return nil, err
	}
	dig, err := f.urlDigest(canonical)
	if err != nil {
		return nil, err
	}
	return f.loadBytes(canonical, dig)
}

// Release drops one reference. At zero the type's Destroy hook runs and the
// descriptor is removed. Releasing a handle that was never loaded, or
// releasing more times than Get was called, is rejected.
func (f *Factory) Release(handle any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	d, ok := f.byHandle[handle]
	if !ok {
		return ErrNotLoaded
	}
	d.refCount--
	if d.refCount > 0 {
		return nil
	}
	delete(f.descriptors, hex.EncodeToString(d.digest))
	delete(f.byHandle, handle)
	f.log().Debug("resource destroyed", "path", d.Path)
	return d.typ.Destroy(d.Resource)
}

// IncRef bumps the reference count of an already-loaded handle.
func (f *Factory) IncRef(handle any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	d, ok := f.byHandle[handle]
	if !ok {
		return ErrNotLoaded
	}
	d.refCount++
	return nil
}

// RefCount returns the live reference count for a handle.
func (f *Factory) RefCount(handle any) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	d, ok := f.byHandle[handle]
	if !ok {
		return 0, ErrNotLoaded
	}
	return d.refCount, nil
}

// GetPath returns the canonical path a handle was loaded from.
func (f *Factory) GetPath(handle any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	d, ok := f.byHandle[handle]
	if !ok {
		return "", ErrNotLoaded
	}
	return d.Path, nil
}

// Reload re-reads an already-loaded resource and swaps in a replacement via
// the type's Recreate hook. Types without recreation support report
// ErrNotSupported; the resident resource stays intact on any failure.
func (f *Factory) Reload(p string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	canonical, err := canonicalPath(p)
	if err != nil {
		return err
	}
	dig, err := f.urlDigest(canonical)
	if err != nil {
		return err
	}
	d, ok := f.descriptors[hex.EncodeToString(dig)]
	if !ok {
		return fmt.Errorf("%s: %w", canonical, ErrNotLoaded)
	}

	data, err := f.loadBytes(canonical, dig)
	if err != nil {
		return err
	}
	return f.recreate(d, data)
}

// Set recreates an already-loaded resource from caller-supplied bytes,
// bypassing the source chain. Observers are notified exactly as for Reload.
func (f *Factory) Set(p string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	canonical, err := canonicalPath(p)
	if err != nil {
		return err
	}
	dig, err := f.urlDigest(canonical)
	if err != nil {
		return err
	}
	d, ok := f.descriptors[hex.EncodeToString(dig)]
	if !ok {
		return fmt.Errorf("%s: %w", canonical, ErrNotLoaded)
	}
	return f.recreate(d, data)
}

// recreate swaps a descriptor's resource for one built from data. The old
// resource stays staged until observers have seen the new one, then its
// Destroy hook runs.
func (f *Factory) recreate(d *Descriptor, data []byte) error {
	rec, ok := d.typ.(Recreator)
	if !ok {
		return fmt.Errorf("%s: recreate: %w", d.Path, ErrNotSupported)
	}
	next, err := rec.Recreate(d.Path, data, d.Resource)
	if err != nil {
		return fmt.Errorf("recreate %s: %w", d.Path, err)
	}

	d.prev = d.Resource
	d.Resource = next
	d.DataSize = len(data)
	delete(f.byHandle, d.prev)
	f.byHandle[next] = d

	for _, fn := range f.observers {
		fn(d.Path, next)
	}

	prev := d.prev
	d.prev = nil
	if prev != next {
		if err := d.typ.Destroy(prev); err != nil {
			f.log().Warn("destroy of replaced resource failed", "path", d.Path, "error", err)
		}
	}
	f.log().Debug("resource recreated", "path", d.Path)
	return nil
}

// OnReload registers an observer fired after every successful Reload or Set.
// The returned function removes it.
func (f *Factory) OnReload(fn ReloadFunc) (remove func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.observerID
	f.observerID++
	f.observers[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.observers, id)
	}
}

// StoreResource ingests a live-update payload: the digest is verified
// against the payload bytes, then the entry is inserted into the running
// index and the payload appended to the live-update data file.
func (f *Factory) StoreResource(dig []byte, res *archive.LiveUpdateResource) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.manifest.VerifyContent(dig, res.Data); err != nil {
		return err
	}
	return f.arch.StoreLiveUpdate(dig, res)
}

// Manifest returns the active manifest.
func (f *Factory) Manifest() *manifest.Manifest {
	return f.manifest
}

// Close stops the watcher, destroys any still-resident resources, and closes
// the archives. Resources alive at close are a caller leak and are logged.
func (f *Factory) Close() error {
	f.stopWatcher()

	f.mu.Lock()
	defer f.mu.Unlock()

	var errs []error
	for key, d := range f.descriptors {
		f.log().Warn("resource leaked at close", "path", d.Path, "refcount", d.refCount)
		if err := d.typ.Destroy(d.Resource); err != nil {
			errs = append(errs, err)
		}
		delete(f.descriptors, key)
		delete(f.byHandle, d.Resource)
	}
	if f.builtinsArch != nil {
		if err := f.builtinsArch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := f.arch.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// pathExt returns the extension without the leading dot.
func pathExt(p string) string {
	e := path.Ext(p)
	if e == "" {
		return ""
	}
	return e[1:]
}
