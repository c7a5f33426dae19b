// Package httpsource fetches resources from a remote origin over HTTP, with
// an optional on-disk cache validated by conditional requests.
package httpsource

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	nethttp "net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/meridian-games/arc/internal/arctype"
)

// ErrNotFound is returned when the origin reports the resource missing.
var ErrNotFound = arctype.ErrNotFound

// Fetcher downloads resources below a base URL. With a cache directory
// configured, each fetch revalidates the cached copy with If-None-Match and
// serves it on 304.
type Fetcher struct {
	base     string
	client   *nethttp.Client
	headers  nethttp.Header
	cacheDir string
	logger   *slog.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithClient sets the HTTP client used for requests.
func WithClient(client *nethttp.Client) Option {
	return func(f *Fetcher) {
		f.client = client
	}
}

// WithHeaders sets additional headers on each request.
func WithHeaders(headers nethttp.Header) Option {
	return func(f *Fetcher) {
		if headers == nil {
			return
		}
		f.headers = headers.Clone()
	}
}

// WithCacheDir enables the on-disk cache rooted at dir.
func WithCacheDir(dir string) Option {
	return func(f *Fetcher) {
		f.cacheDir = dir
	}
}

// WithLogger sets the logger for cache and revalidation events.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Fetcher) {
		f.logger = logger
	}
}

// NewFetcher creates a Fetcher for the given base URL.
func NewFetcher(base string, opts ...Option) (*Fetcher, error) {
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("base url %q: %w", base, err)
	}
	f := &Fetcher{
		base:   strings.TrimSuffix(base, "/"),
		client: nethttp.DefaultClient,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.client == nil {
		f.client = nethttp.DefaultClient
	}
	if f.cacheDir != "" {
		if err := os.MkdirAll(f.cacheDir, 0o700); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func (f *Fetcher) log() *slog.Logger {
	if f.logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return f.logger
}

// Fetch downloads the resource at path below the base URL. A 404 from the
// origin is reported as ErrNotFound so callers can fall through to the next
// source.
func (f *Fetcher) Fetch(ctx context.Context, path string) ([]byte, error) {
	target := f.base + "/" + strings.TrimPrefix(path, "/")

	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	for key, values := range f.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}

	cachePath, etag := f.cached(target)
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case nethttp.StatusOK:
		// fall through to body read
	case nethttp.StatusNotModified:
		data, err := os.ReadFile(cachePath)
		if err == nil {
			f.log().Debug("cache revalidated", "url", target)
			return data, nil
		}
		// Cached copy vanished underneath us; refetch without the validator.
		f.log().Warn("cache file missing after 304, refetching", "url", target)
		return f.refetch(ctx, path)
	case nethttp.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", target, ErrNotFound)
	default:
		return nil, fmt.Errorf("fetch %s: %s", target, resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", target, err)
	}
	f.store(target, cachePath, resp.Header.Get("ETag"), data)
	return data, nil
}

// refetch retries a fetch after dropping the stale cache entry.
func (f *Fetcher) refetch(ctx context.Context, path string) ([]byte, error) {
	target := f.base + "/" + strings.TrimPrefix(path, "/")
	cachePath, _ := f.cached(target)
	if cachePath != "" {
		_ = os.Remove(cachePath + ".etag")
	}
	return f.Fetch(ctx, path)
}

// cached returns the cache file path for a URL and any stored ETag.
func (f *Fetcher) cached(target string) (string, string) {
	if f.cacheDir == "" {
		return "", ""
	}
	sum := sha256.Sum256([]byte(target))
	cachePath := filepath.Join(f.cacheDir, hex.EncodeToString(sum[:]))
	etag, err := os.ReadFile(cachePath + ".etag")
	if err != nil {
		return cachePath, ""
	}
	return cachePath, string(etag)
}

// store writes a response body and its validator to the cache. Cache write
// failures are logged, not fatal; the fetched bytes are still good.
func (f *Fetcher) store(target, cachePath, etag string, data []byte) {
	if cachePath == "" || etag == "" {
		return
	}
	tmp := cachePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		f.log().Warn("cache write failed", "url", target, "error", err)
		return
	}
	if err := os.Rename(tmp, cachePath); err != nil {
		f.log().Warn("cache write failed", "url", target, "error", err)
		return
	}
	if err := os.WriteFile(cachePath+".etag", []byte(etag), 0o600); err != nil {
		f.log().Warn("cache validator write failed", "url", target, "error", err)
	}
}
