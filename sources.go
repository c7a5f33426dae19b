package arc

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// loadBytes resolves a resource's payload through the source chain: the
// builtins overlay, the bundled archive, the remote origin, then the local
// filesystem. The first hit wins; ErrNotFound means every source missed.
func (f *Factory) loadBytes(canonical string, urlDigest []byte) ([]byte, error) {
	if data, ok, err := f.fromBuiltins(urlDigest); err != nil {
		return nil, err
	} else if ok {
		return data, nil
	}

	if data, ok, err := f.fromArchive(urlDigest); err != nil {
		return nil, err
	} else if ok {
		return data, nil
	}

	if f.fetcher != nil {
		data, err := f.fetcher.Fetch(context.Background(), canonical)
		switch {
		case err == nil:
			return data, nil
		case errors.Is(err, ErrNotFound):
			// next source
		default:
			return nil, err
		}
	}

	if f.cfg.MountDir != "" {
		data, err := os.ReadFile(filepath.Join(f.cfg.MountDir, filepath.FromSlash(canonical[1:])))
		switch {
		case err == nil:
			return data, nil
		case errors.Is(err, fs.ErrNotExist):
			// next source
		default:
			return nil, err
		}
	}

	return nil, fmt.Errorf("%s: %w", canonical, ErrNotFound)
}

// fromBuiltins consults the in-memory overlay, when configured.
func (f *Factory) fromBuiltins(urlDigest []byte) ([]byte, bool, error) {
	if f.builtinsManifest == nil {
		return nil, false, nil
	}
	entry, ok := f.builtinsManifest.FindEntry(urlDigest)
	if !ok {
		return nil, false, nil
	}
	data, err := f.builtinsArch.ReadDigest(entry.ContentDigest)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

// fromArchive consults the bundled archive plus any live-update entries. A
// resource the manifest knows but the index lacks is an excluded payload not
// yet stored; the caller falls through to the remote sources.
func (f *Factory) fromArchive(urlDigest []byte) ([]byte, bool, error) {
	entry, ok := f.manifest.FindEntry(urlDigest)
	if !ok {
		return nil, false, nil
	}
	data, err := f.arch.ReadDigest(entry.ContentDigest)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}
