// Package archive provides random access to a built resource archive and
// supports run-time insertion of live-update entries.
//
// An archive is an index file plus a data file. The index is a digest table
// sorted ascending with a parallel entry table; lookups are binary searches
// over the digest table. Live-update payloads are appended to a separate
// data file and their entries shift-inserted into a copy of the index, so
// the sort invariant holds at every point a reader can observe.
package archive

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"

	"github.com/meridian-games/arc/internal/arctype"
	"github.com/meridian-games/arc/internal/codec"
	"github.com/meridian-games/arc/internal/crypt"
)

// Entry describes one payload in the archive.
type Entry = codec.Entry

// Flags re-exported for callers inspecting entries.
const (
	EntryEncrypted  = arctype.EntryEncrypted
	EntryCompressed = arctype.EntryCompressed
	EntryLiveUpdate = arctype.EntryLiveUpdate
)

// Sentinel errors re-exported from the shared set.
var (
	ErrFormat          = arctype.ErrFormat
	ErrVersionMismatch = arctype.ErrVersionMismatch
	ErrNotFound        = arctype.ErrNotFound
	ErrAlreadyStored   = arctype.ErrAlreadyStored
	ErrNotSupported    = arctype.ErrNotSupported
)

// Archive is a loaded index/data pair, optionally joined by a live-update
// index/data pair that accumulates entries inserted at run time.
type Archive struct {
	idx      *codec.Index
	checksum []byte // MD5 of the bundled index file

	data      io.ReaderAt
	dataClose io.Closer

	luIndexPath string
	luDataPath  string
	luData      *os.File

	logger *slog.Logger
}

// Option configures an Archive being loaded.
type Option func(*Archive)

// WithLogger sets the logger used for load and insertion events.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Archive) {
		a.logger = logger
	}
}

// WithLiveUpdate attaches a live-update index/data pair. Missing files are
// created; an existing live-update index supersedes the bundled one, since
// it is the union of the bundled entries and previously stored insertions.
func WithLiveUpdate(indexPath, dataPath string) Option {
	return func(a *Archive) {
		a.luIndexPath = indexPath
		a.luDataPath = dataPath
	}
}

// log returns the logger, falling back to a discard logger if nil.
func (a *Archive) log() *slog.Logger {
	if a.logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return a.logger
}

// Load opens an archive from an index file and a data file.
func Load(indexPath, dataPath string, opts ...Option) (*Archive, error) {
	a := &Archive{}
	for _, opt := range opts {
		opt(a)
	}

	raw, err := os.ReadFile(indexPath)
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}
	sum, err := codec.Checksum(raw)
	if err != nil {
		return nil, err
	}
	a.checksum = sum

	idx, err := codec.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode index %s: %w", indexPath, err)
	}
	idx.UserData = codec.FileLoadedTag
	a.idx = idx

	f, err := os.Open(dataPath)
	if err != nil {
		return nil, fmt.Errorf("open data: %w", err)
	}
	a.data = f
	a.dataClose = f

	if a.luIndexPath != "" {
		if err := a.openLiveUpdate(); err != nil {
			f.Close()
			return nil, err
		}
	}
	return a, nil
}

// Wrap builds an Archive over in-memory index and data buffers, for builtin
// overlays and embedded archives. The buffers are retained; callers must not
// modify them.
func Wrap(indexData, data []byte, opts ...Option) (*Archive, error) {
	a := &Archive{}
	for _, opt := range opts {
		opt(a)
	}
	sum, err := codec.Checksum(indexData)
	if err != nil {
		return nil, err
	}
	idx, err := codec.Decode(indexData)
	if err != nil {
		return nil, err
	}
	a.checksum = sum
	a.idx = idx
	a.data = bytes.NewReader(data)
	return a, nil
}

// openLiveUpdate opens or creates the live-update pair configured on a.
func (a *Archive) openLiveUpdate() error {
	if st, err := os.Stat(a.luIndexPath); err == nil && st.Size() > 0 {
		raw, err := os.ReadFile(a.luIndexPath)
		if err != nil {
			return fmt.Errorf("read live-update index: %w", err)
		}
		idx, err := codec.Decode(raw)
		if err != nil {
			// A corrupt live-update index must not brick the game;
			// fall back to the bundled index and rebuild from there.
			a.log().Warn("discarding unreadable live-update index", "path", a.luIndexPath, "error", err)
			if rmErr := os.Remove(a.luIndexPath); rmErr != nil {
				return rmErr
			}
		} else {
			idx.UserData = codec.FileLoadedTag
			a.idx = idx
		}
	}

	f, err := os.OpenFile(a.luDataPath, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("open live-update data: %w", err)
	}
	a.luData = f
	a.log().Info("live update archive attached", "data", a.luDataPath)
	return nil
}

// Close releases file handles held by the archive.
func (a *Archive) Close() error {
	var errs []error
	if a.dataClose != nil {
		errs = append(errs, a.dataClose.Close())
	}
	if a.luData != nil {
		errs = append(errs, a.luData.Close())
	}
	return errors.Join(errs...)
}

// Len returns the number of entries in the runtime index.
func (a *Archive) Len() int {
	return a.idx.Len()
}

// HashLength returns the significant digest width in bytes.
func (a *Archive) HashLength() int {
	return int(a.idx.HashLength)
}

// Checksum returns the MD5 recorded in the bundled index file. The manifest
// signature is computed over this value.
func (a *Archive) Checksum() []byte {
	return a.checksum
}

// EntryAt returns entry i and its significant digest bytes, for listings.
func (a *Archive) EntryAt(i int) (Entry, []byte) {
	return a.idx.Entries[i], a.idx.Digest(i)
}

// FindEntry locates the entry whose content digest is dig via binary search.
func (a *Archive) FindEntry(dig []byte) (Entry, bool) {
	pos, found := findIndex(a.idx, dig)
	if !found {
		return Entry{}, false
	}
	return a.idx.Entries[pos], true
}

// Read loads, decrypts, and decompresses the payload described by e.
func (a *Archive) Read(e Entry) ([]byte, error) {
	src := a.data
	if arctype.EntryFlag(e.Flags)&arctype.EntryLiveUpdate != 0 {
		if a.luData == nil {
			return nil, fmt.Errorf("%w: live-update entry without live-update data file", ErrNotSupported)
		}
		src = a.luData
	}

	buf := make([]byte, e.Stored())
	if _, err := src.ReadAt(buf, int64(e.Offset)); err != nil {
		return nil, fmt.Errorf("read payload at %d: %w", e.Offset, err)
	}

	if arctype.EntryFlag(e.Flags)&arctype.EntryEncrypted != 0 {
		dec, err := crypt.DecryptEntry(buf)
		if err != nil {
			return nil, err
		}
		buf = dec
	}
	if e.Compressed() {
		out, err := crypt.Decompress(buf, int(e.Size))
		if err != nil {
			return nil, err
		}
		buf = out
	}
	return buf, nil
}

// ReadDigest is FindEntry followed by Read.
func (a *Archive) ReadDigest(dig []byte) ([]byte, error) {
	e, ok := a.FindEntry(dig)
	if !ok {
		return nil, fmt.Errorf("digest %x: %w", dig, ErrNotFound)
	}
	return a.Read(e)
}

// findIndex binary-searches the digest table. The boolean reports an exact
// match at the returned position.
func findIndex(idx *codec.Index, dig []byte) (int, bool) {
	hl := int(idx.HashLength)
	if len(dig) > hl {
		dig = dig[:hl]
	}
	pos := sort.Search(idx.Len(), func(i int) bool {
		return bytes.Compare(idx.Digest(i), dig) >= 0
	})
	if pos < idx.Len() && bytes.Equal(idx.Digest(pos), dig) {
		return pos, true
	}
	return pos, false
}
