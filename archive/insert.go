package archive

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/meridian-games/arc/internal/arctype"
	"github.com/meridian-games/arc/internal/codec"
)

// LiveUpdateResource is a run-time supplied payload waiting to be inserted
// into the archive. Data is the stored form: possibly compressed, possibly
// encrypted, exactly as it will sit in the live-update data file.
type LiveUpdateResource struct {
	Data  []byte
	Flags arctype.EntryFlag
	Size  uint32 // uncompressed payload size
}

// LiveEntry pairs a digest with its entry data, detached from any index.
type LiveEntry struct {
	Digest [codec.MaxHashLength]byte
	Entry  Entry
}

// InsertionIndex returns the position at which dig keeps the digest table
// sorted. Inserting a digest already present is reported as ErrAlreadyStored;
// callers must replace, never double-insert.
func (a *Archive) InsertionIndex(dig []byte) (int, error) {
	return insertionIndex(a.idx, dig)
}

func insertionIndex(idx *codec.Index, dig []byte) (int, error) {
	pos, found := findIndex(idx, dig)
	if found {
		return pos, fmt.Errorf("digest %x: %w", dig, arctype.ErrAlreadyStored)
	}
	return pos, nil
}

// copyWithCapacity deep-copies an index with room for extra additional
// entries, so a bulk-insert session does not reallocate mid-way.
func copyWithCapacity(src *codec.Index, extra int) *codec.Index {
	n := src.Len()
	digests := make([]byte, n*codec.MaxHashLength, (n+extra)*codec.MaxHashLength)
	copy(digests, src.Digests)
	entries := make([]Entry, n, n+extra)
	copy(entries, src.Entries)
	return &codec.Index{
		UserData:   src.UserData,
		HashLength: src.HashLength,
		Digests:    digests,
		Entries:    entries,
	}
}

// insertAt grows both tables by one slot, shifts everything at and beyond
// pos, and writes the new digest/entry pair into the freed slot. pos may be
// 0 (prepend) or Len() (append); an empty index accepts its first insertion.
func insertAt(idx *codec.Index, pos int, dig []byte, e Entry) {
	var slot [codec.MaxHashLength]byte
	copy(slot[:], dig)

	idx.Digests = append(idx.Digests, slot[:]...)
	start := pos * codec.MaxHashLength
	copy(idx.Digests[start+codec.MaxHashLength:], idx.Digests[start:len(idx.Digests)-codec.MaxHashLength])
	copy(idx.Digests[start:start+codec.MaxHashLength], slot[:])

	idx.Entries = append(idx.Entries, Entry{})
	copy(idx.Entries[pos+1:], idx.Entries[pos:len(idx.Entries)-1])
	idx.Entries[pos] = e
}

// StoreLiveUpdate appends the payload to the live-update data file, inserts
// its digest/entry pair into a copy of the index, persists the new index,
// and swaps it in. The prior table stays untouched on any failure.
func (a *Archive) StoreLiveUpdate(dig []byte, res *LiveUpdateResource) error {
	if a.luData == nil {
		return fmt.Errorf("%w: archive has no live-update data file", ErrNotSupported)
	}

	pos, err := insertionIndex(a.idx, dig)
	if err != nil {
		return err
	}

	offset, err := a.appendPayload(res.Data)
	if err != nil {
		return err
	}

	entry := Entry{
		Offset:         offset,
		Size:           res.Size,
		CompressedSize: codec.UncompressedSize,
		Flags:          uint32(res.Flags | arctype.EntryLiveUpdate),
	}
	if res.Flags&arctype.EntryCompressed != 0 {
		entry.CompressedSize = uint32(len(res.Data))
	}

	next := copyWithCapacity(a.idx, 1)
	insertAt(next, pos, dig, entry)

	if err := a.persistIndex(next); err != nil {
		return err
	}
	a.idx = next
	a.log().Debug("stored live-update resource", "digest", fmt.Sprintf("%x", dig), "size", res.Size)
	return nil
}

// appendPayload writes data at the end of the live-update data file and
// returns the offset it landed at.
func (a *Archive) appendPayload(data []byte) (uint32, error) {
	end, err := a.luData.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	if end > math.MaxUint32 {
		return 0, fmt.Errorf("%w: live-update data file exceeds offset range", ErrFormat)
	}
	if _, err := a.luData.Write(data); err != nil {
		return 0, fmt.Errorf("append live-update payload: %w", err)
	}
	if err := a.luData.Sync(); err != nil {
		return 0, err
	}
	return uint32(end), nil
}

// persistIndex writes idx to the live-update index path via temp file and
// rename, so a crash never leaves a half-written index behind.
func (a *Archive) persistIndex(idx *codec.Index) error {
	if a.luIndexPath == "" {
		return nil
	}
	encoded := codec.Encode(idx)
	tmp := a.luIndexPath + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o600); err != nil {
		return fmt.Errorf("write live-update index: %w", err)
	}
	return os.Rename(tmp, a.luIndexPath)
}

// LiveUpdateDelta returns the live-update entries of a that do not appear in
// the bundled archive. After a new bundle is installed these are the cached
// payloads that must survive; everything else the bundle now supplies.
func (a *Archive) LiveUpdateDelta(bundled *Archive) []LiveEntry {
	var keep []LiveEntry
	for i, e := range a.idx.Entries {
		if arctype.EntryFlag(e.Flags)&arctype.EntryLiveUpdate == 0 {
			continue
		}
		dig := a.idx.Digest(i)
		if _, found := findIndex(bundled.idx, dig); found {
			continue
		}
		var le LiveEntry
		copy(le.Digest[:], a.idx.DigestSlot(i))
		le.Entry = e
		keep = append(keep, le)
	}
	return keep
}

// MergeLiveUpdate produces the union of the bundled index and the given
// live-update entries: a copy of the bundled index sized for the extras, with
// each entry shift-inserted in digest order. Payload bytes are not moved;
// the entries keep pointing into the existing live-update data file.
func (a *Archive) MergeLiveUpdate(extras []LiveEntry) error {
	next := copyWithCapacity(a.idx, len(extras))
	for _, le := range extras {
		dig := le.Digest[:next.HashLength]
		pos, err := insertionIndex(next, dig)
		if err != nil {
			// Already present in the new bundle; the bundled payload wins.
			continue
		}
		insertAt(next, pos, dig, le.Entry)
	}
	if err := a.persistIndex(next); err != nil {
		return err
	}
	a.idx = next
	return nil
}

// DigestHexSet returns the set of hex digests present in the given entries,
// for purge bookkeeping.
func DigestHexSet(entries []LiveEntry, hashLength int) map[string]struct{} {
	set := make(map[string]struct{}, len(entries))
	for _, le := range entries {
		set[fmt.Sprintf("%x", le.Digest[:hashLength])] = struct{}{}
	}
	return set
}

// Equal reports whether two archives index the same content, by comparing
// their bundled index checksums.
func (a *Archive) Equal(other *Archive) bool {
	return other != nil && bytes.Equal(a.checksum, other.checksum)
}
