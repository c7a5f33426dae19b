// Package codec implements the on-disk binary layout of the archive index.
//
// The index is a fixed 48-byte big-endian header followed by a table of
// fixed-width content digests in ascending order and a 4-byte-aligned entry
// table. entry[i] describes the payload whose digest is digest[i]. An MD5
// checksum of everything after the header guards the tables; a mismatch is
// fatal and the index is never partially trusted.
//
// The codec is pure encode/decode. I/O policy, search, and mutation live in
// the archive package.
package codec

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"fmt"

	"github.com/meridian-games/arc/internal/arctype"
)

const (
	// Version is the supported index format version.
	Version = 4

	// HeaderSize is the fixed size of the index header in bytes.
	HeaderSize = 48

	// MaxHashLength is the width of a digest table slot. Wide enough for a
	// 512-bit digest; shorter digests are zero-padded. Changing this
	// requires a Version bump.
	MaxHashLength = 64

	// EntrySize is the encoded size of one entry table record.
	EntrySize = 16

	// UncompressedSize is the sentinel stored in an entry's compressed-size
	// field when the payload is stored uncompressed.
	UncompressedSize = 0xFFFFFFFF

	// FileLoadedTag marks an index loaded from disk into heap memory, as
	// opposed to a memory-mapped or wrapped buffer. Stored in the header's
	// opaque user field at run time, never at build time.
	FileLoadedTag = 1337

	entryAlign = 4
)

// Entry is one record of the entry table.
type Entry struct {
	// Offset is the byte offset of the payload in the data file.
	Offset uint32

	// Size is the uncompressed payload size.
	Size uint32

	// CompressedSize is the stored payload size, or UncompressedSize when
	// the payload was not compressed.
	CompressedSize uint32

	// Flags is the arctype.EntryFlag bit set.
	Flags uint32
}

// Stored returns the number of payload bytes occupied in the data file.
func (e Entry) Stored() uint32 {
	if e.CompressedSize == UncompressedSize {
		return e.Size
	}
	return e.CompressedSize
}

// Compressed reports whether the payload is stored compressed.
func (e Entry) Compressed() bool {
	return e.CompressedSize != UncompressedSize
}

// Index is the decoded form of an index file: a digest table and a parallel
// entry table. Digest slots are MaxHashLength bytes wide with HashLength
// significant bytes. The tables are kept in the exact invariant the file
// format demands: digests ascending, entry[i] paired with digest[i].
type Index struct {
	// UserData is an opaque tag the runtime uses to distinguish how the
	// index was materialized. Zero in files produced by the builder.
	UserData uint64

	// HashLength is the significant digest width in bytes.
	HashLength uint32

	// Digests holds Len() slots of MaxHashLength bytes each.
	Digests []byte

	// Entries is parallel to Digests.
	Entries []Entry
}

// Len returns the number of entries.
func (x *Index) Len() int {
	return len(x.Entries)
}

// Digest returns the significant bytes of digest slot i.
func (x *Index) Digest(i int) []byte {
	return x.Digests[i*MaxHashLength : i*MaxHashLength+int(x.HashLength)]
}

// DigestSlot returns the full MaxHashLength-wide slot i.
func (x *Index) DigestSlot(i int) []byte {
	return x.Digests[i*MaxHashLength : (i+1)*MaxHashLength]
}

// align rounds n up to the next multiple of entryAlign.
func align(n int) int {
	return (n + entryAlign - 1) &^ (entryAlign - 1)
}

// Encode serializes the index, computing table offsets and the trailing MD5
// over everything after the header.
func Encode(x *Index) []byte {
	n := x.Len()
	hashOffset := HeaderSize
	entryOffset := align(hashOffset + n*MaxHashLength)
	total := entryOffset + n*EntrySize

	buf := make([]byte, total)
	binary.BigEndian.PutUint32(buf[0:], Version)
	// buf[4:8] is the reserved pad, kept zero.
	binary.BigEndian.PutUint64(buf[8:], x.UserData)
	binary.BigEndian.PutUint32(buf[16:], uint32(n))
	binary.BigEndian.PutUint32(buf[20:], uint32(entryOffset))
	binary.BigEndian.PutUint32(buf[24:], uint32(hashOffset))
	binary.BigEndian.PutUint32(buf[28:], x.HashLength)

	copy(buf[hashOffset:], x.Digests[:n*MaxHashLength])
	for i, e := range x.Entries {
		off := entryOffset + i*EntrySize
		binary.BigEndian.PutUint32(buf[off:], e.Offset)
		binary.BigEndian.PutUint32(buf[off+4:], e.Size)
		binary.BigEndian.PutUint32(buf[off+8:], e.CompressedSize)
		binary.BigEndian.PutUint32(buf[off+12:], e.Flags)
	}

	sum := md5.Sum(buf[HeaderSize:])
	copy(buf[32:HeaderSize], sum[:])
	return buf
}

// Checksum returns the MD5 recorded in an encoded index buffer.
func Checksum(data []byte) ([]byte, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: index shorter than header", arctype.ErrFormat)
	}
	sum := make([]byte, md5.Size)
	copy(sum, data[32:HeaderSize])
	return sum, nil
}

// Decode parses an encoded index buffer. It rejects buffers shorter than the
// header, verifies the format version, and validates the trailing MD5 against
// a freshly computed digest of the post-header bytes before trusting the
// tables. The returned Index copies out of data; the caller may reuse the
// buffer afterwards.
func Decode(data []byte) (*Index, error) {
	c := newCursor(data)
	if err := c.need(HeaderSize); err != nil {
		return nil, fmt.Errorf("index header: %w", err)
	}

	version, _ := c.uint32()
	if version != Version {
		return nil, fmt.Errorf("%w: index version %d, want %d", arctype.ErrVersionMismatch, version, Version)
	}
	_, _ = c.uint32() // reserved pad
	userData, _ := c.uint64()
	count, _ := c.uint32()
	entryOffset, _ := c.uint32()
	hashOffset, _ := c.uint32()
	hashLength, _ := c.uint32()
	storedSum, _ := c.bytes(md5.Size)

	if hashLength == 0 || hashLength > MaxHashLength {
		return nil, fmt.Errorf("%w: digest length %d out of range", arctype.ErrFormat, hashLength)
	}

	sum := md5.Sum(data[HeaderSize:])
	if !bytes.Equal(storedSum, sum[:]) {
		return nil, fmt.Errorf("%w: index checksum mismatch", arctype.ErrFormat)
	}

	n := int(count)
	if err := c.seek(int(hashOffset)); err != nil {
		return nil, fmt.Errorf("digest table: %w", err)
	}
	digests, err := c.bytes(n * MaxHashLength)
	if err != nil {
		return nil, fmt.Errorf("digest table: %w", err)
	}

	if err := c.seek(int(entryOffset)); err != nil {
		return nil, fmt.Errorf("entry table: %w", err)
	}
	entries := make([]Entry, n)
	for i := range entries {
		raw, err := c.bytes(EntrySize)
		if err != nil {
			return nil, fmt.Errorf("entry table: %w", err)
		}
		entries[i] = Entry{
			Offset:         binary.BigEndian.Uint32(raw[0:]),
			Size:           binary.BigEndian.Uint32(raw[4:]),
			CompressedSize: binary.BigEndian.Uint32(raw[8:]),
			Flags:          binary.BigEndian.Uint32(raw[12:]),
		}
	}

	return &Index{
		UserData:   userData,
		HashLength: hashLength,
		Digests:    append([]byte(nil), digests...),
		Entries:    entries,
	}, nil
}
