package codec

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-games/arc/internal/arctype"
)

func testIndex(t *testing.T, payloads ...[]byte) *Index {
	t.Helper()

	type pair struct {
		dig [MaxHashLength]byte
		e   Entry
	}
	pairs := make([]pair, 0, len(payloads))
	var offset uint32
	for _, p := range payloads {
		var pr pair
		sum := sha1.Sum(p)
		copy(pr.dig[:], sum[:])
		pr.e = Entry{
			Offset:         offset,
			Size:           uint32(len(p)),
			CompressedSize: UncompressedSize,
		}
		offset += uint32(len(p))
		pairs = append(pairs, pr)
	}
	for i := 1; i < len(pairs); i++ {
		for j := i; j > 0 && bytes.Compare(pairs[j].dig[:], pairs[j-1].dig[:]) < 0; j-- {
			pairs[j], pairs[j-1] = pairs[j-1], pairs[j]
		}
	}

	idx := &Index{HashLength: sha1.Size}
	for _, pr := range pairs {
		idx.Digests = append(idx.Digests, pr.dig[:]...)
		idx.Entries = append(idx.Entries, pr.e)
	}
	return idx
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	idx := testIndex(t, []byte("alpha"), []byte("beta"), []byte("gamma"))
	idx.UserData = 42

	decoded, err := Decode(Encode(idx))
	require.NoError(t, err)

	assert.Equal(t, idx.UserData, decoded.UserData)
	assert.Equal(t, idx.HashLength, decoded.HashLength)
	assert.Equal(t, idx.Entries, decoded.Entries)
	require.Equal(t, idx.Len(), decoded.Len())
	for i := 0; i < idx.Len(); i++ {
		assert.Equal(t, idx.DigestSlot(i), decoded.DigestSlot(i))
	}
}

func TestDecodeEmptyIndex(t *testing.T) {
	t.Parallel()

	decoded, err := Decode(Encode(&Index{HashLength: sha1.Size}))
	require.NoError(t, err)
	assert.Zero(t, decoded.Len())
}

func TestDecodeShortBuffer(t *testing.T) {
	t.Parallel()

	_, err := Decode(make([]byte, HeaderSize-1))
	assert.ErrorIs(t, err, arctype.ErrFormat)
}

func TestDecodeVersionMismatch(t *testing.T) {
	t.Parallel()

	data := Encode(testIndex(t, []byte("x")))
	binary.BigEndian.PutUint32(data[0:4], Version+1)

	_, err := Decode(data)
	assert.ErrorIs(t, err, arctype.ErrVersionMismatch)
}

func TestDecodeChecksumMismatch(t *testing.T) {
	t.Parallel()

	data := Encode(testIndex(t, []byte("x"), []byte("y")))
	data[len(data)-1] ^= 0xFF

	_, err := Decode(data)
	assert.ErrorIs(t, err, arctype.ErrFormat)
}

func TestChecksumMatchesHeader(t *testing.T) {
	t.Parallel()

	data := Encode(testIndex(t, []byte("x")))
	sum, err := Checksum(data)
	require.NoError(t, err)
	assert.Len(t, sum, 16)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.NotNil(t, decoded)
}

func TestEntryStored(t *testing.T) {
	t.Parallel()

	raw := Entry{Size: 100, CompressedSize: UncompressedSize}
	assert.Equal(t, uint32(100), raw.Stored())
	assert.False(t, raw.Compressed())

	packed := Entry{Size: 100, CompressedSize: 40}
	assert.Equal(t, uint32(40), packed.Stored())
	assert.True(t, packed.Compressed())
}

func TestCursorOverrun(t *testing.T) {
	t.Parallel()

	c := newCursor([]byte{1, 2, 3})
	_, err := c.uint32()
	assert.ErrorIs(t, err, arctype.ErrFormat)
}

func TestCursorReads(t *testing.T) {
	t.Parallel()

	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], 7)
	binary.BigEndian.PutUint64(buf[4:12], 9)

	c := newCursor(buf)
	v32, err := c.uint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(7), v32)

	v64, err := c.uint64()
	require.NoError(t, err)
	assert.Equal(t, uint64(9), v64)

	_, err = c.bytes(1)
	assert.ErrorIs(t, err, arctype.ErrFormat)
}
