package archive

import (
	"bytes"
	"crypto/sha1"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-games/arc/internal/arctype"
	"github.com/meridian-games/arc/internal/codec"
	"github.com/meridian-games/arc/internal/crypt"
)

// storedPayload describes one payload in its on-disk form.
type storedPayload struct {
	stored []byte // bytes as they sit in the data file
	size   uint32 // uncompressed size
	flags  arctype.EntryFlag
}

func plain(data []byte) storedPayload {
	return storedPayload{stored: data, size: uint32(len(data))}
}

// buildArchive writes an index/data pair into dir and returns their paths
// plus the content digests in input order.
func buildArchive(t *testing.T, dir string, payloads []storedPayload) (string, string, [][]byte) {
	t.Helper()

	type pair struct {
		dig []byte
		e   codec.Entry
	}
	pairs := make([]pair, 0, len(payloads))
	var data []byte
	digests := make([][]byte, len(payloads))
	for i, p := range payloads {
		sum := sha1.Sum(p.stored)
		digests[i] = sum[:]
		e := codec.Entry{
			Offset:         uint32(len(data)),
			Size:           p.size,
			CompressedSize: codec.UncompressedSize,
			Flags:          uint32(p.flags),
		}
		if p.flags&arctype.EntryCompressed != 0 {
			e.CompressedSize = uint32(len(p.stored))
		}
		data = append(data, p.stored...)
		for len(data)%4 != 0 {
			data = append(data, 0)
		}
		pairs = append(pairs, pair{dig: sum[:], e: e})
	}
	sort.Slice(pairs, func(i, j int) bool { return bytes.Compare(pairs[i].dig, pairs[j].dig) < 0 })

	idx := &codec.Index{HashLength: sha1.Size}
	for _, p := range pairs {
		var slot [codec.MaxHashLength]byte
		copy(slot[:], p.dig)
		idx.Digests = append(idx.Digests, slot[:]...)
		idx.Entries = append(idx.Entries, p.e)
	}

	indexPath := filepath.Join(dir, "archive.idx")
	dataPath := filepath.Join(dir, "archive.dat")
	require.NoError(t, os.WriteFile(indexPath, codec.Encode(idx), 0o644))
	require.NoError(t, os.WriteFile(dataPath, data, 0o644))
	return indexPath, dataPath, digests
}

func TestFindEntryMatchesLinearScan(t *testing.T) {
	t.Parallel()

	payloads := make([]storedPayload, 0, 32)
	for i := 0; i < 32; i++ {
		payloads = append(payloads, plain(bytes.Repeat([]byte{byte(i + 1)}, i+1)))
	}
	indexPath, dataPath, digests := buildArchive(t, t.TempDir(), payloads)

	a, err := Load(indexPath, dataPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	for _, dig := range digests {
		e, ok := a.FindEntry(dig)

		// Linear scan reference.
		var want *Entry
		for i := 0; i < a.idx.Len(); i++ {
			if bytes.Equal(a.idx.Digest(i), dig) {
				want = &a.idx.Entries[i]
				break
			}
		}
		require.True(t, ok)
		require.NotNil(t, want)
		assert.Equal(t, *want, e)
	}

	missing := sha1.Sum([]byte("not in the archive"))
	_, ok := a.FindEntry(missing[:])
	assert.False(t, ok)
}

func TestReadRoundTrip(t *testing.T) {
	t.Parallel()

	raw := []byte("uncompressed payload")
	big := bytes.Repeat([]byte("Z"), 500)
	compressed, err := crypt.Compress(big)
	require.NoError(t, err)
	secret := []byte("secret script")
	encrypted, err := crypt.EncryptEntry(secret)
	require.NoError(t, err)

	payloads := []storedPayload{
		plain(raw),
		{stored: compressed, size: uint32(len(big)), flags: arctype.EntryCompressed},
		{stored: encrypted, size: uint32(len(secret)), flags: arctype.EntryEncrypted},
	}
	indexPath, dataPath, digests := buildArchive(t, t.TempDir(), payloads)

	a, err := Load(indexPath, dataPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	got, err := a.ReadDigest(digests[0])
	require.NoError(t, err)
	assert.Equal(t, raw, got)

	got, err = a.ReadDigest(digests[1])
	require.NoError(t, err)
	assert.Equal(t, big, got)

	got, err = a.ReadDigest(digests[2])
	require.NoError(t, err)
	assert.Equal(t, secret, got)
}

func TestInsertAtPositions(t *testing.T) {
	t.Parallel()

	idx := &codec.Index{HashLength: 4}

	mk := func(b byte) []byte { return []byte{b, b, b, b} }
	insert := func(dig []byte) int {
		pos, err := insertionIndex(idx, dig)
		require.NoError(t, err)
		insertAt(idx, pos, dig, Entry{Size: uint32(dig[0])})
		return pos
	}

	// First insertion into an empty index.
	assert.Equal(t, 0, insert(mk(0x50)))
	// Sorts before everything: position 0.
	assert.Equal(t, 0, insert(mk(0x10)))
	// Sorts after everything: append.
	assert.Equal(t, 2, insert(mk(0x90)))
	// Middle insertion shifts the tail.
	assert.Equal(t, 1, insert(mk(0x30)))

	require.Equal(t, 4, idx.Len())
	for i := 1; i < idx.Len(); i++ {
		assert.Negative(t, bytes.Compare(idx.Digest(i-1), idx.Digest(i)),
			"digest table must stay strictly ascending")
	}
	// Entries moved with their digests.
	for i := 0; i < idx.Len(); i++ {
		assert.Equal(t, uint32(idx.Digest(i)[0]), idx.Entries[i].Size)
	}
}

func TestInsertDuplicateRejected(t *testing.T) {
	t.Parallel()

	idx := &codec.Index{HashLength: 4}
	dig := []byte{1, 2, 3, 4}
	pos, err := insertionIndex(idx, dig)
	require.NoError(t, err)
	insertAt(idx, pos, dig, Entry{})

	_, err = insertionIndex(idx, dig)
	assert.ErrorIs(t, err, ErrAlreadyStored)
}

func TestStoreLiveUpdate(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	indexPath, dataPath, _ := buildArchive(t, dir, []storedPayload{plain([]byte("bundled"))})
	luIndex := filepath.Join(dir, "liveupdate.idx")
	luData := filepath.Join(dir, "liveupdate.dat")

	a, err := Load(indexPath, dataPath, WithLiveUpdate(luIndex, luData))
	require.NoError(t, err)

	payload := []byte("patched content")
	sum := sha1.Sum(payload)
	res := &LiveUpdateResource{Data: payload, Size: uint32(len(payload))}
	require.NoError(t, a.StoreLiveUpdate(sum[:], res))

	got, err := a.ReadDigest(sum[:])
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	// Double-store of the same digest is rejected.
	err = a.StoreLiveUpdate(sum[:], res)
	assert.ErrorIs(t, err, ErrAlreadyStored)
	require.NoError(t, a.Close())

	// The union index persisted; a fresh load still sees the entry.
	reopened, err := Load(indexPath, dataPath, WithLiveUpdate(luIndex, luData))
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	got, err = reopened.ReadDigest(sum[:])
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, 2, reopened.Len())
}

func TestCorruptLiveUpdateIndexDiscarded(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	indexPath, dataPath, digests := buildArchive(t, dir, []storedPayload{plain([]byte("bundled"))})
	luIndex := filepath.Join(dir, "liveupdate.idx")
	luData := filepath.Join(dir, "liveupdate.dat")
	require.NoError(t, os.WriteFile(luIndex, []byte("garbage"), 0o600))

	a, err := Load(indexPath, dataPath, WithLiveUpdate(luIndex, luData))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	// Falls back to the bundled index.
	assert.Equal(t, 1, a.Len())
	_, ok := a.FindEntry(digests[0])
	assert.True(t, ok)
	_, err = os.Stat(luIndex)
	assert.True(t, os.IsNotExist(err))
}

func TestLiveUpdateDelta(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	shared := []byte("becomes bundled")
	indexPath, dataPath, _ := buildArchive(t, dir, []storedPayload{plain([]byte("bundled"))})
	luIndex := filepath.Join(dir, "liveupdate.idx")
	luData := filepath.Join(dir, "liveupdate.dat")

	a, err := Load(indexPath, dataPath, WithLiveUpdate(luIndex, luData))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	keepPayload := []byte("still live-update only")
	keepSum := sha1.Sum(keepPayload)
	require.NoError(t, a.StoreLiveUpdate(keepSum[:], &LiveUpdateResource{Data: keepPayload, Size: uint32(len(keepPayload))}))
	sharedSum := sha1.Sum(shared)
	require.NoError(t, a.StoreLiveUpdate(sharedSum[:], &LiveUpdateResource{Data: shared, Size: uint32(len(shared))}))

	// The next bundle ships the shared payload itself.
	newDir := t.TempDir()
	newIndexPath, newDataPath, _ := buildArchive(t, newDir, []storedPayload{
		plain([]byte("bundled")),
		plain(shared),
	})
	bundled, err := Load(newIndexPath, newDataPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bundled.Close() })

	keep := a.LiveUpdateDelta(bundled)
	require.Len(t, keep, 1)
	assert.Equal(t, keepSum[:], keep[0].Digest[:sha1.Size])
}

func TestMergeLiveUpdate(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	indexPath, dataPath, _ := buildArchive(t, dir, []storedPayload{plain([]byte("bundled"))})
	luIndex := filepath.Join(dir, "liveupdate.idx")
	luData := filepath.Join(dir, "liveupdate.dat")

	a, err := Load(indexPath, dataPath, WithLiveUpdate(luIndex, luData))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	var extra LiveEntry
	sum := sha1.Sum([]byte("surviving payload"))
	copy(extra.Digest[:], sum[:])
	extra.Entry = Entry{Size: 17, CompressedSize: codec.UncompressedSize, Flags: uint32(arctype.EntryLiveUpdate)}

	require.NoError(t, a.MergeLiveUpdate([]LiveEntry{extra}))
	assert.Equal(t, 2, a.Len())
	_, ok := a.FindEntry(sum[:])
	assert.True(t, ok)
}

func TestArchiveEqual(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	indexPath, dataPath, _ := buildArchive(t, dir, []storedPayload{plain([]byte("content"))})

	a, err := Load(indexPath, dataPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	b, err := Load(indexPath, dataPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	assert.True(t, a.Equal(b))

	otherIndex, otherData, _ := buildArchive(t, t.TempDir(), []storedPayload{plain([]byte("different"))})
	c, err := Load(otherIndex, otherData)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	assert.False(t, a.Equal(c))
}
