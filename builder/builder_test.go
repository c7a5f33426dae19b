package builder

import (
	"bytes"
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-games/arc/archive"
	"github.com/meridian-games/arc/internal/arctype"
	"github.com/meridian-games/arc/manifest"
)

func writeTree(t *testing.T, files map[string][]byte) string {
	t.Helper()
	root := t.TempDir()
	for name, data := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, data, 0o644))
	}
	return root
}

func findByURL(t *testing.T, m *manifest.Manifest, url string) *manifest.ResourceEntry {
	t.Helper()
	for i := range m.Entries {
		if m.Entries[i].URL == url {
			return &m.Entries[i]
		}
	}
	t.Fatalf("manifest has no entry for %s", url)
	return nil
}

func TestCompressionRatioThreshold(t *testing.T) {
	t.Parallel()

	files := map[string][]byte{
		"a.txt": bytes.Repeat([]byte("A"), 100),
		"b.txt": []byte("B"),
	}
	root := writeTree(t, files)

	b := New(root)
	b.Add("a.txt", true)
	b.Add("b.txt", true)

	out := filepath.Join(t.TempDir(), "game")
	res, err := b.Write(context.Background(), out)
	require.NoError(t, err)

	a, err := archive.Load(res.IndexPath, res.DataPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	// a.txt compresses far below the threshold and is stored compressed;
	// b.txt cannot beat the ratio and is stored raw.
	ea, ok := a.FindEntry(findByURL(t, res.Manifest, "/a.txt").ContentDigest)
	require.True(t, ok)
	assert.True(t, ea.Compressed())

	eb, ok := a.FindEntry(findByURL(t, res.Manifest, "/b.txt").ContentDigest)
	require.True(t, ok)
	assert.False(t, eb.Compressed())

	// Both decode back to the original bytes.
	got, err := a.Read(ea)
	require.NoError(t, err)
	assert.Equal(t, files["a.txt"], got)
	got, err = a.Read(eb)
	require.NoError(t, err)
	assert.Equal(t, files["b.txt"], got)
}

func TestExclusionRoutesToResourcePack(t *testing.T) {
	t.Parallel()

	files := map[string][]byte{
		"level1.collection": []byte("level one data"),
		"main.collection":   []byte("main data"),
	}
	root := writeTree(t, files)

	b := New(root)
	b.Add("level1.collection", false)
	b.Add("main.collection", false)
	b.AddDependency("/dlc", "/level1.collection")
	b.Exclude("/dlc")

	out := filepath.Join(t.TempDir(), "game")
	res, err := b.Write(context.Background(), out)
	require.NoError(t, err)

	excluded := findByURL(t, res.Manifest, "/level1.collection")
	assert.Equal(t, arctype.ResourceExcluded, excluded.Flags)
	bundled := findByURL(t, res.Manifest, "/main.collection")
	assert.Equal(t, arctype.ResourceBundled, bundled.Flags)

	// The excluded payload sits in the pack, named by its hex digest, and is
	// absent from the archive index.
	packFile := filepath.Join(res.PackDir, hex.EncodeToString(excluded.ContentDigest))
	_, err = os.Stat(packFile)
	assert.NoError(t, err)

	a, err := archive.Load(res.IndexPath, res.DataPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	_, ok := a.FindEntry(excluded.ContentDigest)
	assert.False(t, ok)
	_, ok = a.FindEntry(bundled.ContentDigest)
	assert.True(t, ok)
}

func TestPartiallyExcludedChainStaysBundled(t *testing.T) {
	t.Parallel()

	files := map[string][]byte{"shared.collection": []byte("shared data")}
	root := writeTree(t, files)

	b := New(root)
	b.Add("shared.collection", false)
	// Two chains reach the resource; only one passes through the excluded
	// subtree, so it stays bundled.
	b.AddDependency("/dlc", "/shared.collection")
	b.AddDependency("/main", "/shared.collection")
	b.Exclude("/dlc")

	res, err := b.Write(context.Background(), filepath.Join(t.TempDir(), "game"))
	require.NoError(t, err)

	assert.Equal(t, arctype.ResourceBundled, findByURL(t, res.Manifest, "/shared.collection").Flags)
}

func TestBytecodeEncryption(t *testing.T) {
	t.Parallel()

	script := []byte("bytecode 0x01 0x02 0x03")
	root := writeTree(t, map[string][]byte{"game.luac": script})

	b := New(root)
	b.Add("game.luac", false)

	res, err := b.Write(context.Background(), filepath.Join(t.TempDir(), "game"))
	require.NoError(t, err)

	a, err := archive.Load(res.IndexPath, res.DataPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	e, ok := a.FindEntry(findByURL(t, res.Manifest, "/game.luac").ContentDigest)
	require.True(t, ok)
	assert.NotZero(t, uint32(arctype.EntryEncrypted)&e.Flags)

	got, err := a.Read(e)
	require.NoError(t, err)
	assert.Equal(t, script, got)
}

func TestLiveUpdateEntryRoutedToPack(t *testing.T) {
	t.Parallel()

	root := writeTree(t, map[string][]byte{"patch.txt": []byte("patch payload")})

	b := New(root)
	b.AddLiveUpdate("patch.txt", false)

	res, err := b.Write(context.Background(), filepath.Join(t.TempDir(), "game"))
	require.NoError(t, err)

	entry := findByURL(t, res.Manifest, "/patch.txt")
	assert.NotZero(t, entry.Flags&arctype.ResourceLiveUpdate)

	_, err = os.Stat(filepath.Join(res.PackDir, hex.EncodeToString(entry.ContentDigest)))
	assert.NoError(t, err)
}

func TestManifestSignatureVerifies(t *testing.T) {
	t.Parallel()

	root := writeTree(t, map[string][]byte{"a.txt": []byte("content")})

	b := New(root, WithSupportedVersions("1.0.0"))
	b.Add("a.txt", false)

	res, err := b.Write(context.Background(), filepath.Join(t.TempDir(), "game"))
	require.NoError(t, err)

	raw, err := os.ReadFile(res.ManifestPath)
	require.NoError(t, err)
	m, err := manifest.Parse(raw)
	require.NoError(t, err)
	assert.True(t, m.SupportsVersion("1.0.0"))

	pub, err := manifest.LoadPublicKey(res.PublicKeyPath)
	require.NoError(t, err)

	a, err := archive.Load(res.IndexPath, res.DataPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	assert.NoError(t, m.VerifySignature(pub, a.Checksum()))
}

func TestReproducibleIndex(t *testing.T) {
	t.Parallel()

	files := map[string][]byte{
		"a.txt": []byte("alpha"),
		"b.txt": []byte("beta"),
		"c.txt": []byte("gamma"),
	}
	root := writeTree(t, files)

	build := func(keyDir string, order ...string) []byte {
		b := New(root, WithKeyPair(
			filepath.Join(keyDir, "game.key"),
			filepath.Join(keyDir, "game.pub")))
		for _, name := range order {
			b.Add(name, false)
		}
		res, err := b.Write(context.Background(), filepath.Join(t.TempDir(), "game"))
		require.NoError(t, err)
		raw, err := os.ReadFile(res.IndexPath)
		require.NoError(t, err)
		return raw
	}

	keyDir := t.TempDir()
	require.NoError(t, manifest.GenerateKeyPair(
		filepath.Join(keyDir, "game.key"),
		filepath.Join(keyDir, "game.pub")))

	// Queue order must not leak into the output.
	assert.Equal(t,
		build(keyDir, "b.txt", "a.txt", "c.txt"),
		build(keyDir, "c.txt", "b.txt", "a.txt"))
}

func TestManifestHashSideFile(t *testing.T) {
	t.Parallel()

	root := writeTree(t, map[string][]byte{"a.txt": []byte("content")})

	b := New(root, WithManifestHashFile(true))
	b.Add("a.txt", false)

	res, err := b.Write(context.Background(), filepath.Join(t.TempDir(), "game"))
	require.NoError(t, err)
	require.NotEmpty(t, res.ManifestHashPath)

	raw, err := os.ReadFile(res.ManifestHashPath)
	require.NoError(t, err)
	assert.NotEmpty(t, bytes.TrimSpace(raw))
}
