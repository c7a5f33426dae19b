// Package pack implements the side-channel resource pack: one
// content-addressed file per excluded or live-update payload, kept outside
// the main archive data file.
//
// Each file is a 16-byte header (size:int32, flags:uint8, 11 bytes of 0xED
// filler) followed by the stored payload, and is named by the lowercase hex
// of its content digest. Identical content deduplicates for free.
package pack

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	"github.com/meridian-games/arc/internal/arctype"
	"github.com/meridian-games/arc/internal/crypt"
)

const (
	headerSize = 16
	padByte    = 0xED

	defaultDirPerm  = 0o700
	defaultFilePerm = 0o600
)

// Resource is one stored payload plus its small header.
type Resource struct {
	// Data is the payload exactly as stored in the archive: possibly
	// compressed, possibly encrypted.
	Data []byte

	// Flags is the arctype.EntryFlag set describing Data.
	Flags arctype.EntryFlag

	// Size is the uncompressed payload size.
	Size uint32
}

// Store is a directory of resource pack files.
type Store struct {
	dir string
}

// New creates a store rooted at dir, creating the directory if needed.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("pack: store dir is empty")
	}
	if err := os.MkdirAll(dir, defaultDirPerm); err != nil {
		return nil, err
	}
	return &Store{dir: dir}, nil
}

// Dir returns the store's root directory.
func (s *Store) Dir() string {
	return s.dir
}

// name returns the content-addressed filename for a digest.
func (s *Store) name(dig []byte) string {
	return filepath.Join(s.dir, hex.EncodeToString(dig))
}

// Put writes a resource under its content digest. An existing file for the
// same digest is left untouched; content addressing makes it identical.
func (s *Store) Put(dig []byte, r *Resource) error {
	path := s.name(dig)
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	buf := make([]byte, headerSize+len(r.Data))
	binary.BigEndian.PutUint32(buf[0:], r.Size)
	buf[4] = uint8(r.Flags)
	for i := 5; i < headerSize; i++ {
		buf[i] = padByte
	}
	copy(buf[headerSize:], r.Data)

	tmp, err := os.CreateTemp(s.dir, ".pack-")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, defaultFilePerm); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

// Get reads the resource stored under dig and verifies the payload against
// the digest it is named by.
func (s *Store) Get(dig []byte, alg arctype.HashAlgorithm) (*Resource, error) {
	raw, err := os.ReadFile(s.name(dig))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("pack %s: %w", hex.EncodeToString(dig), arctype.ErrNotFound)
		}
		return nil, err
	}
	if len(raw) < headerSize {
		return nil, fmt.Errorf("%w: pack file shorter than header", arctype.ErrFormat)
	}

	r := &Resource{
		Size:  binary.BigEndian.Uint32(raw[0:]),
		Flags: arctype.EntryFlag(raw[4]),
		Data:  raw[headerSize:],
	}
	if err := verify(dig, alg, r.Data); err != nil {
		return nil, err
	}
	return r, nil
}

// Has reports whether a resource for dig exists.
func (s *Store) Has(dig []byte) bool {
	_, err := os.Stat(s.name(dig))
	return err == nil
}

// verify checks the payload against the expected content digest. SHA-based
// algorithms go through go-digest verifiers; the rest compare raw sums.
func verify(expected []byte, alg arctype.HashAlgorithm, data []byte) error {
	var dalg digest.Algorithm
	switch alg {
	case arctype.HashSHA256:
		dalg = digest.SHA256
	case arctype.HashSHA512:
		dalg = digest.SHA512
	}
	if dalg != "" {
		want := digest.NewDigestFromEncoded(dalg, hex.EncodeToString(expected))
		v := want.Verifier()
		if _, err := v.Write(data); err != nil {
			return err
		}
		if !v.Verified() {
			return fmt.Errorf("%w: pack content digest mismatch", arctype.ErrFormat)
		}
		return nil
	}

	sum, err := crypt.Hash(data, alg)
	if err != nil {
		return err
	}
	if hex.EncodeToString(sum) != hex.EncodeToString(expected) {
		return fmt.Errorf("%w: pack content digest mismatch", arctype.ErrFormat)
	}
	return nil
}

// Purge removes every stored resource whose hex digest is not in keep.
// Deletions run concurrently; the first error wins but does not stop
// remaining deletions from being attempted.
func (s *Store) Purge(keep map[string]struct{}) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}

	var g errgroup.Group
	g.SetLimit(8)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if _, ok := keep[name]; ok {
			continue
		}
		if _, err := hex.DecodeString(name); err != nil {
			continue // not a pack file
		}
		g.Go(func() error {
			return os.Remove(filepath.Join(s.dir, name))
		})
	}
	return g.Wait()
}
