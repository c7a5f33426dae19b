package crypt

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Encoders and decoders are pooled; zstd contexts are expensive to build and
// safe to reuse through EncodeAll/DecodeAll.
var (
	encOnce sync.Once
	enc     *zstd.Encoder
	encErr  error

	decOnce sync.Once
	dec     *zstd.Decoder
	decErr  error
)

func encoder() (*zstd.Encoder, error) {
	encOnce.Do(func() {
		enc, encErr = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1), zstd.WithLowerEncoderMem(true))
	})
	return enc, encErr
}

func decoder() (*zstd.Decoder, error) {
	decOnce.Do(func() {
		dec, decErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	})
	return dec, decErr
}

// MaxCompressedLen returns an upper bound on the compressed size of n input
// bytes, for sizing scratch buffers.
func MaxCompressedLen(n int) int {
	// zstd frame overhead: header plus one block header per 128KB block.
	return n + n/255 + 16 + 3*(n/(128<<10)+1)
}

// Compress returns the zstd-compressed form of data.
func Compress(data []byte) ([]byte, error) {
	e, err := encoder()
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	return e.EncodeAll(data, make([]byte, 0, MaxCompressedLen(len(data)))), nil
}

// Decompress expands data into a buffer of exactly originalSize bytes.
func Decompress(data []byte, originalSize int) ([]byte, error) {
	d, err := decoder()
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	out, err := d.DecodeAll(data, make([]byte, 0, originalSize))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if len(out) != originalSize {
		return nil, fmt.Errorf("zstd decompress: got %d bytes, want %d", len(out), originalSize)
	}
	return out, nil
}
