package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/meridian-games/arc/internal/arctype"
)

// cursor tracks a read position over a byte buffer and bounds-checks every
// access. An overrun surfaces as ErrFormat instead of a panic.
type cursor struct {
	buf []byte
	off int
}

func newCursor(buf []byte) *cursor {
	return &cursor{buf: buf}
}

// remaining returns the number of unread bytes.
func (c *cursor) remaining() int {
	return len(c.buf) - c.off
}

// need fails with ErrFormat when fewer than n bytes remain.
func (c *cursor) need(n int) error {
	if c.remaining() < n {
		return fmt.Errorf("%w: need %d bytes at offset %d, have %d", arctype.ErrFormat, n, c.off, c.remaining())
	}
	return nil
}

func (c *cursor) uint32() (uint32, error) {
	if err := c.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(c.buf[c.off:])
	c.off += 4
	return v, nil
}

func (c *cursor) uint64() (uint64, error) {
	if err := c.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(c.buf[c.off:])
	c.off += 8
	return v, nil
}

// bytes returns the next n bytes without copying.
func (c *cursor) bytes(n int) ([]byte, error) {
	if err := c.need(n); err != nil {
		return nil, err
	}
	b := c.buf[c.off : c.off+n]
	c.off += n
	return b, nil
}

// seek positions the cursor at an absolute offset.
func (c *cursor) seek(off int) error {
	if off < 0 || off > len(c.buf) {
		return fmt.Errorf("%w: seek to %d outside buffer of %d bytes", arctype.ErrFormat, off, len(c.buf))
	}
	c.off = off
	return nil
}
