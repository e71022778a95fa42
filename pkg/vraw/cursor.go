// SPDX-License-Identifier: GPL-2.0-or-later

package vraw

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Decode errors.
var (
	// ErrUnexpectedEOF the stream ended in the middle of a record.
	ErrUnexpectedEOF = errors.New("unexpected end of stream")

	// ErrCorruptStream a magic or size check failed at a point that
	// requires synchronization. The format has no resync marker, so
	// nothing after this point can be trusted.
	ErrCorruptStream = errors.New("corrupt stream")
)

// Cursor is a sequential reader over a byte stream with typed
// little-endian reads. It tracks the absolute offset for diagnostics.
// Reads either return the full requested width or fail with
// ErrUnexpectedEOF, never partial data.
type Cursor struct {
	r   *bufio.Reader
	off int64
	buf [8]byte
}

// NewCursor creates a cursor over r.
func NewCursor(r io.Reader) *Cursor {
	return &Cursor{r: bufio.NewReader(r)}
}

// Offset returns the number of bytes consumed so far.
func (c *Cursor) Offset() int64 {
	return c.off
}

func (c *Cursor) read(n int) ([]byte, error) {
	buf := c.buf[:n]
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return nil, fmt.Errorf("%w: %d bytes at offset %d",
			ErrUnexpectedEOF, n, c.off)
	}
	c.off += int64(n)
	return buf, nil
}

// Uint32 consumes 4 bytes.
func (c *Cursor) Uint32() (uint32, error) {
	buf, err := c.read(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf), nil
}

// Int32 consumes 4 bytes.
func (c *Cursor) Int32() (int32, error) {
	v, err := c.Uint32()
	return int32(v), err
}

// Uint64 consumes 8 bytes.
func (c *Cursor) Uint64() (uint64, error) {
	buf, err := c.read(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf), nil
}

// Int64 consumes 8 bytes.
func (c *Cursor) Int64() (int64, error) {
	v, err := c.Uint64()
	return int64(v), err
}

// ReadBytes consumes and returns exactly n bytes.
func (c *Cursor) ReadBytes(n int64) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return nil, fmt.Errorf("%w: %d bytes at offset %d",
			ErrUnexpectedEOF, n, c.off)
	}
	c.off += n
	return buf, nil
}

// Skip advances n bytes without returning data.
func (c *Cursor) Skip(n int64) error {
	skipped, err := c.r.Discard(int(n))
	c.off += int64(skipped)
	if err != nil {
		return fmt.Errorf("%w: skip %d bytes at offset %d",
			ErrUnexpectedEOF, n, c.off)
	}
	return nil
}
