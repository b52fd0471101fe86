package snobj

import (
	"github.com/sn2omf/sn2omf/internal/model"
)

// cursor is a bounds-checked little-endian reader over a byte slice.
// Every read checks remaining bytes before consuming; a shortfall turns
// into a *model.FatalError carrying the byte offset where the read was
// attempted (spec.md §4.1 "Bounds discipline").
type cursor struct {
	path string
	data []byte
	pos  int
}

func newCursor(path string, data []byte) *cursor {
	return &cursor{path: path, data: data}
}

func (c *cursor) offset() int64 { return int64(c.pos) }

func (c *cursor) remaining() int { return len(c.data) - c.pos }

func (c *cursor) eof() bool { return c.pos >= len(c.data) }

func (c *cursor) need(n int) error {
	if c.remaining() < n {
		return c.fatalf("truncated record: need %d bytes, have %d", n, c.remaining())
	}
	return nil
}

func (c *cursor) fatalf(format string, args ...any) *model.FatalError {
	loc := model.Location{Path: c.path, Offset: c.offset()}
	return model.NewFatal(loc, format, args...)
}

func (c *cursor) u8() (uint8, error) {
	if err := c.need(1); err != nil {
		return 0, err
	}
	v := c.data[c.pos]
	c.pos++
	return v, nil
}

func (c *cursor) u16() (uint16, error) {
	if err := c.need(2); err != nil {
		return 0, err
	}
	v := uint16(c.data[c.pos]) | uint16(c.data[c.pos+1])<<8
	c.pos += 2
	return v, nil
}

func (c *cursor) u32() (uint32, error) {
	if err := c.need(4); err != nil {
		return 0, err
	}
	v := uint32(c.data[c.pos]) |
		uint32(c.data[c.pos+1])<<8 |
		uint32(c.data[c.pos+2])<<16 |
		uint32(c.data[c.pos+3])<<24
	c.pos += 4
	return v, nil
}

// pstring reads a single length-prefixed byte string (u8 len, len bytes).
func (c *cursor) pstring() (string, error) {
	n, err := c.u8()
	if err != nil {
		return "", err
	}
	if err := c.need(int(n)); err != nil {
		return "", err
	}
	s := string(c.data[c.pos : c.pos+int(n)])
	c.pos += int(n)
	return s, nil
}

// bytes returns the next n raw bytes, advancing the cursor.
func (c *cursor) bytes(n int) ([]byte, error) {
	if err := c.need(n); err != nil {
		return nil, err
	}
	b := c.data[c.pos : c.pos+n]
	c.pos += n
	return b, nil
}

func (c *cursor) skip(n int) error {
	if err := c.need(n); err != nil {
		return err
	}
	c.pos += n
	return nil
}
