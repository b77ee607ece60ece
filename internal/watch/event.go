package watch

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/TFMV/onevent/internal/mask"
)

const (
	// HeaderSize is the size of the fixed part of an event record:
	// wd int32, mask uint32, cookie uint32, len uint32.
	HeaderSize = 16

	// MaxNameLen bounds the trailing name field of a record. Anything longer
	// is treated as a corrupt stream.
	MaxNameLen = 4096
)

// ErrMalformedEvent is returned for a record whose name length is out of bounds.
var ErrMalformedEvent = errors.New("malformed event record")

// RawEvent is one decoded notification record.
type RawEvent struct {
	WD     int32
	Mask   mask.Mask
	Cookie uint32
	Len    uint32
	Name   string // informational, NUL padding stripped
}

// Decoder reads records from a notification stream.
type Decoder struct {
	r      io.Reader
	header [HeaderSize]byte
	name   []byte
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Next reads exactly one record. Short reads are accumulated until the header
// and then the declared name bytes are complete.
func (d *Decoder) Next() (RawEvent, error) {
	if _, err := io.ReadFull(d.r, d.header[:]); err != nil {
		return RawEvent{}, fmt.Errorf("read event header: %w", err)
	}

	ev := RawEvent{
		WD:     int32(binary.NativeEndian.Uint32(d.header[0:4])),
		Mask:   mask.Mask(binary.NativeEndian.Uint32(d.header[4:8])),
		Cookie: binary.NativeEndian.Uint32(d.header[8:12]),
		Len:    binary.NativeEndian.Uint32(d.header[12:16]),
	}

	if ev.Len == 0 {
		return ev, nil
	}
	if ev.Len > MaxNameLen {
		return RawEvent{}, fmt.Errorf("%w: name length %d", ErrMalformedEvent, ev.Len)
	}

	if cap(d.name) < int(ev.Len) {
		d.name = make([]byte, ev.Len)
	}
	buf := d.name[:ev.Len]
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return RawEvent{}, fmt.Errorf("read event name: %w", err)
	}
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	ev.Name = string(buf)
	return ev, nil
}

// Encode appends the wire form of ev to dst. The name is NUL-terminated and
// padded to a multiple of four bytes; Len is derived from the name.
func Encode(dst []byte, ev RawEvent) []byte {
	var nameLen uint32
	if ev.Name != "" {
		nameLen = uint32(len(ev.Name)+1+3) &^ 3
	}

	dst = binary.NativeEndian.AppendUint32(dst, uint32(ev.WD))
	dst = binary.NativeEndian.AppendUint32(dst, uint32(ev.Mask))
	dst = binary.NativeEndian.AppendUint32(dst, ev.Cookie)
	dst = binary.NativeEndian.AppendUint32(dst, nameLen)
	if nameLen > 0 {
		dst = append(dst, ev.Name...)
		dst = append(dst, make([]byte, int(nameLen)-len(ev.Name))...)
	}
	return dst
}
