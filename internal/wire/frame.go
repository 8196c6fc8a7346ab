// Package wire implements the frame codec (spec §4.1) and the Announce /
// Invoke message shapes built on top of it (spec §4.2, §6). The codec
// performs no schema validation of its own; it is a growable byte buffer
// with append-only writers and positional readers over the primitives the
// rest of the runtime needs: fixed-width little-endian integers,
// NUL-terminated UTF-8 strings, 16-bit-length-prefixed byte blobs, and
// opaque instance handles sized per internal/iface's build-time width.
package wire

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/pkg/errors"

	"github.com/orpcrt/orpc/internal/iface"
)

// ErrShortFrame is wrapped into every read that ran past the end of the
// buffer.
var ErrShortFrame = errors.New("wire: short frame")

// ErrUnterminatedString is returned when a string read runs off the end of
// the buffer without finding its NUL terminator.
var ErrUnterminatedString = errors.New("wire: unterminated string")

// Frame is an append-only write buffer paired with a positional read
// cursor. Frame size itself is never transmitted on the wire by Frame; the
// channel (internal/ipc) is responsible for framing the byte slice it
// hands to or receives from a Frame.
type Frame struct {
	buf    bytes.Buffer
	data   []byte // set by NewFrameFromBytes for reading; nil while only writing
	cursor int
}

// NewFrame returns an empty Frame ready for writing.
func NewFrame() *Frame {
	return &Frame{}
}

// NewFrameFromBytes wraps data for reading. The returned Frame shares data;
// callers must not mutate it concurrently with reads.
func NewFrameFromBytes(data []byte) *Frame {
	return &Frame{data: data}
}

// Bytes returns the frame's contents: whatever has been written, or the
// original slice passed to NewFrameFromBytes.
func (f *Frame) Bytes() []byte {
	if f.data != nil {
		return f.data
	}
	return f.buf.Bytes()
}

// Len reports the number of bytes available to read or already written.
func (f *Frame) Len() int {
	return len(f.Bytes())
}

// Remaining reports how many unread bytes remain.
func (f *Frame) Remaining() int {
	return f.Len() - f.cursor
}

func (f *Frame) readSlice(n int) ([]byte, error) {
	if f.Remaining() < n {
		return nil, errors.Wrapf(ErrShortFrame, "need %d bytes, have %d", n, f.Remaining())
	}
	b := f.Bytes()[f.cursor : f.cursor+n]
	f.cursor += n
	return b, nil
}

// --- writers ---

func (f *Frame) WriteUint8(v uint8) {
	f.buf.WriteByte(v)
}

func (f *Frame) WriteUint16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	f.buf.Write(b[:])
}

func (f *Frame) WriteUint32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	f.buf.Write(b[:])
}

func (f *Frame) WriteUint64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	f.buf.Write(b[:])
}

func (f *Frame) WriteFloat64(v float64) {
	f.WriteUint64(math.Float64bits(v))
}

// WriteInstanceID writes an opaque instance handle at the build's fixed
// width (internal/iface.InstanceWidth).
func (f *Frame) WriteInstanceID(id iface.InstanceID) {
	b := make([]byte, iface.InstanceWidth)
	iface.PutInstanceID(b, id)
	f.buf.Write(b)
}

// WriteString writes a NUL-terminated UTF-8 string. The caller is
// responsible for not embedding a NUL byte in s.
func (f *Frame) WriteString(s string) {
	f.buf.WriteString(s)
	f.buf.WriteByte(0)
}

// WriteBytes writes a 16-bit-length-prefixed raw byte blob.
func (f *Frame) WriteBytes(b []byte) {
	f.WriteUint16(uint16(len(b)))
	f.buf.Write(b)
}

// --- readers ---

func (f *Frame) ReadUint8() (uint8, error) {
	b, err := f.readSlice(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (f *Frame) ReadUint16() (uint16, error) {
	b, err := f.readSlice(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (f *Frame) ReadUint32() (uint32, error) {
	b, err := f.readSlice(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (f *Frame) ReadUint64() (uint64, error) {
	b, err := f.readSlice(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (f *Frame) ReadFloat64() (float64, error) {
	u, err := f.ReadUint64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(u), nil
}

// ReadInstanceID reads an opaque instance handle at the build's fixed
// width.
func (f *Frame) ReadInstanceID() (iface.InstanceID, error) {
	b, err := f.readSlice(iface.InstanceWidth)
	if err != nil {
		return iface.EmptyInstance, err
	}
	return iface.InstanceIDFrom(b), nil
}

// ReadString reads a NUL-terminated UTF-8 string.
func (f *Frame) ReadString() (string, error) {
	data := f.Bytes()
	idx := bytes.IndexByte(data[f.cursor:], 0)
	if idx < 0 {
		return "", ErrUnterminatedString
	}
	s := string(data[f.cursor : f.cursor+idx])
	f.cursor += idx + 1
	return s, nil
}

// ReadBytes reads a 16-bit-length-prefixed raw byte blob.
func (f *Frame) ReadBytes() ([]byte, error) {
	n, err := f.ReadUint16()
	if err != nil {
		return nil, err
	}
	b, err := f.readSlice(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}
