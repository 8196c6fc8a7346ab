package dispatch

import (
	"github.com/orpcrt/orpc/internal/wire"
)

// Iterator streams a repeated out-parameter over a frame: a leading
// uint32 element count followed by that many encoded elements, read one
// at a time rather than materialised into a slice up front. This mirrors
// IValueIterator from the original implementation's com layer, which
// exists specifically so a result set (e.g. an enumeration of child
// objects) doesn't have to be fully buffered before the first element is
// usable by the caller.
type Iterator struct {
	frame     *wire.Frame
	remaining uint32
}

// NewIterator reads the leading element count and returns an Iterator
// ready to walk it.
func NewIterator(f *wire.Frame) (*Iterator, error) {
	count, err := f.ReadUint32()
	if err != nil {
		return nil, err
	}
	return &Iterator{frame: f, remaining: count}, nil
}

// Next reports whether another element remains.
func (it *Iterator) Next() bool {
	return it.remaining > 0
}

// Remaining reports the element count not yet consumed.
func (it *Iterator) Remaining() uint32 {
	return it.remaining
}

func (it *Iterator) ReadUint32() (uint32, error) {
	v, err := it.frame.ReadUint32()
	if err == nil {
		it.remaining--
	}
	return v, err
}

func (it *Iterator) ReadUint64() (uint64, error) {
	v, err := it.frame.ReadUint64()
	if err == nil {
		it.remaining--
	}
	return v, err
}

func (it *Iterator) ReadString() (string, error) {
	v, err := it.frame.ReadString()
	if err == nil {
		it.remaining--
	}
	return v, err
}

// Frame exposes the underlying frame for element kinds Iterator has no
// dedicated accessor for, such as InstanceID (frame.ReadInstanceID).
// Elements read directly through the frame are not counted: Remaining
// and Next do not change when they are consumed this way.
func (it *Iterator) Frame() *wire.Frame {
	return it.frame
}

// IteratorWriter writes a repeated out-parameter in the same shape
// Iterator reads: a leading count, then one WriteElement call per item.
type IteratorWriter struct {
	frame *wire.Frame
}

// BeginIterator writes count and returns a writer for its elements.
func BeginIterator(f *wire.Frame, count uint32) *IteratorWriter {
	f.WriteUint32(count)
	return &IteratorWriter{frame: f}
}

func (w *IteratorWriter) WriteUint32(v uint32) { w.frame.WriteUint32(v) }
func (w *IteratorWriter) WriteUint64(v uint64) { w.frame.WriteUint64(v) }
func (w *IteratorWriter) WriteString(v string) { w.frame.WriteString(v) }
