package content

import "fmt"

// Buffer is the in-memory byte sequence of a text file. It mirrors the CRDT
// replica byte for byte: every integrated insertion and deletion is applied
// to both, identically.
type Buffer struct {
	data []byte
}

func NewBuffer(s string) *Buffer {
	return &Buffer{data: []byte(s)}
}

func (b *Buffer) Len() int {
	return len(b.data)
}

func (b *Buffer) String() string {
	return string(b.data)
}

func (b *Buffer) Bytes() []byte {
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

func (b *Buffer) Insert(offset int, s string) {
	if offset < 0 || offset > len(b.data) {
		panic(fmt.Sprintf("insert offset %d out of range [0, %d]", offset, len(b.data)))
	}
	b.data = append(b.data[:offset], append([]byte(s), b.data[offset:]...)...)
}

func (b *Buffer) Delete(start, end int) {
	if start < 0 || end > len(b.data) || start > end {
		panic(fmt.Sprintf("delete range [%d, %d) out of range [0, %d]", start, end, len(b.data)))
	}
	b.data = append(b.data[:start], b.data[end:]...)
}
