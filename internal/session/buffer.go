package session

import "io"

// Buffer is a fixed-capacity byte buffer with separate read and write
// cursors: bytes in [pos, lim) are pending, [lim, cap) is free space.
// A session fills a buffer completely from one side and drains it
// completely to the other before filling it again.
type Buffer struct {
	data []byte
	pos  int
	lim  int
}

// NewBuffer returns an empty buffer with the given capacity.
func NewBuffer(size int) *Buffer {
	return &Buffer{data: make([]byte, size)}
}

// Pending returns the number of unread bytes.
func (b *Buffer) Pending() int { return b.lim - b.pos }

// Empty reports whether there is nothing left to read.
func (b *Buffer) Empty() bool { return b.pos == b.lim }

// Unread returns the pending bytes without consuming them.
func (b *Buffer) Unread() []byte { return b.data[b.pos:b.lim] }

// Space returns the free tail of the buffer.
func (b *Buffer) Space() []byte { return b.data[b.lim:] }

// Commit marks n bytes of Space as written.
func (b *Buffer) Commit(n int) { b.lim += n }

// Advance consumes n pending bytes.  Draining the last byte rewinds
// both cursors.
func (b *Buffer) Advance(n int) {
	b.pos += n
	if b.pos >= b.lim {
		b.Reset()
	}
}

// Reset discards everything.
func (b *Buffer) Reset() { b.pos, b.lim = 0, 0 }

// Set replaces the contents with p, growing the buffer if needed.
func (b *Buffer) Set(p []byte) {
	if cap(b.data) < len(p) {
		b.data = make([]byte, len(p))
	}
	b.data = b.data[:cap(b.data)]
	b.pos = 0
	b.lim = copy(b.data, p)
}

// Fill does one read into the free space.
func (b *Buffer) Fill(r io.Reader) (int, error) {
	n, err := r.Read(b.Space())
	b.Commit(n)
	return n, err
}

// Drain does one write of the pending bytes and consumes what was
// accepted.  It returns the bytes written, which the caller may inspect
// until the next call.
func (b *Buffer) Drain(w io.Writer) ([]byte, error) {
	p := b.Unread()
	n, err := w.Write(p)
	written := p[:n]
	b.pos += n
	if b.pos >= b.lim {
		b.pos, b.lim = 0, 0
	}
	return written, err
}
