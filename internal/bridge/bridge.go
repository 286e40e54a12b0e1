// Package bridge turns byte chunks that arrive on the agent's event loop
// into a blocking stream, so a handshake goroutine can decode the
// opening record with an ordinary io.Reader before relaying starts.
//
// The bridge holds exactly one frame: a 12-byte header whose last two
// bytes are the big-endian length of the payload that follows.  Once the
// frame is complete nothing more is accepted; bytes beyond it belong to
// the relay.
package bridge

import (
	"encoding/binary"
	"io"
	"sync"

	rvlerrors "rvl/internal/errors"
)

// HeaderLen is the size of the fixed frame header.
const HeaderLen = 12

// Bridge is a single-frame handoff between one feeding goroutine and one
// reading goroutine.  It is safe for use by exactly those two.
type Bridge struct {
	mu   sync.Mutex
	cond *sync.Cond

	header  [HeaderLen]byte
	headerN int
	payload []byte // allocated once, when the header completes
	payN    int
	pos     int // read cursor over header then payload
	closed  bool
}

// New returns an empty Bridge.
func New() *Bridge {
	b := &Bridge{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Feed copies as much of p as the frame still needs and returns the
// number of bytes taken.  It returns 0 once the frame is complete.  A
// call made after the frame is complete but before the reader has
// drained it waits for the drain (or Close) and then takes nothing.
func (b *Bridge) Feed(p []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || len(p) == 0 {
		return 0
	}

	n := 0
	if b.headerN < HeaderLen {
		c := copy(b.header[b.headerN:], p)
		b.headerN += c
		n += c
		if b.headerN == HeaderLen {
			b.payload = make([]byte, binary.BigEndian.Uint16(b.header[HeaderLen-2:]))
		}
	}

	if b.payload != nil && n < len(p) {
		if n == 0 && b.payN == len(b.payload) {
			for !b.closed && b.pos < b.total() {
				b.cond.Wait()
			}
			return 0
		}
		c := copy(b.payload[b.payN:], p[n:])
		b.payN += c
		n += c
	}

	if n > 0 {
		b.cond.Broadcast()
	}
	return n
}

// Read blocks until at least one frame byte is available and copies as
// many as fit into p.  After the whole frame has been read it returns
// io.EOF.  If the bridge is closed first it returns ErrBridgeClosed.
func (b *Bridge) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		if avail := b.fed() - b.pos; avail > 0 {
			n := 0
			if b.pos < HeaderLen {
				n = copy(p, b.header[b.pos:b.headerN])
			}
			if n < len(p) && b.pos+n >= HeaderLen {
				n += copy(p[n:], b.payload[b.pos+n-HeaderLen:b.payN])
			}
			b.pos += n
			b.cond.Broadcast()
			return n, nil
		}
		if b.complete() {
			return 0, io.EOF
		}
		if b.closed {
			return 0, rvlerrors.ErrBridgeClosed
		}
		b.cond.Wait()
	}
}

// ReadByte reads a single frame byte, blocking like Read.
func (b *Bridge) ReadByte() (byte, error) {
	var one [1]byte
	if _, err := b.Read(one[:]); err != nil {
		return 0, err
	}
	return one[0], nil
}

// Complete reports whether the whole frame has been fed.
func (b *Bridge) Complete() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.complete()
}

// Drained reports whether the whole frame has been fed and read.
func (b *Bridge) Drained() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.complete() && b.pos == b.total()
}

// Close wakes both sides.  Later reads of missing bytes fail and later
// feeds take nothing.
func (b *Bridge) Close() {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
}

func (b *Bridge) fed() int { return b.headerN + b.payN }

func (b *Bridge) complete() bool {
	return b.payload != nil && b.payN == len(b.payload)
}

// total is the frame length, or HeaderLen while the header is partial.
func (b *Bridge) total() int {
	if b.payload == nil {
		return HeaderLen
	}
	return HeaderLen + len(b.payload)
}
