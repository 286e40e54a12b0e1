package session

import (
	"bytes"
	"testing"
	"testing/iotest"
)

func TestBuffer_FillAndDrain(t *testing.T) {
	b := NewBuffer(8)
	n, err := b.Fill(bytes.NewReader([]byte("0123456789")))
	if err != nil || n != 8 {
		t.Fatalf("Fill = %d, %v", n, err)
	}
	if len(b.Space()) != 0 {
		t.Fatalf("space = %d, want 0", len(b.Space()))
	}

	var out bytes.Buffer
	w := &shortWriter{w: &out, max: 3}
	for !b.Empty() {
		written, err := b.Drain(w)
		if err != nil {
			t.Fatalf("Drain: %v", err)
		}
		if len(written) > 3 {
			t.Fatalf("drained %d bytes in one step", len(written))
		}
	}
	if out.String() != "01234567" {
		t.Fatalf("drained %q", out.String())
	}
	if b.Pending() != 0 || len(b.Space()) != 8 {
		t.Fatalf("buffer not rewound: pending=%d space=%d", b.Pending(), len(b.Space()))
	}
}

func TestBuffer_DrainedBytesStayReadable(t *testing.T) {
	b := NewBuffer(4)
	b.Set([]byte("abcd"))
	written, _ := b.Drain(&bytes.Buffer{})
	// the last drain rewinds the cursors but must not clobber the data
	// the caller is about to inspect
	if string(written) != "abcd" || !b.Empty() {
		t.Fatalf("written = %q, empty = %v", written, b.Empty())
	}
}

func TestBuffer_SetGrows(t *testing.T) {
	b := NewBuffer(2)
	b.Set([]byte("longer than two"))
	if string(b.Unread()) != "longer than two" {
		t.Fatalf("unread = %q", b.Unread())
	}
	b.Advance(7)
	if string(b.Unread()) != "than two" {
		t.Fatalf("after advance = %q", b.Unread())
	}
}

func TestBuffer_FillError(t *testing.T) {
	b := NewBuffer(4)
	if _, err := b.Fill(iotest.ErrReader(errBoom)); err != errBoom {
		t.Fatalf("err = %v", err)
	}
	if !b.Empty() {
		t.Fatal("failed fill should leave the buffer empty")
	}
}

func TestIDAllocator(t *testing.T) {
	var a IDAllocator
	seen := make(chan int, 100)
	for i := 0; i < 100; i++ {
		go func() { seen <- a.Next() }()
	}
	got := make(map[int]bool)
	for i := 0; i < 100; i++ {
		got[<-seen] = true
	}
	for id := 1; id <= 100; id++ {
		if !got[id] {
			t.Fatalf("id %d never allocated", id)
		}
	}
}

type shortWriter struct {
	w   *bytes.Buffer
	max int
}

func (s *shortWriter) Write(p []byte) (int, error) {
	if len(p) > s.max {
		p = p[:s.max]
	}
	return s.w.Write(p)
}

type boomError struct{}

func (boomError) Error() string { return "boom" }

var errBoom error = boomError{}
