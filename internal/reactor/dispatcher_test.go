package reactor

import (
	"bytes"
	"context"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// echo copies everything a client sends back to it, one buffer in
// flight at a time.
type echo struct {
	buf     [512]byte
	pending []byte
	panicOn string
}

func (e *echo) HandleClient(ch *Channel, ready Interest) {
	if ready&Readable != 0 {
		n, err := ch.Read(e.buf[:])
		if err != nil {
			ch.Close() //nolint:errcheck
			return
		}
		if e.panicOn != "" && bytes.Contains(e.buf[:n], []byte(e.panicOn)) {
			panic("boom")
		}
		if n > 0 {
			e.pending = append(e.pending, e.buf[:n]...)
			ch.Disable(Readable)
			ch.Enable(Writable)
		}
	}
	if ready&Writable != 0 && len(e.pending) > 0 {
		n, err := ch.Write(e.pending)
		if err != nil {
			ch.Close() //nolint:errcheck
			return
		}
		e.pending = e.pending[n:]
		if len(e.pending) == 0 {
			ch.Disable(Writable)
			ch.Enable(Readable)
		}
	}
}

func (e *echo) HandleWorkerListener(*Channel, Interest) {}
func (e *echo) HandleWorker(*Channel, Interest)         {}

type counter struct{ n atomic.Int64 }

func (c *counter) Tick(time.Time) { c.n.Add(1) }

type harness struct {
	d      *Dispatcher
	addr   string
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func startEcho(t *testing.T, panicOn string) *harness {
	t.Helper()
	d, err := New(Options{
		PollTimeout: 20 * time.Millisecond,
		Accept: func(ch *Channel) {
			ch.Attach(&echo{panicOn: panicOn})
			ch.SetInterest(Readable)
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l, err := d.Listen("127.0.0.1:0", RoleAcceptor)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{
		d:      d,
		addr:   net.JoinHostPort("127.0.0.1", strconv.Itoa(l.LocalPort())),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		h.err = d.Run(ctx)
		close(h.done)
	}()
	t.Cleanup(func() {
		cancel()
		if !h.wait(2 * time.Second) {
			t.Error("dispatcher did not stop")
		}
	})
	return h
}

func (h *harness) wait(timeout time.Duration) bool {
	select {
	case <-h.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// sync blocks until the loop has run at least one iteration.
func (h *harness) sync(t *testing.T) {
	t.Helper()
	ran := make(chan struct{})
	h.d.Post(func() { close(ran) })
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("posted task never ran")
	}
}

func roundTrip(t *testing.T, addr string, msg []byte) []byte {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(3 * time.Second)) //nolint:errcheck

	go conn.Write(msg) //nolint:errcheck
	got := make([]byte, len(msg))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	return got
}

func TestDispatcher_Echo(t *testing.T) {
	addr := startEcho(t, "").addr

	msg := bytes.Repeat([]byte("0123456789"), 20000) // larger than one socket buffer
	if got := roundTrip(t, addr, msg); !bytes.Equal(got, msg) {
		t.Fatalf("echo mismatch: got %d bytes", len(got))
	}
}

func TestDispatcher_ManyClients(t *testing.T) {
	addr := startEcho(t, "").addr

	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func(i int) {
			msg := []byte("client-" + strconv.Itoa(i))
			conn, err := net.DialTimeout("tcp", addr, time.Second)
			if err != nil {
				errs <- err
				return
			}
			defer conn.Close()
			conn.SetDeadline(time.Now().Add(3 * time.Second)) //nolint:errcheck
			conn.Write(msg)                                   //nolint:errcheck
			got := make([]byte, len(msg))
			if _, err := io.ReadFull(conn, got); err != nil {
				errs <- err
				return
			}
			if !bytes.Equal(got, msg) {
				errs <- io.ErrShortWrite
				return
			}
			errs <- nil
		}(i)
	}
	for i := 0; i < 8; i++ {
		if err := <-errs; err != nil {
			t.Errorf("client: %v", err)
		}
	}
}

func TestDispatcher_PanicIsContained(t *testing.T) {
	addr := startEcho(t, "explode").addr

	bad, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer bad.Close()
	bad.SetDeadline(time.Now().Add(3 * time.Second)) //nolint:errcheck
	bad.Write([]byte("explode"))                     //nolint:errcheck

	// The faulting channel is closed...
	if _, err := bad.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected faulting connection to be closed")
	}
	// ...and the loop keeps serving everybody else.
	if got := roundTrip(t, addr, []byte("still here")); string(got) != "still here" {
		t.Fatalf("got %q", got)
	}
}

func TestDispatcher_PostRunsOnLoop(t *testing.T) {
	d := startEcho(t, "").d

	ran := make(chan int, 1)
	d.Post(func() { ran <- d.Len() })
	select {
	case n := <-ran:
		if n != 1 {
			t.Fatalf("registered channels = %d, want 1 (the acceptor)", n)
		}
	case <-time.After(time.Second):
		t.Fatal("posted task never ran")
	}
}

func TestDispatcher_Ticks(t *testing.T) {
	d := startEcho(t, "").d

	c := &counter{}
	d.Post(func() { d.AddTicker(c) })
	deadline := time.Now().Add(2 * time.Second)
	for c.n.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if c.n.Load() < 3 {
		t.Fatalf("ticked %d times, want at least 3", c.n.Load())
	}
}

func TestDispatcher_StopClosesEverything(t *testing.T) {
	h := startEcho(t, "")
	d, addr := h.d, h.addr

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	// make sure the connection has been adopted
	roundTrip(t, addr, []byte("x"))

	h.cancel()
	if !h.wait(2 * time.Second) {
		t.Fatal("Run did not return after cancel")
	}
	if h.err != nil {
		t.Fatalf("Run: %v", h.err)
	}
	if d.Len() != 0 {
		t.Fatalf("%d channels still registered", d.Len())
	}

	conn.SetDeadline(time.Now().Add(time.Second)) //nolint:errcheck
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected client connection to be closed")
	}
	if c, err := net.DialTimeout("tcp", addr, 200*time.Millisecond); err == nil {
		c.Close()
		t.Fatal("acceptor still listening after stop")
	}

	// posting after shutdown is refused
	if d.Post(func() { t.Error("task ran after shutdown") }) {
		t.Error("Post accepted a task after shutdown")
	}
}

func TestDispatcher_TaskPostedBeforeStopRuns(t *testing.T) {
	h := startEcho(t, "")

	ran := make(chan struct{})
	h.d.Post(func() {
		h.d.Stop()
		if !h.d.Post(func() { close(ran) }) {
			t.Error("Post refused a task before shutdown")
		}
	})
	if !h.wait(2 * time.Second) {
		t.Fatal("Run did not return after Stop")
	}
	select {
	case <-ran:
	default:
		t.Fatal("task accepted by Post was dropped at shutdown")
	}
}

func TestDispatcher_RunTwice(t *testing.T) {
	h := startEcho(t, "")
	h.sync(t)
	if err := h.d.Run(context.Background()); err == nil {
		t.Fatal("second Run should fail")
	}
}

func TestReadiness(t *testing.T) {
	tests := []struct {
		interest Interest
		revents  int16
		want     Interest
	}{
		{Readable, unix.POLLIN, Readable},
		{Writable, unix.POLLOUT, Writable},
		{Readable | Writable, unix.POLLOUT, Writable},
		{Writable, unix.POLLHUP, Writable},
		{Readable | Writable, unix.POLLERR, Readable | Writable},
		{Acceptable, unix.POLLIN, Acceptable},
		{HangUp, unix.POLLHUP, HangUp},
		{HangUp, unix.POLLIN, 0},
		{Readable | HangUp, unix.POLLERR, Readable | HangUp},
		{0, unix.POLLIN, 0},
	}
	for _, tt := range tests {
		if got := readiness(tt.interest, tt.revents); got != tt.want {
			t.Errorf("readiness(%s, %#x) = %s, want %s", tt.interest, tt.revents, got, tt.want)
		}
	}
}
