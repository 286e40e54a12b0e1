package session

import (
	"io"
	"sync"
	"time"

	"rvl/internal/reactor"
	"rvl/internal/wire"
	"rvl/util"
)

// ── Out-of-band buffer ───────────────────────────────────────────────

// outOfBand holds at most one encoded S0 record on its way to the
// launcher.  Producers (handshake and output goroutines) fill it and
// wait; the event loop writes it and releases it.
type outOfBand struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    Buffer
	ready  bool
	closed bool
}

func newOutOfBand(chunk int) *outOfBand {
	o := &outOfBand{buf: Buffer{data: make([]byte, wire.StreamHeaderLen+chunk)}}
	o.cond = sync.NewCond(&o.mu)
	return o
}

// put frames p as one S0 record, calls arm so the loop starts writing
// it, and waits until the loop has written all of it.  It reports false
// once the buffer has been closed.
func (o *outOfBand) put(p []byte, arm func()) bool {
	o.mu.Lock()
	for o.ready && !o.closed {
		o.cond.Wait()
	}
	if o.closed {
		o.mu.Unlock()
		return false
	}
	rec, err := wire.AppendStream(o.buf.data[:0], p)
	if err != nil {
		o.mu.Unlock()
		return false
	}
	o.buf.Set(rec)
	o.ready = true
	o.mu.Unlock()

	arm()

	o.mu.Lock()
	defer o.mu.Unlock()
	for o.ready && !o.closed {
		o.cond.Wait()
	}
	return !o.closed
}

// pending reports whether a record is waiting to be written.
func (o *outOfBand) pending() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ready && !o.closed
}

// release hands the buffer back to the producer after the loop has
// written the whole record.
func (o *outOfBand) release() {
	o.mu.Lock()
	o.ready = false
	o.buf.Reset()
	o.cond.Broadcast()
	o.mu.Unlock()
}

func (o *outOfBand) close() {
	o.mu.Lock()
	o.closed = true
	o.cond.Broadcast()
	o.mu.Unlock()
}

// ── Worker output relay ──────────────────────────────────────────────

// armClient asks the loop to start writing to the launcher.
func (s *Session) armClient() {
	s.d.Post(func() {
		if !s.client.Closed() {
			s.client.Enable(reactor.Writable)
		}
	})
}

// sendLine delivers one agent message to the launcher as console
// output.  It is used before the worker exists.
func (s *Session) sendLine(line string) bool {
	p := []byte(line + "\n")
	for len(p) > 0 {
		n := min(len(p), s.opts.ChunkSize)
		if !s.oob.put(p[:n], s.armClient) {
			return false
		}
		p = p[n:]
	}
	return true
}

// relayOutput forwards the worker's combined stdout and stderr, one
// chunk per S0 record, until the process closes its output, the
// launcher goes away or the grace period after a worker disconnect
// runs out.
func (s *Session) relayOutput(out io.ReadCloser, wait func() error) {
	defer func() {
		out.Close() //nolint:errcheck
		err := wait()
		if err != nil && !s.gone.Load() {
			s.wlog.Verbose("Worker exited: %v", err)
		} else {
			s.wlog.Verbose("Worker exited")
		}
		s.d.Post(s.outputDone)
	}()

	chunk := make([]byte, s.opts.ChunkSize)
	for {
		n, err := out.Read(chunk)
		if n > 0 {
			s.wlog.Dump("worker output", chunk[:n])
			if !s.oob.put(chunk[:n], s.armClient) {
				return
			}
			s.metrics.OutOfBand(n)
			if s.gone.Load() || s.graceExpired(time.Now()) {
				s.wlog.Debug("Stopping output relay after last chunk")
				return
			}
		}
		if err != nil {
			if !util.IsHarmless(err) {
				s.wlog.Warn("Reading worker output: %v", err)
			}
			return
		}
	}
}

// graceExpired is safe to call from any goroutine.
func (s *Session) graceExpired(now time.Time) bool {
	d := s.deadline.Load()
	return d != 0 && now.UnixNano() >= d
}
