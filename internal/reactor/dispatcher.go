// Package reactor is the agent's readiness loop.  One goroutine polls
// every registered non-blocking socket and hands each ready channel to
// the Handler method for its role.  Other goroutines reach the loop only
// through [Dispatcher.Post].
package reactor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"rvl/config"
	rvlerrors "rvl/internal/errors"
	"rvl/util"
)

// Handler receives readiness events, one method per channel role.
// ready holds only conditions that are in the channel's interest set.
type Handler interface {
	HandleClient(ch *Channel, ready Interest)
	HandleWorkerListener(ch *Channel, ready Interest)
	HandleWorker(ch *Channel, ready Interest)
}

// Ticker is called once per loop iteration after posted work has run.
type Ticker interface {
	Tick(now time.Time)
}

// Aborter is implemented by handlers that want to tear themselves down
// after a panic was recovered while delivering to them.  Handlers that
// do not implement it get the faulting channel closed.
type Aborter interface {
	Abort(err error)
}

// AcceptFunc adopts a connection accepted on the acceptor channel.  It
// runs on the loop goroutine and is expected to Attach a handler and
// set an interest.
type AcceptFunc func(ch *Channel)

// Options configures a Dispatcher.
type Options struct {
	PollTimeout time.Duration // default 250ms
	IdleSleep   time.Duration // sleep after two empty wakes, default 10ms
	Accept      AcceptFunc    // required when an acceptor is registered
	Logger      *util.Logger
}

// Dispatcher owns channel registrations and runs the loop.
type Dispatcher struct {
	opts Options
	log  *util.Logger

	channels map[*Channel]struct{}
	tickers  map[Ticker]struct{}

	// reused between polls
	fds    []unix.PollFd
	polled []*Channel

	mu    sync.Mutex
	tasks []func()
	done  bool // wake pipe closed
	wakeR int
	wakeW int

	running atomic.Bool
	stopped atomic.Bool
}

// New returns a Dispatcher with its wake pipe open.
func New(opts Options) (*Dispatcher, error) {
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = config.DefaultPollTimeout
	}
	if opts.IdleSleep <= 0 {
		opts.IdleSleep = config.DefaultIdleSleep
	}
	if opts.Logger == nil {
		opts.Logger = util.NewLogger(0)
	}

	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return nil, rvlerrors.Resource("create wake pipe", os.NewSyscallError("pipe", err))
	}
	for _, fd := range p {
		if err := prepare(fd); err != nil {
			unix.Close(p[0]) //nolint:errcheck
			unix.Close(p[1]) //nolint:errcheck
			return nil, rvlerrors.Resource("create wake pipe", err)
		}
	}

	return &Dispatcher{
		opts:     opts,
		log:      opts.Logger,
		channels: make(map[*Channel]struct{}),
		tickers:  make(map[Ticker]struct{}),
		wakeR:    p[0],
		wakeW:    p[1],
	}, nil
}

// ── Registration (loop goroutine, or before Run) ─────────────────────

// Listen opens a non-blocking listener on addr and registers it with
// the given role.  An acceptor starts with Acceptable interest; any
// other role starts with none.
func (d *Dispatcher) Listen(addr string, role Role) (*Channel, error) {
	fd, err := listenSocket(addr)
	if err != nil {
		return nil, rvlerrors.Resource("listen on "+addr, err)
	}
	ch := &Channel{fd: fd, role: role, d: d}
	if role == RoleAcceptor {
		ch.interest = Acceptable
	}
	d.register(ch)
	return ch, nil
}

// AddTicker registers t to be ticked every iteration.
func (d *Dispatcher) AddTicker(t Ticker) { d.tickers[t] = struct{}{} }

// RemoveTicker stops ticking t.
func (d *Dispatcher) RemoveTicker(t Ticker) { delete(d.tickers, t) }

// Len returns the number of registered channels.
func (d *Dispatcher) Len() int { return len(d.channels) }

func (d *Dispatcher) register(ch *Channel)   { d.channels[ch] = struct{}{} }
func (d *Dispatcher) deregister(ch *Channel) { delete(d.channels, ch) }

// ── Cross-goroutine entry points ─────────────────────────────────────

// Post queues fn to run on the loop goroutine and wakes the poll.  A
// task it accepts always runs, at the latest while the loop shuts down.
// Once the loop has exited Post reports false and drops fn.
func (d *Dispatcher) Post(fn func()) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done {
		return false
	}
	d.tasks = append(d.tasks, fn)
	d.wakeLocked()
	return true
}

// Stop asks the loop to exit after the current iteration.
func (d *Dispatcher) Stop() {
	d.stopped.Store(true)
	d.mu.Lock()
	if !d.done {
		d.wakeLocked()
	}
	d.mu.Unlock()
}

func (d *Dispatcher) wakeLocked() {
	unix.Write(d.wakeW, []byte{1}) //nolint:errcheck // EAGAIN means a wake is already pending
}

// ── Loop ─────────────────────────────────────────────────────────────

// Run polls until ctx is cancelled or Stop is called.  On return every
// channel is closed, the acceptor included.
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return errors.New("reactor: dispatcher already running")
	}
	defer d.shutdown()
	unwatch := context.AfterFunc(ctx, d.Stop)
	defer unwatch()

	empty := 0
	for !d.stopped.Load() {
		d.runTasks()
		d.tick(time.Now())

		n, err := d.poll()
		if err != nil {
			return err
		}
		if n > 0 {
			empty = 0
			continue
		}
		// Nothing ready: a session may be holding client bytes until its
		// worker calls back.  Give it two chances before backing off.
		empty++
		if empty > 1 {
			time.Sleep(d.opts.IdleSleep)
			empty = 0
		}
	}
	return nil
}

func (d *Dispatcher) poll() (int, error) {
	fds := append(d.fds[:0], unix.PollFd{Fd: int32(d.wakeR), Events: unix.POLLIN})
	polled := d.polled[:0]
	for ch := range d.channels {
		if ch.interest == 0 {
			continue
		}
		var ev int16
		if ch.interest&(Readable|Acceptable) != 0 {
			ev |= unix.POLLIN
		}
		if ch.interest&Writable != 0 {
			ev |= unix.POLLOUT
		}
		if ch.interest&HangUp != 0 {
			ev |= pollHangUp
		}
		fds = append(fds, unix.PollFd{Fd: int32(ch.fd), Events: ev})
		polled = append(polled, ch)
	}
	d.fds, d.polled = fds, polled

	n, err := unix.Poll(fds, int(d.opts.PollTimeout/time.Millisecond))
	if err == unix.EINTR {
		return 0, nil
	}
	if err != nil {
		return 0, rvlerrors.Wrap("poll", "", os.NewSyscallError("poll", err))
	}
	if n == 0 {
		return 0, nil
	}

	if fds[0].Revents != 0 {
		d.drainWake()
	}
	for i, ch := range polled {
		re := fds[i+1].Revents
		if re == 0 || ch.closed {
			continue
		}
		if re&unix.POLLNVAL != 0 {
			d.log.Warn("reactor: %s is not a valid descriptor, dropping it", ch)
			ch.closed = true
			d.deregister(ch)
			continue
		}
		if ready := readiness(ch.interest, re); ready != 0 {
			d.deliver(ch, ready)
		}
	}
	// clear references so closed channels can be collected
	for i := range polled {
		polled[i] = nil
	}
	return n, nil
}

// readiness maps poll results onto the channel's current interest.
// Hang-ups and errors are reported as readable and writable so the
// handler's next I/O call surfaces them.
func readiness(interest Interest, re int16) Interest {
	var ready Interest
	if re&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
		ready |= Readable | Acceptable
	}
	if re&(unix.POLLOUT|unix.POLLHUP|unix.POLLERR) != 0 {
		ready |= Writable
	}
	if re&(pollHangUp|unix.POLLHUP|unix.POLLERR) != 0 {
		ready |= HangUp
	}
	return ready & interest
}

func (d *Dispatcher) deliver(ch *Channel, ready Interest) {
	defer func() {
		if r := recover(); r != nil {
			d.recovered(ch, r)
		}
	}()

	if ch.role == RoleAcceptor {
		d.acceptAll(ch)
		return
	}
	h := ch.handler
	if h == nil {
		d.log.Warn("reactor: %s has no handler, closing", ch)
		ch.Close() //nolint:errcheck
		return
	}
	switch ch.role {
	case RoleClient:
		h.HandleClient(ch, ready)
	case RoleWorkerListener:
		h.HandleWorkerListener(ch, ready)
	case RoleWorker:
		h.HandleWorker(ch, ready)
	}
}

func (d *Dispatcher) recovered(ch *Channel, r interface{}) {
	err := fmt.Errorf("%w: panic handling %s: %v", rvlerrors.ErrInvariant, ch, r)
	d.log.Error("reactor: %v", err)
	if a, ok := ch.handler.(Aborter); ok {
		defer func() {
			if r := recover(); r != nil {
				d.log.Error("reactor: abort after panic failed: %v", r)
				ch.Close() //nolint:errcheck
			}
		}()
		a.Abort(err)
		return
	}
	ch.Close() //nolint:errcheck
}

func (d *Dispatcher) acceptAll(l *Channel) {
	for !l.closed {
		conn, err := l.Accept()
		if err != nil {
			d.log.Warn("reactor: accept: %v", err)
			return
		}
		if conn == nil {
			return
		}
		d.log.Debug("reactor: accepted %s", conn)
		if d.opts.Accept == nil {
			conn.Close() //nolint:errcheck
			continue
		}
		d.opts.Accept(conn)
	}
}

func (d *Dispatcher) runTasks() {
	d.mu.Lock()
	tasks := d.tasks
	d.tasks = nil
	d.mu.Unlock()

	for _, fn := range tasks {
		d.safely("posted task", fn)
	}
}

func (d *Dispatcher) tick(now time.Time) {
	for t := range d.tickers {
		d.safely("tick", func() { t.Tick(now) })
	}
}

func (d *Dispatcher) safely(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("reactor: %v: panic in %s: %v", rvlerrors.ErrInvariant, what, r)
		}
	}()
	fn()
}

func (d *Dispatcher) drainWake() {
	var buf [64]byte
	for {
		n, err := unix.Read(d.wakeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (d *Dispatcher) shutdown() {
	d.mu.Lock()
	d.done = true
	tasks := d.tasks
	d.tasks = nil
	unix.Close(d.wakeR) //nolint:errcheck
	unix.Close(d.wakeW) //nolint:errcheck
	d.mu.Unlock()

	// accepted tasks still run, before their channels are closed
	if len(tasks) > 0 {
		d.log.Debug("reactor: running %d posted task(s) at shutdown", len(tasks))
	}
	for _, fn := range tasks {
		d.safely("posted task", fn)
	}
	for ch := range d.channels {
		ch.Close() //nolint:errcheck
	}
	d.log.Verbose("reactor: stopped")
}
