// Package session is the agent's per-connection proxy.
//
// A Session accepts one launcher connection, decodes its StartVM record
// on a handshake goroutine, starts the worker process, waits for the
// worker to connect back on a private listener and then relays bytes
// between the two sockets.  Worker console output is read on a second
// goroutine and spliced into the launcher-bound stream as S0 records,
// but only where the relayed stream sits on a record boundary.
//
// Everything except the two goroutines runs on the reactor loop.
package session

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"rvl/config"
	"rvl/internal/bridge"
	rvlerrors "rvl/internal/errors"
	"rvl/internal/framing"
	"rvl/internal/metrics"
	"rvl/internal/reactor"
	"rvl/internal/wire"
	"rvl/util"
)

// Options configures sessions.  Zero values take the config defaults.
type Options struct {
	Executable   string // program started as the worker
	Debugger     string // used when StartVM asks for a debug port
	ListenHost   string // host of the worker callback listener
	GracePeriod  time.Duration
	ChunkSize    int
	RelayBufSize int

	Logger  *util.Logger
	Metrics *metrics.Collector

	// OnClose runs on the loop goroutine once the session is torn down.
	OnClose func(*Session)
}

func (o *Options) applyDefaults() {
	if o.Debugger == "" {
		o.Debugger = config.DefaultDebugger
	}
	if o.ListenHost == "" {
		o.ListenHost = util.LoopbackHost
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = config.DefaultGracePeriod
	}
	if o.ChunkSize <= 0 || o.ChunkSize > wire.MaxString {
		o.ChunkSize = config.DefaultChunkSize
	}
	if o.RelayBufSize <= 0 {
		o.RelayBufSize = config.DefaultRelayBufSize
	}
	if o.Logger == nil {
		o.Logger = util.NewLogger(0)
	}
}

// Session is the state of one launcher connection.
type Session struct {
	id      int
	opts    Options
	d       *reactor.Dispatcher
	metrics *metrics.Collector

	log  *util.Logger // "[id] !!" agent events
	clog *util.Logger // "[id] >>" launcher side
	wlog *util.Logger // "[id] <<" worker side

	client   *reactor.Channel
	listener *reactor.Channel
	worker   *reactor.Channel
	port     int

	bridge  *bridge.Bridge
	scanner framing.Scanner
	oob     *outOfBand

	clientToWorker *Buffer
	workerToClient *Buffer
	current        *Buffer // being written to the launcher, nil between records

	// loop-owned state
	started          bool
	proc             *os.Process
	stopOnDisconnect bool
	workerClosed     bool
	outputEnded      bool
	closeScheduled   bool // close once output is drained
	closeAfterWrite  bool // close once the current record is written
	closed           bool

	// read by the output goroutine
	gone     atomic.Bool  // launcher side closed
	deadline atomic.Int64 // unix nanos, 0 until the worker disconnects
}

// New adopts an accepted launcher connection.  It must run on the loop
// goroutine.  When the callback listener cannot be opened the launcher
// gets one S0 error line and the connection is closed.
func New(id int, d *reactor.Dispatcher, client *reactor.Channel, opts Options) (*Session, error) {
	opts.applyDefaults()
	prefix := fmt.Sprintf("[%d]", id)
	s := &Session{
		id:             id,
		opts:           opts,
		d:              d,
		metrics:        opts.Metrics,
		log:            opts.Logger.Named(prefix + " !!"),
		clog:           opts.Logger.Named(prefix + " >>"),
		wlog:           opts.Logger.Named(prefix + " <<"),
		client:         client,
		bridge:         bridge.New(),
		oob:            newOutOfBand(opts.ChunkSize),
		clientToWorker: NewBuffer(opts.RelayBufSize),
		workerToClient: NewBuffer(opts.RelayBufSize),
	}
	s.log.Info("Got client from %s", client.RemoteAddr())

	l, err := d.Listen(util.FormatAddr(opts.ListenHost, 0), reactor.RoleWorkerListener)
	if err != nil {
		err = rvlerrors.Resource("open worker listener", err)
		s.log.Error("%v", err)
		s.metrics.RecordError(err.Error())
		rejectClient(client, err)
		return nil, err
	}
	s.listener = l
	s.port = l.LocalPort()
	l.Attach(s)

	client.Attach(s)
	client.SetInterest(reactor.Readable)
	d.AddTicker(s)
	s.metrics.SessionOpened()
	s.log.Debug("Worker callback port %d", s.port)

	go s.handshake()
	return s, nil
}

// rejectClient makes one non-blocking attempt to tell the launcher why
// it is being dropped, then closes the connection.
func rejectClient(client *reactor.Channel, err error) {
	if rec, encErr := wire.AppendStream(nil, []byte("Agent: "+err.Error()+"\n")); encErr == nil {
		client.Write(rec) //nolint:errcheck
	}
	client.Close() //nolint:errcheck
}

// ID returns the session id.
func (s *Session) ID() int { return s.id }

// Port returns the worker callback port.
func (s *Session) Port() int { return s.port }

// Closed reports whether the session has been torn down.  Loop only.
func (s *Session) Closed() bool { return s.closed }

// ── reactor.Handler ──────────────────────────────────────────────────

// HandleClient implements reactor.Handler.
func (s *Session) HandleClient(ch *reactor.Channel, ready reactor.Interest) {
	if ready&reactor.Readable != 0 {
		s.readClient()
	}
	if ready&reactor.Writable != 0 && !s.closed {
		s.writeClient()
	}
}

// HandleWorkerListener implements reactor.Handler.
func (s *Session) HandleWorkerListener(ch *reactor.Channel, ready reactor.Interest) {
	if ready&reactor.Acceptable != 0 {
		s.acceptWorker(ch)
	}
}

// HandleWorker implements reactor.Handler.
func (s *Session) HandleWorker(ch *reactor.Channel, ready reactor.Interest) {
	if ready&reactor.Readable != 0 {
		s.readWorker()
	}
	if ready&reactor.Writable != 0 && !s.workerClosed {
		s.writeWorker()
	}
	if ready&reactor.HangUp != 0 && !s.workerClosed {
		s.workerHungUp()
	}
}

// Tick implements reactor.Ticker.  It enforces the grace period that
// starts when the worker disconnects.
func (s *Session) Tick(now time.Time) {
	if s.closed || !s.graceExpired(now) {
		return
	}
	if s.hasClientOutput() {
		s.log.Verbose("Grace period of %s expired with output pending, closing", s.opts.GracePeriod)
	}
	s.Close()
}

// Abort implements reactor.Aborter.
func (s *Session) Abort(err error) {
	s.fail(err)
}

// fail tears the session down after an unrecoverable error.
func (s *Session) fail(err error) {
	if s.closed {
		return
	}
	s.log.Error("%v", err)
	s.metrics.RecordError(err.Error())
	s.Close()
}

// ── Worker start (posted by the handshake goroutine) ─────────────────

func (s *Session) workerStarted(proc *os.Process, stopOnDisconnect bool) {
	s.proc = proc
	s.stopOnDisconnect = stopOnDisconnect
	s.started = true
	s.metrics.WorkerSpawned()
	if s.closed {
		// launcher left while the worker was starting
		if stopOnDisconnect {
			KillWorker(proc)
		}
		return
	}
	if !s.listener.Closed() {
		s.listener.SetInterest(reactor.Acceptable)
	}
}

func (s *Session) handshakeFailed(err error) {
	if s.closed {
		return
	}
	s.metrics.RecordError(err.Error())
	s.stop()
}
