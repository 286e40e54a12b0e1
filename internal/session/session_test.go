package session

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"testing"
	"time"

	"rvl/internal/metrics"
	"rvl/internal/reactor"
	"rvl/internal/wire"
	"rvl/util"
)

type agent struct {
	addr    string
	d       *reactor.Dispatcher
	opened  chan *Session
	closed  chan *Session
	metrics *metrics.Collector
}

// startAgent runs a dispatcher that opens a Session per connection and
// starts this test binary as the worker.
func startAgent(t *testing.T, grace time.Duration) *agent {
	t.Helper()
	a := &agent{
		opened:  make(chan *Session, 16),
		closed:  make(chan *Session, 16),
		metrics: metrics.New(),
	}
	ids := &IDAllocator{}

	var d *reactor.Dispatcher
	opts := Options{
		Executable:  os.Args[0],
		Debugger:    "/nonexistent/rvl-test-debugger",
		GracePeriod: grace,
		Logger:      util.NewLogger(0),
		Metrics:     a.metrics,
		OnClose:     func(s *Session) { a.closed <- s },
	}
	d, err := reactor.New(reactor.Options{
		PollTimeout: 20 * time.Millisecond,
		Accept: func(ch *reactor.Channel) {
			if s, err := New(ids.Next(), d, ch, opts); err == nil {
				a.opened <- s
			}
		},
	})
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	l, err := d.Listen("127.0.0.1:0", reactor.RoleAcceptor)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	a.addr = util.LoopbackAddr(l.LocalPort())
	a.d = d

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx) //nolint:errcheck
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return a
}

func (a *agent) waitClosed(t *testing.T, timeout time.Duration) *Session {
	t.Helper()
	select {
	case s := <-a.closed:
		return s
	case <-time.After(timeout):
		t.Fatal("session did not close")
		return nil
	}
}

// onLoop runs fn on the agent's loop goroutine and waits for it.
func (a *agent) onLoop(t *testing.T, fn func()) {
	t.Helper()
	done := make(chan struct{})
	if !a.d.Post(func() { fn(); close(done) }) {
		t.Fatal("agent loop has stopped")
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("posted task never ran")
	}
}

func dialAgent(t *testing.T, a *agent) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", a.addr, time.Second)
	if err != nil {
		t.Fatalf("dial agent: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(20 * time.Second)) //nolint:errcheck
	return conn
}

func startVM(mode string, workerArgs ...string) *wire.StartVM {
	return &wire.StartVM{
		StopOnDisconnect: true,
		VMArgs:           []string{helperEnv + "=" + mode},
		WorkerArgs:       workerArgs,
	}
}

// readAll decodes the launcher-bound stream until the agent closes it,
// splitting console output from relayed records.
func readAll(t *testing.T, conn net.Conn) (console string, relayed []wire.Message) {
	t.Helper()
	dec := wire.NewDecoder(conn)
	var out strings.Builder
	for {
		msg, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return out.String(), relayed
		}
		if err != nil {
			t.Fatalf("decode at offset %d: %v", dec.Offset(), err)
		}
		if s, ok := msg.(*wire.Stream); ok {
			out.Write(s.Data)
			continue
		}
		relayed = append(relayed, msg)
	}
}

// ── End to end ───────────────────────────────────────────────────────

func TestSession_HelloWithoutCallback(t *testing.T) {
	a := startAgent(t, time.Second)
	conn := dialAgent(t, a)

	if err := wire.Encode(conn, startVM("hello")); err != nil {
		t.Fatalf("send VM: %v", err)
	}
	console, relayed := readAll(t, conn)
	if console != "hello" {
		t.Errorf("console = %q, want %q", console, "hello")
	}
	if len(relayed) != 0 {
		t.Errorf("unexpected relayed records: %v", relayed)
	}
	a.waitClosed(t, 5*time.Second)
	if a.metrics.WorkersSpawned() != 1 || a.metrics.ActiveSessions() != 0 {
		t.Errorf("metrics: %s", a.metrics.JSON())
	}
}

func TestSession_AgentLogLine(t *testing.T) {
	a := startAgent(t, time.Second)
	conn := dialAgent(t, a)

	wire.Encode(conn, startVM("hello", "-d", "1")) //nolint:errcheck
	console, _ := readAll(t, conn)
	if !strings.HasPrefix(console, "Agent: Starting new worker with ") {
		t.Fatalf("console = %q, want agent line first", console)
	}
	if !strings.HasSuffix(console, "\nhello") {
		t.Errorf("console = %q, want worker output last", console)
	}
}

// The launcher's records reach the worker intact however they are
// chunked, and the worker's records come back decodable with console
// records only ever between them.
func TestSession_RelayWithCallback(t *testing.T) {
	a := startAgent(t, 2*time.Second)
	conn := dialAgent(t, a)

	var stream []byte
	stream, _ = startVM("relay").AppendTo(stream)
	stream, _ = (&wire.RemoteClasspath{Entries: classpathEntries()}).AppendTo(stream)
	stream, _ = wire.Start{}.AppendTo(stream)

	go func() {
		rng := rand.New(rand.NewSource(1))
		for len(stream) > 0 {
			n := 1 + rng.Intn(min(len(stream), 4096))
			if _, err := conn.Write(stream[:n]); err != nil {
				return
			}
			stream = stream[n:]
			if rng.Intn(4) == 0 {
				time.Sleep(time.Millisecond)
			}
		}
	}()

	console, relayed := readAll(t, conn)

	var want strings.Builder
	for i := 0; i < relayRequests; i++ {
		want.WriteString(consoleLine(i))
	}
	want.WriteString("done\n")
	if console != want.String() {
		t.Fatalf("console mismatch:\n got %q\nwant %q", truncate(console), truncate(want.String()))
	}

	if len(relayed) != relayRequests+1 {
		t.Fatalf("relayed %d records, want %d", len(relayed), relayRequests+1)
	}
	if _, ok := relayed[0].(wire.Ready); !ok {
		t.Fatalf("first relayed record = %T, want Ready", relayed[0])
	}
	for i, msg := range relayed[1:] {
		rr, ok := msg.(*wire.ResourceRequest)
		if !ok || rr.PathID != strconv.Itoa(i) || rr.Name != "res/"+strconv.Itoa(i) {
			t.Fatalf("relayed[%d] = %#v", i+1, msg)
		}
	}
	a.waitClosed(t, 5*time.Second)
}

func truncate(s string) string {
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}

// ── Teardown ─────────────────────────────────────────────────────────

// A worker that disconnects but keeps running gets its queued bytes
// delivered, then the session force-closes when the grace period ends.
func TestSession_GracePeriod(t *testing.T) {
	const grace = 400 * time.Millisecond
	a := startAgent(t, grace)
	conn := dialAgent(t, a)

	wire.Encode(conn, startVM("linger")) //nolint:errcheck

	dec := wire.NewDecoder(conn)
	if _, err := dec.Next(); err != nil {
		t.Fatalf("first record: %v", err)
	}
	requests := 0
	var lastRecord time.Time
	for {
		msg, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if _, ok := msg.(*wire.ResourceRequest); ok {
			requests++
			lastRecord = time.Now()
		}
	}
	closedAt := time.Now()

	if requests != lingerRequests {
		t.Errorf("received %d requests, want all %d", requests, lingerRequests)
	}
	if wait := closedAt.Sub(lastRecord); wait < grace/2 {
		t.Errorf("closed %s after the last record, want about %s", wait, grace)
	}
	if wait := closedAt.Sub(lastRecord); wait > grace+3*time.Second {
		t.Errorf("closed %s after the last record, grace is %s", wait, grace)
	}
	a.waitClosed(t, 2*time.Second)
}

// A worker that writes more than the launcher will read and then drops
// its connection must not hold the session open: the grace period
// starts when it goes, not when its last bytes are read.
func TestSession_GraceWhenLauncherStalls(t *testing.T) {
	const grace = 500 * time.Millisecond
	a := startAgent(t, grace)
	conn := dialAgent(t, a)

	wire.Encode(conn, startVM("flood")) //nolint:errcheck
	start := time.Now()

	// never read: the helper floods for floodFor, then resets its socket
	// and sleeps far longer than this wait allows
	a.waitClosed(t, floodFor+grace+5*time.Second)
	if took := time.Since(start); took < floodFor {
		t.Errorf("closed after %s, before the worker went away", took)
	}
}

// A launcher that half-closes while a write to it is stuck must stop
// being polled for reads, or the loop spins on the repeated EOF.
func TestSession_LauncherEOFDuringWrite(t *testing.T) {
	a := startAgent(t, 500*time.Millisecond)
	conn := dialAgent(t, a)

	wire.Encode(conn, startVM("flood")) //nolint:errcheck
	var s *Session
	select {
	case s = <-a.opened:
	case <-time.After(2 * time.Second):
		t.Fatal("no session opened")
	}
	time.Sleep(floodFor / 3) // long enough for the writes to the launcher to stall

	conn.(*net.TCPConn).CloseWrite() //nolint:errcheck
	deadline := time.Now().Add(2 * time.Second)
	for {
		var writing, reading, closed bool
		a.onLoop(t, func() {
			closed = s.closed
			writing = s.current != nil
			reading = s.client.Interest()&reactor.Readable != 0
		})
		if closed {
			t.Fatal("session closed before the pending write finished")
		}
		if s.gone.Load() {
			if !writing {
				t.Fatal("no write in flight when the launcher closed")
			}
			if reading {
				t.Fatal("launcher still polled for reads after EOF")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("launcher EOF never noticed")
		}
		time.Sleep(20 * time.Millisecond)
	}
	a.waitClosed(t, floodFor+5*time.Second)
}

func TestSession_LauncherDisconnectClosesSession(t *testing.T) {
	a := startAgent(t, time.Second)
	conn := dialAgent(t, a)

	wire.Encode(conn, startVM("sleep")) //nolint:errcheck
	time.Sleep(200 * time.Millisecond)
	conn.Close()

	a.waitClosed(t, 5*time.Second)
	if a.metrics.ActiveSessions() != 0 {
		t.Errorf("active sessions = %d", a.metrics.ActiveSessions())
	}
}

// A worker that finishes starting after the agent loop has exited is
// killed by the goroutine that started it.
func TestSession_WorkerKilledWhenLoopStopped(t *testing.T) {
	d, err := reactor.New(reactor.Options{})
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Run(ctx) //nolint:errcheck

	cmd := exec.Command(os.Args[0], "0")
	cmd.Env = append(os.Environ(), helperEnv+"=sleep")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start helper: %v", err)
	}
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	s := &Session{d: d, log: util.NewLogger(0)}
	s.adopt(cmd.Process, false)

	select {
	case err := <-exited:
		if err == nil {
			t.Error("worker exited cleanly, want it killed")
		}
	case <-time.After(5 * time.Second):
		cmd.Process.Kill() //nolint:errcheck
		t.Fatal("worker still running after the loop refused it")
	}
}

func TestSession_BadFirstRecord(t *testing.T) {
	a := startAgent(t, time.Second)
	conn := dialAgent(t, a)

	// a valid record, but not StartVM, padded to a full bridge frame
	rec, _ := (&wire.MainClass{Name: "main"}).AppendTo(nil)
	rec = append(rec, make([]byte, 16)...)
	conn.Write(rec) //nolint:errcheck

	console, _ := readAll(t, conn)
	if console != "" {
		t.Errorf("console = %q", console)
	}
	a.waitClosed(t, 5*time.Second)
	if a.metrics.ErrorCount() != 1 || a.metrics.WorkersSpawned() != 0 {
		t.Errorf("metrics: %s", a.metrics.JSON())
	}
}

func TestSession_SpawnFailureIsReported(t *testing.T) {
	a := startAgent(t, time.Second)
	conn := dialAgent(t, a)

	vm := startVM("hello")
	vm.DebugPort = 40000  // runs the worker under the debugger, which is missing
	wire.Encode(conn, vm) //nolint:errcheck

	console, _ := readAll(t, conn)
	if !strings.Contains(console, "cannot start worker") {
		t.Errorf("console = %q, want a start failure", console)
	}
	a.waitClosed(t, 5*time.Second)
}
