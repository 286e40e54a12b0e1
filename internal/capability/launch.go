package capability

import (
	"context"
	"io"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	rvlerrors "rvl/internal/errors"
	"rvl/internal/metrics"
	"rvl/internal/wire"
	"rvl/util"
)

// defaultSeparatorWidth is used when stdout is not a terminal.
const defaultSeparatorWidth = 94

// Launch is the developer-side end of a conversation: it asks the agent
// for a worker, describes the local classpath to it, serves the files
// the worker asks for and prints the worker's console output.
type Launch struct {
	Main string
	Args []string

	Classpath        []string // local entries shipped through the cache
	RemoteClasspath  []string // entries already present on the remote host
	ExcludeClasspath []string

	DebugPort        int
	Suspend          bool
	StopOnDisconnect bool
	VMArgs           []string // worker process arguments and KEY=VALUE knobs
	WorkerArgs       []string // forwarded to the worker sub-command

	WorkDir string    // base for relative classpath entries; "" is the cwd
	Stdout  io.Writer // worker console output; nil means os.Stdout
	Logger  *util.Logger
	Metrics *metrics.Collector
}

// Handle implements Capability.
func (l *Launch) Handle(ctx context.Context, conn net.Conn) error {
	defer conn.Close()
	log := l.Logger
	if log == nil {
		log = util.NewLogger(0)
	}
	out := l.Stdout
	if out == nil {
		out = os.Stdout
	}
	workDir := l.WorkDir
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return rvlerrors.Resource("get working directory", err)
		}
		workDir = wd
	}
	addr := conn.RemoteAddr().String()
	m := l.Metrics
	if m == nil {
		m = metrics.New()
	}

	log.Info("Collecting classpath...")
	lc := BuildClasspath(workDir, l.Classpath, l.ExcludeClasspath, log)
	for _, e := range lc.Entries {
		log.Verbose("    %s: %s", e.ID, e.Path)
	}
	log.Info("Collecting resources...")
	manifest, err := BuildManifest(workDir, lc)
	if err != nil {
		return err
	}
	for _, r := range manifest.Resources {
		log.Trace("    %s: (%d, %d) %s", r.PathID, r.ModTime, r.Length, r.Name)
	}

	vm := &wire.StartVM{
		DebugPort:        int32(l.DebugPort),
		Suspend:          l.Suspend,
		StopOnDisconnect: l.StopOnDisconnect,
		VMArgs:           l.VMArgs,
		WorkerArgs:       l.WorkerArgs,
	}
	log.Info("Starting remote worker...")
	log.Debug("  with worker process arguments: %s", util.QuoteArgs(vm.VMArgs))
	log.Debug("  with worker arguments: %s", util.QuoteArgs(vm.WorkerArgs))
	if err := wire.Encode(conn, vm); err != nil {
		if rvlerrors.IsProtocol(err) {
			return err
		}
		return rvlerrors.Wrap("write", addr, err)
	}
	log.Info("Waiting for remote worker to start...")

	c := &conversation{
		launch:   l,
		log:      log,
		metrics:  m,
		out:      out,
		conn:     conn,
		addr:     addr,
		workDir:  workDir,
		lc:       lc,
		manifest: manifest,
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
		requests: make(chan *wire.ResourceRequest, 64),
	}

	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() { conn.Close() })
	defer stop()
	g.Go(func() error { return c.read(gctx) })
	g.Go(func() error { return c.write(gctx) })
	err = g.Wait()

	log.Info("%s", separator(out))
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if err != nil {
		return err
	}
	if !c.started() {
		return rvlerrors.ErrNoWorker
	}
	s := c.metrics.Snapshot()
	log.Info("Finished. Served %s resources (%s).", humanize.Comma(s.ResourcesServed), humanize.Bytes(uint64(s.ResourceBytes)))
	return nil
}

// conversation is the state shared by the reading and writing halves.
type conversation struct {
	launch   *Launch
	log      *util.Logger
	metrics  *metrics.Collector
	out      io.Writer
	conn     net.Conn
	addr     string
	workDir  string
	lc       *wire.LocalClasspath
	manifest *wire.CacheManifest

	readyOnce sync.Once
	ready     chan struct{} // closed on RD
	done      chan struct{} // closed when the agent ends the stream
	requests  chan *wire.ResourceRequest
}

func (c *conversation) started() bool {
	select {
	case <-c.ready:
		return true
	default:
		return false
	}
}

// ── Agent → launcher ─────────────────────────────────────────────────

func (c *conversation) read(ctx context.Context) error {
	defer close(c.done)
	defer close(c.requests)

	dec := wire.NewDecoder(c.conn)
	for {
		msg, err := dec.Next()
		if err != nil {
			if ctx.Err() != nil || rvlerrors.Is(err, io.EOF) || util.IsHarmless(err) {
				return nil
			}
			return err
		}
		switch m := msg.(type) {
		case *wire.Stream:
			if _, err := c.out.Write(m.Data); err != nil {
				return rvlerrors.Resource("write output", err)
			}
		case wire.Ready:
			c.readyOnce.Do(func() {
				c.log.Info("Remote worker started.")
				close(c.ready)
			})
		case *wire.ResourceRequest:
			select {
			case c.requests <- m:
			case <-ctx.Done():
				return nil
			}
		default:
			return rvlerrors.Protocolf(string(msg.Tag()), rvlerrors.ErrUnknownTag, "unexpected record from the worker at offset %d", dec.Offset())
		}
	}
}

// ── Launcher → worker ────────────────────────────────────────────────

func (c *conversation) write(ctx context.Context) error {
	select {
	case <-c.ready:
	case <-c.done:
		return nil
	case <-ctx.Done():
		return nil
	}

	if err := c.negotiate(); err != nil {
		return err
	}
	c.log.Info("Output from the worker:")
	c.log.Info("%s", separator(c.out))

	for req := range c.requests {
		if err := c.serve(req); err != nil {
			return err
		}
	}
	return nil
}

// negotiate sends everything the worker needs, in the order it expects
// it, with a single write.
func (c *conversation) negotiate() error {
	l := c.launch
	steps := []struct {
		what string
		msg  wire.Message
	}{
		{"remote classpath", &wire.RemoteClasspath{Entries: l.RemoteClasspath}},
		{"classpath", c.lc},
		{"resource details", c.manifest},
		{"arguments", &wire.Arguments{Args: l.Args}},
		{"entry program \"" + l.Main + "\"", &wire.MainClass{Name: l.Main}},
		{"signal for the worker to start", wire.Start{}},
	}
	var (
		buf []byte
		err error
	)
	for _, s := range steps {
		c.log.Verbose("Sending %s...", s.what)
		if buf, err = s.msg.AppendTo(buf); err != nil {
			return rvlerrors.Protocol(string(s.msg.Tag()), err)
		}
	}
	if _, err := c.conn.Write(buf); err != nil {
		return rvlerrors.Wrap("write", c.addr, err)
	}
	return nil
}

// serve answers one resource request with the file's contents, or with
// the missing marker when there is no such regular file.
func (c *conversation) serve(req *wire.ResourceRequest) error {
	p, ok := resolveResource(c.workDir, c.lc, req.PathID, req.Name)
	var (
		f  *os.File
		fi os.FileInfo
	)
	if ok {
		var err error
		if f, err = os.Open(p); err == nil {
			defer f.Close()
			if fi, err = f.Stat(); err != nil || !fi.Mode().IsRegular() {
				f = nil
			}
		}
	}
	if f == nil {
		c.log.Verbose("Resource %s:%s not found", req.PathID, req.Name)
		if err := wire.WriteResource(c.conn, nil, 0); err != nil {
			return rvlerrors.Wrap("write", c.addr, err)
		}
		return nil
	}

	if err := wire.WriteResource(c.conn, f, fi.Size()); err != nil {
		return rvlerrors.Wrap("write", c.addr, err)
	}
	c.metrics.ResourceServed(fi.Size())
	c.log.Debug("Served %s (%s)", p, humanize.Bytes(uint64(fi.Size())))
	return nil
}

// separator is a dashed line as wide as the terminal stdout is on.
func separator(out io.Writer) string {
	width := defaultSeparatorWidth
	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		if w, _, err := term.GetSize(int(f.Fd())); err == nil && w > 0 {
			width = w
		}
	}
	return strings.Repeat("-", width)
}
