package capability

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"rvl/config"
	"rvl/internal/cache"
	rvlerrors "rvl/internal/errors"
	"rvl/internal/wire"
	"rvl/util"
)

// Worker is the remote end of a conversation.  Once connected back to
// its session it announces itself, collects the launcher's description
// of the program, brings the cache up to date and runs the program.
type Worker struct {
	CacheRoot string
	Logger    *util.Logger

	// Stdout and Stderr receive the entry program's output; nil means
	// the worker's own, which the agent relays to the launcher.
	Stdout io.Writer
	Stderr io.Writer
}

// Setup is what the launcher sends before ST.
type Setup struct {
	RemoteClasspath []string
	LocalClasspath  *wire.LocalClasspath
	Manifest        *wire.CacheManifest
	Args            []string
	Main            string
}

// response carries one R! to the fetch waiting for it.  The reader
// blocks until done is closed, since the body streams off the socket.
type response struct {
	msg  *wire.Resource
	done chan struct{}
}

// Handle implements Capability.  A program that exits non-zero is
// reported as *ExitError.
func (w *Worker) Handle(ctx context.Context, conn net.Conn) error {
	defer conn.Close()
	log := w.Logger
	if log == nil {
		log = util.NewLogger(0)
	}
	addr := conn.RemoteAddr().String()

	if err := wire.Encode(conn, wire.Ready{}); err != nil {
		return rvlerrors.Wrap("write", addr, err)
	}

	var (
		finished  atomic.Bool
		setup     = make(chan *Setup, 1)
		responses = make(chan response)
	)
	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() { conn.Close() })
	defer stop()

	g.Go(func() error {
		defer close(responses)
		err := w.read(gctx, conn, setup, responses)
		if finished.Load() || gctx.Err() != nil {
			return nil
		}
		return err
	})
	g.Go(func() error {
		var s *Setup
		select {
		case s = <-setup:
		case <-gctx.Done():
			return nil
		}
		if s == nil {
			return fmt.Errorf("launcher closed the connection before %s: %w", wire.TagStart, rvlerrors.ErrSessionClosed)
		}
		fetch := &fetcher{conn: conn, addr: addr, responses: responses}
		err := w.run(gctx, s, fetch, log)
		finished.Store(true)
		conn.Close() //nolint:errcheck
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// read decodes the launcher's records.  Everything up to ST is gathered
// into a Setup; after that only R! answers are expected.
func (w *Worker) read(ctx context.Context, conn net.Conn, setup chan<- *Setup, responses chan<- response) error {
	dec := wire.NewDecoder(conn)
	s := &Setup{}
	started := false
	defer func() {
		if !started {
			close(setup)
		}
	}()

	for {
		msg, err := dec.Next()
		if err != nil {
			if rvlerrors.Is(err, io.EOF) || util.IsHarmless(err) {
				return nil
			}
			return err
		}
		if !started {
			switch m := msg.(type) {
			case *wire.RemoteClasspath:
				s.RemoteClasspath = m.Entries
			case *wire.LocalClasspath:
				s.LocalClasspath = m
			case *wire.CacheManifest:
				s.Manifest = m
			case *wire.Arguments:
				s.Args = m.Args
			case *wire.MainClass:
				s.Main = m.Name
			case *wire.CacheQuery:
				// part of the record set, nothing to answer with
			case wire.Start:
				started = true
				setup <- s
			default:
				return rvlerrors.Protocolf(string(msg.Tag()), rvlerrors.ErrUnknownTag, "unexpected record before %s", wire.TagStart)
			}
			continue
		}

		res, ok := msg.(*wire.Resource)
		if !ok {
			return rvlerrors.Protocolf(string(msg.Tag()), rvlerrors.ErrUnknownTag, "unexpected record after %s", wire.TagStart)
		}
		r := response{msg: res, done: make(chan struct{})}
		select {
		case responses <- r:
		case <-ctx.Done():
			return ctx.Err()
		}
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// run is everything that happens after ST.
func (w *Worker) run(ctx context.Context, s *Setup, f cache.Fetcher, log *util.Logger) error {
	log.Verbose("Ready to start the entry program")
	log.Verbose("Remote classpath: %v", s.RemoteClasspath)
	log.Verbose("Arguments: %s", util.QuoteArgs(s.Args))
	log.Verbose("Entry program: %s", s.Main)

	root := w.CacheRoot
	if root == "" {
		root = config.DefaultCacheRoot
	}
	c, err := cache.Open(root, s.Main, log)
	if err != nil {
		return err
	}
	st, err := c.Sync(ctx, s.LocalClasspath, s.Manifest, f)
	if err != nil {
		return err
	}
	log.Info("%s", st)

	program, err := c.Resolve(s.Main, s.RemoteClasspath)
	if err != nil {
		return err
	}
	log.Info("Starting %s:", program)
	e := &Exec{Program: program, Args: s.Args, Stdout: w.Stdout, Stderr: w.Stderr}
	return e.Run(ctx)
}

// ── Resource fetching ────────────────────────────────────────────────

// fetcher asks the launcher for one resource at a time and copies the
// answer's body as the reader goroutine decodes it.
type fetcher struct {
	conn      net.Conn
	addr      string
	responses <-chan response
}

// Fetch implements cache.Fetcher.
func (f *fetcher) Fetch(ctx context.Context, pathID, name string, w io.Writer) (bool, error) {
	if err := wire.Encode(f.conn, &wire.ResourceRequest{PathID: pathID, Name: name}); err != nil {
		return false, rvlerrors.Wrap("write", f.addr, err)
	}
	var r response
	select {
	case got, ok := <-f.responses:
		if !ok {
			return false, fmt.Errorf("waiting for %s %s: %w", wire.TagResource, name, rvlerrors.ErrSessionClosed)
		}
		r = got
	case <-ctx.Done():
		return false, ctx.Err()
	}
	defer close(r.done)

	if r.msg.Missing() {
		return false, nil
	}
	if err := util.CopyExact(w, r.msg.Body, int64(r.msg.Size)); err != nil {
		return false, rvlerrors.Resource("download "+name, err)
	}
	return true, nil
}
