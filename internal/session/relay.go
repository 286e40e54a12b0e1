package session

import (
	"rvl/internal/reactor"
	"rvl/util"
)

// ── Launcher → worker ────────────────────────────────────────────────

func (s *Session) readClient() {
	n, err := s.clientToWorker.Fill(s.client)
	if err != nil {
		s.clientFailed("read", err)
		return
	}
	if n == 0 {
		return
	}
	s.clog.Dump("from launcher", s.clientToWorker.Unread())

	if !s.bridge.Complete() {
		taken := s.bridge.Feed(s.clientToWorker.Unread())
		s.clientToWorker.Advance(taken)
		if s.clientToWorker.Empty() {
			return
		}
	}
	if s.workerClosed {
		s.clog.Debug("Dropping %d bytes, worker has gone", s.clientToWorker.Pending())
		s.clientToWorker.Reset()
		return
	}

	s.metrics.ClientToWorker(s.clientToWorker.Pending())
	s.clog.Trace("Launcher sent %d bytes to worker", s.clientToWorker.Pending())
	// one buffer in flight: stop reading until the worker has it all
	s.client.Disable(reactor.Readable)
	if s.worker != nil {
		s.worker.Enable(reactor.Writable)
	}
}

func (s *Session) writeWorker() {
	if s.clientToWorker.Empty() {
		s.worker.Disable(reactor.Writable)
		s.resumeClient()
		return
	}
	if _, err := s.clientToWorker.Drain(s.worker); err != nil {
		s.workerFailed("write", err)
		return
	}
	if s.clientToWorker.Empty() {
		s.worker.Disable(reactor.Writable)
		s.resumeClient()
	}
}

// resumeClient reads from the launcher again unless it has reached EOF.
func (s *Session) resumeClient() {
	if !s.client.Closed() && !s.gone.Load() {
		s.client.Enable(reactor.Readable)
	}
}

// ── Worker callback ──────────────────────────────────────────────────

func (s *Session) acceptWorker(l *reactor.Channel) {
	for !l.Closed() {
		conn, err := l.Accept()
		if err != nil {
			s.wlog.Warn("Accepting worker: %v", err)
			return
		}
		if conn == nil {
			return
		}
		if s.worker != nil || !s.started {
			conn.Close() //nolint:errcheck
			continue
		}

		conn.SetRole(reactor.RoleWorker)
		conn.Attach(s)
		conn.SetInterest(reactor.Readable | reactor.HangUp)
		s.worker = conn
		s.wlog.Verbose("Worker connected back from %s", conn.RemoteAddr())

		if !s.clientToWorker.Empty() {
			conn.Enable(reactor.Writable)
		} else {
			s.resumeClient()
		}
		// only one worker per session
		l.Close() //nolint:errcheck
	}
}

// ── Worker → launcher ────────────────────────────────────────────────

func (s *Session) readWorker() {
	n, err := s.workerToClient.Fill(s.worker)
	if err != nil {
		s.workerFailed("read", err)
		return
	}
	if n == 0 {
		return
	}
	s.metrics.WorkerToClient(n)
	s.wlog.Trace("Worker sent %d bytes to launcher", n)
	s.worker.Disable(reactor.Readable)
	s.client.Enable(reactor.Writable)
}

// writeClient picks what to send next and writes it.  A console record
// is only chosen while the relayed stream sits on a record boundary, so
// it can never land inside a worker record.
func (s *Session) writeClient() {
	if s.current == nil {
		switch {
		case s.oob.pending() && s.scanner.Idle():
			s.current = &s.oob.buf
		case !s.workerToClient.Empty():
			s.current = s.workerToClient
		default:
			s.client.Disable(reactor.Writable)
			s.maybeFinish()
			return
		}
		s.clog.Dump("to launcher", s.current.Unread())
	}

	written, err := s.current.Drain(s.client)
	if s.current == s.workerToClient && len(written) > 0 {
		if scanErr := s.scanner.Scan(written); scanErr != nil {
			s.fail(scanErr)
			return
		}
	}
	if err != nil {
		s.clientFailed("write", err)
		return
	}
	if !s.current.Empty() {
		return
	}

	if s.current == s.workerToClient {
		if s.worker != nil && !s.workerClosed {
			s.worker.Enable(reactor.Readable)
		}
	} else {
		s.oob.release()
	}
	s.current = nil
	if s.closeAfterWrite {
		s.Close()
	}
}

// hasClientOutput reports whether anything is still queued for the
// launcher.
func (s *Session) hasClientOutput() bool {
	return s.current != nil || !s.workerToClient.Empty() || s.oob.pending()
}

// ── Transport errors ─────────────────────────────────────────────────

func (s *Session) clientFailed(op string, err error) {
	if util.IsHarmless(err) {
		s.clog.Verbose("Launcher closed the connection")
	} else {
		s.clog.Warn("Launcher %s: %v", op, err)
	}
	if op == "read" {
		s.clientGone()
		return
	}
	s.Close()
}

func (s *Session) workerFailed(op string, err error) {
	if util.IsHarmless(err) {
		s.wlog.Verbose("Worker closed the connection")
	} else {
		s.wlog.Warn("Worker %s: %v", op, err)
	}
	s.closeWorker()
}
