package session

import (
	"time"

	"rvl/internal/reactor"
)

// clientGone handles end of stream from the launcher.  A record that
// is half written is finished first.
func (s *Session) clientGone() {
	s.gone.Store(true)
	if s.current != nil {
		s.clog.Debug("Launcher closed during a write, closing after it")
		s.closeAfterWrite = true
		s.client.Disable(reactor.Readable)
		return
	}
	s.Close()
}

// closeWorker handles the worker's side going away.  Bytes already
// queued for the launcher keep draining for the grace period.
func (s *Session) closeWorker() {
	if s.workerClosed {
		return
	}
	s.workerClosed = true
	s.startGrace()
	if s.worker != nil {
		s.worker.Close() //nolint:errcheck
	}
	s.listener.Close() //nolint:errcheck
	s.clientToWorker.Reset()
	s.wlog.Verbose("Worker side closed, launcher side closes within %s", s.opts.GracePeriod)
	s.maybeFinish()
}

// workerHungUp handles the worker shutting down its side while its last
// bytes are still unread, typically because the launcher has stopped
// reading.  The grace period starts now; the bytes are still relayed
// until it runs out.
func (s *Session) workerHungUp() {
	s.worker.Disable(reactor.HangUp)
	s.startGrace()
	s.wlog.Verbose("Worker hung up with output unread, launcher side closes within %s", s.opts.GracePeriod)
}

// outputDone runs once the worker's console output has ended and the
// process has been reaped.
func (s *Session) outputDone() {
	s.outputEnded = true
	s.proc = nil
	s.startGrace()
	s.stop()
}

// stop schedules the close for when nothing is left for the launcher
// and the worker connection, if any, has ended.
func (s *Session) stop() {
	if s.closed {
		return
	}
	s.closeScheduled = true
	s.maybeFinish()
}

func (s *Session) maybeFinish() {
	if !s.closeScheduled || s.closed {
		return
	}
	if s.hasClientOutput() {
		s.client.Enable(reactor.Writable)
		return
	}
	if s.worker != nil && !s.workerClosed {
		return
	}
	s.Close()
}

func (s *Session) startGrace() {
	s.deadline.CompareAndSwap(0, time.Now().Add(s.opts.GracePeriod).UnixNano())
}

// Close tears the session down: every channel is closed, both
// goroutines are released and, unless the launcher asked otherwise,
// the worker process is killed.  It must run on the loop goroutine, or
// after the loop has exited.
func (s *Session) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.gone.Store(true)
	s.workerClosed = true

	s.client.Close() //nolint:errcheck
	if s.listener != nil {
		s.listener.Close() //nolint:errcheck
	}
	if s.worker != nil {
		s.worker.Close() //nolint:errcheck
	}
	s.bridge.Close()
	s.oob.close()
	s.d.RemoveTicker(s)

	if s.proc != nil && s.stopOnDisconnect {
		s.log.Verbose("Stopping worker process %d", s.proc.Pid)
		KillWorker(s.proc)
	}

	s.metrics.SessionClosed()
	s.log.Info("Session closed")
	if s.opts.OnClose != nil {
		s.opts.OnClose(s)
	}
}

// Kill closes the session and kills its worker process even when the
// launcher asked to keep it.  The agent uses it on shutdown.
func (s *Session) Kill() {
	s.stopOnDisconnect = true
	s.Close()
}
