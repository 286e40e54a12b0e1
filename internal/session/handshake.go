package session

import (
	"os"
	"time"

	rvlerrors "rvl/internal/errors"
	"rvl/internal/wire"
)

// handshake runs on its own goroutine.  It decodes the StartVM record
// fed through the bridge, starts the worker and hands the process to
// the loop and to the output relay.
func (s *Session) handshake() {
	msg, err := wire.NewDecoder(s.bridge).Next()
	if err != nil {
		if rvlerrors.Is(err, rvlerrors.ErrBridgeClosed) || s.gone.Load() {
			s.log.Debug("Handshake abandoned")
			return
		}
		if !rvlerrors.IsProtocol(err) {
			err = rvlerrors.Protocol(string(wire.TagStartVM), err)
		}
		s.d.Post(func() { s.fail(err) })
		return
	}
	vm, ok := msg.(*wire.StartVM)
	if !ok {
		err := rvlerrors.Protocolf(string(msg.Tag()), rvlerrors.ErrMalformed, "expected %s as the first record", wire.TagStartVM)
		s.d.Post(func() { s.fail(err) })
		return
	}

	cmd := BuildCommand(s.opts.Executable, s.opts.Debugger, s.port, vm)
	s.log.Info("Launching command: %s", cmd)
	switch {
	case cmd.ClientDebug >= 2:
		s.sendLine(time.Now().Format("15:04:05.000") + "  Agent: Starting new worker with " + cmd.String())
	case cmd.ClientDebug > 0:
		s.sendLine("Agent: Starting new worker with " + cmd.String())
	}
	if s.gone.Load() {
		return
	}

	r, w, err := os.Pipe()
	if err != nil {
		s.startFailed(rvlerrors.Resource("create output pipe", err))
		return
	}
	proc := cmd.Exec(w)
	if err := proc.Start(); err != nil {
		r.Close() //nolint:errcheck
		w.Close() //nolint:errcheck
		s.startFailed(rvlerrors.Resource("start worker", err))
		return
	}
	w.Close() //nolint:errcheck
	s.log.Verbose("Worker process %d started", proc.Process.Pid)

	s.adopt(proc.Process, vm.StopOnDisconnect)
	go s.relayOutput(r, proc.Wait)
}

// adopt hands a started worker to the loop.  Once the loop has exited
// nothing else can stop the process, so it is killed here.
func (s *Session) adopt(proc *os.Process, stopOnDisconnect bool) {
	if s.d.Post(func() { s.workerStarted(proc, stopOnDisconnect) }) {
		return
	}
	s.log.Verbose("Agent stopped while worker %d was starting, killing it", proc.Pid)
	KillWorker(proc)
}

// startFailed reports a worker that could not be started to the
// launcher, then lets the session close.
func (s *Session) startFailed(err error) {
	s.log.Error("%v", err)
	s.sendLine("Agent: " + err.Error())
	s.d.Post(func() { s.handshakeFailed(err) })
}
