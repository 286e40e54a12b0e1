package core

import (
	"context"
	"os"

	"rvl/config"
	rvlerrors "rvl/internal/errors"
	"rvl/internal/metrics"
	"rvl/internal/reactor"
	"rvl/internal/session"
	"rvl/util"
)

// AgentMode is the long-running agent.  It accepts launchers on one
// listening port and gives each of them a Session, all driven by a
// single reactor loop.
type AgentMode struct {
	Config  *config.AgentConfig
	Logger  *util.Logger
	Metrics *metrics.Collector

	// OnListen, when set, is called with the bound port once the agent
	// accepts connections.
	OnListen func(port int)
}

// Run serves launchers until ctx is cancelled.  Every live session is
// closed on the way out and its worker process killed.
func (m *AgentMode) Run(ctx context.Context) error {
	cfg := m.Config
	log := m.Logger
	if log == nil {
		log = util.NewLogger(0)
	}

	if m.Metrics == nil {
		m.Metrics = metrics.New()
	}

	exe := cfg.Executable
	if exe == "" {
		self, err := os.Executable()
		if err != nil {
			return rvlerrors.Resource("locate rvl executable", err)
		}
		exe = self
	}

	var (
		ids  session.IDAllocator
		live = make(map[*session.Session]struct{})
		d    *reactor.Dispatcher
	)
	opts := session.Options{
		Executable:   exe,
		Debugger:     cfg.Debugger,
		GracePeriod:  cfg.GracePeriod,
		ChunkSize:    cfg.ChunkSize,
		RelayBufSize: cfg.RelayBufSize,
		Logger:       log,
		Metrics:      m.Metrics,
		OnClose:      func(s *session.Session) { delete(live, s) },
	}

	d, err := reactor.New(reactor.Options{
		PollTimeout: cfg.PollTimeout,
		IdleSleep:   cfg.IdleSleep,
		Logger:      log,
		Accept: func(ch *reactor.Channel) {
			s, err := session.New(ids.Next(), d, ch, opts)
			if err != nil {
				return
			}
			live[s] = struct{}{}
		},
	})
	if err != nil {
		return err
	}

	l, err := d.Listen(cfg.ListenAddr, reactor.RoleAcceptor)
	if err != nil {
		return err
	}
	port := l.LocalPort()
	log.Info("Listening on port %d", port)
	log.Verbose("Workers run as %s", exe)
	if m.OnListen != nil {
		m.OnListen(port)
	}

	err = d.Run(ctx)

	if len(live) > 0 {
		log.Verbose("Closing %d live session(s)", len(live))
	}
	for s := range live {
		s.Kill()
	}
	log.Debug("Metrics: %s", m.Metrics.JSON())
	log.Verbose("Served %s", m.Metrics.Summary())
	return err
}
