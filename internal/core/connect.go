package core

import (
	"context"

	"rvl/internal/capability"
	"rvl/internal/retry"
	"rvl/internal/transport"
	"rvl/util"
)

// ConnectMode dials an address and runs a capability on the resulting
// connection.  The launcher dials its agent this way and the worker
// dials its session's callback port.
type ConnectMode struct {
	Dialer     transport.Dialer
	Capability capability.Capability
	Address    string
	Backoff    *retry.Backoff // nil makes a single attempt
	Logger     *util.Logger

	// Hint is logged when the address cannot be reached at all.
	Hint string
}

// Run dials the address and hands the connection to the capability.
// The connection is closed when Run returns.
func (m *ConnectMode) Run(ctx context.Context) error {
	defer m.Dialer.Close()
	log := m.Logger
	if log == nil {
		log = util.NewLogger(0)
	}

	log.Verbose("Connecting to %s", m.Address)
	conn, err := transport.Connect(ctx, m.Dialer, m.Address, m.Backoff, log)
	if err != nil {
		if m.Hint != "" && ctx.Err() == nil {
			log.Warn("%s", m.Hint)
		}
		return err
	}
	defer conn.Close()
	log.Debug("Connected to %s from %s", conn.RemoteAddr(), conn.LocalAddr())

	return m.Capability.Handle(ctx, conn)
}
