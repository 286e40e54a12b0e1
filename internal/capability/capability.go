// Package capability defines what happens over an established
// connection.  Each side of an rvl conversation is one Capability: the
// Launch capability drives an agent from the developer's machine, the
// Worker capability answers it from the process the agent started.
// Both operate on a plain net.Conn, which keeps them testable against
// each other without an agent in between.
package capability

import (
	"context"
	"net"
)

// Capability handles a single connection according to a specific
// behaviour.
type Capability interface {
	// Handle runs the capability against the given connection.  It
	// blocks until the conversation is over or the context is
	// cancelled, and closes conn before returning.
	Handle(ctx context.Context, conn net.Conn) error
}
