// Package core is the orchestration layer.  It composes transports,
// capabilities and sessions into the three things rvl runs as, and
// provides builders that turn a configuration into a ready Mode.
//
// Architecture layers (bottom → top):
//
//	transport  →  capability  →  session  →  core  →  cmd (CLI)
//
// The agent mode owns the reactor loop and one Session per launcher.
// The launch and worker modes are both a ConnectMode: dial, then hand
// the connection to a capability.
package core

import "context"

// Mode represents a complete operational mode of rvl (agent, launch or
// worker).  Each mode owns its full lifecycle from connection
// establishment to teardown.
type Mode interface {
	Run(ctx context.Context) error
}
