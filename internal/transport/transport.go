// Package transport opens the outbound connections rvl makes: the
// launcher dialing an agent and a worker dialing its session's callback
// port.  What travels over the connection is the capability layer's job.
package transport

import (
	"context"
	"net"
	"time"

	rvlerrors "rvl/internal/errors"
	"rvl/internal/retry"
	"rvl/util"
)

// Dialer opens outbound network connections.
type Dialer interface {
	// Dial establishes a connection to the given network address.
	Dial(ctx context.Context, network, address string) (net.Conn, error)

	// Close releases any long-lived resources held by the dialer.
	// Stateless dialers return nil.
	Close() error
}

// Connect dials address over TCP, retrying with b while the failure
// looks transient (nothing listening yet, temporary DNS trouble).  A nil
// b makes one attempt.  Errors are returned as *errors.NetworkError.
func Connect(ctx context.Context, d Dialer, address string, b *retry.Backoff, log *util.Logger) (net.Conn, error) {
	if b == nil {
		b = retry.ConnectBackoff(1)
	}
	policy := *b
	policy.Retryable = rvlerrors.IsRetryable
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		if log != nil {
			log.Verbose("Connecting to %s failed (attempt %d): %v; retrying in %s",
				address, attempt, err, wait.Round(time.Millisecond))
		}
	}

	var conn net.Conn
	err := policy.Do(ctx, func(int) error {
		c, err := d.Dial(ctx, "tcp", address)
		if err != nil {
			return rvlerrors.Wrap("dial", address, err)
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}
