package reactor

import "golang.org/x/sys/unix"

// pollHangUp reports a peer half-close without waiting for buffered
// data to be read.
const pollHangUp = unix.POLLRDHUP
