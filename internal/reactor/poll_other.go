//go:build !linux

package reactor

// Without POLLRDHUP only a full hang-up or an error raises HangUp.
const pollHangUp = 0
