package reactor

import (
	"fmt"
	"io"
	"net"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// ── Roles and interest ───────────────────────────────────────────────

// Role tells the Dispatcher which Handler method receives a channel's
// events.
type Role uint8

const (
	RoleAcceptor       Role = iota // the agent's own listening socket
	RoleClient                     // a launcher connection
	RoleWorkerListener             // per-session callback listener
	RoleWorker                     // the worker's callback connection
)

var roleNames = [...]string{"acceptor", "client", "worker-listener", "worker"}

func (r Role) String() string {
	if int(r) < len(roleNames) {
		return roleNames[r]
	}
	return "role(" + strconv.Itoa(int(r)) + ")"
}

// Interest is a set of readiness conditions.
type Interest uint8

const (
	Readable Interest = 1 << iota
	Writable
	Acceptable
	// HangUp fires when the peer has shut down its sending side, even
	// while Readable is off because unread bytes are still buffered.
	HangUp
)

func (i Interest) String() string {
	if i == 0 {
		return "-"
	}
	s := ""
	if i&Readable != 0 {
		s += "r"
	}
	if i&Writable != 0 {
		s += "w"
	}
	if i&Acceptable != 0 {
		s += "a"
	}
	if i&HangUp != 0 {
		s += "h"
	}
	return s
}

// ── Channel ──────────────────────────────────────────────────────────

// Channel is a non-blocking socket registered with a Dispatcher.  Its
// interest set and its I/O methods must only be used on the loop
// goroutine; other goroutines go through [Dispatcher.Post].
type Channel struct {
	fd       int
	role     Role
	interest Interest
	handler  Handler
	remote   string
	closed   bool
	d        *Dispatcher
}

// Role returns the channel's role.
func (c *Channel) Role() Role { return c.role }

// Interest returns the current interest set.
func (c *Channel) Interest() Interest { return c.interest }

// Closed reports whether Close has been called.
func (c *Channel) Closed() bool { return c.closed }

// RemoteAddr is the peer address of an accepted connection, or "" for
// listeners.
func (c *Channel) RemoteAddr() string { return c.remote }

// Attach sets the handler that receives this channel's events.
func (c *Channel) Attach(h Handler) { c.handler = h }

// SetRole changes the role used for dispatch.
func (c *Channel) SetRole(r Role) { c.role = r }

// SetInterest replaces the interest set.  Channels with no interest are
// not polled.
func (c *Channel) SetInterest(i Interest) { c.interest = i }

// Enable adds i to the interest set.
func (c *Channel) Enable(i Interest) { c.interest |= i }

// Disable removes i from the interest set.
func (c *Channel) Disable(i Interest) { c.interest &^= i }

// Read reads what is available without blocking.  It returns (0, nil)
// when nothing is available and io.EOF once the peer has closed.
func (c *Channel) Read(p []byte) (int, error) {
	if c.closed {
		return 0, os.ErrClosed
	}
	for {
		n, err := unix.Read(c.fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, nil
		case err != nil:
			return 0, os.NewSyscallError("read", err)
		case n == 0 && len(p) > 0:
			return 0, io.EOF
		}
		return n, nil
	}
}

// Write writes what the socket accepts without blocking.  A short count
// with a nil error means the kernel buffer is full.
func (c *Channel) Write(p []byte) (int, error) {
	if c.closed {
		return 0, os.ErrClosed
	}
	for {
		n, err := unix.Write(c.fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, nil
		case err != nil:
			return 0, os.NewSyscallError("write", err)
		}
		return n, nil
	}
}

// Accept takes one pending connection from a listening channel.  It
// returns (nil, nil) when none is pending.  The new channel is
// registered with no interest and no handler.
func (c *Channel) Accept() (*Channel, error) {
	if c.closed {
		return nil, os.ErrClosed
	}
	for {
		nfd, sa, err := unix.Accept(c.fd)
		switch {
		case err == unix.EINTR || err == unix.ECONNABORTED:
			continue
		case err == unix.EAGAIN:
			return nil, nil
		case err != nil:
			return nil, os.NewSyscallError("accept", err)
		}
		if err := prepare(nfd); err != nil {
			unix.Close(nfd) //nolint:errcheck
			return nil, err
		}
		unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1) //nolint:errcheck
		ch := &Channel{fd: nfd, role: RoleClient, remote: sockaddrString(sa), d: c.d}
		c.d.register(ch)
		return ch, nil
	}
}

// LocalPort returns the bound port of the socket.
func (c *Channel) LocalPort() int {
	sa, err := unix.Getsockname(c.fd)
	if err != nil {
		return 0
	}
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return a.Port
	case *unix.SockaddrInet6:
		return a.Port
	}
	return 0
}

// Close deregisters the channel and closes its socket.  It is safe to
// call more than once.
func (c *Channel) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.interest = 0
	if c.d != nil {
		c.d.deregister(c)
	}
	return unix.Close(c.fd)
}

func (c *Channel) String() string {
	if c.remote != "" {
		return fmt.Sprintf("%s(fd=%d %s)", c.role, c.fd, c.remote)
	}
	return fmt.Sprintf("%s(fd=%d)", c.role, c.fd)
}

// ── Sockets ──────────────────────────────────────────────────────────

func prepare(fd int) error {
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		return os.NewSyscallError("setnonblock", err)
	}
	return nil
}

// listenSocket opens a non-blocking TCP listener on addr ("host:port").
func listenSocket(addr string) (int, error) {
	tcp, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return -1, err
	}

	var (
		family int
		sa     unix.Sockaddr
	)
	if ip4 := tcp.IP.To4(); ip4 != nil || tcp.IP == nil {
		a := &unix.SockaddrInet4{Port: tcp.Port}
		copy(a.Addr[:], ip4)
		family, sa = unix.AF_INET, a
	} else {
		a := &unix.SockaddrInet6{Port: tcp.Port}
		copy(a.Addr[:], tcp.IP.To16())
		family, sa = unix.AF_INET6, a
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, os.NewSyscallError("socket", err)
	}
	if err := prepare(fd); err != nil {
		unix.Close(fd) //nolint:errcheck
		return -1, err
	}
	unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1) //nolint:errcheck
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd) //nolint:errcheck
		return -1, os.NewSyscallError("bind", err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd) //nolint:errcheck
		return -1, os.NewSyscallError("listen", err)
	}
	return fd, nil
}

func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	}
	return ""
}
