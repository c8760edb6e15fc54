//go:build linux

package epoller

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"
)

// Listener is a non-blocking listening socket registered with a Reactor.
type Listener struct {
	fd      int
	addr    string
	reactor *Reactor
	once    sync.Once
	err     error
}

// Listen binds addr ("host:port", empty host means every interface) and registers
// the socket with r. Accepts are armed separately through Reactor.Accept.
func Listen(r *Reactor, addr string, backlog int) (*Listener, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", addr, err)
	}

	family, sa := sockaddr(tcpAddr)
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, os.NewSyscallError("socket", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, os.NewSyscallError("setsockopt", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, os.NewSyscallError("bind", err)
	}
	if backlog <= 0 {
		backlog = unix.SOMAXCONN
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, os.NewSyscallError("listen", err)
	}

	bound, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return nil, os.NewSyscallError("getsockname", err)
	}
	if err := r.register(fd); err != nil {
		unix.Close(fd)
		return nil, err
	}

	return &Listener{fd: fd, addr: formatSockaddr(bound), reactor: r}, nil
}

func (ln *Listener) Addr() string { return ln.addr }

// Close unregisters and closes the socket. Safe to call more than once.
func (ln *Listener) Close() error {
	ln.once.Do(func() {
		ln.err = ln.reactor.release(ln.fd)
	})
	return ln.err
}

// accept takes one pending connection. It returns the raw errno for EAGAIN so the
// caller can re-arm.
func (ln *Listener) accept(r *Reactor) (*Conn, error) {
	for {
		nfd, sa, err := unix.Accept4(ln.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch err {
		case nil:
		case unix.EINTR:
			continue
		case unix.EAGAIN, unix.ECONNABORTED:
			return nil, err
		default:
			return nil, os.NewSyscallError("accept4", err)
		}

		_ = unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		if err := r.register(nfd); err != nil {
			unix.Close(nfd)
			return nil, err
		}
		return newConn(r, nfd, formatSockaddr(sa)), nil
	}
}

func sockaddr(addr *net.TCPAddr) (int, unix.Sockaddr) {
	if ip4 := addr.IP.To4(); ip4 != nil || addr.IP == nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		return unix.AF_INET, sa
	}
	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], addr.IP.To16())
	return unix.AF_INET6, sa
}

func formatSockaddr(sa unix.Sockaddr) string {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(sa.Addr[:]).String(), strconv.Itoa(sa.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(sa.Addr[:]).String(), strconv.Itoa(sa.Port))
	}
	return ""
}
