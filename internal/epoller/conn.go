//go:build linux

package epoller

import (
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/feichai0017/reactorhttpd/internal/recvbuf"
)

// Conn is an accepted non-blocking socket driven by a Reactor.
// At most one ReadUntil or WriteV may be outstanding at a time.
type Conn struct {
	fd      int
	peer    string
	reactor *Reactor

	mu     sync.Mutex // guards closed against Interrupt from other goroutines
	closed bool
}

func newConn(r *Reactor, fd int, peer string) *Conn {
	return &Conn{fd: fd, peer: peer, reactor: r}
}

func (c *Conn) RemoteAddr() string { return c.peer }

// ReadUntil reads into buf until split finds a complete token, then calls done
// with its length. done gets recvbuf.ErrNoDelimiter when buf fills first, io.EOF
// when the peer closed, or the socket error.
func (c *Conn) ReadUntil(buf *recvbuf.Buffer, split recvbuf.SplitFunc, done func(n int, err error)) {
	n, err := c.fill(buf, split)
	if n >= 0 || err != nil {
		c.reactor.complete(func() { done(n, err) })
		return
	}
	if err := c.reactor.arm(c.fd, unix.EPOLLIN|unix.EPOLLRDHUP, func() { c.onReadable(buf, split, done) }); err != nil {
		c.reactor.complete(func() { done(-1, err) })
	}
}

func (c *Conn) onReadable(buf *recvbuf.Buffer, split recvbuf.SplitFunc, done func(int, error)) {
	n, err := c.fill(buf, split)
	if n >= 0 || err != nil {
		done(n, err)
		return
	}
	if err := c.reactor.arm(c.fd, unix.EPOLLIN|unix.EPOLLRDHUP, func() { c.onReadable(buf, split, done) }); err != nil {
		done(-1, err)
	}
}

// fill reads until split succeeds, the buffer is full, or the socket would block.
// (-1, nil) means would block.
func (c *Conn) fill(buf *recvbuf.Buffer, split recvbuf.SplitFunc) (int, error) {
	for {
		if n, err := buf.Scan(split); n >= 0 || err != nil {
			return n, err
		}
		m, err := unix.Read(c.fd, buf.Space())
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return -1, nil
		case err != nil:
			return -1, os.NewSyscallError("read", err)
		case m == 0:
			return -1, io.EOF
		}
		buf.Commit(m)
	}
}

// WriteV writes every byte of bufs with as few writev calls as the socket allows,
// then calls done with the total written.
func (c *Conn) WriteV(bufs [][]byte, done func(n int, err error)) {
	op := &writeOp{}
	for _, b := range bufs {
		if len(b) > 0 {
			op.bufs = append(op.bufs, b)
		}
	}

	finished, err := c.flush(op)
	if finished || err != nil {
		c.reactor.complete(func() { done(op.n, err) })
		return
	}
	if err := c.reactor.arm(c.fd, unix.EPOLLOUT, func() { c.onWritable(op, done) }); err != nil {
		c.reactor.complete(func() { done(op.n, err) })
	}
}

func (c *Conn) onWritable(op *writeOp, done func(int, error)) {
	finished, err := c.flush(op)
	if finished || err != nil {
		done(op.n, err)
		return
	}
	if err := c.reactor.arm(c.fd, unix.EPOLLOUT, func() { c.onWritable(op, done) }); err != nil {
		done(op.n, err)
	}
}

type writeOp struct {
	bufs [][]byte
	n    int
}

// advance drops n written bytes from the front of bufs.
func (op *writeOp) advance(n int) {
	op.n += n
	for n > 0 && len(op.bufs) > 0 {
		if n < len(op.bufs[0]) {
			op.bufs[0] = op.bufs[0][n:]
			return
		}
		n -= len(op.bufs[0])
		op.bufs = op.bufs[1:]
	}
}

func (c *Conn) flush(op *writeOp) (bool, error) {
	for len(op.bufs) > 0 {
		n, err := unix.Writev(c.fd, op.bufs)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return false, nil
		case err != nil:
			return false, os.NewSyscallError("writev", err)
		}
		op.advance(n)
	}
	return true, nil
}

func (c *Conn) ShutdownRead() error { return c.shutdown(unix.SHUT_RD) }

func (c *Conn) ShutdownBoth() error { return c.shutdown(unix.SHUT_RDWR) }

func (c *Conn) shutdown(how int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return os.ErrClosed
	}
	if err := unix.Shutdown(c.fd, how); err != nil {
		return os.NewSyscallError("shutdown", err)
	}
	return nil
}

// Interrupt shuts the socket down in both directions so an outstanding read or
// write completes with an error. It may be called from any goroutine, and is a
// no-op once the connection is closed.
func (c *Conn) Interrupt() {
	_ = c.ShutdownBoth()
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return os.ErrClosed
	}
	c.closed = true
	return c.reactor.release(c.fd)
}
