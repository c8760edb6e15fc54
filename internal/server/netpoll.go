//go:build linux

package server

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/gopkg/util/gopool"
	"github.com/cloudwego/netpoll"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/feichai0017/reactorhttpd/internal/recvbuf"
)

const shutdownRetry = 10 * time.Millisecond

var errNoFd = errors.New("connection has no file descriptor")

type streamKey struct{}

// netpollEngine drives the same handlers over cloudwego/netpoll. netpoll owns
// accepting and reading; each connection's bytes are handed to a netpollStream.
type netpollEngine struct {
	srv     *Server
	ln      netpoll.Listener
	loop    netpoll.EventLoop
	served  chan struct{}
	stopped atomic.Bool
	log     *zap.Logger
}

func startNetpoll(s *Server, addr string, poolSize int) (*netpollEngine, error) {
	e := &netpollEngine{
		srv:    s,
		served: make(chan struct{}),
		log:    s.log.Named("netpoll"),
	}
	if err := netpoll.SetNumLoops(poolSize); err != nil {
		return nil, err
	}

	ln, err := netpoll.CreateListener("tcp", addr)
	if err != nil {
		return nil, err
	}
	loop, err := netpoll.NewEventLoop(
		e.onRequest,
		netpoll.WithOnConnect(e.onConnect),
		netpoll.WithOnDisconnect(e.onDisconnect),
	)
	if err != nil {
		_ = ln.Close()
		return nil, err
	}
	e.ln, e.loop = ln, loop

	go func() {
		defer close(e.served)
		if err := loop.Serve(ln); err != nil {
			e.log.Debug("serve returned", zap.Error(err))
		}
	}()
	return e, nil
}

func (e *netpollEngine) Addr() string { return e.ln.Addr().String() }

// StopAccepting turns new connections away at connect time. netpoll keeps the
// listener until Shutdown.
func (e *netpollEngine) StopAccepting() { e.stopped.Store(true) }

func (e *netpollEngine) Shutdown(ctx context.Context) error {
	for {
		// Shutdown is a no-op until Serve has installed its server, so retry until
		// Serve has actually returned.
		err := e.loop.Shutdown(ctx)
		select {
		case <-e.served:
			return err
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(shutdownRetry):
		}
	}
}

func (e *netpollEngine) Close() {}

func (e *netpollEngine) onConnect(ctx context.Context, conn netpoll.Connection) context.Context {
	peer := conn.RemoteAddr().String()
	if e.stopped.Load() || !e.srv.admit(peer) {
		if err := conn.Close(); err != nil {
			e.log.Debug("close rejected conn", zap.Error(err))
		}
		return ctx
	}

	stream := newNetpollStream(conn, peer)
	e.srv.serve(stream)
	return context.WithValue(ctx, streamKey{}, stream)
}

func (e *netpollEngine) onRequest(ctx context.Context, conn netpoll.Connection) error {
	reader := conn.Reader()
	defer reader.Release()

	data, err := reader.Next(reader.Len())
	if err != nil {
		return err
	}
	if stream, ok := ctx.Value(streamKey{}).(*netpollStream); ok {
		stream.deliver(data, nil)
	}
	return nil
}

func (e *netpollEngine) onDisconnect(ctx context.Context, _ netpoll.Connection) {
	if stream, ok := ctx.Value(streamKey{}).(*netpollStream); ok {
		stream.deliver(nil, io.EOF)
	}
}

type readOp struct {
	buf   *recvbuf.Buffer
	split recvbuf.SplitFunc
	done  func(int, error)
}

// netpollStream adapts a netpoll connection to httpd.Stream. Bytes netpoll has
// read wait in inbox until a ReadUntil takes them.
type netpollStream struct {
	conn netpoll.Connection
	peer string
	// fd is -1 when the connection does not expose its descriptor.
	fd int

	mu      sync.Mutex
	inbox   []byte
	readErr error
	pending *readOp
	closed  bool
}

func newNetpollStream(conn netpoll.Connection, peer string) *netpollStream {
	fd := -1
	if c, ok := conn.(netpoll.Conn); ok {
		fd = c.Fd()
	}
	return &netpollStream{conn: conn, peer: peer, fd: fd}
}

func (s *netpollStream) RemoteAddr() string { return s.peer }

func (s *netpollStream) ReadUntil(buf *recvbuf.Buffer, split recvbuf.SplitFunc, done func(n int, err error)) {
	op := &readOp{buf: buf, split: split, done: done}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		gopool.Go(func() { done(-1, net.ErrClosed) })
		return
	}
	n, ok, err := s.tryLocked(op)
	if !ok {
		s.pending = op
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	gopool.Go(func() { done(n, err) })
}

// tryLocked moves inbox bytes into op's buffer and reports whether op is complete.
func (s *netpollStream) tryLocked(op *readOp) (int, bool, error) {
	for {
		n, err := op.buf.Scan(op.split)
		if n >= 0 || err != nil {
			return n, true, err
		}
		if len(s.inbox) == 0 {
			break
		}
		s.inbox = s.inbox[op.buf.Write(s.inbox):]
	}
	if s.readErr != nil {
		return -1, true, s.readErr
	}
	return -1, false, nil
}

// deliver appends bytes read by netpoll, or records a terminal read error, and
// completes the pending read if it can.
func (s *netpollStream) deliver(data []byte, err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.inbox = append(s.inbox, data...)
	if err != nil && s.readErr == nil {
		s.readErr = err
	}

	op := s.pending
	if op == nil {
		s.mu.Unlock()
		return
	}
	n, ok, rerr := s.tryLocked(op)
	if !ok {
		s.mu.Unlock()
		return
	}
	s.pending = nil
	s.mu.Unlock()

	op.done(n, rerr)
}

// WriteV buffers every slice in the connection writer and flushes once. On
// failure done gets the bytes handed to the writer so far.
func (s *netpollStream) WriteV(bufs [][]byte, done func(n int, err error)) {
	gopool.Go(func() {
		w := s.conn.Writer()
		n := 0
		for _, b := range bufs {
			if len(b) == 0 {
				continue
			}
			m, err := w.WriteBinary(b)
			n += m
			if err != nil {
				done(n, err)
				return
			}
		}
		if err := w.Flush(); err != nil {
			done(n, err)
			return
		}
		done(n, nil)
	})
}

// ShutdownRead does nothing; see httpd.Stream.
func (s *netpollStream) ShutdownRead() error { return nil }

func (s *netpollStream) ShutdownBoth() error {
	if s.fd < 0 {
		return &net.OpError{Op: "shutdown", Net: "tcp", Err: errNoFd}
	}
	if err := unix.Shutdown(s.fd, unix.SHUT_RDWR); err != nil {
		return &net.OpError{Op: "shutdown", Net: "tcp", Err: err}
	}
	return nil
}

// Interrupt closes the connection and fails the pending read, if any.
func (s *netpollStream) Interrupt() {
	_ = s.conn.Close()
	s.deliver(nil, net.ErrClosed)
}

func (s *netpollStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return net.ErrClosed
	}
	s.closed = true
	s.pending = nil
	s.inbox = nil
	s.mu.Unlock()
	return s.conn.Close()
}
