//go:build linux

package server

import (
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/feichai0017/reactorhttpd/internal/epoller"
	"github.com/feichai0017/reactorhttpd/internal/timewheel"
)

const (
	minAcceptBackoff = 50 * time.Millisecond
	maxAcceptBackoff = time.Second
	acceptRetryID    = "accept-retry"
)

// Acceptor keeps exactly one accept armed on its listener until stopped.
type Acceptor struct {
	reactor *epoller.Reactor
	addr    string
	backlog int
	ln      *epoller.Listener
	stopped atomic.Bool

	// admit decides whether a new peer gets a handler; spawn builds and starts one.
	admit func(peer string) bool
	spawn func(conn *epoller.Conn)
	log   *zap.Logger

	// retry delays re-arming after a failed accept; nil re-arms at once.
	retry   *timewheel.TimeWheel
	backoff atomic.Int64
}

func NewAcceptor(r *epoller.Reactor, addr string, backlog int, admit func(string) bool, spawn func(*epoller.Conn), log *zap.Logger) *Acceptor {
	if log == nil {
		log = zap.NewNop()
	}
	if admit == nil {
		admit = func(string) bool { return true }
	}
	return &Acceptor{
		reactor: r,
		addr:    addr,
		backlog: backlog,
		admit:   admit,
		spawn:   spawn,
		log:     log,
	}
}

// Start binds and listens, then arms the first accept.
func (a *Acceptor) Start() error {
	ln, err := epoller.Listen(a.reactor, a.addr, a.backlog)
	if err != nil {
		return err
	}
	a.ln = ln
	a.reactor.Accept(ln, a.onAccept)
	return nil
}

// Addr is the bound address, valid after Start.
func (a *Acceptor) Addr() string {
	if a.ln == nil {
		return ""
	}
	return a.ln.Addr()
}

// Stop makes the next accept completion close the listener instead of re-arming.
func (a *Acceptor) Stop() {
	a.stopped.Store(true)
}

// Close closes the listener. Needed when the last armed accept never completes.
func (a *Acceptor) Close() error {
	if a.ln == nil {
		return nil
	}
	return a.ln.Close()
}

func (a *Acceptor) onAccept(conn *epoller.Conn, err error) {
	switch {
	case errors.Is(err, epoller.ErrReactorStopped), errors.Is(err, epoller.ErrNotRegistered):
		// the loop or the listener is gone; nothing left to arm
		return
	case err != nil:
		// a persistent error such as EMFILE leaves the listener readable, so
		// re-arming at once would spin
		delay := nextBackoff(time.Duration(a.backoff.Load()))
		a.backoff.Store(int64(delay))
		a.log.Error("accept", zap.String("addr", a.addr), zap.Duration("retry_in", delay), zap.Error(err))
		if a.retry != nil {
			a.retry.AddTask(acceptRetryID, delay, a.rearm)
			return
		}
	case !a.admit(conn.RemoteAddr()):
		a.backoff.Store(0)
		if err := conn.Close(); err != nil {
			a.log.Debug("close rejected conn", zap.Error(err))
		}
	default:
		a.backoff.Store(0)
		a.spawn(conn)
	}
	a.rearm()
}

// rearm arms the next accept, or closes the listener once stopped.
func (a *Acceptor) rearm() {
	if a.stopped.Load() {
		if err := a.Close(); err != nil {
			a.log.Debug("close listener", zap.Error(err))
		}
		return
	}
	a.reactor.Accept(a.ln, a.onAccept)
}

func nextBackoff(cur time.Duration) time.Duration {
	if cur < minAcceptBackoff {
		return minAcceptBackoff
	}
	if cur *= 2; cur > maxAcceptBackoff {
		return maxAcceptBackoff
	}
	return cur
}
