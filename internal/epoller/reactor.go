//go:build linux

// Package epoller is a multi-threaded epoll reactor. Every operation is one-shot:
// arming an fd enables exactly one readiness notification, and the callback that
// handles it must arm again if it needs another. Any number of goroutines may
// call Run; each dispatched callback runs on whichever of them woke up.
package epoller

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cornelk/hashmap"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/feichai0017/reactorhttpd/internal/ringbuffer"
)

var (
	ErrReactorStopped = errors.New("epoller: reactor stopped")
	ErrNotRegistered  = errors.New("epoller: fd not registered")
)

const eventBatch = 128

type registration struct {
	gen uint32
	cb  atomic.Pointer[func()]
}

type Reactor struct {
	poller  *poller
	regs    *hashmap.Map[int, *registration]
	posted  *ringbuffer.RingBuffer[func()]
	gen     atomic.Uint32
	stopped atomic.Bool
	closed  sync.Once
	log     *zap.Logger
}

func New(log *zap.Logger) (*Reactor, error) {
	if log == nil {
		log = zap.NewNop()
	}
	p, err := openPoller()
	if err != nil {
		return nil, err
	}
	return &Reactor{
		poller: p,
		regs:   hashmap.New[int, *registration](),
		posted: ringbuffer.NewRingBuffer[func()](256),
		log:    log,
	}, nil
}

// Run dispatches callbacks until Stop. Safe to call from many goroutines at once.
func (r *Reactor) Run() error {
	events := make([]unix.EpollEvent, eventBatch)
	for !r.stopped.Load() {
		if fn, ok := r.posted.Pop(); ok {
			fn()
			continue
		}

		n, err := r.poller.wait(events)
		if err != nil {
			return fmt.Errorf("epoll wait: %w", err)
		}
		for i := 0; i < n && !r.stopped.Load(); i++ {
			fd := int(events[i].Fd)
			switch fd {
			case r.poller.stopfd:
			case r.poller.wakefd:
				if err := r.poller.rearmWake(); err != nil {
					r.log.Error("rearm wake fd", zap.Error(err))
				}
			default:
				r.dispatch(fd, uint32(events[i].Pad))
			}
		}
	}
	return nil
}

func (r *Reactor) dispatch(fd int, gen uint32) {
	reg, ok := r.regs.Get(fd)
	if !ok || reg.gen != gen {
		// fd was released (and maybe reused) after this event was queued
		return
	}
	if cb := reg.cb.Swap(nil); cb != nil {
		(*cb)()
	}
}

// Post queues fn to run on a worker.
func (r *Reactor) Post(fn func()) error {
	if r.stopped.Load() {
		return ErrReactorStopped
	}
	r.posted.Push(fn)
	return r.poller.wake()
}

// Stop makes every Run return after its current callback. Pending operations are dropped.
func (r *Reactor) Stop() {
	if r.stopped.CompareAndSwap(false, true) {
		if err := r.poller.signalStop(); err != nil {
			r.log.Error("signal stop", zap.Error(err))
		}
	}
}

func (r *Reactor) Stopped() bool { return r.stopped.Load() }

// Close releases the epoll instance. Call it only after every Run has returned.
func (r *Reactor) Close() {
	r.Stop()
	r.closed.Do(r.poller.close)
}

// Pending reports how many fds are registered.
func (r *Reactor) Pending() int { return r.regs.Len() }

func (r *Reactor) register(fd int) error {
	reg := &registration{gen: r.gen.Add(1)}
	if err := r.poller.add(fd, reg.gen); err != nil {
		return fmt.Errorf("epoll add: %w", err)
	}
	r.regs.Set(fd, reg)
	return nil
}

// arm enables one notification for events on fd. cb runs at most once.
func (r *Reactor) arm(fd int, events uint32, cb func()) error {
	if r.stopped.Load() {
		return ErrReactorStopped
	}
	reg, ok := r.regs.Get(fd)
	if !ok {
		return ErrNotRegistered
	}
	reg.cb.Store(&cb)
	if err := r.poller.arm(fd, events, reg.gen); err != nil {
		reg.cb.Store(nil)
		return fmt.Errorf("epoll mod: %w", err)
	}
	return nil
}

// release unregisters fd and closes it.
func (r *Reactor) release(fd int) error {
	r.regs.Del(fd)
	if err := r.poller.remove(fd); err != nil {
		r.log.Debug("epoll del", zap.Int("fd", fd), zap.Error(err))
	}
	return unix.Close(fd)
}

// complete delivers a result that is ready at registration time. It goes through
// the posted queue so the completion never nests inside its own registration.
// Once the reactor is stopped the completion is dropped, like any pending operation.
func (r *Reactor) complete(fn func()) {
	if err := r.Post(fn); err != nil && !errors.Is(err, ErrReactorStopped) {
		r.log.Error("post completion", zap.Error(err))
	}
}

// Accept arms one accept on ln. done receives the new connection or the accept error.
func (r *Reactor) Accept(ln *Listener, done func(*Conn, error)) {
	var attempt func()
	attempt = func() {
		conn, err := ln.accept(r)
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.ECONNABORTED) {
			if err := r.arm(ln.fd, unix.EPOLLIN, attempt); err != nil {
				done(nil, err)
			}
			return
		}
		done(conn, err)
	}
	if err := r.arm(ln.fd, unix.EPOLLIN, attempt); err != nil {
		r.complete(func() { done(nil, err) })
	}
}
