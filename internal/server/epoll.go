//go:build linux

package server

import (
	"context"

	"go.uber.org/zap"

	"github.com/feichai0017/reactorhttpd/internal/epoller"
)

// epollEngine runs the acceptor and the handlers on one shared reactor, with
// every worker thread calling Run.
type epollEngine struct {
	reactor  *epoller.Reactor
	workers  *epoller.WorkerPool
	acceptor *Acceptor
	log      *zap.Logger
}

func startEpoll(s *Server, addr string, poolSize int) (*epollEngine, error) {
	log := s.log.Named("epoll")
	r, err := epoller.New(log)
	if err != nil {
		return nil, err
	}

	spawn := func(conn *epoller.Conn) { s.serve(conn) }
	acceptor := NewAcceptor(r, addr, s.cfg.Backlog, s.admit, spawn, log)
	acceptor.retry = s.wheel
	if err := acceptor.Start(); err != nil {
		r.Close()
		return nil, err
	}

	e := &epollEngine{
		reactor:  r,
		workers:  epoller.NewWorkerPool(poolSize),
		acceptor: acceptor,
		log:      log,
	}
	e.workers.Start(e.loop)
	log.Debug("reactor running", zap.Int("workers", e.workers.Size()), zap.Int("registered", r.Pending()))
	return e, nil
}

func (e *epollEngine) loop(id int) {
	if err := e.reactor.Run(); err != nil {
		e.log.Error("worker exited", zap.Int("worker", id), zap.Error(err))
		// a worker that cannot wait any more takes the others down with it
		e.reactor.Stop()
	}
}

func (e *epollEngine) Addr() string { return e.acceptor.Addr() }

func (e *epollEngine) StopAccepting() { e.acceptor.Stop() }

// Shutdown stops the reactor and joins the workers. The context is not consulted:
// every worker returns after its current callback.
func (e *epollEngine) Shutdown(context.Context) error {
	e.reactor.Stop()
	e.workers.Wait()
	return e.acceptor.Close()
}

func (e *epollEngine) Close() {
	e.reactor.Close()
}
