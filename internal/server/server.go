//go:build linux

// Package server wires the acceptor, the event loop and the per-connection
// state machine into an HTTP server with a start/stop lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/feichai0017/reactorhttpd/internal/config"
	"github.com/feichai0017/reactorhttpd/internal/httpd"
	"github.com/feichai0017/reactorhttpd/internal/ratelimit"
	"github.com/feichai0017/reactorhttpd/internal/timewheel"
)

var (
	ErrNotStarted     = errors.New("server: not started")
	ErrAlreadyStarted = errors.New("server: already started")
)

const (
	drainPoll   = 10 * time.Millisecond
	wheelSlots  = 512
	pruneTaskID = "ratelimit-prune"
	minTeardown = 100 * time.Millisecond
	defaultTick = 100 * time.Millisecond
)

// engine is one event-loop implementation driving httpd.Service streams.
type engine interface {
	Addr() string
	// StopAccepting stops taking new connections. Live handlers keep running.
	StopAccepting()
	// Shutdown stops the loops. Handlers still live afterwards are never driven again.
	Shutdown(ctx context.Context) error
	// Close releases what Shutdown left for abandoned handlers to close against.
	Close()
}

type Stats struct {
	Accepted int64
	Rejected int64
	Served   int64
	// Aborted counts exchanges ended by a transport failure or by shutdown.
	Aborted  int64
	Active   int64
}

type counters struct {
	accepted *xsync.Counter
	rejected *xsync.Counter
	served   *xsync.Counter
	aborted  *xsync.Counter
	active   *xsync.Counter
}

func newCounters() counters {
	return counters{
		accepted: xsync.NewCounter(),
		rejected: xsync.NewCounter(),
		served:   xsync.NewCounter(),
		aborted:  xsync.NewCounter(),
		active:   xsync.NewCounter(),
	}
}

type Option func(*Server)

func WithLogger(log *zap.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithResources replaces the document root directory with another file source.
func WithResources(docs httpd.Resources) Option {
	return func(s *Server) { s.docs = docs }
}

type Server struct {
	cfg  config.Config
	log  *zap.Logger
	docs httpd.Resources

	mu      sync.Mutex
	engine  engine
	wheel   *timewheel.TimeWheel
	limiter *ratelimit.Limiter

	live   cmap.ConcurrentMap[string, *httpd.Service]
	nextID atomic.Uint64
	stats  counters
}

func New(cfg config.Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		cfg:   cfg,
		log:   zap.NewNop(),
		live:  cmap.New[*httpd.Service](),
		stats: newCounters(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.docs == nil {
		s.docs = httpd.NewDocRoot(cfg.DocRoot)
	}
	return s, nil
}

// Start listens on port (0 picks a free one) and runs poolSize event-loop workers.
func (s *Server) Start(port, poolSize int) error {
	if poolSize <= 0 {
		return fmt.Errorf("%w: pool size must be positive, got %d", config.ErrInvalid, poolSize)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine != nil {
		return ErrAlreadyStarted
	}

	s.startTimers()

	addr := s.cfg.Addr(port)
	var (
		eng engine
		err error
	)
	switch s.cfg.Engine {
	case config.EngineNetpoll:
		eng, err = startNetpoll(s, addr, poolSize)
	default:
		eng, err = startEpoll(s, addr, poolSize)
	}
	if err != nil {
		s.stopTimers()
		return fmt.Errorf("start %s engine on %s: %w", s.cfg.Engine, addr, err)
	}
	s.engine = eng

	s.log.Info("listening",
		zap.String("addr", eng.Addr()),
		zap.String("engine", s.cfg.Engine),
		zap.Int("workers", poolSize),
		zap.String("root", s.cfg.DocRoot))
	return nil
}

func (s *Server) startTimers() {
	if s.cfg.RateLimit > 0 {
		s.limiter = ratelimit.NewLimiter(s.cfg.RateLimit, s.cfg.RateWindow)
	}

	// the wheel also paces accept retries, so it runs even without timeouts
	tick := s.cfg.TimeoutTick
	if tick <= 0 {
		tick = defaultTick
	}
	s.wheel = timewheel.NewTimeWheel(tick, wheelSlots)
	s.wheel.Start()
	if s.limiter != nil {
		s.schedulePrune()
	}
}

func (s *Server) schedulePrune() {
	limiter, wheel := s.limiter, s.wheel
	var prune func()
	prune = func() {
		if n := limiter.Prune(); n > 0 {
			s.log.Debug("pruned idle peers", zap.Int("peers", n))
		}
		wheel.AddTask(pruneTaskID, s.cfg.RateWindow, prune)
	}
	wheel.AddTask(pruneTaskID, s.cfg.RateWindow, prune)
}

func (s *Server) stopTimers() {
	if s.wheel != nil {
		s.wheel.Stop()
		s.wheel = nil
	}
	s.limiter = nil
}

// Stop stops accepting, gives in-flight exchanges up to DrainTimeout to finish,
// then stops the event loops and closes whatever is left.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine == nil {
		return ErrNotStarted
	}
	eng := s.engine
	s.engine = nil

	s.log.Info("stopping", zap.Int("live", s.live.Count()), zap.Duration("drain", s.cfg.DrainTimeout))
	eng.StopAccepting()

	deadline := time.Now().Add(s.cfg.DrainTimeout)
	s.drain(deadline)

	teardown := time.Until(deadline)
	if teardown < minTeardown {
		teardown = minTeardown
	}
	ctx, cancel := context.WithTimeout(context.Background(), teardown)
	defer cancel()
	if err := eng.Shutdown(ctx); err != nil {
		s.log.Warn("engine shutdown", zap.Error(err))
	}

	if n := s.abandon(); n > 0 {
		s.log.Warn("closed unfinished connections", zap.Int("count", n))
	}
	eng.Close()
	s.stopTimers()

	st := s.Stats()
	s.log.Info("stopped",
		zap.Int64("accepted", st.Accepted),
		zap.Int64("rejected", st.Rejected),
		zap.Int64("served", st.Served),
		zap.Int64("aborted", st.Aborted))
	return nil
}

func (s *Server) drain(deadline time.Time) {
	if s.live.Count() == 0 || !time.Now().Before(deadline) {
		return
	}
	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()
	for range ticker.C {
		if s.live.Count() == 0 || !time.Now().Before(deadline) {
			return
		}
	}
}

func (s *Server) abandon() int {
	items := s.live.Items()
	for _, svc := range items {
		svc.Abandon()
	}
	return len(items)
}

// Addr is the bound listen address, or "" when the server is not running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine == nil {
		return ""
	}
	return s.engine.Addr()
}

func (s *Server) Stats() Stats {
	return Stats{
		Accepted: s.stats.accepted.Value(),
		Rejected: s.stats.rejected.Value(),
		Served:   s.stats.served.Value(),
		Aborted:  s.stats.aborted.Value(),
		Active:   s.stats.active.Value(),
	}
}

// admit counts a new connection and applies the per-peer rate limit.
func (s *Server) admit(peer string) bool {
	s.stats.accepted.Inc()
	if s.limiter == nil {
		return true
	}
	host, _, err := net.SplitHostPort(peer)
	if err != nil {
		host = peer
	}
	if s.limiter.Allow(host) {
		return true
	}
	s.stats.rejected.Inc()
	s.log.Debug("rate limited", zap.String("peer", peer))
	return false
}

// serve builds the handler for an accepted stream and starts it.
func (s *Server) serve(stream httpd.Stream) {
	id := s.nextID.Add(1)
	svc := httpd.NewService(id, stream, s.docs, httpd.Options{
		BufferSize:  s.cfg.BufferSize,
		ReadTimeout: s.cfg.ReadTimeout,
		Timeouts:    s.wheel,
		Logger:      s.log,
		OnClose:     s.onClose,
	})
	s.live.Set(liveKey(id), svc)
	s.stats.active.Inc()
	svc.StartHandling()
}

func (s *Server) onClose(svc *httpd.Service, outcome httpd.Outcome) {
	if outcome == httpd.OutcomeServed {
		s.stats.served.Inc()
	} else {
		s.stats.aborted.Inc()
	}
	s.stats.active.Dec()
	// counted before removal, so an empty table means final counters
	s.live.Remove(liveKey(svc.ID()))
}

func liveKey(id uint64) string {
	return strconv.FormatUint(id, 10)
}
