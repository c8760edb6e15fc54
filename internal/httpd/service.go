// Package httpd implements the per-connection exchange: read one GET request,
// resolve it against a document root, write one response and close.
//
// A Service is a state machine driven by completions from its Stream. Each state
// arms exactly one read or write and returns; the completion callback moves the
// machine to the next state. Only one callback of a Service is ever outstanding,
// so its fields need no locking.
package httpd

import (
	"errors"
	"io"
	"io/fs"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/feichai0017/reactorhttpd/internal/recvbuf"
	"github.com/feichai0017/reactorhttpd/internal/timewheel"
)

// Stream is the asynchronous transport of one accepted connection. ReadUntil and
// WriteV each complete exactly once; at most one of them is outstanding.
type Stream interface {
	ReadUntil(buf *recvbuf.Buffer, split recvbuf.SplitFunc, done func(n int, err error))
	WriteV(bufs [][]byte, done func(n int, err error))
	// ShutdownRead is best-effort. A transport whose event loop reads a read-side
	// hangup as a dead connection (netpoll) implements it as a no-op, since it
	// would close the connection before the response is written.
	ShutdownRead() error
	ShutdownBoth() error
	// Interrupt makes an outstanding operation fail. Safe from any goroutine.
	Interrupt()
	Close() error
	RemoteAddr() string
}

type State int32

const (
	StateAwaitingRequestLine State = iota
	StateAwaitingHeaders
	StateProcessingRequest
	StateSendingResponse
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingRequestLine:
		return "awaiting-request-line"
	case StateAwaitingHeaders:
		return "awaiting-headers"
	case StateProcessingRequest:
		return "processing-request"
	case StateSendingResponse:
		return "sending-response"
	case StateClosed:
		return "closed"
	}
	return "unknown(" + strconv.Itoa(int(s)) + ")"
}

// Outcome is how an exchange ended.
type Outcome int

const (
	// OutcomeServed: a response was written in full.
	OutcomeServed Outcome = iota
	// OutcomeAborted: a transport failure ended the exchange.
	OutcomeAborted
	// OutcomeAbandoned: the server shut down underneath the exchange.
	OutcomeAbandoned
)

type Options struct {
	BufferSize int

	// ReadTimeout bounds each read suspension when Timeouts is set. Zero disables it.
	ReadTimeout time.Duration
	Timeouts    *timewheel.TimeWheel

	Logger *zap.Logger

	// OnClose runs once, after the stream is closed.
	OnClose func(s *Service, outcome Outcome)
}

type Service struct {
	id     uint64
	stream Stream
	docs   Resources
	opts   Options
	log    *zap.Logger

	request     *recvbuf.Buffer
	req         Request
	status      int
	body        []byte
	bodySize    int
	respHeaders []byte
	statusLine  string

	timerID string
	state   atomic.Int32
	closed  atomic.Bool
}

func NewService(id uint64, stream Stream, docs Resources, opts Options) *Service {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{
		id:      id,
		stream:  stream,
		docs:    docs,
		opts:    opts,
		log:     log.With(zap.Uint64("conn", id), zap.String("peer", stream.RemoteAddr())),
		request: recvbuf.New(opts.BufferSize),
		req:     Request{Headers: make(map[string]string)},
		status:  StatusOK,
		timerID: "conn-" + strconv.FormatUint(id, 10),
	}
	s.state.Store(int32(StateAwaitingRequestLine))
	return s
}

func (s *Service) ID() uint64 { return s.id }

func (s *Service) State() State { return State(s.state.Load()) }

// Status is the response status chosen so far. Read it only from the owning
// callback chain or after OnClose.
func (s *Service) Status() int { return s.status }

// Request returns what was parsed of the request. Same access rules as Status.
func (s *Service) Request() Request { return s.req }

func (s *Service) setState(st State) { s.state.Store(int32(st)) }

// StartHandling arms the first read. Everything after runs on stream completions.
func (s *Service) StartHandling() {
	s.read(recvbuf.Line, s.onRequestLine)
}

func (s *Service) read(split recvbuf.SplitFunc, next func(int, error)) {
	if s.opts.Timeouts == nil || s.opts.ReadTimeout <= 0 {
		s.stream.ReadUntil(s.request, split, next)
		return
	}
	s.opts.Timeouts.AddTask(s.timerID, s.opts.ReadTimeout, s.onReadTimeout)
	s.stream.ReadUntil(s.request, split, func(n int, err error) {
		s.opts.Timeouts.RemoveTask(s.timerID)
		next(n, err)
	})
}

func (s *Service) onReadTimeout() {
	s.log.Debug("read timed out", zap.Stringer("state", s.State()))
	s.stream.Interrupt()
}

func (s *Service) onRequestLine(n int, err error) {
	if err != nil {
		s.onReadError(err)
		return
	}

	line := s.request.Consume(n)
	s.status = parseRequestLine(string(line[:len(line)-2]), &s.req)
	s.log.Debug("request line",
		zap.String("method", s.req.Method),
		zap.String("resource", s.req.Resource),
		zap.String("version", s.req.Version))

	if s.status != StatusOK {
		s.sendResponse()
		return
	}

	s.setState(StateAwaitingHeaders)
	s.read(recvbuf.HeaderBlock, s.onHeaders)
}

func (s *Service) onHeaders(n int, err error) {
	if err != nil {
		s.onReadError(err)
		return
	}

	parseHeaders(s.request.Consume(n), s.req.Headers)
	s.processRequest()
	s.sendResponse()
}

// onReadError maps a failed read: a full buffer is answered with 413, anything
// else drops the connection without a response.
func (s *Service) onReadError(err error) {
	if errors.Is(err, recvbuf.ErrNoDelimiter) {
		s.log.Debug("request too large", zap.Stringer("state", s.State()))
		s.status = StatusRequestEntityTooLarge
		s.sendResponse()
		return
	}

	if errors.Is(err, io.EOF) {
		s.log.Debug("peer closed before request completed", zap.Stringer("state", s.State()))
	} else {
		s.log.Warn("read request", zap.Stringer("state", s.State()), zap.Error(err))
	}
	s.finish(OutcomeAborted)
}

func (s *Service) processRequest() {
	s.setState(StateProcessingRequest)

	size, err := s.docs.Lookup(s.req.Resource)
	if errors.Is(err, fs.ErrNotExist) {
		s.status = StatusNotFound
		return
	}
	if err != nil {
		s.log.Warn("lookup resource", zap.String("resource", s.req.Resource), zap.Error(err))
		s.status = StatusServerError
		return
	}

	data, err := s.docs.ReadFile(s.req.Resource)
	if err != nil {
		s.log.Warn("read resource", zap.String("resource", s.req.Resource), zap.Error(err))
		s.status = StatusServerError
		return
	}
	if int64(len(data)) != size {
		s.log.Debug("resource changed size", zap.Int64("stat", size), zap.Int("read", len(data)))
	}

	s.body = data
	s.bodySize = len(data)
	s.respHeaders = append(s.respHeaders, "content-length: "...)
	s.respHeaders = strconv.AppendInt(s.respHeaders, int64(s.bodySize), 10)
	s.respHeaders = append(s.respHeaders, "\r\n"...)
}

func (s *Service) sendResponse() {
	s.setState(StateSendingResponse)

	// one request per connection: nothing more will be read
	if err := s.stream.ShutdownRead(); err != nil {
		s.log.Debug("shutdown read", zap.Error(err))
	}

	s.statusLine = StatusLine(s.status)
	s.respHeaders = append(s.respHeaders, "\r\n"...)

	bufs := [][]byte{[]byte(s.statusLine), s.respHeaders}
	if s.bodySize > 0 {
		bufs = append(bufs, s.body[:s.bodySize])
	}
	s.stream.WriteV(bufs, s.onResponseSent)
}

func (s *Service) onResponseSent(n int, err error) {
	outcome := OutcomeServed
	if err != nil {
		s.log.Warn("write response", zap.Int("status", s.status), zap.Int("written", n), zap.Error(err))
		outcome = OutcomeAborted
	} else {
		s.log.Debug("response sent", zap.Int("status", s.status), zap.Int("bytes", n))
	}

	if err := s.stream.ShutdownBoth(); err != nil {
		s.log.Debug("shutdown", zap.Error(err))
	}
	s.finish(outcome)
}

// finish is the single terminal transition.
func (s *Service) finish(outcome Outcome) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.setState(StateClosed)
	if s.opts.Timeouts != nil {
		s.opts.Timeouts.RemoveTask(s.timerID)
	}
	if err := s.stream.Close(); err != nil {
		s.log.Debug("close", zap.Error(err))
	}
	if s.opts.OnClose != nil {
		s.opts.OnClose(s, outcome)
	}
}

// Abandon closes the connection of an exchange that will never be driven again,
// because its event loop has stopped.
func (s *Service) Abandon() {
	s.finish(OutcomeAbandoned)
}
