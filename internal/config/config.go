package config

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"runtime"
	"strconv"
	"time"
)

const (
	EngineEpoll   = "epoll"
	EngineNetpoll = "netpoll"

	defaultPort        = 3333
	defaultWorkers     = 2
	defaultDocRoot     = "./root"
	defaultBufferSize  = 4096
	defaultBacklog     = 128
	defaultDrain       = 5 * time.Second
	defaultRateWindow  = time.Minute
	defaultTimeoutTick = 100 * time.Millisecond
)

var ErrInvalid = errors.New("invalid config")

type Config struct {
	Host    string
	Port    int
	Workers int
	DocRoot string

	// BufferSize caps the request line plus headers.
	BufferSize int
	Backlog    int
	Engine     string

	// ReadTimeout bounds each read of a request. Zero means wait forever.
	ReadTimeout time.Duration
	// TimeoutTick is the resolution of ReadTimeout.
	TimeoutTick time.Duration

	// DrainTimeout is how long Stop waits for in-flight exchanges.
	DrainTimeout time.Duration

	// RunFor stops the server after this long. Zero means run until signalled.
	RunFor time.Duration

	// RateLimit is the number of connections one peer IP may open per RateWindow. Zero disables it.
	RateLimit  int
	RateWindow time.Duration

	Debug bool
}

// DefaultWorkers is twice the CPU count, or a small constant if that is unknown.
func DefaultWorkers() int {
	if n := runtime.NumCPU() * 2; n > 0 {
		return n
	}
	return defaultWorkers
}

func Default() Config {
	return Config{
		Port:         defaultPort,
		Workers:      DefaultWorkers(),
		DocRoot:      defaultDocRoot,
		BufferSize:   defaultBufferSize,
		Backlog:      defaultBacklog,
		Engine:       EngineEpoll,
		TimeoutTick:  defaultTimeoutTick,
		DrainTimeout: defaultDrain,
		RateWindow:   defaultRateWindow,
	}
}

// Load parses command-line flags over the defaults.
func Load(name string, args []string) (Config, error) {
	cfg := Default()

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&cfg.Host, "host", cfg.Host, "interface to listen on (empty for all)")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "TCP port to listen on")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "number of event-loop worker threads")
	fs.StringVar(&cfg.DocRoot, "root", cfg.DocRoot, "document root directory")
	fs.IntVar(&cfg.BufferSize, "buffer-size", cfg.BufferSize, "receive buffer size for request line and headers")
	fs.IntVar(&cfg.Backlog, "backlog", cfg.Backlog, "listen backlog")
	fs.StringVar(&cfg.Engine, "engine", cfg.Engine, "event loop: epoll or netpoll")
	fs.DurationVar(&cfg.ReadTimeout, "read-timeout", cfg.ReadTimeout, "per-read timeout, 0 disables")
	fs.DurationVar(&cfg.DrainTimeout, "drain-timeout", cfg.DrainTimeout, "how long stop waits for in-flight requests")
	fs.DurationVar(&cfg.RunFor, "run-for", cfg.RunFor, "stop after this long, 0 runs until SIGINT/SIGTERM")
	fs.IntVar(&cfg.RateLimit, "rate-limit", cfg.RateLimit, "connections per peer per rate window, 0 disables")
	fs.DurationVar(&cfg.RateWindow, "rate-window", cfg.RateWindow, "rate limit window")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "development logging at debug level")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch {
	case c.Port < 0 || c.Port > 65535:
		return fmt.Errorf("%w: port %d out of range", ErrInvalid, c.Port)
	case c.Workers <= 0:
		return fmt.Errorf("%w: workers must be positive, got %d", ErrInvalid, c.Workers)
	case c.DocRoot == "":
		return fmt.Errorf("%w: document root is empty", ErrInvalid)
	case c.BufferSize < 64:
		return fmt.Errorf("%w: buffer size %d is below 64", ErrInvalid, c.BufferSize)
	case c.Engine != EngineEpoll && c.Engine != EngineNetpoll:
		return fmt.Errorf("%w: unknown engine %q", ErrInvalid, c.Engine)
	case c.ReadTimeout < 0 || c.DrainTimeout < 0 || c.RunFor < 0:
		return fmt.Errorf("%w: negative duration", ErrInvalid)
	case c.ReadTimeout > 0 && c.TimeoutTick <= 0:
		return fmt.Errorf("%w: timeout tick must be positive", ErrInvalid)
	case c.RateLimit < 0:
		return fmt.Errorf("%w: negative rate limit", ErrInvalid)
	case c.RateLimit > 0 && c.RateWindow <= 0:
		return fmt.Errorf("%w: rate window must be positive", ErrInvalid)
	}
	return nil
}

// Addr joins Host with port.
func (c Config) Addr(port int) string {
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}
