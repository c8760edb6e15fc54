//go:build linux

package server

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/reactorhttpd/internal/config"
)

var engines = []string{config.EngineEpoll, config.EngineNetpoll}

const testFiles = 32

func writeDocRoot(t testing.TB) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("0123456789"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "empty.txt"), nil, 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	for i := 0; i < testFiles; i++ {
		name := filepath.Join(dir, fmt.Sprintf("f%d.txt", i))
		require.NoError(t, os.WriteFile(name, []byte(fileBody(i)), 0o644))
	}
	return dir
}

func fileBody(i int) string {
	return strings.Repeat(fmt.Sprintf("file-%d;", i), i+1)
}

func startServer(t testing.TB, engine string, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.Host = "127.0.0.1"
	cfg.DocRoot = writeDocRoot(t)
	cfg.Engine = engine
	cfg.DrainTimeout = time.Second
	if mutate != nil {
		mutate(&cfg)
	}

	srv, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, srv.Start(0, 4))
	t.Cleanup(func() { _ = srv.Stop() })
	return srv
}

// exchange sends request on a fresh connection and returns everything the
// server writes before closing it.
func exchange(addr, request string) (string, error) {
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	if err := conn.SetDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return "", err
	}
	if _, err := io.WriteString(conn, request); err != nil {
		return "", err
	}
	resp, err := io.ReadAll(conn)
	return string(resp), err
}

func roundTrip(t testing.TB, addr, request string) string {
	t.Helper()
	resp, err := exchange(addr, request)
	require.NoError(t, err)
	return resp
}

func forEachEngine(t *testing.T, fn func(t *testing.T, engine string)) {
	for _, engine := range engines {
		t.Run(engine, func(t *testing.T) { fn(t, engine) })
	}
}

func TestServerResponses(t *testing.T) {
	tests := []struct {
		name     string
		request  string
		response string
	}{
		{
			name:     "file",
			request:  "GET /index.html HTTP/1.1\r\nHost: localhost\r\n\r\n",
			response: "HTTP/1.1 200 OK\r\ncontent-length: 10\r\n\r\n0123456789",
		},
		{
			name:     "root is index",
			request:  "GET / HTTP/1.1\r\n\r\n",
			response: "HTTP/1.1 200 OK\r\ncontent-length: 10\r\n\r\n0123456789",
		},
		{
			name:     "empty file",
			request:  "GET /empty.txt HTTP/1.1\r\n\r\n",
			response: "HTTP/1.1 200 OK\r\ncontent-length: 0\r\n\r\n",
		},
		{
			name:     "missing",
			request:  "GET /nope.txt HTTP/1.1\r\n\r\n",
			response: "HTTP/1.1 404 Not Found\r\n\r\n",
		},
		{
			name:     "directory",
			request:  "GET /sub HTTP/1.1\r\n\r\n",
			response: "HTTP/1.1 404 Not Found\r\n\r\n",
		},
		{
			name:     "post",
			request:  "POST /index.html HTTP/1.1\r\n\r\n",
			response: "HTTP/1.1 501 Not Implemented\r\n\r\n",
		},
		{
			name:     "http 1.0",
			request:  "GET /index.html HTTP/1.0\r\n\r\n",
			response: "HTTP/1.1 505 HTTP Version Not Supported\r\n\r\n",
		},
	}

	forEachEngine(t, func(t *testing.T, engine string) {
		srv := startServer(t, engine, nil)
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				assert.Equal(t, tt.response, roundTrip(t, srv.Addr(), tt.request))
			})
		}
	})
}

func TestServerRequestTooLarge(t *testing.T) {
	const bufSize = 64
	requestLine := "GET /index.html HTTP/1.1\r\n"

	tests := []struct {
		name    string
		request string
	}{
		// exactly one buffer of bytes, so nothing is left unread when the server closes
		{"request line", strings.Repeat("a", bufSize)},
		{"headers", requestLine + "X: " + strings.Repeat("b", bufSize-3)},
	}

	forEachEngine(t, func(t *testing.T, engine string) {
		srv := startServer(t, engine, func(c *config.Config) { c.BufferSize = bufSize })
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				assert.Equal(t, "HTTP/1.1 413 Request Entity Too Large\r\n\r\n", roundTrip(t, srv.Addr(), tt.request))
			})
		}
	})
}

func TestServerIdempotent(t *testing.T) {
	forEachEngine(t, func(t *testing.T, engine string) {
		srv := startServer(t, engine, nil)
		first := roundTrip(t, srv.Addr(), "GET /f3.txt HTTP/1.1\r\n\r\n")
		second := roundTrip(t, srv.Addr(), "GET /f3.txt HTTP/1.1\r\n\r\n")
		assert.Equal(t, first, second)
		assert.True(t, strings.HasSuffix(first, fileBody(3)))
	})
}

func TestServerConcurrentClients(t *testing.T) {
	const clients = 128

	forEachEngine(t, func(t *testing.T, engine string) {
		srv := startServer(t, engine, nil)

		var wg sync.WaitGroup
		errs := make(chan error, clients)
		for i := 0; i < clients; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				idx := i % testFiles
				body := fileBody(idx)
				want := fmt.Sprintf("HTTP/1.1 200 OK\r\ncontent-length: %d\r\n\r\n%s", len(body), body)

				resp, err := exchange(srv.Addr(), fmt.Sprintf("GET /f%d.txt HTTP/1.1\r\nHost: x\r\n\r\n", idx))
				switch {
				case err != nil:
					errs <- err
				case resp != want:
					errs <- fmt.Errorf("client %d: got %q", i, resp)
				}
			}(i)
		}
		wg.Wait()
		close(errs)

		for err := range errs {
			t.Error(err)
		}
		assert.Eventually(t, func() bool {
			st := srv.Stats()
			return st.Served == clients && st.Active == 0
		}, 2*time.Second, 10*time.Millisecond)
	})
}

func TestServerSlowClient(t *testing.T) {
	forEachEngine(t, func(t *testing.T, engine string) {
		srv := startServer(t, engine, nil)

		conn, err := net.Dial("tcp", srv.Addr())
		require.NoError(t, err)
		defer conn.Close()
		require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

		request := "GET /index.html HTTP/1.1\r\nHost: slow\r\n\r\n"
		for i := 0; i < len(request); i++ {
			_, err := conn.Write([]byte{request[i]})
			require.NoError(t, err)
			time.Sleep(time.Millisecond)
		}
		resp, err := io.ReadAll(conn)
		require.NoError(t, err)
		assert.Equal(t, "HTTP/1.1 200 OK\r\ncontent-length: 10\r\n\r\n0123456789", string(resp))
	})
}

func TestServerAbortedRequest(t *testing.T) {
	forEachEngine(t, func(t *testing.T, engine string) {
		srv := startServer(t, engine, nil)

		conn, err := net.Dial("tcp", srv.Addr())
		require.NoError(t, err)
		_, err = io.WriteString(conn, "GET /index")
		require.NoError(t, err)
		require.NoError(t, conn.Close())

		assert.Eventually(t, func() bool {
			st := srv.Stats()
			return st.Aborted == 1 && st.Active == 0
		}, 2*time.Second, 10*time.Millisecond)

		// the server keeps serving after a client drops
		assert.Equal(t, "HTTP/1.1 404 Not Found\r\n\r\n", roundTrip(t, srv.Addr(), "GET /x HTTP/1.1\r\n\r\n"))
	})
}

func TestServerReadTimeout(t *testing.T) {
	forEachEngine(t, func(t *testing.T, engine string) {
		srv := startServer(t, engine, func(c *config.Config) {
			c.ReadTimeout = 50 * time.Millisecond
			c.TimeoutTick = 10 * time.Millisecond
		})

		conn, err := net.Dial("tcp", srv.Addr())
		require.NoError(t, err)
		defer conn.Close()
		require.NoError(t, conn.SetDeadline(time.Now().Add(2*time.Second)))

		start := time.Now()
		resp, _ := io.ReadAll(conn)
		assert.Empty(t, resp)
		assert.Less(t, time.Since(start), time.Second)

		assert.Eventually(t, func() bool { return srv.Stats().Aborted == 1 }, time.Second, 10*time.Millisecond)
	})
}

func TestServerRateLimit(t *testing.T) {
	forEachEngine(t, func(t *testing.T, engine string) {
		srv := startServer(t, engine, func(c *config.Config) {
			c.RateLimit = 2
			c.RateWindow = time.Minute
		})

		for i := 0; i < 2; i++ {
			assert.Equal(t, "HTTP/1.1 404 Not Found\r\n\r\n", roundTrip(t, srv.Addr(), "GET /x HTTP/1.1\r\n\r\n"))
		}

		resp, _ := exchange(srv.Addr(), "GET /x HTTP/1.1\r\n\r\n")
		assert.Empty(t, resp, "third connection inside the window is dropped")

		st := srv.Stats()
		assert.EqualValues(t, 3, st.Accepted)
		assert.EqualValues(t, 1, st.Rejected)
	})
}

func TestServerLifecycle(t *testing.T) {
	forEachEngine(t, func(t *testing.T, engine string) {
		cfg := config.Default()
		cfg.Host = "127.0.0.1"
		cfg.DocRoot = writeDocRoot(t)
		cfg.Engine = engine

		srv, err := New(cfg)
		require.NoError(t, err)

		assert.ErrorIs(t, srv.Stop(), ErrNotStarted)
		assert.ErrorIs(t, srv.Start(0, 0), config.ErrInvalid)
		assert.Empty(t, srv.Addr())

		require.NoError(t, srv.Start(0, 2))
		assert.ErrorIs(t, srv.Start(0, 2), ErrAlreadyStarted)
		addr := srv.Addr()
		assert.NotEmpty(t, addr)
		assert.Equal(t, "HTTP/1.1 200 OK\r\ncontent-length: 10\r\n\r\n0123456789", roundTrip(t, addr, "GET / HTTP/1.1\r\n\r\n"))

		require.NoError(t, srv.Stop())
		assert.ErrorIs(t, srv.Stop(), ErrNotStarted)
		assert.Empty(t, srv.Addr())

		_, err = exchange(addr, "GET / HTTP/1.1\r\n\r\n")
		assert.Error(t, err, "listener is closed after stop")
	})
}

func TestServerStopDrainsInFlight(t *testing.T) {
	forEachEngine(t, func(t *testing.T, engine string) {
		cfg := config.Default()
		cfg.Host = "127.0.0.1"
		cfg.DocRoot = writeDocRoot(t)
		cfg.Engine = engine
		cfg.DrainTimeout = 2 * time.Second

		srv, err := New(cfg)
		require.NoError(t, err)
		require.NoError(t, srv.Start(0, 2))

		conn, err := net.Dial("tcp", srv.Addr())
		require.NoError(t, err)
		defer conn.Close()
		require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
		_, err = io.WriteString(conn, "GET /index.html HTTP/1.1\r\n")
		require.NoError(t, err)
		require.Eventually(t, func() bool { return srv.Stats().Active == 1 }, time.Second, 5*time.Millisecond)

		stopped := make(chan error, 1)
		go func() { stopped <- srv.Stop() }()

		time.Sleep(50 * time.Millisecond)
		_, err = io.WriteString(conn, "\r\n")
		require.NoError(t, err)

		resp, err := io.ReadAll(conn)
		require.NoError(t, err)
		assert.Equal(t, "HTTP/1.1 200 OK\r\ncontent-length: 10\r\n\r\n0123456789", string(resp))

		select {
		case err := <-stopped:
			require.NoError(t, err)
		case <-time.After(3 * time.Second):
			t.Fatal("stop did not return after the last exchange finished")
		}
		assert.EqualValues(t, 1, srv.Stats().Served)
	})
}

func TestServerStopAbandonsIdleConnections(t *testing.T) {
	forEachEngine(t, func(t *testing.T, engine string) {
		cfg := config.Default()
		cfg.Host = "127.0.0.1"
		cfg.DocRoot = writeDocRoot(t)
		cfg.Engine = engine
		cfg.DrainTimeout = 50 * time.Millisecond

		srv, err := New(cfg)
		require.NoError(t, err)
		require.NoError(t, srv.Start(0, 2))

		const idle = 4
		conns := make([]net.Conn, 0, idle)
		for i := 0; i < idle; i++ {
			conn, err := net.Dial("tcp", srv.Addr())
			require.NoError(t, err)
			defer conn.Close()
			conns = append(conns, conn)
		}
		require.Eventually(t, func() bool { return srv.Stats().Active == idle }, time.Second, 5*time.Millisecond)

		require.NoError(t, srv.Stop())

		assert.Eventually(t, func() bool {
			st := srv.Stats()
			return st.Active == 0 && st.Aborted == idle
		}, time.Second, 5*time.Millisecond)
		for _, conn := range conns {
			require.NoError(t, conn.SetDeadline(time.Now().Add(time.Second)))
			resp, _ := io.ReadAll(conn)
			assert.Empty(t, resp)
		}
	})
}
