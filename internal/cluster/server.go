package cluster

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"

	logs "github.com/danmuck/smplog"
)

// Handler answers one request line. Returning "" sends nothing back, which
// is how one-way messages such as heartbeats are served.
type Handler interface {
	ServeLine(ctx context.Context, line string) string
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, line string) string

// ServeLine calls f(ctx, line).
func (f HandlerFunc) ServeLine(ctx context.Context, line string) string {
	return f(ctx, line)
}

// Server accepts TCP connections and serves newline-delimited requests on
// each one until the peer disconnects. Every connection gets its own
// goroutine and may carry any number of requests.
//
// A request that makes the handler panic is answered with
// ERROR|ERROR_INTERNO and the connection stays open.
type Server struct {
	name    string
	handler Handler

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a server; name only appears in log lines.
func NewServer(name string, h Handler) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		name:    name,
		handler: h,
		conns:   make(map[net.Conn]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Listen binds addr. Use ":0" to pick a free port and Addr to read it back.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	logs.Infof("%s: listening on %s", s.name, ln.Addr())
	return nil
}

// Addr returns the bound address, or "" before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Serve runs the accept loop until Close. It returns nil after Close and the
// accept error otherwise.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("cluster: Serve called before Listen")
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go s.handleConn(conn)
	}
}

// Close stops accepting, closes open connections and waits for their
// goroutines to return.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cancel()
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
		s.wg.Done()
	}()

	peer := conn.RemoteAddr().String()
	logs.Debugf("%s: connection from %s", s.name, peer)

	r := bufio.NewReaderSize(conn, 64<<10)
	w := bufio.NewWriter(conn)
	for {
		line, err := ReadLine(r)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logs.Debugf("%s: read from %s: %v", s.name, peer, err)
			}
			return
		}
		if line == "" {
			continue
		}

		resp := s.serve(line)
		if resp == "" {
			continue
		}
		if _, err := w.WriteString(resp + "\n"); err != nil {
			logs.Debugf("%s: write to %s: %v", s.name, peer, err)
			return
		}
		if err := w.Flush(); err != nil {
			logs.Debugf("%s: write to %s: %v", s.name, peer, err)
			return
		}
	}
}

func (s *Server) serve(line string) (resp string) {
	defer func() {
		if r := recover(); r != nil {
			logs.Warnf("%s: panic serving %q: %v", s.name, truncate(line, 80), r)
			resp = ErrorLine(ReasonInternal)
		}
	}()
	return s.handler.ServeLine(s.ctx, line)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
