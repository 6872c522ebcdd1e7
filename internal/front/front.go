// Package front owns the client-facing unix socket. One goroutine serves
// each accepted connection and the requests on it strictly in order, so a
// client that pipelines sees responses in request order. The front end
// validates framing only; everything past the frame belongs to the
// dispatcher.
package front

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"sync"
	"time"

	"github.com/Superhepper/parsec/internal/dispatch"
	"github.com/Superhepper/parsec/internal/logging"
	"github.com/Superhepper/parsec/internal/metrics"
	"github.com/Superhepper/parsec/pkg/requests"
)

// Config holds the listener settings.
type Config struct {
	// SocketPath is where the unix socket is created. A stale socket file
	// from a dead process is replaced.
	SocketPath string

	// BodyLimit caps request body size. Zero means the wire default.
	BodyLimit uint32
}

// Server accepts connections and pumps frames through the dispatcher.
type Server struct {
	cfg     Config
	disp    *dispatch.Dispatcher
	metrics *metrics.RequestMetrics
	log     *logging.Logger

	ln    net.Listener
	conns sync.WaitGroup

	mu     sync.Mutex
	closed bool
	active map[net.Conn]struct{}
}

// New builds a server. Metrics may be nil.
func New(cfg Config, disp *dispatch.Dispatcher, m *metrics.RequestMetrics, log *logging.Logger) *Server {
	if m == nil {
		m = metrics.NewRequestMetrics()
	}
	return &Server{
		cfg:     cfg,
		disp:    disp,
		metrics: m,
		log:     log,
		active:  make(map[net.Conn]struct{}),
	}
}

// Listen binds the socket. Group access only: clients are expected to share
// a group with the service or talk through something that does.
func (s *Server) Listen() error {
	if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove stale socket %s: %w", s.cfg.SocketPath, err)
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.SocketPath, err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o660); err != nil {
		_ = ln.Close()
		return fmt.Errorf("set socket permissions: %w", err)
	}
	s.ln = ln
	s.log.Info("listening on %s", s.cfg.SocketPath)
	return nil
}

// Serve accepts until Shutdown closes the listener.
func (s *Server) Serve(ctx context.Context) error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		if !s.track(conn) {
			_ = conn.Close()
			continue
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handle(ctx, conn)
		}()
	}
}

// Shutdown stops accepting and drains. Connections finish their current
// request; once the context expires, blocked readers are unblocked and the
// remaining connections close.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.ln
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return err
	case <-ctx.Done():
	}

	s.mu.Lock()
	for conn := range s.active {
		_ = conn.SetDeadline(time.Now())
	}
	s.mu.Unlock()
	<-done
	return err
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.active[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.active, conn)
	s.mu.Unlock()
}

// handle serves one connection. Peer credentials are read once at accept;
// the kernel reports them as of connect time, which is what the unix-peer
// authenticator wants.
func (s *Server) handle(ctx context.Context, conn net.Conn) {
	s.metrics.ConnectionOpened()
	defer func() {
		_ = conn.Close()
		s.untrack(conn)
		s.metrics.ConnectionClosed()
	}()

	peer := peerCredentials(conn)

	for {
		req, err := requests.ReadRequest(conn, s.cfg.BodyLimit)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			if errors.Is(err, requests.ErrInvalidRequest) {
				// The stream cannot be trusted past a bad frame:
				// answer once and hang up.
				s.log.Debug("rejecting malformed frame: %v", err)
				reject := &requests.Response{
					ContentType: requests.ContentTypeJSON,
					Status:      requests.StatusInvalidRequest,
				}
				_ = reject.Write(conn)
			}
			return
		}

		resp := s.disp.Handle(ctx, req, peer)
		if err := resp.Write(conn); err != nil {
			s.log.Debug("write response: %v", err)
			return
		}

		if s.isClosed() {
			return
		}
	}
}
