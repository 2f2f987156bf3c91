package wsecho

import (
	"context"
	"errors"
	"log"
	"net"
	"os"
	"sync"
	"sync/atomic"
)

type (
	// OpenHandler is called on the relay goroutine once the handshake is done.
	OpenHandler func(c *Connection)
	// CloseHandler is called on the relay goroutine after the connection closed.
	CloseHandler func(c *Connection, out Outcome)
)

// Server is the WebSocket echo server.
//
// Every accepted connection is echoed by its own goroutine until the client
// goes away or Shutdown is called.
type Server struct {
	cfg    Config
	logger *log.Logger

	openHandler  OpenHandler
	closeHandler CloseHandler

	nextID uint64
	conns  registry
	stats  stats

	// ctx is cancelled by Shutdown; every relay observes it.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	ln       net.Listener
	acc      acceptor
	stopping bool

	shutdownOnce sync.Once
	shutdownErr  error
}

// acceptor is an HTTP server performing the WebSocket handshake and handing
// every upgraded connection to Server.handoff.
type acceptor interface {
	serve(ln net.Listener) error
	shutdown(ctx context.Context) error
}

// New validates cfg and returns a server ready to Serve.
func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:    cfg,
		logger: log.New(os.Stderr, "wsecho: ", log.LstdFlags),
	}
	s.conns.max = cfg.MaxConns
	s.ctx, s.cancel = context.WithCancel(context.Background())

	return s, nil
}

// Config returns the server configuration.
func (s *Server) Config() Config {
	return s.cfg
}

// SetLogger replaces the default stderr logger. Call it before Serve.
func (s *Server) SetLogger(l *log.Logger) {
	s.logger = l
}

// HandleOpen sets the OpenHandler. Call it before Serve.
func (s *Server) HandleOpen(openHandler OpenHandler) {
	s.openHandler = openHandler
}

// HandleClose sets the CloseHandler. Call it before Serve.
func (s *Server) HandleClose(closeHandler CloseHandler) {
	s.closeHandler = closeHandler
}

// ListenAndServe binds the configured address and serves on it.
func (s *Server) ListenAndServe() error {
	ln, err := Listen(s.cfg)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown. It returns nil after a
// graceful shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	if s.acc != nil {
		s.mu.Unlock()
		return errors.New("wsecho: Serve called twice")
	}
	s.ln = ln
	s.acc = newAcceptor(s)
	acc := s.acc
	s.mu.Unlock()

	return acc.serve(ln)
}

// Addr returns the listener address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Shutdown stops accepting connections, interrupts every live relay and
// waits for them to close their connection, or for ctx to be done.
// It is safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		s.stopping = true
		acc := s.acc
		s.mu.Unlock()

		s.conns.close()

		accErr := make(chan error, 1)
		if acc != nil {
			go func() { accErr <- acc.shutdown(ctx) }()
		} else {
			accErr <- nil
		}

		s.cancel()

		err := s.conns.wait(ctx)

		select {
		case aerr := <-accErr:
			if err == nil {
				err = aerr
			}
		case <-ctx.Done():
			if err == nil {
				err = ctx.Err()
			}
		}

		s.shutdownErr = err
	})

	return s.shutdownErr
}

// admit reserves a connection slot before the handshake. Acceptors must
// either hand the upgraded connection to handoff or call release.
func (s *Server) admit() error {
	if err := s.conns.acquire(); err != nil {
		s.stats.rejected.Add(1)
		return err
	}
	return nil
}

func (s *Server) release() {
	s.conns.release()
}

func (s *Server) handshakeFailed(remote net.Addr, err error) {
	s.stats.handshakeFailures.Add(1)
	if s.cfg.Verbose {
		s.logger.Printf("%s handshake failed: %s\n", remote, err)
	}
}

// handoff runs the relay for an upgraded connection on the calling
// goroutine and releases its slot when the connection is closed.
func (s *Server) handoff(c Conn) {
	defer s.release()

	conn := newConnection(atomic.AddUint64(&s.nextID, 1), c, s.cfg.MaxMessageSize)
	s.stats.accepted.Add(1)

	if s.cfg.Verbose {
		s.logger.Printf("%d %s connected\n", conn.ID(), conn.RemoteAddr())
	}
	if s.openHandler != nil {
		s.openHandler(conn)
	}

	out := Echo(s.ctx, conn)
	s.stats.causes[out.Cause].Add(1)

	switch {
	case out.Failed():
		s.logger.Printf("%d closed with error: %s\n", conn.ID(), out)
	case out.Cause == CauseTooBig || s.cfg.Verbose:
		s.logger.Printf("%d closed: %s\n", conn.ID(), out)
	}

	if s.closeHandler != nil {
		s.closeHandler(conn, out)
	}
}

// Stats is a snapshot of the server counters.
type Stats struct {
	Accepted          uint64
	Active            int
	Rejected          uint64
	HandshakeFailures uint64

	// Per termination cause.
	Closed   uint64
	TooBig   uint64
	Shutdown uint64
	Failed   uint64
}

type stats struct {
	accepted          atomic.Uint64
	rejected          atomic.Uint64
	handshakeFailures atomic.Uint64
	causes            [numCauses]atomic.Uint64
}

// Stats returns the current counters.
func (s *Server) Stats() Stats {
	return Stats{
		Accepted:          s.stats.accepted.Load(),
		Active:            s.conns.len(),
		Rejected:          s.stats.rejected.Load(),
		HandshakeFailures: s.stats.handshakeFailures.Load(),
		Closed:            s.stats.causes[CauseClosed].Load(),
		TooBig:            s.stats.causes[CauseTooBig].Load(),
		Shutdown:          s.stats.causes[CauseShutdown].Load(),
		Failed:            s.stats.causes[CauseTransport].Load(),
	}
}
