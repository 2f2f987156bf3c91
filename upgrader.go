package wsecho

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/fasthttp/router"
	fastws "github.com/fasthttp/websocket"
	"github.com/valyala/fasthttp"
)

func newAcceptor(s *Server) acceptor {
	switch s.cfg.Backend {
	case BackendGorilla:
		return newHTTPAcceptor(s, gorillaUpgrader(s))
	case BackendGobwas:
		return newHTTPAcceptor(s, gobwasUpgrader(s))
	case BackendNhooyr:
		return newHTTPAcceptor(s, nhooyrUpgrader(s))
	}
	return newFastHTTPAcceptor(s)
}

// fasthttpAcceptor upgrades on a fasthttp server. Upgraded connections are
// hijacked, so fasthttp no longer tracks them and the relay owns them.
type fasthttpAcceptor struct {
	s   *Server
	srv *fasthttp.Server
	up  fastws.FastHTTPUpgrader

	mu sync.Mutex
	ln net.Listener
	// pending holds the slots admitted for an upgrade whose hijack handler
	// has not run yet, keyed by the request's connection.
	pending map[net.Conn]struct{}
}

var errUpgradeAborted = errors.New("connection closed before the upgrade completed")

func newFastHTTPAcceptor(s *Server) *fasthttpAcceptor {
	a := &fasthttpAcceptor{
		s:       s,
		pending: make(map[net.Conn]struct{}),
	}
	a.up = fastws.FastHTTPUpgrader{
		ReadBufferSize:  s.cfg.ReadBufferSize,
		WriteBufferSize: s.cfg.WriteBufferSize,
		CheckOrigin: func(*fasthttp.RequestCtx) bool {
			return true
		},
	}

	// the path is ignored: every GET is an upgrade attempt
	r := router.New()
	r.GET("/", a.upgrade)
	r.GET("/{path:*}", a.upgrade)

	a.srv = &fasthttp.Server{
		Handler:   r.Handler,
		Name:      "wsecho",
		Logger:    s.logger,
		ConnState: a.connState,
	}

	return a
}

func (a *fasthttpAcceptor) upgrade(ctx *fasthttp.RequestCtx) {
	if err := a.s.admit(); err != nil {
		ctx.Error(err.Error(), fasthttp.StatusServiceUnavailable)
		return
	}

	// fasthttp runs the hijack handler only once the 101 response is
	// flushed; until then the slot belongs to the connection.
	nc := ctx.Conn()
	a.reserve(nc)

	remote := ctx.RemoteAddr()
	err := a.up.Upgrade(ctx, func(c *fastws.Conn) {
		if !a.claim(nc) {
			return
		}
		a.s.handoff(newGorillaConn(a.s.ctx, c, nc, &fastwsDialect, a.s.cfg))
	})
	if err != nil && a.claim(nc) {
		a.s.release()
		a.s.handshakeFailed(remote, err)
	}
}

func (a *fasthttpAcceptor) reserve(nc net.Conn) {
	a.mu.Lock()
	a.pending[nc] = struct{}{}
	a.mu.Unlock()
}

// claim removes the reservation of nc and reports whether it was there.
func (a *fasthttpAcceptor) claim(nc net.Conn) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	_, ok := a.pending[nc]
	delete(a.pending, nc)

	return ok
}

// connState releases the slot of a connection fasthttp closed without
// running its hijack handler, e.g. when flushing the 101 response failed.
func (a *fasthttpAcceptor) connState(nc net.Conn, state fasthttp.ConnState) {
	if state == fasthttp.StateClosed && a.claim(nc) {
		a.s.release()
		a.s.handshakeFailed(nc.RemoteAddr(), errUpgradeAborted)
	}
}

func (a *fasthttpAcceptor) serve(ln net.Listener) error {
	a.mu.Lock()
	a.ln = ln
	a.mu.Unlock()

	err := a.srv.Serve(ln)
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (a *fasthttpAcceptor) shutdown(context.Context) error {
	err := a.srv.Shutdown()

	// Shutdown only knows listeners Serve already registered.
	a.mu.Lock()
	if a.ln != nil {
		a.ln.Close()
	}
	a.mu.Unlock()

	return err
}

// upgradeFunc performs the handshake on a net/http request.
type upgradeFunc func(w http.ResponseWriter, r *http.Request) (Conn, error)

// httpAcceptor upgrades on a net/http server.
type httpAcceptor struct {
	s       *Server
	srv     *http.Server
	upgrade upgradeFunc
}

func newHTTPAcceptor(s *Server, up upgradeFunc) *httpAcceptor {
	a := &httpAcceptor{
		s:       s,
		upgrade: up,
	}
	a.srv = &http.Server{
		Handler:  a,
		ErrorLog: s.logger,
	}
	return a
}

func (a *httpAcceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := a.s.admit(); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	c, err := a.upgrade(w, r)
	if err != nil {
		a.s.release()
		a.s.handshakeFailed(hostPort(r.RemoteAddr), err)
		return
	}

	a.s.handoff(c)
}

func (a *httpAcceptor) serve(ln net.Listener) error {
	err := a.srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (a *httpAcceptor) shutdown(ctx context.Context) error {
	return a.srv.Shutdown(ctx)
}

// hostPort is a remote address only known in its string form.
type hostPort string

func (a hostPort) Network() string { return "tcp" }
func (a hostPort) String() string  { return string(a) }
