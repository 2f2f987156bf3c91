package wsecho

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/valyala/bytebufferpool"
	nyws "nhooyr.io/websocket"
)

func nhooyrUpgrader(s *Server) upgradeFunc {
	opts := &nyws.AcceptOptions{
		InsecureSkipVerify: true,
		CompressionMode:    nyws.CompressionDisabled,
	}

	return func(w http.ResponseWriter, r *http.Request) (Conn, error) {
		hr := &hijackRecorder{ResponseWriter: w}
		c, err := nyws.Accept(hr, r, opts)
		if err != nil {
			return nil, err
		}
		return newNhooyrConn(s.ctx, c, hr.conn, hostPort(r.RemoteAddr), s.cfg), nil
	}
}

// hijackRecorder keeps the socket nhooyr hijacks, which its Conn does not
// expose.
type hijackRecorder struct {
	http.ResponseWriter
	conn net.Conn
}

func (h *hijackRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := h.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("wsecho: response writer cannot be hijacked")
	}

	c, brw, err := hj.Hijack()
	h.conn = c

	return c, brw, err
}

// nhooyrConn adapts nhooyr.io/websocket. Its calls take a context, but a
// cancelled one makes the library fail the connection with 1008, so shutdown
// goes through Close instead, which is safe to call concurrently.
type nhooyrConn struct {
	c      *nyws.Conn
	raw    net.Conn
	remote net.Addr

	maxSize      int64
	readTimeout  time.Duration
	writeTimeout time.Duration

	buf *bytebufferpool.ByteBuffer

	// closed is set once the transport closed the connection on its own.
	closed bool

	stop        func() bool
	interrupted chan struct{}
}

func newNhooyrConn(ctx context.Context, c *nyws.Conn, raw net.Conn, remote net.Addr, cfg Config) *nhooyrConn {
	// The library reads one byte past the limit, so a message over the
	// bound is seen by the LimitReader in ReadMessage before the library
	// fails the read with its own close frame.
	c.SetReadLimit(cfg.MaxMessageSize)

	nc := &nhooyrConn{
		c:            c,
		raw:          raw,
		remote:       remote,
		maxSize:      cfg.MaxMessageSize,
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
		buf:          bytebufferpool.Get(),
		interrupted:  make(chan struct{}),
	}
	nc.stop = context.AfterFunc(ctx, nc.interrupt)

	return nc
}

func (c *nhooyrConn) ReadMessage() (Message, error) {
	ctx, cancel := c.opContext(c.readTimeout)
	defer cancel()

	typ, r, err := c.c.Reader(ctx)
	if err != nil {
		return Message{}, c.readError(err)
	}

	c.buf.Reset()
	n, err := c.buf.ReadFrom(io.LimitReader(r, c.maxSize+1))
	if err != nil {
		return Message{}, c.readError(err)
	}
	if n > c.maxSize {
		c.closed = true
		c.closeWithin(nyws.StatusMessageTooBig, "message too big")
		return Message{}, ErrMessageTooBig
	}

	kind := KindBinary
	if typ == nyws.MessageText {
		kind = KindText
	}

	return Message{Kind: kind, Payload: c.buf.B}, nil
}

func (c *nhooyrConn) readError(err error) error {
	if status := nyws.CloseStatus(err); status != -1 {
		c.closed = true

		var ce nyws.CloseError
		errors.As(err, &ce)

		return &Error{Status: StatusCode(status), Reason: ce.Reason}
	}
	return abnormal(err)
}

func (c *nhooyrConn) WriteMessage(m Message) error {
	ctx, cancel := c.opContext(c.writeTimeout)
	defer cancel()

	typ := nyws.MessageBinary
	if m.Kind == KindText {
		typ = nyws.MessageText
	}

	return c.c.Write(ctx, typ, m.Payload)
}

func (c *nhooyrConn) opContext(d time.Duration) (context.Context, context.CancelFunc) {
	if d > 0 {
		return context.WithTimeout(context.Background(), d)
	}
	return context.Background(), func() {}
}

func (c *nhooyrConn) Close(status StatusCode, reason string) error {
	if !c.stop() {
		<-c.interrupted
	}
	defer func() {
		bytebufferpool.Put(c.buf)
		c.buf = nil
	}()

	if c.closed {
		return nil
	}
	if status.silent() {
		// the transport has no way to drop a connection without a frame
		status = StatusInternalError
	}

	return c.closeWithin(nyws.StatusCode(status), reason)
}

// closeWithin runs the library's close handshake, dropping the socket when
// the client does not answer within closeTimeout.
func (c *nhooyrConn) closeWithin(status nyws.StatusCode, reason string) error {
	done := make(chan error, 1)
	go func() {
		done <- c.c.Close(status, reason)
	}()

	t := time.NewTimer(closeTimeout)
	defer t.Stop()

	select {
	case err := <-done:
		return err
	case <-t.C:
		return c.raw.Close()
	}
}

func (c *nhooyrConn) RemoteAddr() net.Addr {
	return c.remote
}

// interrupt runs on shutdown. The blocked read fails once the close
// handshake is done or the socket is dropped.
func (c *nhooyrConn) interrupt() {
	defer close(c.interrupted)
	c.closeWithin(nyws.StatusGoingAway, "server shutting down")
}
