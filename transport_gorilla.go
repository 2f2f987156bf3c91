package wsecho

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	fastws "github.com/fasthttp/websocket"
	"github.com/gorilla/websocket"
)

// closeTimeout bounds writing a close frame.
const closeTimeout = time.Second

// wsConn is the method set shared by gorilla/websocket and its fasthttp fork.
// Close and WriteControl are safe to call concurrently with the others.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	RemoteAddr() net.Addr
	Close() error
}

// dialect is what differs between the two packages.
type dialect struct {
	closeMessage int
	errReadLimit error
	formatClose  func(closeCode int, text string) []byte
	closeError   func(err error) (*Error, bool)
}

var gorillaDialect = dialect{
	closeMessage: websocket.CloseMessage,
	errReadLimit: websocket.ErrReadLimit,
	formatClose:  websocket.FormatCloseMessage,
	closeError: func(err error) (*Error, bool) {
		var ce *websocket.CloseError
		if !errors.As(err, &ce) {
			return nil, false
		}
		return &Error{Status: StatusCode(ce.Code), Reason: ce.Text}, true
	},
}

var fastwsDialect = dialect{
	closeMessage: fastws.CloseMessage,
	errReadLimit: fastws.ErrReadLimit,
	formatClose:  fastws.FormatCloseMessage,
	closeError: func(err error) (*Error, bool) {
		var ce *fastws.CloseError
		if !errors.As(err, &ce) {
			return nil, false
		}
		return &Error{Status: StatusCode(ce.Code), Reason: ce.Text}, true
	},
}

func gorillaUpgrader(s *Server) upgradeFunc {
	up := &websocket.Upgrader{
		ReadBufferSize:  s.cfg.ReadBufferSize,
		WriteBufferSize: s.cfg.WriteBufferSize,
		CheckOrigin: func(*http.Request) bool {
			return true
		},
	}

	return func(w http.ResponseWriter, r *http.Request) (Conn, error) {
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return nil, err
		}
		return newGorillaConn(s.ctx, c, c.UnderlyingConn(), &gorillaDialect, s.cfg), nil
	}
}

// gorillaConn adapts a gorilla style connection. The transport reassembles
// fragmented messages and enforces the read limit on the whole message,
// answering oversize messages with a StatusTooBig close frame itself.
//
// raw is the socket under c. On fasthttp, closing c is a no-op until the
// hijack handler returns, so the shutdown interrupt closes raw instead.
type gorillaConn struct {
	c   wsConn
	raw net.Conn
	d   *dialect

	readTimeout  time.Duration
	writeTimeout time.Duration

	closeSent atomic.Bool

	stop        func() bool
	interrupted chan struct{}
}

func newGorillaConn(ctx context.Context, c wsConn, raw net.Conn, d *dialect, cfg Config) *gorillaConn {
	c.SetReadLimit(cfg.MaxMessageSize)

	gc := &gorillaConn{
		c:            c,
		raw:          raw,
		d:            d,
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
		interrupted:  make(chan struct{}),
	}
	gc.stop = context.AfterFunc(ctx, gc.interrupt)

	return gc
}

func (gc *gorillaConn) ReadMessage() (Message, error) {
	if gc.readTimeout > 0 {
		gc.c.SetReadDeadline(time.Now().Add(gc.readTimeout))
	}

	mt, p, err := gc.c.ReadMessage()
	if err != nil {
		return Message{}, gc.readError(err)
	}

	return Message{Kind: Kind(mt), Payload: p}, nil
}

func (gc *gorillaConn) readError(err error) error {
	if errors.Is(err, gc.d.errReadLimit) {
		gc.closeSent.Store(true)
		return ErrMessageTooBig
	}

	if ce, ok := gc.d.closeError(err); ok {
		// the transport answers close frames; 1006 is synthesized locally
		if ce.Status != StatusAbnormal {
			gc.closeSent.Store(true)
		}
		return ce
	}

	return err
}

func (gc *gorillaConn) WriteMessage(m Message) error {
	if gc.writeTimeout > 0 {
		gc.c.SetWriteDeadline(time.Now().Add(gc.writeTimeout))
	}
	return gc.c.WriteMessage(int(m.Kind), m.Payload)
}

// Close must not return while the interrupt still uses the connection: on
// fasthttp the hijacked conn is pooled once the handler returns.
func (gc *gorillaConn) Close(status StatusCode, reason string) error {
	if !gc.stop() {
		<-gc.interrupted
	}
	gc.sendClose(status, reason)
	return gc.c.Close()
}

func (gc *gorillaConn) RemoteAddr() net.Addr {
	return gc.c.RemoteAddr()
}

// interrupt runs on shutdown, concurrently with a blocked read or write.
func (gc *gorillaConn) interrupt() {
	defer close(gc.interrupted)

	gc.sendClose(StatusGoAway, "server shutting down")
	gc.raw.Close()
}

func (gc *gorillaConn) sendClose(status StatusCode, reason string) {
	if status.silent() || gc.closeSent.Swap(true) {
		return
	}
	gc.c.WriteControl(gc.d.closeMessage, gc.d.formatClose(int(status), reason), time.Now().Add(closeTimeout))
}
