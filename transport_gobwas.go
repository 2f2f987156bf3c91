package wsecho

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/valyala/bytebufferpool"
)

const maxControlPayload = 125

var errCloseSent = errors.New("websocket: close sent")

func gobwasUpgrader(s *Server) upgradeFunc {
	return func(w http.ResponseWriter, r *http.Request) (Conn, error) {
		conn, rw, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			// the rejection is written on the hijacked conn
			if conn != nil {
				conn.Close()
			}
			return nil, err
		}
		return newGobwasConn(s.ctx, conn, rw, s.cfg), nil
	}
}

// gobwasConn speaks the framing layer directly through gobwas/ws.
// Fragmented messages are reassembled into a pooled buffer, and the size
// bound is checked against every frame header before its payload is read.
type gobwasConn struct {
	conn net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer

	maxSize      int64
	readTimeout  time.Duration
	writeTimeout time.Duration

	// buf holds the message returned by the last ReadMessage.
	buf  *bytebufferpool.ByteBuffer
	ctrl [maxControlPayload]byte

	wmu       sync.Mutex
	closeSent bool

	stop        func() bool
	interrupted chan struct{}
}

func newGobwasConn(ctx context.Context, conn net.Conn, rw *bufio.ReadWriter, cfg Config) *gobwasConn {
	c := &gobwasConn{
		conn:         conn,
		br:           rw.Reader,
		bw:           rw.Writer,
		maxSize:      cfg.MaxMessageSize,
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
		buf:          bytebufferpool.Get(),
		interrupted:  make(chan struct{}),
	}
	c.stop = context.AfterFunc(ctx, c.interrupt)

	return c
}

func (c *gobwasConn) ReadMessage() (Message, error) {
	if c.readTimeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	}

	c.buf.Reset()

	var kind Kind
	for {
		h, err := ws.ReadHeader(c.br)
		if err != nil {
			return Message{}, abnormal(err)
		}

		if h.Rsv != 0 {
			return Message{}, c.fail(StatusProtocolError, "reserved bits set")
		}
		if !h.Masked {
			return Message{}, c.fail(StatusProtocolError, "unmasked client frame")
		}

		if h.OpCode.IsControl() {
			if err := c.control(h); err != nil {
				return Message{}, err
			}
			continue
		}

		switch h.OpCode {
		case ws.OpContinuation:
			if kind == 0 {
				return Message{}, c.fail(StatusProtocolError, "unexpected continuation frame")
			}
		case ws.OpText, ws.OpBinary:
			if kind != 0 {
				return Message{}, c.fail(StatusProtocolError, "expected continuation frame")
			}
			kind = Kind(h.OpCode)
		default:
			return Message{}, c.fail(StatusProtocolError, "reserved opcode")
		}

		if h.Length > c.maxSize-int64(c.buf.Len()) {
			return Message{}, c.fail(StatusTooBig, "message too big")
		}

		off := c.buf.Len()
		n, err := c.buf.ReadFrom(io.LimitReader(c.br, h.Length))
		if err != nil {
			return Message{}, abnormal(err)
		}
		if n != h.Length {
			return Message{}, abnormal(io.ErrUnexpectedEOF)
		}
		ws.Cipher(c.buf.B[off:], h.Mask, 0)

		if h.Fin {
			return Message{Kind: kind, Payload: c.buf.B}, nil
		}
	}
}

// control handles a control frame interleaved with the message being read.
func (c *gobwasConn) control(h ws.Header) error {
	if !h.Fin || h.Length > maxControlPayload {
		return c.fail(StatusProtocolError, "invalid control frame")
	}

	p := c.ctrl[:h.Length]
	if _, err := io.ReadFull(c.br, p); err != nil {
		return abnormal(err)
	}
	ws.Cipher(p, h.Mask, 0)

	switch h.OpCode {
	case ws.OpPing:
		return c.writeFrame(ws.NewFrame(ws.OpPong, true, p))
	case ws.OpPong:
		return nil
	case ws.OpClose:
		status, reason, err := parseCloseBody(p)
		if err != nil {
			return c.fail(StatusProtocolError, err.Error())
		}
		if len(p) > 0 && !status.validReceived() {
			return c.fail(StatusProtocolError, "invalid close code "+strconv.Itoa(int(status)))
		}
		c.writeClose(status, "")
		return &Error{Status: status, Reason: reason}
	}

	return c.fail(StatusProtocolError, "reserved opcode")
}

// fail closes the connection with status on a client protocol violation.
func (c *gobwasConn) fail(status StatusCode, reason string) error {
	c.writeClose(status, reason)
	if status == StatusTooBig {
		return ErrMessageTooBig
	}
	return &Error{Status: status, Reason: reason}
}

func (c *gobwasConn) WriteMessage(m Message) error {
	return c.writeFrame(ws.NewFrame(ws.OpCode(m.Kind), true, m.Payload))
}

func (c *gobwasConn) writeFrame(f ws.Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.closeSent {
		return errCloseSent
	}

	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}

	if err := ws.WriteFrame(c.bw, f); err != nil {
		return err
	}
	return c.bw.Flush()
}

func (c *gobwasConn) writeClose(status StatusCode, reason string) {
	c.wmu.Lock()
	c.writeCloseLocked(status, reason)
	c.wmu.Unlock()
}

func (c *gobwasConn) writeCloseLocked(status StatusCode, reason string) {
	if status.silent() || c.closeSent {
		return
	}
	c.closeSent = true

	c.conn.SetWriteDeadline(time.Now().Add(closeTimeout))
	if err := ws.WriteFrame(c.bw, ws.NewFrame(ws.OpClose, true, closeBody(status, reason))); err == nil {
		c.bw.Flush()
	}
}

func (c *gobwasConn) Close(status StatusCode, reason string) error {
	if !c.stop() {
		<-c.interrupted
	}
	c.writeClose(status, reason)

	err := c.conn.Close()

	bytebufferpool.Put(c.buf)
	c.buf = nil

	return err
}

func (c *gobwasConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// interrupt runs on shutdown. The close frame is skipped when a write is in
// flight; closing the socket unblocks both sides either way.
func (c *gobwasConn) interrupt() {
	defer close(c.interrupted)

	if c.wmu.TryLock() {
		c.writeCloseLocked(StatusGoAway, "server shutting down")
		c.wmu.Unlock()
	}
	c.conn.Close()
}
