package wsecho

import (
	"net"
	"sync/atomic"
	"time"
)

// Kind is the framing kind of a message. Values match the WebSocket opcodes.
type Kind uint8

const (
	KindText   Kind = 1
	KindBinary Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindBinary:
		return "binary"
	}
	return "unknown"
}

// Message is one complete, reassembled WebSocket message.
//
// Payload is only valid until the next ReadMessage on the same Conn.
type Message struct {
	Kind    Kind
	Payload []byte
}

// Conn is a handshake-completed WebSocket transport.
//
// ReadMessage and WriteMessage are never called concurrently with themselves
// or each other. Close is called exactly once, after the last read or write.
type Conn interface {
	// ReadMessage blocks until a complete message arrives. It returns
	// ErrMessageTooBig for oversize messages and *Error once the peer closed.
	ReadMessage() (Message, error)

	// WriteMessage sends m as a single message of the same kind.
	WriteMessage(m Message) error

	// Close sends a close frame with status (when still possible and the
	// status may be sent) and releases the underlying connection.
	Close(status StatusCode, reason string) error

	RemoteAddr() net.Addr
}

// State is the liveness state of a Connection.
type State int32

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Connection is one accepted client served by a single relay goroutine.
type Connection struct {
	id      uint64
	conn    Conn
	maxSize int64
	opened  time.Time

	state atomic.Int32
}

func newConnection(id uint64, c Conn, maxSize int64) *Connection {
	return &Connection{
		id:      id,
		conn:    c,
		maxSize: maxSize,
		opened:  time.Now(),
	}
}

// ID returns a unique identifier for the connection.
func (c *Connection) ID() uint64 {
	return c.id
}

// RemoteAddr returns peer remote address.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// MaxMessageSize returns the size bound applied to this connection.
func (c *Connection) MaxMessageSize() int64 {
	return c.maxSize
}

// Opened returns when the handshake completed.
func (c *Connection) Opened() time.Time {
	return c.opened
}

// State returns the current liveness state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

func (c *Connection) closing() bool {
	return c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing))
}

// closed moves the connection to its terminal state. It reports false if the
// connection was already closed.
func (c *Connection) closed() bool {
	return State(c.state.Swap(int32(StateClosed))) != StateClosed
}
