package wsecho

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// DefaultMaxMessageSize is the largest message echoed by default (16 MiB).
const DefaultMaxMessageSize = 16 << 20

// Backend names accepted by Config.Backend.
const (
	BackendFastHTTP = "fasthttp"
	BackendGorilla  = "gorilla"
	BackendGobwas   = "gobwas"
	BackendNhooyr   = "nhooyr"
)

// Backends lists every supported backend, default first.
var Backends = []string{BackendFastHTTP, BackendGorilla, BackendGobwas, BackendNhooyr}

// Config is read once when the server is created and never changes.
type Config struct {
	// Host is the listen host. Defaults to the loopback interface.
	Host string

	// Port is the listen port. Zero picks an ephemeral port.
	Port int

	// MaxMessageSize bounds the reassembled size of any single message.
	MaxMessageSize int64

	// Backend selects the HTTP server and WebSocket transport.
	Backend string

	// ReadBufferSize and WriteBufferSize size the transport I/O buffers.
	ReadBufferSize  int
	WriteBufferSize int

	// ReadTimeout bounds each receive and WriteTimeout each send.
	// Zero means no timeout: a receive may wait forever for the client.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// MaxConns caps the number of live connections. Zero means no cap.
	MaxConns int

	// ReusePort sets SO_REUSEPORT on the listening socket.
	ReusePort bool

	// Verbose logs opens, normal closes and handshake failures.
	Verbose bool
}

// DefaultConfig returns the reference configuration without a port.
func DefaultConfig() Config {
	return Config{
		Host:            "127.0.0.1",
		MaxMessageSize:  DefaultMaxMessageSize,
		Backend:         BackendFastHTTP,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
}

// Addr returns the host:port the server listens on.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("invalid max message size %d", c.MaxMessageSize)
	}
	if c.ReadBufferSize < 0 || c.WriteBufferSize < 0 {
		return fmt.Errorf("invalid buffer sizes %d/%d", c.ReadBufferSize, c.WriteBufferSize)
	}
	if c.ReadTimeout < 0 || c.WriteTimeout < 0 {
		return fmt.Errorf("invalid timeouts %s/%s", c.ReadTimeout, c.WriteTimeout)
	}
	if c.MaxConns < 0 {
		return fmt.Errorf("invalid max conns %d", c.MaxConns)
	}
	for _, b := range Backends {
		if c.Backend == b {
			return nil
		}
	}
	return fmt.Errorf("unknown backend %q", c.Backend)
}

// ParsePort parses a command line port argument. Only 1-65535 is accepted.
func ParsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("port %d out of range", port)
	}
	return port, nil
}
