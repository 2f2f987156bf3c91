package wsecho

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Cause is why a relay loop ended.
type Cause int

const (
	// CauseClosed: the client closed the connection with a normal status.
	CauseClosed Cause = iota
	// CauseTooBig: the client sent a message larger than the bound.
	CauseTooBig
	// CauseShutdown: the server is shutting down.
	CauseShutdown
	// CauseTransport: network or protocol error.
	CauseTransport

	numCauses
)

func (c Cause) String() string {
	switch c {
	case CauseClosed:
		return "closed"
	case CauseTooBig:
		return "too big"
	case CauseShutdown:
		return "shutdown"
	case CauseTransport:
		return "transport error"
	}
	return "unknown"
}

// Outcome summarizes a finished connection.
type Outcome struct {
	Cause Cause

	// Err is nil for CauseClosed.
	Err error

	// Messages and Bytes count what was echoed.
	Messages uint64
	Bytes    uint64

	Duration time.Duration
}

// Failed reports whether the connection ended on a server-side or network
// failure rather than on an expected condition.
func (o Outcome) Failed() bool {
	return o.Cause == CauseTransport
}

func (o Outcome) String() string {
	s := fmt.Sprintf("%s after %d messages (%d bytes) in %s", o.Cause, o.Messages, o.Bytes, o.Duration)
	if o.Err != nil {
		s += ": " + o.Err.Error()
	}
	return s
}

// Echo relays every message received on c back to it, in order and
// unmodified, until the connection ends. It closes the transport before
// returning and leaves c in StateClosed.
//
// ctx is the shutdown signal. Transports observe it themselves by
// interrupting their blocked read or write; Echo only uses it to tell a
// shutdown apart from a transport failure.
func Echo(ctx context.Context, c *Connection) Outcome {
	var (
		out   Outcome
		err   error
		start = time.Now()
	)

	for {
		var m Message
		if m, err = c.conn.ReadMessage(); err != nil {
			break
		}
		if err = c.conn.WriteMessage(m); err != nil {
			break
		}

		out.Messages++
		out.Bytes += uint64(len(m.Payload))
	}

	c.closing()

	out.Cause, out.Err = classify(ctx, err)
	status, reason := closeStatus(out)
	c.conn.Close(status, reason)

	c.closed()
	out.Duration = time.Since(start)

	return out
}

func classify(ctx context.Context, err error) (Cause, error) {
	if errors.Is(err, ErrMessageTooBig) {
		return CauseTooBig, err
	}
	if ctx.Err() != nil {
		return CauseShutdown, err
	}

	var ce *Error
	if errors.As(err, &ce) && ce.Status.normal() {
		return CauseClosed, nil
	}

	return CauseTransport, err
}

// closeStatus picks the close frame the relay asks the transport to send.
// Transports skip it when a close frame already went out.
//
// Transport errors get StatusAbnormal, which is never sent: either the
// network is gone or the transport already failed the connection with its
// own protocol error frame.
func closeStatus(out Outcome) (StatusCode, string) {
	switch out.Cause {
	case CauseClosed:
		return StatusNormal, ""
	case CauseTooBig:
		return StatusTooBig, "message too big"
	case CauseShutdown:
		return StatusGoAway, "server shutting down"
	}
	return StatusAbnormal, ""
}
