package wsecho

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// StatusCode is a WebSocket close status code.
type StatusCode uint16

const (
	StatusNone            StatusCode = 0
	StatusNormal          StatusCode = 1000
	StatusGoAway          StatusCode = 1001
	StatusProtocolError   StatusCode = 1002
	StatusUnsupportedData StatusCode = 1003
	StatusNoStatus        StatusCode = 1005
	StatusAbnormal        StatusCode = 1006
	StatusInvalidPayload  StatusCode = 1007
	StatusPolicyViolation StatusCode = 1008
	StatusTooBig          StatusCode = 1009
	StatusInternalError   StatusCode = 1011
)

var statusText = map[StatusCode]string{
	StatusNone:            "none",
	StatusNormal:          "normal closure",
	StatusGoAway:          "going away",
	StatusProtocolError:   "protocol error",
	StatusUnsupportedData: "unsupported data",
	StatusNoStatus:        "no status",
	StatusAbnormal:        "abnormal closure",
	StatusInvalidPayload:  "invalid payload",
	StatusPolicyViolation: "policy violation",
	StatusTooBig:          "message too big",
	StatusInternalError:   "internal error",
}

func (s StatusCode) String() string {
	if text, ok := statusText[s]; ok {
		return text
	}
	return "status " + strconv.Itoa(int(s))
}

// silent reports whether closing with s sends no close frame at all.
// RFC 6455 reserves 1006 for connections that ended without one.
func (s StatusCode) silent() bool {
	return s == StatusNone || s == StatusAbnormal
}

// closeBody encodes a close frame payload. StatusNoStatus has an empty body.
func closeBody(s StatusCode, reason string) []byte {
	if s == StatusNoStatus {
		return nil
	}
	b := make([]byte, 2, 2+len(reason))
	binary.BigEndian.PutUint16(b, uint16(s))
	return append(b, reason...)
}

// parseCloseBody decodes a close frame payload.
func parseCloseBody(p []byte) (StatusCode, string, error) {
	switch len(p) {
	case 0:
		return StatusNoStatus, "", nil
	case 1:
		return 0, "", errors.New("websocket: invalid close payload")
	}
	return StatusCode(binary.BigEndian.Uint16(p)), string(p[2:]), nil
}

// normal reports whether a peer closing with s ended the connection cleanly.
func (s StatusCode) normal() bool {
	return s == StatusNormal || s == StatusGoAway || s == StatusNoStatus
}

// validReceived reports whether s may appear in a close frame sent by a
// peer. 1005, 1006 and 1015 are local-only.
func (s StatusCode) validReceived() bool {
	switch {
	case s >= 3000 && s <= 4999:
		return true
	case s < 1000 || s > 1014:
		return false
	}
	return s != 1004 && s != StatusNoStatus && s != StatusAbnormal
}

// Error is the close status (and reason) of a connection that ended with a
// close frame, or with StatusAbnormal when the peer went away without one.
type Error struct {
	Status StatusCode
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Status, e.Reason)
}

var (
	// ErrMessageTooBig is returned by Conn.ReadMessage when the reassembled
	// message exceeds the configured maximum. The transport has already sent
	// a close frame with StatusTooBig.
	ErrMessageTooBig = errors.New("websocket: message too big")

	// ErrServerClosed is returned when a connection arrives after Shutdown.
	ErrServerClosed = errors.New("wsecho: server closed")

	// ErrTooManyConns is returned when Config.MaxConns connections are live.
	ErrTooManyConns = errors.New("wsecho: too many connections")
)

// abnormal maps a bare EOF from the network to a close error.
func abnormal(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &Error{Status: StatusAbnormal, Reason: err.Error()}
	}
	return err
}
