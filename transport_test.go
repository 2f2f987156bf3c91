package wsecho

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

// stalledWSConn blocks WriteControl until release is closed.
type stalledWSConn struct {
	entered chan struct{}
	release chan struct{}

	controls atomic.Int32
	closes   atomic.Int32
}

func (c *stalledWSConn) ReadMessage() (int, []byte, error) { return 0, nil, net.ErrClosed }
func (c *stalledWSConn) WriteMessage(int, []byte) error    { return nil }
func (c *stalledWSConn) SetReadLimit(int64)                {}
func (c *stalledWSConn) SetReadDeadline(time.Time) error   { return nil }
func (c *stalledWSConn) SetWriteDeadline(time.Time) error  { return nil }
func (c *stalledWSConn) RemoteAddr() net.Addr              { return hostPort("192.0.2.1:4242") }

func (c *stalledWSConn) WriteControl(int, []byte, time.Time) error {
	if c.controls.Add(1) == 1 {
		close(c.entered)
	}
	<-c.release
	return nil
}

func (c *stalledWSConn) Close() error {
	c.closes.Add(1)
	return nil
}

func TestGorillaCloseWaitsForInterrupt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	raw, peer := net.Pipe()
	defer peer.Close()

	wc := &stalledWSConn{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	gc := newGorillaConn(ctx, wc, raw, &fastwsDialect, DefaultConfig())

	cancel()
	<-wc.entered

	closed := make(chan struct{})
	go func() {
		gc.Close(StatusGoAway, "server shutting down")
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while the shutdown close frame was being written")
	case <-time.After(50 * time.Millisecond):
	}

	close(wc.release)

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return after the interrupt finished")
	}

	assert.Equal(t, int32(1), wc.controls.Load(), "one close frame")
	assert.Equal(t, int32(1), wc.closes.Load())

	// the interrupt closed the socket itself
	_, err := raw.Write([]byte{0})
	assert.Error(t, err)
}

func TestFastHTTPAbortedUpgradeReleasesSlot(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConns = 1

	s, err := New(cfg)
	require.NoError(t, err)

	a := newFastHTTPAcceptor(s)

	nc, peer := net.Pipe()
	defer peer.Close()

	require.NoError(t, s.admit())
	a.reserve(nc)
	assert.ErrorIs(t, s.admit(), ErrTooManyConns)

	// fasthttp closed the connection before the hijack handler ran
	a.connState(nc, fasthttp.StateClosed)

	st := s.Stats()
	assert.Zero(t, st.Active)
	assert.Equal(t, uint64(1), st.HandshakeFailures)
	assert.False(t, a.claim(nc), "released once")

	a.connState(nc, fasthttp.StateClosed)
	assert.Zero(t, s.Stats().Active)

	require.NoError(t, s.admit())
	s.release()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, s.Shutdown(ctx))
}

func TestFastHTTPHijackedConnKeepsSlot(t *testing.T) {
	s, err := New(DefaultConfig())
	require.NoError(t, err)

	a := newFastHTTPAcceptor(s)

	nc, peer := net.Pipe()
	defer peer.Close()

	require.NoError(t, s.admit())
	a.reserve(nc)
	require.True(t, a.claim(nc))

	// a hijacked conn is never reported closed, but a stray report must not
	// release the slot owned by the relay
	a.connState(nc, fasthttp.StateClosed)
	assert.Equal(t, 1, s.Stats().Active)

	s.release()
}

func TestValidReceivedCloseCode(t *testing.T) {
	for _, s := range []StatusCode{1000, 1001, 1002, 1003, 1007, 1008, 1009, 1010, 1011, 1012, 3000, 4999} {
		assert.True(t, s.validReceived(), s.String())
	}
	for _, s := range []StatusCode{0, 999, 1004, 1005, 1006, 1015, 1016, 2999, 5000} {
		assert.False(t, s.validReceived(), s.String())
	}
}
