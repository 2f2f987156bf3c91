// Package bench is a load generator for WebSocket echo servers.
//
// Every connection sends its messages one at a time, each split into a fixed
// number of frames, and waits for the complete echo before sending the next.
package bench

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Options configures a run against one URI.
type Options struct {
	// Conns is the number of concurrent connections.
	Conns int
	// Messages is the number of messages sent on each connection.
	Messages int
	// FrameLen is the payload length of every frame.
	FrameLen int
	// Frames is the number of frames each message is split into.
	Frames int
	// Binary sends binary instead of text messages.
	Binary bool
	// Timeout bounds each connection, zero means none.
	Timeout time.Duration

	Dialer ws.Dialer
}

// DefaultOptions mirrors a single small text message on one connection.
func DefaultOptions() Options {
	return Options{
		Conns:    1,
		Messages: 1,
		FrameLen: 1024,
		Frames:   1,
	}
}

func (o Options) validate() error {
	if o.Conns < 1 || o.Messages < 0 || o.FrameLen < 0 || o.Frames < 1 {
		return fmt.Errorf("invalid options: %d conns, %d messages, %d frames of %d bytes",
			o.Conns, o.Messages, o.Frames, o.FrameLen)
	}
	return nil
}

// Result is the outcome of a run against one URI.
type Result struct {
	URI      string
	Elapsed  time.Duration
	Messages uint64
	Bytes    uint64
}

func (r Result) String() string {
	return fmt.Sprintf("%s: %d ms, %d messages, %d bytes", r.URI, r.Elapsed.Milliseconds(), r.Messages, r.Bytes)
}

// ErrMismatch is returned when an echo differs from what was sent.
var ErrMismatch = errors.New("bench: echo mismatch")

// Run opens opts.Conns connections to uri and echoes opts.Messages messages
// on each. It returns the first connection error.
func Run(ctx context.Context, uri string, opts Options) (Result, error) {
	if err := opts.validate(); err != nil {
		return Result{}, err
	}

	payload := bytes.Repeat([]byte{'5'}, opts.FrameLen*opts.Frames)

	var (
		wg       sync.WaitGroup
		messages atomic.Uint64
		errs     = make(chan error, opts.Conns)
		start    = time.Now()
	)

	for i := 0; i < opts.Conns; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			n, err := runConn(ctx, uri, opts, payload)
			messages.Add(n)
			if err != nil {
				errs <- err
			}
		}()
	}

	wg.Wait()
	close(errs)

	if err := <-errs; err != nil {
		return Result{}, err
	}

	n := messages.Load()
	return Result{
		URI:      uri,
		Elapsed:  time.Since(start),
		Messages: n,
		Bytes:    n * uint64(len(payload)),
	}, nil
}

type readWriter struct {
	io.Reader
	io.Writer
}

func runConn(ctx context.Context, uri string, opts Options, payload []byte) (uint64, error) {
	conn, br, _, err := opts.Dialer.Dial(ctx, uri)
	if err != nil {
		return 0, fmt.Errorf("dial %s: %w", uri, err)
	}
	defer conn.Close()

	if opts.Timeout > 0 {
		conn.SetDeadline(time.Now().Add(opts.Timeout))
	}

	rw := readWriter{Reader: conn, Writer: conn}
	if br != nil {
		rw.Reader = br
	}

	op := ws.OpText
	if opts.Binary {
		op = ws.OpBinary
	}

	var n uint64
	for i := 0; i < opts.Messages; i++ {
		if err := WriteFragmented(conn, op, payload, opts.Frames); err != nil {
			return n, err
		}

		p, rop, err := wsutil.ReadServerData(rw)
		if err != nil {
			return n, err
		}
		if rop != op || !bytes.Equal(p, payload) {
			return n, fmt.Errorf("%w: message %d", ErrMismatch, i)
		}
		n++
	}

	return n, closeHandshake(rw)
}

// closeHandshake sends a normal close and waits for the server's reply.
func closeHandshake(rw readWriter) error {
	body := make([]byte, 2)
	binary.BigEndian.PutUint16(body, 1000)

	if err := ws.WriteFrame(rw, ws.MaskFrame(ws.NewFrame(ws.OpClose, true, body))); err != nil {
		return err
	}

	// Whatever ends the read, the server's close frame or the socket closing
	// right after it, the connection is done.
	for {
		if _, _, err := wsutil.ReadServerData(rw); err != nil {
			return nil
		}
	}
}

// WriteFragmented writes payload as one message split into n masked frames
// of equal size (the last one may be shorter).
func WriteFragmented(w io.Writer, op ws.OpCode, payload []byte, n int) error {
	if n < 1 {
		n = 1
	}
	size := (len(payload) + n - 1) / n

	for i := 0; i < n; i++ {
		lo := min(i*size, len(payload))
		hi := min(lo+size, len(payload))

		code := ws.OpContinuation
		if i == 0 {
			code = op
		}

		f := ws.NewFrame(code, i == n-1, payload[lo:hi])
		if err := ws.WriteFrame(w, ws.MaskFrame(f)); err != nil {
			return err
		}
	}

	return nil
}
