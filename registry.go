package wsecho

import (
	"context"
	"sync"
)

// registry tracks the live connections of a server. It only counts them;
// connections themselves belong to their relay goroutine.
type registry struct {
	mu     sync.Mutex
	max    int
	active int
	closed bool

	wg sync.WaitGroup
}

// acquire reserves a slot for a connection about to be upgraded.
func (r *registry) acquire() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case r.closed:
		return ErrServerClosed
	case r.max > 0 && r.active >= r.max:
		return ErrTooManyConns
	}

	r.active++
	r.wg.Add(1)

	return nil
}

func (r *registry) release() {
	r.mu.Lock()
	r.active--
	r.mu.Unlock()

	r.wg.Done()
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.active
}

// close refuses every later acquire.
func (r *registry) close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

// wait blocks until every acquired slot is released or ctx is done.
// It must only be called after close.
func (r *registry) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
