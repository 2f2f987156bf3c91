package wsecho

import (
	"context"
	"fmt"
	"net"
)

// Listen binds the TCP listener described by cfg. Failing to bind is fatal
// for the caller; it is never retried.
func Listen(cfg Config) (net.Listener, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var lc net.ListenConfig
	if cfg.ReusePort {
		lc.Control = reusePort
	}

	ln, err := lc.Listen(context.Background(), "tcp", cfg.Addr())
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.Addr(), err)
	}

	return ln, nil
}
