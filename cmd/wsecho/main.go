// Command wsecho runs a WebSocket echo server on the given port.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dgrr/wsecho"
)

func main() {
	if err := newCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	var (
		cfg             = wsecho.DefaultConfig()
		shutdownTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:          "wsecho [flags] <port>",
		Short:        "Run the WebSocket echo server",
		Long:         `wsecho echoes back every message it receives, text as text and binary as binary, on any path.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := wsecho.ParsePort(args[0])
			if err != nil {
				return err
			}
			cfg.Port = port

			return run(cmd.Context(), cfg, shutdownTimeout)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.Host, "host", cfg.Host, "address to listen on")
	f.Int64Var(&cfg.MaxMessageSize, "max-size", cfg.MaxMessageSize, "maximum reassembled message size in bytes")
	f.StringVar(&cfg.Backend, "backend", cfg.Backend, fmt.Sprintf("WebSocket implementation, one of %v", wsecho.Backends))
	f.DurationVar(&cfg.ReadTimeout, "read-timeout", 0, "per-message read timeout, 0 disables it")
	f.DurationVar(&cfg.WriteTimeout, "write-timeout", 0, "per-message write timeout, 0 disables it")
	f.IntVar(&cfg.MaxConns, "max-conns", 0, "maximum concurrent connections, 0 means unlimited")
	f.BoolVar(&cfg.ReusePort, "reuse-port", false, "set SO_REUSEPORT on the listener")
	f.DurationVar(&shutdownTimeout, "shutdown-timeout", 5*time.Second, "how long to wait for connections on shutdown")
	f.BoolVarP(&cfg.Verbose, "verbose", "v", false, "log every connection")

	return cmd
}

func run(ctx context.Context, cfg wsecho.Config, shutdownTimeout time.Duration) error {
	s, err := wsecho.New(cfg)
	if err != nil {
		return err
	}

	ln, err := wsecho.Listen(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	served := make(chan error, 1)
	go func() {
		served <- s.Serve(ln)
	}()

	log.Printf("wsecho: listening on ws://%s/ (%s)\n", ln.Addr(), cfg.Backend)

	select {
	case err := <-served:
		return err
	case <-ctx.Done():
	}
	stop()

	log.Println("wsecho: shutting down")

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.Shutdown(sctx); err != nil {
		log.Printf("wsecho: shutdown: %s\n", err)
	}
	if err := <-served; err != nil {
		log.Printf("wsecho: serve: %s\n", err)
	}

	st := s.Stats()
	log.Printf("wsecho: %d accepted, %d closed, %d too big, %d interrupted, %d failed, %d rejected\n",
		st.Accepted, st.Closed, st.TooBig, st.Shutdown, st.Failed, st.Rejected)

	return nil
}
