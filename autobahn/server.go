// Command autobahn serves every backend for the Autobahn fuzzing client,
// starting at port 9001 in the order of wsecho.Backends.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgrr/wsecho"
)

const basePort = 9001

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var servers []*wsecho.Server
	for i, backend := range wsecho.Backends {
		cfg := wsecho.DefaultConfig()
		cfg.Host = "0.0.0.0"
		cfg.Port = basePort + i
		cfg.Backend = backend

		s, err := wsecho.New(cfg)
		if err != nil {
			log.Fatalln(err)
		}
		s.HandleClose(func(c *wsecho.Connection, out wsecho.Outcome) {
			log.Printf("%s: closed connection %d: %s\n", backend, c.ID(), out)
		})

		ln, err := wsecho.Listen(cfg)
		if err != nil {
			log.Fatalln(err)
		}
		go func() {
			if err := s.Serve(ln); err != nil {
				log.Printf("%s: %s\n", backend, err)
			}
		}()

		log.Printf("%s on ws://%s/\n", backend, ln.Addr())
		servers = append(servers, s)
	}

	<-ctx.Done()

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	code := 0
	for _, s := range servers {
		if err := s.Shutdown(sctx); err != nil {
			log.Println(err)
			code = 1
		}
	}
	os.Exit(code)
}
