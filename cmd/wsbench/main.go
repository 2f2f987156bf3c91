// Command wsbench measures how long WebSocket echo servers take to echo a
// fixed workload.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dgrr/wsecho/bench"
)

func main() {
	if err := newCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	opts := bench.DefaultOptions()

	cmd := &cobra.Command{
		Use:          "wsbench [flags] <uri>...",
		Short:        "Benchmark WebSocket echo servers",
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, uri := range args {
				res, err := bench.Run(cmd.Context(), uri, opts)
				if err != nil {
					return fmt.Errorf("%s: %w", uri, err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), res)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.IntVarP(&opts.Conns, "conns", "c", opts.Conns, "concurrent connections per URI")
	f.IntVarP(&opts.Messages, "msgs", "m", opts.Messages, "messages per connection")
	f.IntVarP(&opts.FrameLen, "frame-len", "l", opts.FrameLen, "payload bytes per frame")
	f.IntVarP(&opts.Frames, "frames", "f", opts.Frames, "frames per message")
	f.BoolVar(&opts.Binary, "binary", false, "send binary messages")
	f.DurationVar(&opts.Timeout, "timeout", 0, "per-connection timeout, 0 disables it")

	return cmd
}
