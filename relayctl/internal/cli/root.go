package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/you-humble/genrelay/core/relayapi"

	"github.com/spf13/cobra"
)

const defaultServer = "http://localhost:3456"

type contextKey string

const clientKey contextKey = "relay-client"

type rootOptions struct {
	server  string
	timeout time.Duration
	debug   bool
}

func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "relayctl",
		Short:         "Operate a genrelay dispatch server",
		Long:          `relayctl pushes tasks to a genrelay dispatch server and inspects its tasks, artifacts and event stream.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			cfg := relayapi.DefaultConfig(opts.server)
			cfg.Timeout = opts.timeout
			cfg.Debug = opts.debug

			cmd.SetContext(context.WithValue(cmd.Context(), clientKey, relayapi.NewClient(cfg)))
			return nil
		},
	}

	server := os.Getenv("GENRELAY_SERVER")
	if server == "" {
		server = defaultServer
	}
	root.PersistentFlags().StringVar(&opts.server, "server", server, "dispatch base URL (env GENRELAY_SERVER)")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "dump HTTP traffic")

	root.AddCommand(
		newPushCmd(),
		newTasksCmd(),
		newFilesCmd(),
		newPurgeCmd(),
		newReleaseCmd(),
		newWatchCmd(),
	)
	return root
}

func Execute(ctx context.Context) {
	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "relayctl:", err)
		os.Exit(1)
	}
}

func clientFrom(cmd *cobra.Command) (*relayapi.Client, error) {
	c, ok := cmd.Context().Value(clientKey).(*relayapi.Client)
	if !ok || c == nil {
		return nil, errors.New("relay client is not initialized")
	}
	return c, nil
}
