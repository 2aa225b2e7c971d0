package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/you-humble/genrelay/core/relayapi"

	"github.com/spf13/cobra"
)

func newWatchCmd() *cobra.Command {
	var clientID string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print the server event stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFrom(cmd)
			if err != nil {
				return err
			}
			if clientID == "" {
				clientID = fmt.Sprintf("relayctl-%d", time.Now().UnixMilli())
			}

			body, err := c.OpenEvents(cmd.Context(), clientID)
			if err != nil {
				return fmt.Errorf("open events: %w", err)
			}
			defer body.Close()

			out := cmd.OutOrStdout()
			err = relayapi.ReadEvents(body, func(ev relayapi.Event) error {
				fmt.Fprintf(out, "%s %-14s %s\n", time.Now().Format(time.TimeOnly), ev.Name, ev.Data)
				return nil
			})
			if err != nil && cmd.Context().Err() != nil {
				return nil
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&clientID, "client-id", "", "client id to register as")

	return cmd
}
