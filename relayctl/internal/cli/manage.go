package cli

import (
	"errors"
	"fmt"

	"github.com/you-humble/genrelay/core/relayapi"

	"github.com/spf13/cobra"
)

func newPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge TASK_CODE...",
		Short: "Delete tasks and drop their leases",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFrom(cmd)
			if err != nil {
				return err
			}
			purged, err := c.Purge(cmd.Context(), args)
			if err != nil {
				return fmt.Errorf("purge: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d of %d task(s) purged\n", len(purged), len(args))
			return nil
		},
	}
}

func newReleaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release TASK_CODE",
		Short: "Return a leased task to the pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFrom(cmd)
			if err != nil {
				return err
			}
			released, err := c.Release(cmd.Context(), args[0])
			if errors.Is(err, relayapi.ErrTaskNotFound) {
				return fmt.Errorf("no task %s", args[0])
			}
			if err != nil {
				return fmt.Errorf("release: %w", err)
			}

			if released {
				fmt.Fprintf(cmd.OutOrStdout(), "%s released\n", args[0])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s was not leased\n", args[0])
			}
			return nil
		},
	}
}
