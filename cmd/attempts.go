package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newAttemptsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attempts KEY",
		Short: "Print the attempt trail of a dispatch key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			key := args[0]
			hist, err := a.store.History(ctx, key)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(hist) == 0 {
				fmt.Fprintf(out, "no attempts for %q\n", key)
			}
			for _, at := range hist {
				fmt.Fprintf(out, "#%d %s outcome=%s detail=%q\n",
					at.Number, at.At.Format(time.RFC3339), at.Outcome, at.Detail)
			}

			st, err := a.store.Lookup(ctx, []string{key})
			if err != nil {
				return err
			}
			if s, ok := st[key]; ok && s.Blocked {
				fmt.Fprintf(out, "blocked: %s\n", s.BlockReason)
			}
			return nil
		},
	}
}
