package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newUnblockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unblock KEY",
		Short: "Clear an operator block after checking whether the message was delivered",
		Long: "A key is blocked when its message was sent but the success could not be recorded.\n" +
			"Unblocking makes it eligible again, so only do it once you know the message was not delivered,\n" +
			"or the recipient may receive it twice.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.store.Unblock(ctx, args[0]); err != nil {
				return err
			}
			a.log.Info().Str("key", args[0]).Msg("dispatch key unblocked")
			fmt.Fprintf(cmd.OutOrStdout(), "unblocked %s\n", args[0])
			return nil
		},
	}
}
