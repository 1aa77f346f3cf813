package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/sheet-mailer/internal/db"
	"github.com/example/sheet-mailer/internal/migrate"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply Postgres state store migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			switch strings.ToLower(cfg.State.Driver) {
			case "postgres", "postgresql":
			default:
				return fmt.Errorf("migrate only applies to the postgres driver (state.driver=%q)", cfg.State.Driver)
			}

			ctx := context.Background()
			d, err := db.Open(ctx, cfg.State.DatabaseURL)
			if err != nil {
				return err
			}
			defer d.Close()
			if err := d.Ping(ctx); err != nil {
				return fmt.Errorf("db ping: %w", err)
			}

			applied, err := migrate.Up(ctx, d, log)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", len(applied))
			return nil
		},
	}
}
