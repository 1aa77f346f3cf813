package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"github.com/example/sheet-mailer/internal/config"
)

func newRunCmd() *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the poll loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.close()

			if once {
				rep, err := a.sched.RunCycle(ctx)
				if err != nil {
					return err
				}
				if rep.Inconsistent > 0 {
					return fmt.Errorf("%d message(s) sent but not recorded; see log", rep.Inconsistent)
				}
				return nil
			}

			if path := watchedPath(); path != "" {
				go func() {
					err := config.Watch(ctx, path, a.log, func(c config.Config) {
						a.sched.Apply(c.Settings())
					})
					if err != nil {
						a.log.Warn().Err(err).Msg("config watch disabled")
					}
				}()
			}

			if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
				a.log.Debug().Err(err).Msg("sd_notify")
			}
			a.log.Info().
				Str("version", Version).
				Str("state", a.cfg.State.Driver).
				Str("sink", a.cfg.Sink.Driver).
				Dur("poll_interval", a.cfg.Scheduler.PollInterval).
				Msg("scheduler starting")

			err = a.sched.Run(ctx)
			_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
			return err
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run a single poll cycle and exit")
	return cmd
}

func watchedPath() string {
	if configPath != "" {
		return configPath
	}
	return os.Getenv("MAILSCHED_CONFIG")
}
