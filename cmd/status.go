package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/sheet-mailer/internal/selector"
)

type statusRow struct {
	TaskID     string           `json:"task_id"`
	Key        string           `json:"dispatch_key,omitempty"`
	Verdict    selector.Verdict `json:"verdict"`
	Occurrence *time.Time       `json:"occurrence,omitempty"`
	Attempts   int              `json:"attempts"`
	Reason     string           `json:"block_reason,omitempty"`
}

func newStatusCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show what the next poll cycle would do with every task",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.close()

			evs, fetched, err := a.sched.Preview(ctx)
			if err != nil {
				return err
			}
			rows := make([]statusRow, 0, len(evs))
			for _, ev := range evs {
				r := statusRow{
					TaskID:   ev.Task.ID,
					Key:      ev.Key,
					Verdict:  ev.Verdict,
					Attempts: ev.State.Attempts,
					Reason:   ev.State.BlockReason,
				}
				if !ev.Occurrence.IsZero() {
					occ := ev.Occurrence
					r.Occurrence = &occ
				}
				rows = append(rows, r)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{
					"tasks":    rows,
					"problems": fetched.Problems,
				})
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TASK\tVERDICT\tOCCURRENCE\tATTEMPTS\tKEY")
			for _, r := range rows {
				occ := "-"
				if r.Occurrence != nil {
					occ = r.Occurrence.Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", r.TaskID, r.Verdict, occ, r.Attempts, r.Key)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			for _, p := range fetched.Problems {
				fmt.Fprintf(out, "skipped row: %s\n", p.Error())
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}
