package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/albatrossmedia/ISN-MVP/internal/ipc"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect lanes and operate dead letters",
	}
	queueCmd.AddCommand(newQueueStatsCommand(ctx))
	queueCmd.AddCommand(newQueueDeadLettersCommand(ctx))
	queueCmd.AddCommand(newQueueReplayCommand(ctx))
	return queueCmd
}

func newQueueStatsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show per-lane queue depth",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				stats, err := client.QueueStats(cmd.Context())
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, stats)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Backend: %s\n", stats.Backend)
				fmt.Fprint(out, renderLaneTable(stats.Lanes))
				fmt.Fprintln(out)
				return nil
			})
		},
	}
}

func newQueueDeadLettersCommand(ctx *commandContext) *cobra.Command {
	var lane string
	var limit int
	cmd := &cobra.Command{
		Use:     "dead-letters",
		Aliases: []string{"dlq"},
		Short:   "List deliveries that exhausted their retries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				letters, err := client.DeadLetters(cmd.Context(), lane, limit)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, letters)
				}
				if len(letters) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No dead letters")
					return nil
				}
				rows := make([][]string, 0, len(letters))
				for _, dl := range letters {
					rows = append(rows, []string{
						dl.ID,
						dl.Descriptor.JobID,
						string(dl.Descriptor.Lane),
						strconv.Itoa(dl.Attempts),
						dl.FailedAt.Local().Format(time.DateTime),
						dash(dl.LastError),
					})
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "Job", "Lane", "Attempts", "Failed", "Last error"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
				))
				fmt.Fprintln(cmd.OutOrStdout())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&lane, "lane", "", "Only show one lane")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of entries")
	return cmd
}

func newQueueReplayCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <dead_letter_id>",
		Short: "Re-admit a dead letter as a new job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				adm, err := client.Replay(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, adm)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Replayed %s as job %s on the %s lane\n", adm.ReplayOf, adm.JobID, adm.Lane)
				return nil
			})
		},
	}
}
