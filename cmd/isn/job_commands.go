package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/albatrossmedia/ISN-MVP/internal/ipc"
	"github.com/albatrossmedia/ISN-MVP/internal/job"
	"github.com/albatrossmedia/ISN-MVP/internal/realtime"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var (
		file        string
		tenant      string
		video       string
		audio       string
		source      string
		targets     []string
		duration    float64
		latency     string
		streaming   bool
		watchResult bool
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a subtitle job",
		Long: "Submit a subtitle job from flags or from a JSON request document (--file, or - for stdin).\n" +
			"The job is routed to a lane by media duration unless --latency-class is given.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var req job.Request
			if file != "" {
				if err := readJSONFile(cmd, file, &req); err != nil {
					return err
				}
			} else {
				req = job.Request{
					TenantID:     tenant,
					LatencyClass: latency,
					Input: job.Input{
						VideoPath:       video,
						AudioPath:       audio,
						SourceLanguage:  source,
						TargetLanguages: targets,
					},
					Config: job.Options{Streaming: streaming},
				}
				if cmd.Flags().Changed("duration") {
					req.MediaDurationS = &duration
				}
			}

			return ctx.withClient(func(client *ipc.Client) error {
				adm, err := client.Submit(cmd.Context(), req)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() && !watchResult {
					return writeJSON(cmd, adm)
				}
				if !ctx.jsonOutput() {
					fmt.Fprintf(cmd.OutOrStdout(), "Job %s %s on the %s lane\n", adm.JobID, adm.Status, adm.Lane)
				}
				if watchResult {
					return followJob(cmd, ctx, client, adm.JobID)
				}
				return nil
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&file, "file", "f", "", "Read the request from a JSON file (- for stdin)")
	flags.StringVar(&tenant, "tenant", "", "Tenant id")
	flags.StringVar(&video, "video", "", "Video path or URI")
	flags.StringVar(&audio, "audio", "", "Audio path or URI")
	flags.StringVarP(&source, "source", "s", "", "Source language (BCP-47)")
	flags.StringSliceVarP(&targets, "target", "t", nil, "Target language (BCP-47); repeat or comma-separate")
	flags.Float64Var(&duration, "duration", 0, "Media duration in seconds")
	flags.StringVar(&latency, "latency-class", "", "Force a lane: realtime, standard or bulk")
	flags.BoolVar(&streaming, "streaming", false, "Request streaming output")
	flags.BoolVarP(&watchResult, "watch", "w", false, "Follow the job until it finishes")
	return cmd
}

func newJobCommand(ctx *commandContext) *cobra.Command {
	jobCmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect and cancel jobs",
	}
	jobCmd.AddCommand(newJobShowCommand(ctx))
	jobCmd.AddCommand(newJobListCommand(ctx))
	jobCmd.AddCommand(newJobCancelCommand(ctx))
	return jobCmd
}

func newJobShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <job_id>",
		Short: "Show one job with its stages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				j, err := client.Job(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, j)
				}
				renderJob(cmd.OutOrStdout(), j)
				return nil
			})
		},
	}
}

func newJobListCommand(ctx *commandContext) *cobra.Command {
	var opts ipc.ListOptions
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, s := range opts.Statuses {
				if _, ok := job.ParseStatus(s); !ok {
					return fmt.Errorf("unknown status %q", s)
				}
			}
			return ctx.withClient(func(client *ipc.Client) error {
				jobs, err := client.Jobs(cmd.Context(), opts)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, jobs)
				}
				if len(jobs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No jobs found")
					return nil
				}
				rows := make([][]string, 0, len(jobs))
				for _, j := range jobs {
					rows = append(rows, []string{
						j.ID,
						j.TenantID,
						string(j.Lane),
						string(j.Status),
						formatPercent(j.Progress),
						j.CreatedAt.Local().Format(time.DateTime),
					})
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable(
					[]string{"Job", "Tenant", "Lane", "Status", "Progress", "Created"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
				))
				fmt.Fprintln(cmd.OutOrStdout())
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&opts.Statuses, "status", nil, "Filter by status (repeatable)")
	cmd.Flags().StringVar(&opts.Tenant, "tenant", "", "Filter by tenant")
	cmd.Flags().StringVar(&opts.Lane, "lane", "", "Filter by lane")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "Maximum number of jobs")
	return cmd
}

func newJobCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:     "cancel <job_id>",
		Aliases: []string{"terminate"},
		Short:   "Cancel a queued or running job",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Cancel(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, resp)
				}
				if resp.Accepted {
					fmt.Fprintf(cmd.OutOrStdout(), "Job %s cancelled\n", resp.JobID)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "Job %s already %s\n", resp.JobID, resp.Status)
				}
				return nil
			})
		},
	}
}

func newWatchCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <job_id>",
		Short: "Follow a job's progress until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				return followJob(cmd, ctx, client, args[0])
			})
		},
	}
}

// errJobFailed makes the exit status reflect a failed or cancelled job.
var errJobFailed = errors.New("job did not complete")

func followJob(cmd *cobra.Command, ctx *commandContext, client *ipc.Client, jobID string) error {
	out := cmd.OutOrStdout()
	var (
		final  job.Status
		latest time.Time
	)
	err := client.Watch(cmd.Context(), jobID, func(frame ipc.Frame) (bool, error) {
		if ctx.jsonOutput() {
			if err := writeJSON(cmd, frame); err != nil {
				return false, err
			}
		}
		switch frame.Event {
		case realtime.EventError:
			var data realtime.ErrorData
			_ = json.Unmarshal(frame.Data, &data)
			return false, fmt.Errorf("%s: %s", data.Code, data.Message)
		case realtime.EventSnapshot:
			var j job.Job
			if err := json.Unmarshal(frame.Data, &j); err != nil {
				return false, fmt.Errorf("decode snapshot: %w", err)
			}
			if j.UpdatedAt.Before(latest) {
				return false, nil
			}
			latest = j.UpdatedAt
			if !ctx.jsonOutput() {
				fmt.Fprintf(out, "%s %s %s\n", j.ID, j.Status, formatPercent(j.Progress))
			}
			final = j.Status
			return j.Status.IsTerminal(), nil
		case string(job.EventStageUpdate):
			var update job.StageUpdate
			if err := json.Unmarshal(frame.Data, &update); err == nil && !ctx.jsonOutput() {
				line := fmt.Sprintf("  %-8s %-9s %s", update.Stage, update.Status, formatPercent(update.Progress))
				if update.Error != "" {
					line += "  " + update.Error
				}
				fmt.Fprintln(out, line)
			}
		case string(job.EventProgress):
			var update job.ProgressUpdate
			if err := json.Unmarshal(frame.Data, &update); err == nil && !ctx.jsonOutput() {
				fmt.Fprintf(out, "  progress %s (%s)\n", formatPercent(update.Progress), update.Stage)
			}
		case string(job.EventJobUpdate):
			var update job.StatusUpdate
			if err := json.Unmarshal(frame.Data, &update); err != nil {
				return false, fmt.Errorf("decode job update: %w", err)
			}
			if update.UpdatedAt.Before(latest) {
				return false, nil
			}
			latest = update.UpdatedAt
			final = update.Status
			if !ctx.jsonOutput() {
				printStatusUpdate(out, update)
			}
			return update.Status.IsTerminal(), nil
		}
		return false, nil
	})
	if err != nil {
		return err
	}
	if final != job.StatusCompleted {
		return fmt.Errorf("%w: %s", errJobFailed, final)
	}
	return nil
}

func printStatusUpdate(w io.Writer, update job.StatusUpdate) {
	fmt.Fprintf(w, "%s %s %s\n", update.JobID, update.Status, formatPercent(update.Progress))
	if update.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", update.Error)
	}
	if update.Result != nil {
		fmt.Fprintf(w, "  output: %s (%s, %d segments)\n",
			update.Result.OutputPath, update.Result.SubtitleFormat, update.Result.SegmentCount)
	}
}

func renderJob(w io.Writer, j *job.Job) {
	fmt.Fprintf(w, "Job:       %s\n", j.ID)
	fmt.Fprintf(w, "Tenant:    %s\n", j.TenantID)
	fmt.Fprintf(w, "Lane:      %s\n", j.Lane)
	fmt.Fprintf(w, "Status:    %s (%s)\n", j.Status, formatPercent(j.Progress))
	fmt.Fprintf(w, "Attempt:   %d\n", j.Attempt)
	fmt.Fprintf(w, "Created:   %s\n", j.CreatedAt.Local().Format(time.DateTime))
	if j.ReplayOf != "" {
		fmt.Fprintf(w, "Replay of: %s\n", j.ReplayOf)
	}
	if j.Error != "" {
		fmt.Fprintf(w, "Error:     %s\n", j.Error)
	}
	if j.Result != nil {
		fmt.Fprintf(w, "Output:    %s (%s, %d segments)\n", j.Result.OutputPath, j.Result.SubtitleFormat, j.Result.SegmentCount)
	}
	rows := make([][]string, 0, len(j.Stages))
	for _, s := range j.Stages {
		rows = append(rows, []string{s.Name, string(s.Status), formatPercent(s.Progress), dash(s.Error)})
	}
	fmt.Fprint(w, renderTable([]string{"Stage", "Status", "Progress", "Error"}, rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft}))
	fmt.Fprintln(w)
}

func formatPercent(value float64) string {
	return strconv.FormatFloat(value, 'f', 0, 64) + "%"
}
