package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/albatrossmedia/ISN-MVP/internal/daemonctl"
	"github.com/albatrossmedia/ISN-MVP/internal/daemonrun"
	"github.com/albatrossmedia/ISN-MVP/internal/ipc"
)

const (
	startWaitTimeout = 10 * time.Second
	stopGracePeriod  = 10 * time.Second
)

func newDaemonRunCommand(ctx *commandContext) *cobra.Command {
	var logLevel string
	var development bool
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the orchestrator daemon in the foreground",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return daemonrun.Run(cmd.Context(), cfg, daemonrun.Options{
				LogLevel:    logLevel,
				Development: development,
				Version:     version,
			})
		},
	}
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override logging.level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&development, "dev", false, "Include source locations in log output")
	return cmd
}

func newDaemonCommands(ctx *commandContext) []*cobra.Command {
	var startLogLevel string
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the daemon in the background",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			exe, err := daemonExecutable()
			if err != nil {
				return err
			}
			return ctx.withClient(func(client *ipc.Client) error {
				result, err := daemonctl.EnsureStarted(cmd.Context(), client, exe, daemonctl.LaunchOptions{
					ConfigPath: ctx.configPath(),
					LogLevel:   startLogLevel,
				}, startWaitTimeout)
				if err != nil {
					return err
				}
				switch result.State {
				case daemonctl.StartStateStarted:
					fmt.Fprintf(stdout, "Daemon started (pid %d)\n", result.PID)
				case daemonctl.StartStateAlreadyRunning:
					fmt.Fprintf(stdout, "Daemon already running (pid %d)\n", result.PID)
				}
				return nil
			})
		},
	}
	startCmd.Flags().StringVar(&startLogLevel, "log-level", "", "Override logging.level for the launched daemon")

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the daemon (completely terminates the process)",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return ctx.withClient(func(client *ipc.Client) error {
				result, err := daemonctl.StopAndTerminate(cmd.Context(), client, cfg, stopGracePeriod)
				if errors.Is(err, daemonctl.ErrDaemonNotRunning) {
					fmt.Fprintln(stdout, "Daemon is not running")
					return nil
				}
				if err != nil {
					return err
				}
				if result.ForcedKill {
					fmt.Fprintf(stdout, "Daemon did not exit in %s; killed pid %d\n", stopGracePeriod, result.PID)
					return nil
				}
				fmt.Fprintf(stdout, "Daemon stopped (pid %d)\n", result.PID)
				return nil
			})
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon, runner and queue status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				status, err := client.Status(cmd.Context())
				if err != nil {
					if isUnreachable(err) {
						return printOffline(cmd, ctx)
					}
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, status)
				}
				renderDaemonStatus(cmd.OutOrStdout(), status, shouldColorize(cmd.OutOrStdout()))
				return nil
			})
		},
	}

	return []*cobra.Command{startCmd, stopCmd, statusCmd}
}

func printOffline(cmd *cobra.Command, ctx *commandContext) error {
	if ctx.jsonOutput() {
		return writeJSON(cmd, map[string]any{"running": false})
	}
	stdout := cmd.OutOrStdout()
	colorize := shouldColorize(stdout)
	for _, line := range renderSectionHeader("System Status", colorize) {
		fmt.Fprintln(stdout, line)
	}
	fmt.Fprintln(stdout, renderStatusLine("Daemon", statusWarn, "Not running (run `isn start`)", colorize))
	return nil
}

// isUnreachable separates transport failures from error envelopes.
func isUnreachable(err error) bool {
	var apiErr *ipc.APIError
	return !errors.As(err, &apiErr) && strings.Contains(err.Error(), "connect to daemon")
}

func daemonExecutable() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve executable: %w", err)
	}
	return exe, nil
}
