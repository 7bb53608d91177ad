package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/albatrossmedia/ISN-MVP/internal/api"
	"github.com/albatrossmedia/ISN-MVP/internal/job"
)

type statusKind int

const (
	statusInfo statusKind = iota
	statusOK
	statusWarn
	statusError
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
)

const (
	statusLabelWidth = 20
	statusIndent     = "  "
)

func renderDaemonStatus(w io.Writer, status *api.DaemonStatus, colorize bool) {
	for _, line := range renderSectionHeader("System Status", colorize) {
		fmt.Fprintln(w, line)
	}
	state := statusWarn
	detail := "Stopped"
	if status.Running {
		state = statusOK
		detail = fmt.Sprintf("Running (pid %d, up %s)", status.PID, status.Uptime)
	}
	fmt.Fprintln(w, renderStatusLine("Daemon", state, detail, colorize))
	fmt.Fprintln(w, renderStatusLine("Version", statusInfo, status.Version, colorize))
	fmt.Fprintln(w, renderStatusLine("API", statusInfo, status.Bind, colorize))
	fmt.Fprintln(w, renderStatusLine("Queue backend", statusInfo, status.QueueBackend, colorize))
	fmt.Fprintln(w, renderStatusLine("Database", statusInfo, status.DatabasePath, colorize))
	fmt.Fprintln(w, renderStatusLine("Subscribers", statusInfo,
		fmt.Sprintf("%d (%d published, %d dropped)", status.Realtime.Subscribers, status.Realtime.Published, status.Realtime.Dropped), colorize))
	if status.Runner.LastError != "" {
		fmt.Fprintln(w, renderStatusLine("Last error", statusWarn, status.Runner.LastError, colorize))
	}

	if len(status.Checks) > 0 || len(status.Runner.StageHealth) > 0 {
		fmt.Fprintln(w)
		for _, line := range renderSectionHeader("Health", colorize) {
			fmt.Fprintln(w, line)
		}
		for _, check := range status.Checks {
			fmt.Fprintln(w, renderStatusLine(check.Name, passKind(check.Passed), check.Detail, colorize))
		}
		for _, health := range status.Runner.StageHealth {
			fmt.Fprintln(w, renderStatusLine("Stage "+health.Name, passKind(health.Ready), health.Detail, colorize))
		}
	}

	fmt.Fprintln(w)
	for _, line := range renderSectionHeader("Jobs", colorize) {
		fmt.Fprintln(w, line)
	}
	rows := make([][]string, 0, len(job.AllStatuses()))
	for _, s := range job.AllStatuses() {
		if n := status.Jobs[s]; n > 0 {
			rows = append(rows, []string{titleCase(string(s)), strconv.Itoa(n)})
		}
	}
	if len(rows) == 0 {
		fmt.Fprintln(w, "No jobs recorded")
	} else {
		fmt.Fprint(w, renderTable([]string{"Status", "Count"}, rows, []columnAlignment{alignLeft, alignRight}))
		fmt.Fprintln(w)
	}

	if len(status.Runner.Lanes) > 0 {
		fmt.Fprintln(w)
		for _, line := range renderSectionHeader("Lanes", colorize) {
			fmt.Fprintln(w, line)
		}
		fmt.Fprint(w, renderLaneTable(status.Runner.Lanes))
		fmt.Fprintln(w)
	}

	if len(status.Runner.Workers) > 0 {
		fmt.Fprintln(w)
		for _, line := range renderSectionHeader("Workers", colorize) {
			fmt.Fprintln(w, line)
		}
		rows := make([][]string, 0, len(status.Runner.Workers))
		for _, worker := range status.Runner.Workers {
			busy := "-"
			if worker.Since != nil {
				busy = time.Since(*worker.Since).Round(time.Second).String()
			}
			rows = append(rows, []string{worker.ID, string(worker.Lane), dash(worker.JobID), dash(worker.Stage), busy})
		}
		fmt.Fprint(w, renderTable([]string{"Worker", "Lane", "Job", "Stage", "Busy"}, rows, nil))
		fmt.Fprintln(w)
	}
}

func passKind(passed bool) statusKind {
	if passed {
		return statusOK
	}
	return statusError
}

func dash(value string) string {
	if strings.TrimSpace(value) == "" {
		return "-"
	}
	return value
}

func titleCase(value string) string {
	if value == "" {
		return value
	}
	return strings.ToUpper(value[:1]) + value[1:]
}

func renderStatusLine(label string, kind statusKind, message string, colorize bool) string {
	statusText := statusKindLabel(kind)
	if message != "" {
		statusText = fmt.Sprintf("[%s] %s", statusText, message)
	} else {
		statusText = fmt.Sprintf("[%s]", statusText)
	}
	base := fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, label+":", statusText)
	if colorize {
		if color := statusKindColor(kind); color != "" {
			return color + base + ansiReset
		}
	}
	return base
}

func statusKindLabel(kind statusKind) string {
	switch kind {
	case statusOK:
		return "OK"
	case statusWarn:
		return "WARN"
	case statusError:
		return "ERROR"
	default:
		return "INFO"
	}
}

func statusKindColor(kind statusKind) string {
	switch kind {
	case statusOK:
		return ansiGreen
	case statusWarn:
		return ansiYellow
	case statusError:
		return ansiRed
	case statusInfo:
		return ansiBlue
	default:
		return ""
	}
}

func renderSectionHeader(title string, colorize bool) []string {
	line := fmt.Sprintf("== %s ==", strings.TrimSpace(title))
	rule := strings.Repeat("-", len(line))
	if colorize {
		line = ansiBlue + line + ansiReset
		rule = ansiBlue + rule + ansiReset
	}
	return []string{line, rule}
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
