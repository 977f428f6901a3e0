package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/avi3tal/coordinator/internal/scheduler"
	"github.com/avi3tal/coordinator/pkg/agents"
	"github.com/avi3tal/coordinator/pkg/types"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	faint  = color.New(color.Faint).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func colorStatus(s string) string {
	switch s {
	case string(types.StatusSucceeded), string(types.WorkflowSucceeded):
		return green(s)
	case string(types.StatusRunning), string(types.StatusReady):
		return cyan(s)
	case string(types.StatusFailed), string(types.StatusSkipped), string(types.WorkflowPartiallySucceeded):
		return yellow(s)
	case string(types.StatusFailedTerminal), string(types.WorkflowFailed):
		return red(s)
	default:
		return s
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printError(w io.Writer, err error) {
	fmt.Fprintf(w, "%s %v\n", red("error:"), err)
}

// printEvent renders one node transition for --watch.
func printEvent(w io.Writer, ev scheduler.Event) {
	line := fmt.Sprintf("%s %-24s %s -> %s", faint(ev.At.Format("15:04:05.000")), ev.NodeID, ev.From, colorStatus(string(ev.To)))
	if ev.Attempt > 0 {
		line += faint(fmt.Sprintf(" attempt=%d", ev.Attempt))
	}
	if ev.Worker != "" {
		line += faint(" worker=" + ev.Worker)
	}
	if ev.Error != nil {
		line += " " + red(ev.Error.Message)
	}
	fmt.Fprintln(w, line)
}

// printResult renders a workflow result for humans: a status line, a node
// table, failures and the merged sections.
func printResult(w io.Writer, res types.WorkflowResult) {
	fmt.Fprintf(w, "%s %s  %s\n", bold("Workflow"), res.WorkflowID, colorStatus(string(res.Status)))

	if len(res.Counts) > 0 {
		keys := make([]string, 0, len(res.Counts))
		for s, n := range res.Counts {
			keys = append(keys, fmt.Sprintf("%s=%d", s, n))
		}
		sort.Strings(keys)
		fmt.Fprintf(w, "  %s\n", faint(strings.Join(keys, " ")))
	}
	if res.Error != nil {
		fmt.Fprintf(w, "  %s %s\n", red(string(res.Error.Kind)), res.Error.Message)
	}

	if len(res.Results) > 0 {
		fmt.Fprintln(w)
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NODE\tCAPABILITY\tSTATUS\tATTEMPTS\tDURATION")
		for _, r := range res.Results {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", r.NodeID, r.Capability, r.Status, r.Attempt, r.Duration().Round(time.Millisecond))
		}
		_ = tw.Flush()
	}

	if len(res.Failures) > 0 {
		fmt.Fprintf(w, "\n%s\n", bold("Failures"))
		for _, f := range res.Failures {
			fmt.Fprintf(w, "  %s %s: %s", red("✗"), f.NodeID, f.Message)
			if len(f.Chain) > 1 {
				fmt.Fprintf(w, " %s", faint("(via "+strings.Join(f.Chain[1:], " <- ")+")"))
			}
			fmt.Fprintln(w)
		}
	}

	for _, s := range res.Output.Sections {
		fmt.Fprintf(w, "\n%s %s\n", green("■"), bold(s.NodeID))
		if summary, ok := s.Output[agents.OutputSummaryKey].(string); ok {
			fmt.Fprintln(w, indent(summary, "  "))
			continue
		}
		b, _ := json.MarshalIndent(s.Output, "  ", "  ")
		fmt.Fprintf(w, "  %s\n", b)
	}
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		if l != "" {
			lines[i] = prefix + l
		}
	}
	return strings.Join(lines, "\n")
}
