package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"conewatch/internal/api"
	"conewatch/internal/client"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon, artifact, and dependency status",
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := ctx.outputFormat()
			if err != nil {
				return err
			}
			var status api.StatusResponse
			err = ctx.withClient(func(c *client.Client) error {
				var callErr error
				status, callErr = c.Status(cmd.Context())
				return callErr
			})
			if err != nil {
				return err
			}
			if handled, err := writeStructured(cmd, format, status); handled {
				return err
			}
			printStatus(cmd, status)
			return nil
		},
	}
}

func printStatus(cmd *cobra.Command, status api.StatusResponse) {
	out := cmd.OutOrStdout()
	colorize := shouldColorize(out)

	printSectionHeader(out, "Daemon", colorize)
	fmt.Fprintln(out, renderStatusLine("Status", statusOK, humanize(status.Status), colorize))
	if status.PID > 0 {
		fmt.Fprintln(out, renderStatusLine("PID", statusInfo, fmt.Sprint(status.PID), colorize))
	}
	fmt.Fprintln(out, renderStatusLine("Viewers", statusInfo, fmt.Sprint(status.ActiveConnections), colorize))
	pipelineKind := statusInfo
	if status.PipelineRunning {
		pipelineKind = statusWarn
	}
	fmt.Fprintln(out, renderStatusLine("Pipeline running", pipelineKind, yesNo(status.PipelineRunning), colorize))
	fmt.Fprintln(out, renderStatusLine("Timestamp", statusInfo, status.Timestamp, colorize))
	fmt.Fprintln(out)

	if len(status.Checks) > 0 {
		printSectionHeader(out, "Checks", colorize)
		for _, check := range status.Checks {
			kind := statusOK
			if !check.Passed {
				kind = statusError
			}
			fmt.Fprintln(out, renderStatusLine(check.Name, kind, check.Detail, colorize))
		}
		fmt.Fprintln(out)
	}

	if len(status.Dependencies) > 0 {
		printSectionHeader(out, "Dependencies", colorize)
		for _, dep := range status.Dependencies {
			if dep.Available {
				fmt.Fprintln(out, renderStatusLine(dep.Name, statusOK, "Ready (command: "+dep.Command+")", colorize))
				continue
			}
			detail := dep.Detail
			if detail == "" {
				detail = "not available"
			}
			fmt.Fprintln(out, renderStatusLine(dep.Name, statusWarn, detail, colorize))
		}
		fmt.Fprintln(out)
	}

	printSectionHeader(out, "Artifacts", colorize)
	names := make([]string, 0, len(status.Files))
	for name := range status.Files {
		names = append(names, name)
	}
	sort.Strings(names)
	rows := make([][]string, 0, len(names))
	for _, name := range names {
		rows = append(rows, []string{name, yesNo(status.Files[name])})
	}
	if len(rows) == 0 {
		fmt.Fprintln(out, "No artifacts configured")
		return
	}
	fmt.Fprint(out, renderTable([]string{"File", "Present"}, rows, []columnAlignment{alignLeft, alignLeft}))
}
