package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"conewatch/internal/api"
	"conewatch/internal/client"
	"conewatch/internal/history"
)

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var limit int
	var local bool
	cmd := &cobra.Command{
		Use:   "history [invocation-id]",
		Short: "List recent pipeline invocations or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := ctx.outputFormat()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				inv, err := fetchInvocation(cmd, ctx, local, strings.TrimSpace(args[0]))
				if err != nil {
					return err
				}
				if handled, err := writeStructured(cmd, format, inv); handled {
					return err
				}
				printInvocation(cmd, inv)
				return nil
			}

			list, err := fetchInvocations(cmd, ctx, local, limit)
			if err != nil {
				return err
			}
			if handled, err := writeStructured(cmd, format, list); handled {
				return err
			}
			out := cmd.OutOrStdout()
			if len(list.Invocations) == 0 {
				fmt.Fprintln(out, "No invocations recorded")
				return nil
			}
			fmt.Fprint(out, renderTable(
				[]string{"ID", "Step", "Outcome", "Exit", "Duration", "Started"},
				invocationRows(list.Invocations),
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft},
			))
			if list.Total > len(list.Invocations) {
				fmt.Fprintf(out, "Showing %d of %d invocations\n", len(list.Invocations), list.Total)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of invocations to list")
	cmd.Flags().BoolVar(&local, "local", false, "Read the history database directly instead of asking the daemon")
	return cmd
}

func fetchInvocations(cmd *cobra.Command, ctx *commandContext, local bool, limit int) (api.InvocationListResponse, error) {
	if local {
		store, err := openLocalHistory(ctx)
		if err != nil {
			return api.InvocationListResponse{}, err
		}
		defer store.Close()
		entries, err := store.List(cmd.Context(), limit)
		if err != nil {
			return api.InvocationListResponse{}, err
		}
		total, err := store.Count(cmd.Context())
		if err != nil {
			return api.InvocationListResponse{}, err
		}
		return api.InvocationListResponse{Invocations: api.FromEntries(entries), Total: total}, nil
	}
	var list api.InvocationListResponse
	err := ctx.withClient(func(c *client.Client) error {
		var callErr error
		list, callErr = c.Invocations(cmd.Context(), limit)
		return callErr
	})
	return list, err
}

func fetchInvocation(cmd *cobra.Command, ctx *commandContext, local bool, id string) (api.Invocation, error) {
	if local {
		store, err := openLocalHistory(ctx)
		if err != nil {
			return api.Invocation{}, err
		}
		defer store.Close()
		entry, err := store.Get(cmd.Context(), id)
		if err != nil {
			return api.Invocation{}, err
		}
		return api.FromEntry(entry), nil
	}
	var inv api.Invocation
	err := ctx.withClient(func(c *client.Client) error {
		var callErr error
		inv, callErr = c.Invocation(cmd.Context(), id)
		return callErr
	})
	return inv, err
}

func openLocalHistory(ctx *commandContext) (*history.Store, error) {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return nil, err
	}
	if !cfg.History.Enabled {
		return nil, fmt.Errorf("history is disabled (history.enabled = false)")
	}
	return history.Open(cfg)
}

func invocationRows(invocations []api.Invocation) [][]string {
	rows := make([][]string, 0, len(invocations))
	for _, inv := range invocations {
		id := inv.ID
		if len(id) > 8 {
			id = id[:8]
		}
		exit := "-"
		if inv.ExitCode != nil {
			exit = fmt.Sprint(*inv.ExitCode)
		}
		rows = append(rows, []string{
			id,
			inv.Step,
			humanize(inv.Outcome),
			exit,
			formatDurationMS(inv.DurationMS),
			inv.StartedAt,
		})
	}
	return rows
}

func printInvocation(cmd *cobra.Command, inv api.Invocation) {
	out := cmd.OutOrStdout()
	colorize := shouldColorize(out)
	kind := statusOK
	if !inv.Success {
		kind = statusError
	}
	fmt.Fprintln(out, renderStatusLine("Invocation", statusInfo, inv.ID, colorize))
	fmt.Fprintln(out, renderStatusLine(stepLabel(inv.Step), kind, humanize(inv.Outcome), colorize))
	if inv.ExitCode != nil {
		fmt.Fprintln(out, renderStatusLine("Exit code", statusInfo, fmt.Sprint(*inv.ExitCode), colorize))
	}
	fmt.Fprintln(out, renderStatusLine("Started", statusInfo, inv.StartedAt, colorize))
	fmt.Fprintln(out, renderStatusLine("Duration", statusInfo, formatDurationMS(inv.DurationMS), colorize))
	if inv.Detail != "" {
		fmt.Fprintln(out, renderStatusLine("Detail", statusWarn, inv.Detail, colorize))
	}
}

func formatDurationMS(ms int64) string {
	return (time.Duration(ms) * time.Millisecond).Round(time.Millisecond).String()
}
