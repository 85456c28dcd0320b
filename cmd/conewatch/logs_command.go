package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"conewatch/internal/api"
	"conewatch/internal/client"
)

func newLogsCommand(ctx *commandContext) *cobra.Command {
	var tail int
	var follow bool
	var component string
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recent daemon log events",
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := ctx.outputFormat()
			if err != nil {
				return err
			}
			return ctx.withClient(func(c *client.Client) error {
				resp, err := c.Logs(cmd.Context(), client.LogQuery{Tail: tail, Component: component})
				if err != nil {
					return err
				}
				if err := printLogEvents(cmd, format, resp.Events); err != nil {
					return err
				}
				if !follow {
					return nil
				}
				next := resp.Next
				for {
					resp, err := c.Logs(cmd.Context(), client.LogQuery{Since: next, Follow: true, Component: component})
					if err != nil {
						if errors.Is(err, context.Canceled) || cmd.Context().Err() != nil {
							return nil
						}
						return err
					}
					if err := printLogEvents(cmd, format, resp.Events); err != nil {
						return err
					}
					if resp.Next > next {
						next = resp.Next
					}
				}
			})
		},
	}
	cmd.Flags().IntVarP(&tail, "tail", "n", 50, "Number of recent events to show")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep streaming new events")
	cmd.Flags().StringVar(&component, "component", "", "Only show events from this component")
	return cmd
}

func printLogEvents(cmd *cobra.Command, format outputFormat, events []api.LogEvent) error {
	if format == outputJSON {
		for _, evt := range events {
			if err := writeJSON(cmd, evt); err != nil {
				return err
			}
		}
		return nil
	}
	if format == outputYAML {
		if len(events) == 0 {
			return nil
		}
		return writeYAML(cmd, events)
	}
	out := cmd.OutOrStdout()
	for _, evt := range events {
		fmt.Fprintln(out, formatLogLine(evt))
	}
	return nil
}

func formatLogLine(evt api.LogEvent) string {
	var b strings.Builder
	b.WriteString(evt.Timestamp)
	b.WriteString(" ")
	b.WriteString(strings.ToUpper(evt.Level))
	if evt.Component != "" {
		b.WriteString(" [")
		b.WriteString(evt.Component)
		b.WriteString("]")
	}
	b.WriteString(" ")
	b.WriteString(evt.Message)
	if len(evt.Fields) > 0 {
		keys := make([]string, 0, len(evt.Fields))
		for key := range evt.Fields {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			fmt.Fprintf(&b, " %s=%s", key, evt.Fields[key])
		}
	}
	return b.String()
}
