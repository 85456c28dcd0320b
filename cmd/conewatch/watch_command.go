package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"conewatch/internal/client"
	"conewatch/internal/logging"
	"conewatch/internal/notify"
)

func newWatchCommand(ctx *commandContext) *cobra.Command {
	var maxAttempts int
	var delay time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print artifact reload events as the daemon reports them",
		Long: "Connect to the daemon's viewer socket and print every reload event.\n" +
			"Lost connections are retried with a fixed delay; the command gives up\n" +
			"after the configured number of consecutive failed attempts.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			format, err := ctx.outputFormat()
			if err != nil {
				return err
			}
			api, err := ctx.apiClient()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("max-attempts") {
				maxAttempts = cfg.Client.MaxReconnectAttempts
			}
			if !cmd.Flags().Changed("delay") {
				delay = cfg.ReconnectDelay()
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			errOut := cmd.ErrOrStderr()
			header := http.Header{}
			if token := api.Token(); token != "" {
				header.Set("Authorization", "Bearer "+token)
			}

			reconnector := client.NewReconnector(api.WebSocketURL(),
				client.WithDialer(client.WebSocketDialer{Header: header}),
				client.WithDelay(delay),
				client.WithMaxAttempts(maxAttempts),
				client.WithReconnectLogger(logging.NewNop()),
				client.WithOnStateChange(func(state client.State) {
					fmt.Fprintf(errOut, "connection: %s\n", humanize(string(state)))
				}),
				client.WithOnConnected(func(ctx context.Context) error {
					status, err := api.Status(ctx)
					if err != nil {
						return err
					}
					present := make([]string, 0, len(status.Files))
					for name, ok := range status.Files {
						if ok {
							present = append(present, name)
						}
					}
					sort.Strings(present)
					fmt.Fprintf(errOut, "artifacts present: %s\n", joinOrNone(present))
					return nil
				}),
				client.WithOnEvent(func(event notify.ChangeEvent) {
					printChangeEvent(cmd, format, event)
				}),
			)

			err = reconnector.Run(runCtx)
			switch {
			case err == nil, errors.Is(err, context.Canceled):
				return nil
			case errors.Is(err, client.ErrGaveUp):
				fmt.Fprintln(out, "Connection lost; rerun `conewatch watch` once the daemon is back.")
				return err
			default:
				return err
			}
		},
	}
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 5, "Consecutive reconnect attempts before giving up")
	cmd.Flags().DurationVar(&delay, "delay", 2*time.Second, "Wait between reconnect attempts")
	return cmd
}

func printChangeEvent(cmd *cobra.Command, format outputFormat, event notify.ChangeEvent) {
	if format == outputJSON {
		_ = writeJSON(cmd, event)
		return
	}
	if format == outputYAML {
		_ = writeYAML(cmd, []notify.ChangeEvent{event})
		return
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s\n",
		time.Now().Format("15:04:05"), event.Type, joinOrNone(event.Files))
}

func joinOrNone(values []string) string {
	if len(values) == 0 {
		return "(none)"
	}
	return strings.Join(values, ", ")
}
