package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"conewatch/internal/api"
	"conewatch/internal/client"
	"conewatch/internal/history"
	"conewatch/internal/logging"
	"conewatch/internal/notifications"
	"conewatch/internal/pipeline"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var local bool
	cmd := &cobra.Command{
		Use:   "run <step>",
		Short: "Run one pipeline step (1, 2, 3, or all)",
		Long: "Ask the daemon to run the pipeline and wait for it to finish.\n" +
			"With --local the pipeline runs in this process instead; the same\n" +
			"cross-process lock keeps it from overlapping a daemon-driven run.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := ctx.outputFormat()
			if err != nil {
				return err
			}
			var resp api.RunPipelineResponse
			if local {
				resp, err = runLocal(cmd.Context(), ctx, args[0])
				if err != nil {
					return err
				}
			} else {
				err = ctx.withClient(func(c *client.Client) error {
					var callErr error
					resp, callErr = c.RunPipeline(cmd.Context(), args[0])
					return callErr
				})
				if err != nil {
					return err
				}
			}

			if handled, err := writeStructured(cmd, format, resp); handled {
				if err != nil {
					return err
				}
			} else {
				printRunResult(cmd, resp)
			}
			if !resp.Success {
				return fmt.Errorf("%s: %s", stepLabel(resp.Step), resp.Error)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&local, "local", false, "Run the pipeline in this process instead of through the daemon")
	return cmd
}

func runLocal(ctx context.Context, cmdCtx *commandContext, step string) (api.RunPipelineResponse, error) {
	cfg, err := cmdCtx.ensureConfig()
	if err != nil {
		return api.RunPipelineResponse{}, err
	}
	opts := []pipeline.Option{pipeline.WithLogger(logging.NewNop())}
	if cfg.History.Enabled {
		if err := cfg.EnsureDirectories(); err != nil {
			return api.RunPipelineResponse{}, err
		}
		store, err := history.Open(cfg)
		if err != nil {
			return api.RunPipelineResponse{}, fmt.Errorf("open history: %w", err)
		}
		defer store.Close()
		opts = append(opts, pipeline.WithRecorder(store))
	}
	if cfg.Notifications.NtfyTopic != "" {
		opts = append(opts, pipeline.WithRecorder(notifications.NewService(cfg)))
	}
	invoker, err := pipeline.New(cfg, opts...)
	if err != nil {
		return api.RunPipelineResponse{}, err
	}
	result := invoker.Invoke(ctx, step)
	if errors.Is(result.Err(), pipeline.ErrCanceled) && ctx.Err() != nil {
		return api.RunPipelineResponse{}, ctx.Err()
	}
	return api.FromResult(result), nil
}

func printRunResult(cmd *cobra.Command, resp api.RunPipelineResponse) {
	out := cmd.OutOrStdout()
	colorize := shouldColorize(out)
	kind := statusOK
	message := resp.Message
	if !resp.Success {
		kind = statusError
		message = resp.Error
	}
	label := stepLabel(resp.Step)
	if strings.TrimSpace(resp.Step) == "" {
		label = "Pipeline"
	}
	fmt.Fprintln(out, renderStatusLine(label, kind, message, colorize))
	if resp.Outcome != "" {
		fmt.Fprintln(out, renderStatusLine("Outcome", statusInfo, humanize(resp.Outcome), colorize))
	}
	if resp.ExitCode != nil {
		fmt.Fprintln(out, renderStatusLine("Exit code", statusInfo, fmt.Sprint(*resp.ExitCode), colorize))
	}
	if resp.DurationMS > 0 {
		duration := (time.Duration(resp.DurationMS) * time.Millisecond).Round(time.Millisecond)
		fmt.Fprintln(out, renderStatusLine("Duration", statusInfo, duration.String(), colorize))
	}
	if output := strings.TrimRight(resp.Output, "\n"); output != "" {
		fmt.Fprintln(out)
		fmt.Fprintln(out, output)
	}
}
