package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"conewatch/internal/api"
	"conewatch/internal/client"
)

func newParamsCommand(ctx *commandContext) *cobra.Command {
	paramsCmd := &cobra.Command{
		Use:   "params",
		Short: "Inspect or update the pipeline parameter document",
	}
	paramsCmd.AddCommand(newParamsShowCommand(ctx))
	paramsCmd.AddCommand(newParamsSetCommand(ctx))
	paramsCmd.AddCommand(newParamsResetCommand(ctx))
	return paramsCmd
}

func newParamsShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the current parameter document",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp api.ParamsResponse
			err := ctx.withClient(func(c *client.Client) error {
				var callErr error
				resp, callErr = c.Params(cmd.Context())
				return callErr
			})
			if err != nil {
				return err
			}
			return printParams(cmd, ctx, resp.Params)
		},
	}
}

func newParamsSetCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "set <file|->",
		Short: "Replace the parameter document with a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readParamsInput(cmd, args[0])
			if err != nil {
				return err
			}
			var resp api.ParamsResponse
			err = ctx.withClient(func(c *client.Client) error {
				var callErr error
				resp, callErr = c.SaveParams(cmd.Context(), data)
				return callErr
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
			return nil
		},
	}
}

func newParamsResetCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Restore the built-in default parameters",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp api.ParamsResponse
			err := ctx.withClient(func(c *client.Client) error {
				var callErr error
				resp, callErr = c.RestoreParams(cmd.Context())
				return callErr
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
			return nil
		},
	}
}

func readParamsInput(cmd *cobra.Command, source string) (json.RawMessage, error) {
	source = strings.TrimSpace(source)
	var (
		data []byte
		err  error
	)
	if source == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(source)
	}
	if err != nil {
		return nil, fmt.Errorf("read parameters: %w", err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("read parameters: %s is not valid JSON", source)
	}
	return data, nil
}

func printParams(cmd *cobra.Command, ctx *commandContext, raw json.RawMessage) error {
	format, err := ctx.outputFormat()
	if err != nil {
		return err
	}
	if format == outputYAML {
		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("decode parameters: %w", err)
		}
		return writeYAML(cmd, doc)
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return fmt.Errorf("format parameters: %w", err)
	}
	buf.WriteByte('\n')
	_, err = cmd.OutOrStdout().Write(buf.Bytes())
	return err
}
