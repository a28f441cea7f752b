// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/invowk/companion/internal/executor"
	"github.com/invowk/companion/internal/transport/grpcapi"
	"github.com/invowk/companion/pkg/types"
)

const defaultRPCTimeout = 10 * time.Second

// Output formats accepted by --format.
const (
	formatJSON = "json"
	formatTOML = "toml"
	formatYAML = "yaml"
)

type rpcOptions struct {
	addr    string
	timeout time.Duration
}

func (o *rpcOptions) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.addr, "addr", "127.0.0.1:10882", "companion gRPC address (host:port or unix:///path.sock)")
	cmd.Flags().DurationVar(&o.timeout, "timeout", defaultRPCTimeout, "request timeout")
}

func (o *rpcOptions) dial(ctx context.Context) (*grpcapi.Client, context.Context, context.CancelFunc, error) {
	client, err := grpcapi.Dial(o.addr)
	if err != nil {
		return nil, nil, nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	return client, ctx, cancel, nil
}

func newStatusCommand(app *App) *cobra.Command {
	var (
		rpc    rpcOptions
		format string
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running companion",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, ctx, cancel, err := rpc.dial(cmd.Context())
			if err != nil {
				return err
			}
			defer cancel()
			defer client.Close()

			doc, err := client.Status(ctx)
			if err != nil {
				return fmt.Errorf("status of %s: %w", rpc.addr, err)
			}
			return writeDocument(app.stdout, doc, format)
		},
	}
	rpc.register(cmd)
	cmd.Flags().StringVarP(&format, "format", "f", formatJSON, "output format: json, toml or yaml")
	return cmd
}

func newCallCommand(app *App) *cobra.Command {
	var rpc rpcOptions
	cmd := &cobra.Command{
		Use:   "call <command> [args...]",
		Short: "Dispatch one command to a running companion",
		Long: `Dispatch one command to a running companion and print its output.

The exit status is the command's exit code.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, ctx, cancel, err := rpc.dial(cmd.Context())
			if err != nil {
				return err
			}
			defer cancel()
			defer client.Close()

			res, err := client.Dispatch(ctx, executor.Request{Command: args[0], Args: args[1:]})
			if err != nil {
				return err
			}
			if res.Output != "" {
				fmt.Fprintln(app.stdout, strings.TrimRight(res.Output, "\n"))
			}
			if stderr, ok := res.Data["stderr"].(string); ok && stderr != "" {
				fmt.Fprint(app.stderr, stderr)
			}
			if !res.ExitCode.IsSuccess() {
				return &ExitError{Code: res.ExitCode}
			}
			return nil
		},
	}
	rpc.register(cmd)
	return cmd
}

// writeDocument renders doc in the requested format.
func writeDocument(w io.Writer, doc any, format string) error {
	var (
		out []byte
		err error
	)
	switch strings.ToLower(format) {
	case formatJSON:
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetIndent("", "  ")
		err = enc.Encode(doc)
		out = buf.Bytes()
	case formatTOML:
		out, err = toml.Marshal(doc)
	case formatYAML:
		out, err = yaml.Marshal(doc)
	default:
		return &ExitError{Code: types.ExitUsage, Err: fmt.Errorf("unknown format %q (want json, toml or yaml)", format)}
	}
	if err != nil {
		return fmt.Errorf("encode %s: %w", format, err)
	}
	_, err = w.Write(out)
	return err
}
