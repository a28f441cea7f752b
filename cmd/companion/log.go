// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/invowk/companion/internal/events"
	"github.com/invowk/companion/internal/transport/grpcapi"
	"github.com/invowk/companion/pkg/types"
)

func newLogCommand(app *App) *cobra.Command {
	var (
		addr   string
		kinds  []string
		format string
	)
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Follow the lifecycle events of a running companion",
		Long: `Follow the lifecycle events of a running companion.

The most recent events are printed first, then new ones as they happen,
until the companion stops or the command is interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			write, err := eventWriter(app, format)
			if err != nil {
				return err
			}
			client, err := grpcapi.Dial(addr)
			if err != nil {
				return err
			}
			defer client.Close()

			filter := make([]events.Kind, 0, len(kinds))
			for _, k := range kinds {
				filter = append(filter, events.Kind(k))
			}
			err = client.TailEvents(cmd.Context(), filter, write)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("follow events of %s: %w", addr, err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:10882", "companion gRPC address (host:port or unix:///path.sock)")
	cmd.Flags().StringSliceVarP(&kinds, "kind", "k", nil, "only show events of this kind (repeatable)")
	cmd.Flags().StringVarP(&format, "format", "f", "text", "output format: text or json")
	return cmd
}

// eventWriter returns a callback printing one event per line.
func eventWriter(app *App, format string) (func(events.Event) error, error) {
	switch format {
	case "text":
		return func(e events.Event) error {
			_, err := fmt.Fprintln(app.stdout, formatEvent(e))
			return err
		}, nil
	case formatJSON:
		enc := json.NewEncoder(app.stdout)
		return func(e events.Event) error { return enc.Encode(e) }, nil
	default:
		return nil, &ExitError{Code: types.ExitUsage, Err: fmt.Errorf("unknown format %q (want text or json)", format)}
	}
}
