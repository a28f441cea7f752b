// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/invowk/companion/internal/events"
	"github.com/invowk/companion/pkg/types"
)

func newEventsCommand(app *App) *cobra.Command {
	var (
		db     string
		udid   string
		limit  int
		format string
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List lifecycle events recorded in a SQLite event store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if db == "" {
				cfg, err := app.loadConfig(ctx, nil)
				if err != nil {
					return err
				}
				db = cfg.Reporters.SQLite
			}
			if db == "" {
				return &ExitError{Code: types.ExitUsage, Err: fmt.Errorf("no event store: pass --db or set reporters.sqlite")}
			}

			store, err := events.OpenSQLite(ctx, expandHome(db), log.New(io.Discard))
			if err != nil {
				return eventsStoreError(db, err)
			}
			defer store.Close()

			list, err := store.List(ctx, types.TargetID(udid), limit)
			if err != nil {
				return eventsStoreError(db, err)
			}
			if format != "text" {
				if list == nil {
					list = []events.Event{}
				}
				return writeDocument(app.stdout, map[string]any{"events": list}, format)
			}
			for _, e := range list {
				fmt.Fprintln(app.stdout, formatEvent(e))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&db, "db", "", "SQLite event store (default is reporters.sqlite from the config)")
	cmd.Flags().StringVar(&udid, "udid", "", "only show events for this target")
	cmd.Flags().IntVarP(&limit, "limit", "n", events.DefaultListLimit, "maximum number of events")
	cmd.Flags().StringVarP(&format, "format", "f", "text", "output format: text, json, toml or yaml")
	return cmd
}

// formatEvent renders one event as a styled log-like line.
func formatEvent(e events.Event) string {
	var b strings.Builder
	b.WriteString(SubtitleStyle.Render(e.Time.Local().Format(time.DateTime)))
	b.WriteByte(' ')
	kind := KeyStyle.Render(string(e.Kind))
	if e.Err != "" {
		kind = ErrorStyle.Render(string(e.Kind))
	}
	b.WriteString(kind)
	if e.Target != "" {
		fmt.Fprintf(&b, " udid=%s", e.Target)
	}
	for _, k := range slices.Sorted(maps.Keys(e.Fields)) {
		fmt.Fprintf(&b, " %s=%v", k, e.Fields[k])
	}
	if e.Err != "" {
		fmt.Fprintf(&b, " error=%q", e.Err)
	}
	return b.String()
}
