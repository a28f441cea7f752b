// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/invowk/companion/internal/issue"
	"github.com/invowk/companion/pkg/types"
)

func newIssuesCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "issues [id]",
		Short: "Explain common problems and how to fix them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if len(args) == 0 {
				for _, is := range issue.Values() {
					fmt.Fprintf(app.stdout, "%s  %s\n", KeyStyle.Render(fmt.Sprintf("%2d", is.Id())), is.Title())
				}
				return nil
			}

			n, err := strconv.Atoi(args[0])
			if err != nil {
				return &ExitError{Code: types.ExitUsage, Err: fmt.Errorf("issue id %q: %w", args[0], err)}
			}
			is := issue.Get(issue.Id(n))
			if is == nil {
				return &ExitError{Code: types.ExitUsage, Err: fmt.Errorf("no issue %d", n)}
			}
			rendered, err := is.Render("dark")
			if err != nil {
				return err
			}
			fmt.Fprint(app.stdout, rendered)
			return nil
		},
	}
}
