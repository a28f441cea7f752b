// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/invowk/companion/internal/events"
	"github.com/invowk/companion/pkg/types"
)

func TestEventWriter(t *testing.T) {
	t.Parallel()

	e := events.New(events.KindDispatchCompleted, "sim-1", map[string]any{"command": "ping"})
	tests := []struct {
		format string
		check  func(t *testing.T, out string)
	}{
		{"text", func(t *testing.T, out string) {
			if !strings.Contains(out, "dispatch.completed") || !strings.Contains(out, "command=ping") {
				t.Errorf("text line = %q", out)
			}
		}},
		{"json", func(t *testing.T, out string) {
			var got events.Event
			if err := json.Unmarshal([]byte(out), &got); err != nil {
				t.Fatal(err)
			}
			if got.ID != e.ID || got.Kind != e.Kind || got.Target != "sim-1" {
				t.Errorf("json line = %+v, want %+v", got, e)
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			t.Parallel()

			var out bytes.Buffer
			write, err := eventWriter(NewApp(Dependencies{Stdout: &out, Stderr: io.Discard}), tt.format)
			if err != nil {
				t.Fatal(err)
			}
			if err := write(e); err != nil {
				t.Fatal(err)
			}
			if strings.Count(out.String(), "\n") != 1 {
				t.Fatalf("output %q is not one line", out.String())
			}
			tt.check(t, out.String())
		})
	}
}

func TestLogRejectsUnknownFormat(t *testing.T) {
	t.Parallel()

	root := NewRootCommand(NewApp(Dependencies{Stdout: io.Discard, Stderr: io.Discard}))
	root.SetArgs([]string{"log", "-f", "yaml"})
	root.SilenceErrors = true
	err := root.Execute()
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != types.ExitUsage {
		t.Errorf("log -f yaml = %v, want usage error", err)
	}
}
