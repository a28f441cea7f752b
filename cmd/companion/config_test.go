// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestConfigCommands(t *testing.T) {
	t.Parallel()

	cfgPath := filepath.Join(t.TempDir(), "config.cue")
	body := `target: {udid: "bench-1", name: "bench"}
ssh: {token: "hunter2"}
`
	if err := os.WriteFile(cfgPath, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		args    []string
		want    []string
		notWant string
	}{
		{[]string{"config", "show"}, []string{"bench-1", cfgPath, "********"}, "hunter2"},
		{[]string{"config", "dump"}, []string{`udid: "bench-1"`, `name: "bench"`}, "hunter2"},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			t.Parallel()

			var out bytes.Buffer
			root := NewRootCommand(NewApp(Dependencies{Stdout: &out, Stderr: io.Discard}))
			root.SetArgs(append(tt.args, "--config", cfgPath))
			if err := root.Execute(); err != nil {
				t.Fatal(err)
			}
			for _, w := range tt.want {
				if !strings.Contains(out.String(), w) {
					t.Errorf("output missing %q:\n%s", w, out.String())
				}
			}
			if strings.Contains(out.String(), tt.notWant) {
				t.Errorf("output leaks %q", tt.notWant)
			}
		})
	}
}

func TestConfigShowReportsLoadErrors(t *testing.T) {
	t.Parallel()

	cfgPath := filepath.Join(t.TempDir(), "config.cue")
	if err := os.WriteFile(cfgPath, []byte(`grace_period: "soon"`), 0o644); err != nil {
		t.Fatal(err)
	}
	var stderr bytes.Buffer
	root := NewRootCommand(NewApp(Dependencies{Stdout: io.Discard, Stderr: &stderr}))
	root.SetArgs([]string{"config", "show", "--config", cfgPath})
	root.SilenceErrors = true
	if err := root.Execute(); err == nil {
		t.Fatal("config show accepted an invalid file")
	}
	if !strings.Contains(stderr.String(), "configuration") {
		t.Errorf("stderr = %q, want the catalog entry", stderr.String())
	}
}
