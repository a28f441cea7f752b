// SPDX-License-Identifier: MPL-2.0

package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/invowk/companion/internal/container"
	"github.com/invowk/companion/internal/target"
	"github.com/invowk/companion/internal/tempdir"
	"github.com/invowk/companion/pkg/types"
)

// ErrOutsideWorkDir is returned when a shell script opens a file outside the
// companion's temporary directory.
var ErrOutsideWorkDir = errors.New("path is outside the working directory")

// Builtins returns a registry with the standard companion commands for h:
//
//	ping      liveness check, echoes its arguments
//	describe  target identity
//	help      registered command names
//	sh        POSIX shell script interpreted in-process inside dir
//	ls        files in dir matching a ** glob
//	exec      command run inside the container (container targets only)
func Builtins(h target.Handle, dir tempdir.Dir) *Registry {
	r := NewRegistry()
	mustRegister(r, "ping", "reply with pong and echo arguments", ping)
	mustRegister(r, "describe", "describe the served target", describe(h))
	mustRegister(r, "help", "list available commands", help(r))
	mustRegister(r, "sh", "run a shell script inside the scratch directory", shell(dir))
	mustRegister(r, "ls", "list scratch files matching a glob", list(dir))
	if c, ok := h.(*target.Container); ok {
		mustRegister(r, "exec", "run a command inside the container", containerExec(c))
	}
	return r
}

func mustRegister(r *Registry, name, summary string, run Func) {
	if err := r.Register(name, summary, run); err != nil {
		panic(err)
	}
}

func ping(_ context.Context, req Request) (Result, error) {
	out := "pong"
	if len(req.Args) > 0 {
		out += " " + strings.Join(req.Args, " ")
	}
	return Result{Output: out}, nil
}

func describe(h target.Handle) Func {
	return func(context.Context, Request) (Result, error) {
		id := target.Describe(h)
		return Result{
			Output: fmt.Sprintf("%s %s (%s)", id.ID, id.Name, id.Kind),
			Data: map[string]any{
				"udid":      string(id.ID),
				"name":      id.Name,
				"kind":      string(id.Kind),
				"available": h.IsAvailable(),
			},
		}, nil
	}
}

func help(r *Registry) Func {
	return func(context.Context, Request) (Result, error) {
		var b strings.Builder
		names := make([]any, 0)
		for _, c := range r.Commands() {
			fmt.Fprintf(&b, "%-10s %s\n", c.Name, c.Summary)
			names = append(names, c.Name)
		}
		return Result{Output: b.String(), Data: map[string]any{"commands": names}}, nil
	}
}

// shell runs the script given by Payload["script"], or by the arguments
// joined with spaces.
func shell(dir tempdir.Dir) Func {
	return func(ctx context.Context, req Request) (Result, error) {
		script, _ := req.Payload["script"].(string)
		if script == "" {
			script = strings.Join(req.Args, " ")
		}
		if strings.TrimSpace(script) == "" {
			return Result{}, fmt.Errorf("sh: empty script: %w", ErrInvalidRequest)
		}

		prog, err := syntax.NewParser().Parse(strings.NewReader(script), "script")
		if err != nil {
			return Result{}, fmt.Errorf("sh: %w: %w", ErrInvalidRequest, err)
		}

		root, err := filepath.Abs(dir.String())
		if err != nil {
			return Result{}, fmt.Errorf("sh: resolve working directory: %w", err)
		}

		var stdout, stderr bytes.Buffer
		runner, err := interp.New(
			interp.Dir(root),
			interp.Env(expand.ListEnviron("HOME="+root, "TMPDIR="+root, "PATH="+os.Getenv("PATH"))),
			interp.StdIO(nil, &stdout, &stderr),
			interp.OpenHandler(confineTo(root)(interp.DefaultOpenHandler())),
		)
		if err != nil {
			return Result{}, fmt.Errorf("sh: create interpreter: %w", err)
		}

		res := Result{}
		if err := runner.Run(ctx, prog); err != nil {
			var status interp.ExitStatus
			if !errors.As(err, &status) {
				return Result{}, fmt.Errorf("sh: %w", err)
			}
			res.ExitCode = types.ExitCode(status)
		}
		res.Output = stdout.String()
		if stderr.Len() > 0 {
			res.Data = map[string]any{"stderr": stderr.String()}
		}
		return res, nil
	}
}

// confineTo rejects redirections that resolve outside root. /dev/null stays
// usable so scripts can discard output.
func confineTo(root string) func(interp.OpenHandlerFunc) interp.OpenHandlerFunc {
	return func(next interp.OpenHandlerFunc) interp.OpenHandlerFunc {
		return func(ctx context.Context, path string, flag int, perm os.FileMode) (io.ReadWriteCloser, error) {
			if path == os.DevNull {
				return next(ctx, path, flag, perm)
			}
			abs := path
			if !filepath.IsAbs(abs) {
				abs = filepath.Join(interp.HandlerCtx(ctx).Dir, path)
			}
			rel, err := filepath.Rel(root, filepath.Clean(abs))
			if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
				return nil, fmt.Errorf("open %s: %w", path, ErrOutsideWorkDir)
			}
			return next(ctx, path, flag, perm)
		}
	}
}

// list globs the scratch directory. The first argument is the pattern and
// defaults to "**".
func list(dir tempdir.Dir) Func {
	return func(_ context.Context, req Request) (Result, error) {
		pattern := "**"
		if len(req.Args) > 0 {
			pattern = req.Args[0]
		}
		if !doublestar.ValidatePattern(pattern) {
			return Result{}, fmt.Errorf("ls: %w: %w", ErrInvalidRequest, doublestar.ErrBadPattern)
		}
		matches, err := doublestar.Glob(os.DirFS(dir.String()), pattern, doublestar.WithFilesOnly())
		if err != nil {
			return Result{}, fmt.Errorf("ls: %w", err)
		}
		files := make([]any, 0, len(matches))
		for _, m := range matches {
			files = append(files, m)
		}
		return Result{
			Output: strings.Join(matches, "\n"),
			Data:   map[string]any{"files": files},
		}, nil
	}
}

func containerExec(c *target.Container) Func {
	return func(ctx context.Context, req Request) (Result, error) {
		if len(req.Args) == 0 {
			return Result{}, fmt.Errorf("exec: missing command: %w", ErrInvalidRequest)
		}
		var stdout, stderr bytes.Buffer
		opts := container.ExecOptions{Stdout: &stdout, Stderr: &stderr}
		if wd, ok := req.Payload["workdir"].(string); ok {
			opts.WorkDir = wd
		}
		start := time.Now()
		res, err := c.Engine().Exec(ctx, c.Ref(), req.Args, opts)
		if err != nil {
			return Result{}, fmt.Errorf("exec in %s: %w", c.Ref(), err)
		}
		data := map[string]any{"duration_ms": time.Since(start).Milliseconds()}
		if stderr.Len() > 0 {
			data["stderr"] = stderr.String()
		}
		return Result{Output: stdout.String(), ExitCode: types.ExitCode(res.ExitCode), Data: data}, nil
	}
}
