// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"slices"

	"github.com/charmbracelet/glamour"
	"golang.org/x/exp/constraints"
)

// Id identifies a catalog entry.
type Id int

const (
	ConfigLoadFailedId Id = iota + 1
	PortInUseId
	TargetUnavailableId
	ContainerEngineNotFoundId
	TempDirNotWritableId
	CompanionNotReportingId
	EventsStoreFailedId
)

type (
	// MarkdownMsg is the Markdown body of an issue.
	MarkdownMsg string

	// Issue is one catalog entry.
	Issue struct {
		id          Id
		title       string
		mdMsg       MarkdownMsg
		suggestions []string
	}
)

// Id returns the catalog id.
func (i *Issue) Id() Id { return i.id }

// Title returns the one-line summary.
func (i *Issue) Title() string { return i.title }

// MarkdownMsg returns the raw Markdown body.
func (i *Issue) MarkdownMsg() MarkdownMsg { return i.mdMsg }

// Suggestions returns the short remediation hints.
func (i *Issue) Suggestions() []string { return slices.Clone(i.suggestions) }

// Render renders the issue for a terminal. stylePath is a glamour style
// name such as "dark", "light", "notty", or a JSON style file.
func (i *Issue) Render(stylePath string) (string, error) {
	return render("# "+i.title+"\n"+string(i.mdMsg), stylePath)
}

var (
	render = glamour.Render

	catalog = map[Id]*Issue{
		ConfigLoadFailedId: {
			id:    ConfigLoadFailedId,
			title: "Failed to load configuration",
			mdMsg: `
The companion configuration file could not be read or did not match the schema.

## Where configuration comes from (later wins)
1. Built-in defaults
2. ` + "`config.cue`" + ` in the companion config directory, or the file given with ` + "`--config`" + `
3. ` + "`COMPANION_*`" + ` environment variables
4. Command-line flags

## Example
~~~cue
target: {kind: "host", udid: "local"}
ports: ["grpc=tcp://127.0.0.1:0", "http=tcp://127.0.0.1:0"]
grace_period: "5s"
~~~`,
			suggestions: []string{
				"Run 'companion config show' to see the effective configuration",
				"Check the file against the schema errors printed above",
			},
		},
		PortInUseId: {
			id:    PortInUseId,
			title: "A port could not be bound",
			mdMsg: `
Start binds every configured port before serving. If any bind fails, the ports
already bound are released and the companion exits without serving.

## Things you can try
- Use port ` + "`0`" + ` to let the system pick a free port
- Find the process holding the port:
~~~
$ lsof -i :<port>
~~~
- For Unix sockets, make sure no other companion is serving the same path`,
			suggestions: []string{
				"Pick a different port or use 0 for an ephemeral one",
				"Stop the process that already listens on the address",
			},
		},
		TargetUnavailableId: {
			id:    TargetUnavailableId,
			title: "The target is not available",
			mdMsg: `
A companion serves exactly one target and stops when the target goes away.

- **host** targets stay available until the companion stops
- **container** targets need a running container
- **socket** targets need their control socket to exist`,
			suggestions: []string{
				"Check that the container is running or the control socket exists",
				"Run 'companion status' to see the last recorded outcome",
			},
		},
		ContainerEngineNotFoundId: {
			id:    ContainerEngineNotFoundId,
			title: "No container engine found",
			mdMsg: `
Container targets are inspected with the Docker or Podman CLI.

## Things you can try
- Install Podman or Docker and make sure it is on ` + "`PATH`" + `
- Select the engine explicitly:
~~~cue
target: {kind: "container", engine: "podman", container: "my-app"}
~~~`,
			suggestions: []string{
				"Install docker or podman",
				"Set target.engine in the configuration",
			},
		},
		TempDirNotWritableId: {
			id:    TempDirNotWritableId,
			title: "The temporary directory is not writable",
			mdMsg: `
Commands run inside the companion's temporary directory. It must exist and
accept new files.`,
			suggestions: []string{
				"Set temp_dir to a writable directory",
				"Check the directory's owner and permissions",
			},
		},
		CompanionNotReportingId: {
			id:    CompanionNotReportingId,
			title: "The spawned companion never reported its ports",
			mdMsg: `
A spawned companion prints one JSON line with its ports once it is serving.
The child exited or stayed silent before that line arrived.

The child's stderr is kept in ` + "`<log dir>/<udid>.log`" + `.`,
			suggestions: []string{
				"Read the per-target log file for the child's error",
				"Run 'companion serve' by hand with the same udid",
			},
		},
		EventsStoreFailedId: {
			id:    EventsStoreFailedId,
			title: "The events database could not be opened",
			mdMsg: `
Lifecycle events are stored in SQLite when a database path is configured.`,
			suggestions: []string{
				"Check the --db path and its parent directory permissions",
			},
		},
	}
)

// Get returns the catalog entry for id, or nil.
func Get(id Id) *Issue {
	return catalog[id]
}

// Values returns every catalog entry ordered by id.
func Values() []*Issue {
	out := make([]*Issue, 0, len(catalog))
	for _, id := range sortedKeys(catalog) {
		out = append(out, catalog[id])
	}
	return out
}

func sortedKeys[K constraints.Ordered, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
