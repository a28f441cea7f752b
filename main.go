// SPDX-License-Identifier: MPL-2.0

// Command companion serves a target to remote clients.
package main

import cmd "github.com/invowk/companion/cmd/companion"

func main() {
	cmd.Execute()
}
