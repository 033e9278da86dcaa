// Command conductor orchestrates coding agents over a GitHub backlog.
package main

import "github.com/steveyegge/conductor/internal/cmd"

func main() {
	cmd.Execute()
}
