// Command scanfleet runs the scan scheduler, planner and agent API.
package main

import "github.com/anstrom/scanfleet/cmd/cli"

// Set by ldflags during build, e.g.
// -X main.version=1.2.0 -X main.commit=$(git rev-parse --short HEAD).
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildTime)
	cli.Execute()
}
