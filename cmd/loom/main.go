// Command loom is the reference operational CLI for the loom workflow
// engine (spec §6.2): store bootstrap, the worker pool, and basic
// inspection. Grounded on the teacher's cmd/conductor entrypoint, trimmed
// to loom's data-plane surface — a deployment that wants `worker` to
// actually run workflow code builds its own binary importing pkg/loom and
// passing a register function to loom.NewCLI; this file passes nil.
package main

import (
	"fmt"
	"os"

	"github.com/loomworks/loom/pkg/loom"
)

var version = "dev"

func main() {
	root := loom.NewCLI(version, nil)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
