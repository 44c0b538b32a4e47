// Command bifrost evaluates flags from a local definitions file and publishes
// changes to the self-hosted change feed.
package main

import (
	"fmt"
	"os"

	"github.com/rafaeljc/bifrost/cmd/bifrost/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
