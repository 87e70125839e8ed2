// Command galleryd serves the gallery resource governor over HTTP.
package main

import (
	"fmt"
	"os"
)

func main() {
	root := newRootCommand()
	root.AddCommand(newServeCommand(), newSimulateCommand(), newScanCommand(), newTokenCommand(), newVersionCommand())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
