// Command sandbox stores, runs and inspects sandboxed functions.
package main

import (
	"fmt"
	"os"

	"go.uber.org/multierr"
)

func main() {
	c := newCli(os.Stdout, os.Stderr)
	err := newRootCommand(c).Execute()
	if err = multierr.Append(err, c.teardown()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
