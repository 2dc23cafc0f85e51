// Command fedq runs scenarios, golden-trace suites and ad hoc SQLite
// queries against the federated query runtime.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/fedq/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
