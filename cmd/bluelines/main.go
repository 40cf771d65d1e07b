// Command bluelines maintains Blue Line records for eligible
// material-supplier pairs.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/bluelines/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
