// Command tradegate is the command-line front end of the broker gateway.
package main

import (
	"fmt"
	"os"

	"tradegate/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
