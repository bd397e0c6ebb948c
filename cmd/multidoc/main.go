// Command multidoc composes and serves pages hosting multiple documents.
package main

import (
	"fmt"
	"os"

	"github.com/go-drift/multidoc/cmd/multidoc/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
