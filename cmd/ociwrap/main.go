// Command ociwrap serves OCI container registries as a read-only xRegistry.
package main

import (
	"os"

	"github.com/xregistry/ociwrap/cmd/ociwrap/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
