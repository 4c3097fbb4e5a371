// Command odc saves change scripts to an OData service.
package main

import (
	"os"

	"github.com/kilupskalvis/odc/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
