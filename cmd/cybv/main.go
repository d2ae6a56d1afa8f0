// Command cybv runs the CYBV reward ledger.
package main

import (
	"os"

	"github.com/cybv-network/cybv/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
