// Command vision runs background subtraction and sibling filters over frame
// channels on a compute device.
package main

import (
	"os"

	"github.com/born-ml/vision/cmd/vision/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
