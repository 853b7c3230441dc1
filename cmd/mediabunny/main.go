// Command mediabunny is a CLI front end for the mediabunny container
// engine: inspecting, dumping and converting ISOBMFF media files.
package main

import (
	"os"

	"github.com/tetsuo/mediabunny/cmd/mediabunny/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
