// Command meshvaultd runs one node of the mesh: the HTTP dispatch
// router, the satellite sneakernet sync loop, and an optional
// read-only FUSE mount, all driven from a single YAML configuration
// file the way the rest of the pack's daemons are operated.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
