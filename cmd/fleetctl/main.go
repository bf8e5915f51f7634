// Command fleetctl is the operator-facing CLI for fleetd: a status
// dashboard and queue inspection/insertion tool, backed by cobra
// subcommands rendered with go-pretty tables.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fleetctl:", err)
		os.Exit(1)
	}
}
