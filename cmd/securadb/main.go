// Command securadb is the operator tool for a securadb data directory.
//
// Usage: securadb <command> [options]
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
