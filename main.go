// Package main is the entry point for the medallion application
package main

import (
	"github.com/ethpandaops/medallion/cmd"
)

func main() {
	cmd.Execute()
}
