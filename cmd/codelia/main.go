// Package main provides the entry point for the Codelia CLI.
package main

import (
	"fmt"
	"os"

	"github.com/kousw/codelia/cmd/codelia/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
