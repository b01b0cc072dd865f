// Package main is the entry point for the mdq CLI binary.
package main

import (
	"os"

	cli "mdquery/pkg/cli"
)

func main() {
	os.Exit(cli.Execute())
}
