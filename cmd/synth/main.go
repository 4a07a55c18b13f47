package main

import (
	"os"

	"github.com/smilemakc/synth/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
