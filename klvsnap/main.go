package main

import (
	"os"

	"github.com/eluv-io/klvsnap/keyboard"
	"github.com/eluv-io/klvsnap/klvsnap/cmd"
)

func main() {
	os.Exit(cmd.Execute(os.Args[1:], keyboard.NewTerminal(os.Stdin), os.Stdout))
}
