package main

import (
	"os"

	"github.com/VuDube/promptgenie-xx2a9lx/internal/cli"
)

func main() {
	os.Exit(cli.Execute(os.Args[1:], os.Stdout, os.Stderr))
}
