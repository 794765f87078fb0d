package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli"
)

// Version is overridden at link time with -X main.Version=...
var Version = "dev"

func main() {
	a := cli.NewApp()
	a.Name = "memxchg"
	a.Usage = "request/response exchange over registered memory"
	a.Version = Version
	a.Flags = globalFlags()
	a.Commands = []cli.Command{
		ServeCmd(),
		RequestCmd(),
		FaultInjectCmd(),
		VersionCmd(),
	}
	if err := a.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "memxchg: %v\n", err)
		os.Exit(1)
	}
}
