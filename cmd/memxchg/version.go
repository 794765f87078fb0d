package main

import (
	"encoding/json"
	"fmt"

	"github.com/urfave/cli"

	"github.com/rocketbitz/memxchg/fi"
)

type versionOutput struct {
	Version          string `json:"version"`
	LibfabricRuntime string `json:"libfabricRuntime"`
	LibfabricHeaders string `json:"libfabricHeaders"`
}

func VersionCmd() cli.Command {
	return cli.Command{
		Name:  "version",
		Usage: "print the build and libfabric versions as JSON",
		Action: func(c *cli.Context) error {
			lib, headers := fi.LibraryVersion()
			out, err := json.MarshalIndent(versionOutput{
				Version:          Version,
				LibfabricRuntime: lib,
				LibfabricHeaders: headers,
			}, "", "\t")
			if err != nil {
				return cli.NewExitError(err.Error(), 1)
			}
			fmt.Println(string(out))
			return nil
		},
	}
}
