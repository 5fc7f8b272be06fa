package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli"
)

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[tap-agent] %v\n", err)
	os.Exit(1)
}

func main() {
	app := cli.NewApp()
	app.Name = "tap-agent"
	app.Usage = "off-chain receipt aggregation and escrow accounting for a query-serving indexer"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config",
			Value: "tap-agent.toml",
			Usage: "path to the TOML configuration file",
		},
	}
	app.Commands = []cli.Command{
		runCommand,
		inspectCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}
