package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli"

	"github.com/graphops/tap-agent/config"
	"github.com/graphops/tap-agent/core"
	"github.com/graphops/tap-agent/store"
)

var inspectCommand = cli.Command{
	Name:      "inspect",
	Usage:     "print a sender's stored RAV and denylist state",
	ArgsUsage: "<sender-address>",
	Action:    inspectAction,
}

func inspectAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("inspect: expected exactly one sender address argument")
	}
	sender := core.HexToAddress(c.Args().Get(0))

	cfg, err := config.Load(c.GlobalString("config"))
	if err != nil {
		return err
	}

	ctx := context.Background()
	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer st.Close()

	denied, err := st.IsDenied(ctx, sender)
	if err != nil {
		return err
	}
	fmt.Printf("sender %s: denied=%v\n\n", sender, denied)

	ravs, err := st.NonFinalLastRavs(ctx, sender)
	if err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Allocation", "Timestamp (ns)", "Value Aggregate", "Final"})
	for _, r := range ravs {
		t.AppendRow(table.Row{r.AllocationID.Hex(), r.TimestampNs, r.ValueAggregate.String(), r.Final})
	}
	t.Render()
	return nil
}
