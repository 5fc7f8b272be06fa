package main

import (
	"flag"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/urfave/cli"
)

func TestInspectActionRequiresExactlyOneArgument(t *testing.T) {
	set := flag.NewFlagSet("inspect", flag.ContinueOnError)
	require.NoError(t, set.Parse([]string{"0xabc", "0xdef"}))

	c := cli.NewContext(cli.NewApp(), set, nil)
	err := inspectAction(c)
	require.ErrorContains(t, err, "expected exactly one sender address argument")
}

func TestInspectActionRequiresAtLeastOneArgument(t *testing.T) {
	set := flag.NewFlagSet("inspect", flag.ContinueOnError)
	require.NoError(t, set.Parse(nil))

	c := cli.NewContext(cli.NewApp(), set, nil)
	err := inspectAction(c)
	require.ErrorContains(t, err, "expected exactly one sender address argument")
}
