package mainboilerplate

import (
	"testing"

	"github.com/jessevdk/go-flags"
	"github.com/stretchr/testify/require"
)

type testCmd struct {
	Flag string `long:"flag"`
}

func (testCmd) Execute([]string) error { return nil }

func TestCommandRegistryTree(t *testing.T) {
	var reg = NewCommandRegistry()
	reg.AddCommand("", "store", "Store commands", "", &struct{}{})
	reg.AddCommand("store", "stat", "Show store statistics", "", &testCmd{})
	reg.AddCommand("store.stat", "deep", "Deeply nested", "", &testCmd{})
	reg.AddCommand("", "query", "Query the store", "", &testCmd{})

	var parser = flags.NewParser(nil, flags.None)
	require.NoError(t, reg.AddCommands("", parser.Command, true))

	var store = parser.Find("store")
	require.NotNil(t, store)
	require.NotNil(t, parser.Find("query"))
	require.NotNil(t, store.Find("stat"))
	require.NotNil(t, store.Find("stat").Find("deep"))

	// Without recursion, only commands of the root are added.
	parser = flags.NewParser(nil, flags.None)
	require.NoError(t, reg.AddCommands("", parser.Command, false))
	require.NotNil(t, parser.Find("store"))
	require.Nil(t, parser.Find("store").Find("stat"))
}
