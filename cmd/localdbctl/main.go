package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/jessevdk/go-flags"
	"go.blockvault.dev/core/localdb"
	mbp "go.blockvault.dev/core/mainboilerplate"
)

const iniFilename = "localdbctl.ini"

var (
	baseCfg = new(struct {
		Store       localdb.Config        `group:"Store" namespace:"store" env-namespace:"STORE"`
		Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
		Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
	})
	commands = mbp.NewCommandRegistry()
)

func main() {
	var parser = flags.NewParser(baseCfg, flags.Default)

	parser.LongDescription = `localdbctl is a tool for inspecting and maintaining local SQLite stores.

	See --help pages of each sub-command for documentation and usage examples.
	Optionally configure localdbctl with a '` + iniFilename + `' file in the current working directory,
	or with '~/.config/localdb/` + iniFilename + `'. Use the 'print-config' sub-command to inspect
	the tool's current configuration.
	`
	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.Must(commands.AddCommands("", parser.Command, true), "could not add subcommand")

	mbp.MustParseConfig(parser, iniFilename)
}

// startup initializes logging and returns a Manager of the configured store,
// and a Context which is cancelled on interrupt. The returned func closes both.
func startup() (context.Context, *localdb.Manager, func()) {
	mbp.InitLog(baseCfg.Log)

	var m, err = localdb.New(baseCfg.Store)
	mbp.Must(err, "invalid store configuration")

	var ctx, cancel = signal.NotifyContext(context.Background(), os.Interrupt)
	return ctx, m, func() {
		m.Close()
		cancel()
	}
}

// withReadTx invokes |fn| within a transaction of |m| which is rolled back,
// unless |m| is transaction-free.
func withReadTx(ctx context.Context, m *localdb.Manager, fn func() error) error {
	if m.IsTransactionFree() {
		return fn()
	}
	var tx, err = m.BeginTransaction(ctx)
	if err != nil {
		return err
	}
	defer tx.Close()

	return fn()
}
