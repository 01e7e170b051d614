package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.blockvault.dev/core/localdb"
	"go.blockvault.dev/core/localdb/sqlite"
	mbp "go.blockvault.dev/core/mainboilerplate"
)

type cmdPragma struct {
	Positional struct {
		Pragma string `positional-arg-name:"pragma" required:"1" description:"Pragma name, or name=value to set it"`
	} `positional-args:"yes"`
}

type cmdVacuum struct{}

type cmdStat struct{}

// statPragmas are reported by the "stat" command.
var statPragmas = []string{
	"page_size",
	"page_count",
	"freelist_count",
	"journal_mode",
	"user_version",
}

func init() {
	commands.AddCommand("", "pragma", "Read or set a store pragma", `
Read a pragma of the store:
>    localdbctl pragma journal_mode

Or set, and then read, a pragma of the store:
>    localdbctl pragma journal_mode=wal
`, &cmdPragma{})

	commands.AddCommand("", "vacuum", "Rebuild the store", `
Rebuild the store file, reclaiming free pages. Vacuum requires exclusive
use of the store, and may take some time for large stores.
`, &cmdVacuum{})

	commands.AddCommand("", "stat", "Show store statistics", `
Show the driver, file sizes and page statistics of the store.
`, &cmdStat{})
}

func (cmd *cmdPragma) Execute([]string) error {
	defer mbp.InitDiagnosticsAndRecover(baseCfg.Diagnostics)()
	var ctx, m, done = startup()
	defer done()

	return runPragma(ctx, m, os.Stdout, cmd.Positional.Pragma)
}

func (cmd *cmdVacuum) Execute([]string) error {
	defer mbp.InitDiagnosticsAndRecover(baseCfg.Diagnostics)()
	var ctx, m, done = startup()
	defer done()

	return runVacuum(ctx, m, afero.NewOsFs(), os.Stdout)
}

func (cmd *cmdStat) Execute([]string) error {
	defer mbp.InitDiagnosticsAndRecover(baseCfg.Diagnostics)()
	var ctx, m, done = startup()
	defer done()

	return runStat(ctx, m, afero.NewOsFs(), os.Stdout)
}

func runPragma(ctx context.Context, m *localdb.Manager, w io.Writer, pragma string) error {
	var name = pragma
	if ind := strings.IndexByte(pragma, '='); ind != -1 {
		if err := m.ExecutePragma(ctx, pragma); err != nil {
			return err
		}
		name = strings.TrimSpace(pragma[:ind])
	}
	return runQuery(ctx, m, w, "PRAGMA "+name, nil, false)
}

func runVacuum(ctx context.Context, m *localdb.Manager, fs afero.Fs, w io.Writer) error {
	if !m.Exists() {
		return errors.Errorf("store %s does not exist", m.Path())
	}
	var before = storeSize(fs, m.Path())

	if err := m.ExecuteVacuum(ctx); err != nil {
		return err
	}
	var _, err = fmt.Fprintf(w, "vacuumed %s: %s => %s\n", m.Path(),
		humanize.Bytes(uint64(before)), humanize.Bytes(uint64(storeSize(fs, m.Path()))))
	return err
}

func runStat(ctx context.Context, m *localdb.Manager, fs afero.Fs, w io.Writer) error {
	if !m.Exists() {
		return errors.Errorf("store %s does not exist", m.Path())
	}
	var info = sqlite.GetInfo()

	var rows = [][]string{
		{"path", m.Path()},
		{"driver", fmt.Sprintf("%s (%s)", info.Package, info.DriverType)},
	}
	for _, suffix := range []string{"", "-wal", "-journal"} {
		if fi, err := fs.Stat(m.Path() + suffix); err == nil {
			rows = append(rows, []string{"file" + suffix, humanize.Bytes(uint64(fi.Size()))})
		}
	}

	var err = withReadTx(ctx, m, func() error {
		for _, name := range statPragmas {
			var v, err = m.CreateCommand("PRAGMA " + name).ExecuteScalar(ctx)
			if err != nil {
				return err
			}
			rows = append(rows, []string{name, formatValue(v)})
		}
		var tables, err = m.CreateCommand(
			"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table'").ExecuteScalarInt64(ctx, 0)
		if err != nil {
			return err
		}
		rows = append(rows, []string{"tables", humanize.Comma(tables)})
		return nil
	})
	if err != nil {
		return err
	}

	var table = tablewriter.NewWriter(w)
	table.Header("Property", "Value")
	if err = table.Bulk(rows); err != nil {
		return err
	}
	return table.Render()
}

// storeSize returns the total size of the store's file and its journals.
func storeSize(fs afero.Fs, path string) int64 {
	var total int64
	for _, suffix := range []string{"", "-wal", "-journal"} {
		if fi, err := fs.Stat(path + suffix); err == nil {
			total += fi.Size()
		}
	}
	return total
}
