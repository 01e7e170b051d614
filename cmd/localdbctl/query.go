package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"go.blockvault.dev/core/localdb"
	mbp "go.blockvault.dev/core/mainboilerplate"
)

type cmdQuery struct {
	Unlocked   bool `long:"unlocked" description:"Don't hold the store read lock while reading rows"`
	Positional struct {
		SQL string `positional-arg-name:"sql" required:"1" description:"Query to execute"`
	} `positional-args:"yes"`
}

type cmdExec struct {
	Positional struct {
		SQL string `positional-arg-name:"sql" required:"1" description:"Statement to execute"`
	} `positional-args:"yes"`
}

func init() {
	commands.AddCommand("", "query", "Query the store", `
Execute a query against the store, and print its rows as a table.

Further arguments bind to '?' placeholders of the query, in order:
>    localdbctl query --store.path=local.sqlite "SELECT * FROM blocks WHERE hash = ?" 0a1b2c

Queries of a transactional store run within a transaction which is rolled back.
`, &cmdQuery{})

	commands.AddCommand("", "exec", "Execute a statement against the store", `
Execute a statement against the store, and print the number of affected rows.

Further arguments bind to '?' placeholders of the statement, in order.
Statements of a transactional store run within a transaction which is committed.
`, &cmdExec{})
}

func (cmd *cmdQuery) Execute(args []string) error {
	defer mbp.InitDiagnosticsAndRecover(baseCfg.Diagnostics)()
	var ctx, m, done = startup()
	defer done()

	return runQuery(ctx, m, os.Stdout, cmd.Positional.SQL, args, cmd.Unlocked)
}

func (cmd *cmdExec) Execute(args []string) error {
	defer mbp.InitDiagnosticsAndRecover(baseCfg.Diagnostics)()
	var ctx, m, done = startup()
	defer done()

	return runExec(ctx, m, os.Stdout, cmd.Positional.SQL, args)
}

func runQuery(ctx context.Context, m *localdb.Manager, w io.Writer, text string, params []string, unlocked bool) error {
	return withReadTx(ctx, m, func() error {
		var cmd = m.CreateCommand(text)
		defer cmd.Close()

		for _, p := range params {
			cmd.AddParameter(p)
		}
		var execute = cmd.ExecuteReader
		if unlocked {
			execute = cmd.ExecuteReaderWithoutLocks
		}

		var cur, err = execute(ctx)
		if err != nil {
			return err
		}
		defer cur.Close()

		cols, err := cur.Columns()
		if err != nil {
			return err
		}
		var table = tablewriter.NewWriter(w)
		table.Header(cols)

		var count int64
		for cur.Next() {
			values, err := cur.Values()
			if err != nil {
				return err
			}
			var row = make([]string, len(values))
			for i, v := range values {
				row[i] = formatValue(v)
			}
			if err = table.Append(row); err != nil {
				return err
			}
			count++
		}
		if err = cur.Err(); err != nil {
			return err
		}
		if err = table.Render(); err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "(%s rows)\n", humanize.Comma(count))
		return err
	})
}

func runExec(ctx context.Context, m *localdb.Manager, w io.Writer, text string, params []string) error {
	var tx *localdb.Tx
	if !m.IsTransactionFree() {
		var err error
		if tx, err = m.BeginTransaction(ctx); err != nil {
			return err
		}
		defer tx.Close()
	}

	var cmd = m.CreateCommand(text)
	defer cmd.Close()

	for _, p := range params {
		cmd.AddParameter(p)
	}
	var n, err = cmd.ExecuteNonQuery(ctx)
	if err != nil {
		return err
	}
	if tx != nil {
		if err = tx.Commit(ctx, "localdbctl exec"); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "%s rows affected\n", humanize.Comma(n))
	return err
}

func formatValue(v interface{}) string {
	switch vv := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(vv)
	default:
		return fmt.Sprint(vv)
	}
}
