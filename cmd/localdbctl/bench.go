package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.blockvault.dev/core/localdb"
	"go.blockvault.dev/core/localdb/sqlite"
	mbp "go.blockvault.dev/core/mainboilerplate"
	"golang.org/x/sync/errgroup"
)

type cmdBench struct {
	Writers int    `long:"writers" default:"4" description:"Number of concurrent writers"`
	Readers int    `long:"readers" default:"2" description:"Number of concurrent readers, using an additional connection"`
	Rows    int    `long:"rows" default:"10000" description:"Number of rows inserted by each writer"`
	Batch   int    `long:"batch" default:"500" description:"Number of rows inserted between commits"`
	Payload string `long:"payload" default:"1KB" description:"Size of each row's payload"`
}

// benchStats are results of a benchmark run.
type benchStats struct {
	written atomic.Int64
	commits atomic.Int64
	reads   atomic.Int64
	busy    atomic.Int64
}

func init() {
	commands.AddCommand("", "bench", "Benchmark concurrent use of the store", `
Benchmark concurrent writers and readers of the store.

Writers insert rows of a "localdbctl_bench" table through the configured
store connection, within a single transaction which is committed and restarted
every --batch rows. Readers concurrently count rows of the table through an
additional, transaction-free connection. The table is dropped upon completion.
`, &cmdBench{})
}

func (cmd *cmdBench) Execute([]string) error {
	defer mbp.InitDiagnosticsAndRecover(baseCfg.Diagnostics)()
	var ctx, m, done = startup()
	defer done()

	return runBench(ctx, m, os.Stdout, *cmd)
}

func runBench(ctx context.Context, m *localdb.Manager, w io.Writer, cfg cmdBench) error {
	if m.IsTransactionFree() {
		return errors.New("bench requires a transactional store")
	} else if cfg.Writers < 1 || cfg.Rows < 1 || cfg.Batch < 1 {
		return errors.New("expected --writers, --rows and --batch >= 1")
	}
	payloadSize, err := humanize.ParseBytes(cfg.Payload)
	if err != nil {
		return errors.WithMessage(err, "parsing --payload")
	}
	var payload = make([]byte, payloadSize)

	rtx, err := localdb.NewReusableTx(ctx, m)
	if err != nil {
		return err
	}
	defer rtx.Close()

	if _, err = m.CreateCommand(`CREATE TABLE IF NOT EXISTS localdbctl_bench (
		id      TEXT PRIMARY KEY,
		writer  INTEGER NOT NULL,
		payload BLOB
	)`).ExecuteNonQuery(ctx); err != nil {
		return err
	} else if err = rtx.Commit(ctx, "CreateBenchTable", true); err != nil {
		return err
	}

	reader, err := m.CreateAdditionalConnection(ctx, true)
	if err != nil {
		return err
	}
	defer reader.Close()

	var stats benchStats
	var started = time.Now()
	var stop = make(chan struct{})

	var writers, wctx = errgroup.WithContext(ctx)
	var readers, rctx = errgroup.WithContext(ctx)

	for i := 0; i != cfg.Writers; i++ {
		var writer = i
		writers.Go(func() error { return benchWriter(wctx, m, rtx, &stats, cfg, writer, payload) })
	}
	for i := 0; i != cfg.Readers; i++ {
		readers.Go(func() error { return benchReader(rctx, reader, &stats, stop) })
	}

	err = writers.Wait()
	close(stop)

	if rerr := readers.Wait(); err == nil {
		err = rerr
	}
	if err != nil {
		return err
	}
	if err = rtx.Commit(ctx, "FinishBench", true); err != nil {
		return err
	}
	var elapsed = time.Since(started)
	var size = storeSize(afero.NewOsFs(), m.Path())

	if _, err = m.CreateCommand("DROP TABLE localdbctl_bench").ExecuteNonQuery(ctx); err != nil {
		return err
	} else if err = rtx.Commit(ctx, "DropBenchTable", false); err != nil {
		return err
	}

	var table = tablewriter.NewWriter(w)
	table.Header("Metric", "Value")

	if err = table.Bulk([][]string{
		{"elapsed", elapsed.Round(time.Millisecond).String()},
		{"rows written", humanize.Comma(stats.written.Load())},
		{"rows/sec", humanize.Commaf(float64(stats.written.Load()) / elapsed.Seconds())},
		{"commits", humanize.Comma(stats.commits.Load())},
		{"reads", humanize.Comma(stats.reads.Load())},
		{"busy reads", humanize.Comma(stats.busy.Load())},
		{"store size", humanize.Bytes(uint64(size))},
	}); err != nil {
		return err
	}
	return table.Render()
}

func benchWriter(ctx context.Context, m *localdb.Manager, rtx *localdb.ReusableTx,
	stats *benchStats, cfg cmdBench, writer int, payload []byte) error {

	var insert = m.CreateCommand("INSERT INTO localdbctl_bench (id, writer, payload) VALUES (?, ?, ?)")
	defer insert.Close()

	if err := insert.Prepare(ctx); err != nil {
		return err
	}
	for i := 0; i != cfg.Rows; i++ {
		var _, err = insert.
			SetParameterValue(0, uuid.NewString()).
			SetParameterValue(1, writer).
			SetParameterValue(2, payload).
			ExecuteNonQuery(ctx)
		if err != nil {
			return errors.WithMessagef(err, "writer %d", writer)
		}

		if stats.written.Add(1)%int64(cfg.Batch) == 0 {
			if err = rtx.Commit(ctx, fmt.Sprintf("BenchBatch-%d", writer), true); err != nil {
				return err
			}
			stats.commits.Add(1)
		}
	}
	return nil
}

func benchReader(ctx context.Context, m *localdb.Manager, stats *benchStats, stop <-chan struct{}) error {
	var count = m.CreateCommand("SELECT COUNT(*) FROM localdbctl_bench")
	defer count.Close()

	for {
		select {
		case <-stop:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}

		var n, err = count.ExecuteScalarInt64(ctx, 0)
		if ctx.Err() != nil {
			return nil
		} else if sqlite.IsBusy(err) {
			stats.busy.Add(1)
			continue
		} else if err != nil {
			return errors.WithMessage(err, "reader")
		}
		stats.reads.Add(1)

		log.WithField("rows", n).Trace("read row count")
	}
}
