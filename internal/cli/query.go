package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/fedq/internal/connector"
	"github.com/roach88/fedq/internal/engine"
	"github.com/roach88/fedq/internal/plan"
	"github.com/roach88/fedq/internal/rows"
)

// sourceName is the catalog name of the --db source.
const sourceName = "db"

// QueryOptions holds flags for the query command.
type QueryOptions struct {
	*RootOptions
	Database string
	Unit     string
	Session  string
	Repeat   int
	NoCache  bool
}

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "query --db <sqlite> <sql>",
		Short: "Run SQL against a SQLite source through the engine",
		Long: `Run a SQL statement against a SQLite database as a federated source.

The statement is planned, scheduled and buffered like any other request, so
--repeat shows the result cache serving later submissions.

Examples:
  fedq query --db ./people.db "SELECT id, name FROM people"
  fedq query --db ./people.db --session alice "SELECT * FROM people WHERE id = 3"
  fedq query --db ./people.db --repeat 2 --format json "SELECT count(*) FROM people"`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(opts, args[0], cmd)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	flags.StringVar(&opts.Unit, "unit", "adhoc", "unit the query is submitted under")
	flags.StringVar(&opts.Session, "session", "cli", "session id (scopes session-cached results)")
	flags.IntVar(&opts.Repeat, "repeat", 1, "submit the query this many times")
	flags.BoolVar(&opts.NoCache, "no-cache", false, "bypass the result cache")
	flags.Int("max-active-plans", 0, "override scheduler.maxActivePlans")
	_ = cmd.MarkFlagRequired("db")
	rootOpts.bind("scheduler.maxActivePlans", flags.Lookup("max-active-plans"))

	return cmd
}

func runQuery(opts *QueryOptions, text string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	if opts.Repeat < 1 {
		return f.Fail(ExitCommandError, ErrCodeGeneric, fmt.Errorf("--repeat must be at least 1, got %d", opts.Repeat))
	}
	if _, err := os.Stat(opts.Database); err != nil {
		return f.Fail(ExitCommandError, ErrCodeGeneric, fmt.Errorf("database not found: %w", err))
	}

	cfg, err := opts.loadConfig()
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeConfig, err)
	}
	logger := opts.logger(cfg, f.GetErrWriter())

	db, err := connector.OpenSQLite(opts.Database, cfg.Buffer.ProcessorBatchSize, cfg.Scheduler.UserRequestSourceConcurrency)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeGeneric, err)
	}
	defer db.Close()

	eng, err := engine.New(cfg,
		engine.WithLogger(logger),
		engine.WithSource(sourceName, db),
		engine.WithPlanner(plan.SourcePlanner{Source: sourceName, Describer: db}),
	)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeGeneric, err)
	}

	ctx, stop := signalContext(cmd)
	defer stop()
	eng.Start(ctx)
	defer func() {
		if err := eng.Stop(); err != nil {
			logger.Error("engine stop failed", "error", err)
		}
	}()

	if err := eng.Deploy(opts.Unit); err != nil {
		return f.Fail(ExitCommandError, ErrCodeGeneric, err)
	}

	command := engine.Command{
		Unit:    opts.Unit,
		Text:    text,
		NoCache: opts.NoCache,
	}
	results := make([]ResultSet, 0, opts.Repeat)
	for i := 0; i < opts.Repeat; i++ {
		rs, err := execute(ctx, eng, command, engine.Session{ID: opts.Session})
		if err != nil {
			return f.Fail(ExitFailure, ErrCodeQueryFailed, err)
		}
		f.VerboseLog("request %s: %d rows, cached %t", rs.Request, len(rs.Rows), rs.Cached)
		results = append(results, rs)
	}

	if f.json() {
		if len(results) == 1 {
			return f.encode(CLIResponse{Status: "ok", Data: results[0], TraceID: results[0].Request})
		}
		return f.Success(results)
	}
	for i, rs := range results {
		if len(results) > 1 {
			fmt.Fprintf(f.Writer, "-- run %d (request %s, cached %t)\n", i+1, rs.Request, rs.Cached)
		}
		if err := f.Table(rs); err != nil {
			return err
		}
	}
	return nil
}

// execute submits one request, drains it and closes it.
func execute(ctx context.Context, eng *engine.Engine, cmd engine.Command, sess engine.Session) (ResultSet, error) {
	id, err := eng.Submit(ctx, cmd, sess)
	if err != nil {
		return ResultSet{}, err
	}
	defer func() { _ = eng.Close(context.WithoutCancel(ctx), id) }()

	var (
		schema rows.Schema
		out    []rows.Row
		cached bool
	)
	for {
		res, err := eng.Poll(ctx, id)
		if err != nil {
			return ResultSet{}, err
		}
		if res.Err != nil {
			return ResultSet{}, res.Err
		}
		schema, cached = res.Schema, res.Cached
		if res.HasBatch {
			out = append(out, res.Batch.Rows...)
			continue
		}
		if res.Completed {
			break
		}
	}

	rs := NewResultSet(schema, out)
	rs.Request = id
	rs.Cached = cached
	return rs, nil
}
