// Command migrate manages the pointsync schema (the balances and
// mutation_records tables) with the embedded goose migrations.
//
// Usage:
//
//	migrate up                  # apply every pending migration
//	migrate up-to <version>     # apply migrations up to version
//	migrate down                # roll back the last migration
//	migrate down-to <version>   # roll back to version
//	migrate status              # list migrations and ledger row counts
//	migrate version             # print the current schema version
//
// DATABASE_URL selects the database; a .env file is read if present.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/mbd888/pointsync/internal/logging"
	"github.com/mbd888/pointsync/internal/retry"
	"github.com/mbd888/pointsync/migrations"
)

const usage = `usage: migrate <command>

commands:
  up                 apply every pending migration
  up-to <version>    apply migrations up to version
  down               roll back the last migration
  down-to <version>  roll back to version (0 drops the ledger tables)
  status             list migrations and ledger row counts
  version            print the current schema version`

var errUsage = errors.New(usage)

// command is one parsed invocation.
type command struct {
	name    string
	version int64
}

func parseArgs(args []string) (command, error) {
	if len(args) == 0 {
		return command{}, errUsage
	}
	cmd := command{name: args[0]}
	switch cmd.name {
	case "up", "down", "status", "version":
		if len(args) != 1 {
			return command{}, fmt.Errorf("%s takes no arguments\n\n%w", cmd.name, errUsage)
		}
	case "up-to", "down-to":
		if len(args) != 2 {
			return command{}, fmt.Errorf("%s needs a version\n\n%w", cmd.name, errUsage)
		}
		v, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil || v < 0 {
			return command{}, fmt.Errorf("invalid version %q", args[1])
		}
		cmd.version = v
	default:
		return command{}, fmt.Errorf("unknown command %q\n\n%w", cmd.name, errUsage)
	}
	return cmd, nil
}

func main() {
	cmd, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	_ = godotenv.Load()
	logger := logging.New(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := migrate(ctx, dbURL, cmd, os.Stdout, logger); err != nil {
		logger.Error("migration failed", "command", cmd.name, "error", err)
		os.Exit(1)
	}
}

func migrate(ctx context.Context, dbURL string, cmd command, out io.Writer, logger *slog.Logger) error {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	err = retry.Do(ctx, 5, 500*time.Millisecond, func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return db.PingContext(pingCtx)
	})
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectPostgres, db, migrations.FS)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	return run(ctx, provider, db, cmd, out, logger)
}

func run(ctx context.Context, p *goose.Provider, db *sql.DB, cmd command, out io.Writer, logger *slog.Logger) error {
	switch cmd.name {
	case "up":
		results, err := p.Up(ctx)
		logResults(logger, results)
		return err
	case "up-to":
		results, err := p.UpTo(ctx, cmd.version)
		logResults(logger, results)
		return err
	case "down":
		result, err := p.Down(ctx)
		if result != nil {
			logResults(logger, []*goose.MigrationResult{result})
		}
		return err
	case "down-to":
		results, err := p.DownTo(ctx, cmd.version)
		logResults(logger, results)
		return err
	case "version":
		v, err := p.GetDBVersion(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "schema version %d\n", v)
		return nil
	case "status":
		return printStatus(ctx, p, db, out)
	}
	return errUsage
}

func logResults(logger *slog.Logger, results []*goose.MigrationResult) {
	if len(results) == 0 {
		logger.Info("schema already current")
		return
	}
	for _, r := range results {
		logger.Info("migration "+r.Direction,
			"version", r.Source.Version, "file", r.Source.Path, "duration", r.Duration)
	}
}

// printStatus lists every migration, then how many balances and mutation
// records the ledger holds.
func printStatus(ctx context.Context, p *goose.Provider, db *sql.DB, out io.Writer) error {
	statuses, err := p.Status(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tSTATE\tAPPLIED AT\tFILE")
	for _, s := range statuses {
		applied := "-"
		if !s.AppliedAt.IsZero() {
			applied = s.AppliedAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", s.Source.Version, s.State, applied, s.Source.Path)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, table := range []string{"balances", "mutation_records"} {
		var n int64
		// table is one of two constants above.
		if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			fmt.Fprintf(out, "%s: not present\n", table)
			continue
		}
		fmt.Fprintf(out, "%s: %d rows\n", table, n)
	}
	return nil
}
