// Command migrate applies the embedded Agora schema to DATABASE_URL.
//
// Usage:
//
//	migrate up              apply every pending migration
//	migrate up-by-one       apply the next migration
//	migrate up-to <v>       apply up to and including version v
//	migrate down            roll back the latest migration
//	migrate down-to <v>     roll back to version v
//	migrate status          list migrations and when each was applied
//	migrate version         print the current version
//	migrate check           exit 1 when migrations are pending
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/mbd888/agora/internal/logging"
	"github.com/mbd888/agora/internal/retry"
	"github.com/mbd888/agora/migrations"
)

func main() {
	_ = godotenv.Load()
	logger := logging.New(envOr("LOG_LEVEL", "info"), envOr("LOG_FORMAT", "text"))

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: migrate up|up-by-one|up-to <v>|down|down-to <v>|status|version|check")
		os.Exit(2)
	}
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := open(ctx, dbURL, logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if err := run(ctx, db, os.Args[1], os.Args[2:], logger); err != nil {
		logger.Error("migrate failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func open(ctx context.Context, dbURL string, logger *slog.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, err
	}
	ping := retry.Policy{
		Attempts:  5,
		BaseDelay: 500 * time.Millisecond,
		MaxDelay:  5 * time.Second,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			logger.Warn("database not ready", "attempt", attempt, "error", err, "retryIn", wait)
		},
	}
	if err := ping.Do(ctx, db.PingContext); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func run(ctx context.Context, db *sql.DB, command string, args []string, logger *slog.Logger) error {
	if command == "check" {
		if err := migrations.Check(ctx, db); err != nil {
			return err
		}
		logger.Info("schema is current")
		return nil
	}

	p, err := migrations.NewProvider(db)
	if err != nil {
		return err
	}

	var results []*goose.MigrationResult
	switch command {
	case "up":
		results, err = p.Up(ctx)
	case "up-by-one":
		var r *goose.MigrationResult
		r, err = p.UpByOne(ctx)
		results = append(results, r)
	case "up-to", "down-to":
		var v int64
		if v, err = versionArg(args); err != nil {
			return err
		}
		if command == "up-to" {
			results, err = p.UpTo(ctx, v)
		} else {
			results, err = p.DownTo(ctx, v)
		}
	case "down":
		var r *goose.MigrationResult
		r, err = p.Down(ctx)
		results = append(results, r)
	case "status":
		statuses, err := p.Status(ctx)
		if err != nil {
			return err
		}
		for _, st := range statuses {
			logger.Info("migration", "version", st.Source.Version, "state", string(st.State), "applied_at", st.AppliedAt)
		}
		return nil
	case "version":
		v, err := p.GetDBVersion(ctx)
		if err != nil {
			return err
		}
		logger.Info("schema version", "version", v)
		return nil
	default:
		return fmt.Errorf("unknown command %q", command)
	}

	for _, r := range results {
		if r != nil && r.Source != nil {
			logger.Info("migrated", "version", r.Source.Version, "direction", r.Direction, "duration", r.Duration)
		}
	}
	if errors.Is(err, goose.ErrNoNextVersion) {
		logger.Info("no migrations to apply")
		return nil
	}
	return err
}

func versionArg(args []string) (int64, error) {
	if len(args) != 1 {
		return 0, errors.New("expected one version argument")
	}
	v, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad version %q: %w", args[0], err)
	}
	return v, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
