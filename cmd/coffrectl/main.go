// Command coffrectl administers grants, access requests and templates
// directly against the service's KV store.
//
//	coffrectl [--backend redis|sqlite|memory] [--redis-url URL] [--db PATH] <command> [flags] [args]
//
// Backend settings default to the same environment variables the service
// reads (KV_BACKEND, REDIS_URL, DATABASE_PATH, DMS_URL, ...).
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/juju/clock"
	"github.com/spf13/pflag"

	"github.com/coffre-fort/coffre/common/environment"
	"github.com/coffre-fort/coffre/internal/coffre/access"
	"github.com/coffre-fort/coffre/internal/coffre/aclsync"
	"github.com/coffre-fort/coffre/internal/coffre/app"
	"github.com/coffre-fort/coffre/internal/coffre/audit"
	"github.com/coffre-fort/coffre/internal/coffre/requests"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	if err == nil {
		return
	}
	if errors.Is(err, errDenied) {
		os.Exit(2)
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	app.SetupLogging(environment.StringOr("LOG_LEVEL", "warn"), "text")
	cfg := app.LoadConfig()

	flags := pflag.NewFlagSet("coffrectl", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.SetInterspersed(false)
	flags.StringVar(&cfg.KVBackend, "backend", cfg.KVBackend, "KV backend: redis, sqlite or memory")
	flags.StringVar(&cfg.RedisURL, "redis-url", cfg.RedisURL, "redis:// URL for the redis backend")
	flags.StringVar(&cfg.DatabasePath, "db", cfg.DatabasePath, "SQLite file for the sqlite backend")
	flags.Usage = func() { printUsage(stderr, flags) }
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if flags.NArg() == 0 {
		printUsage(stderr, flags)
		return errors.New("no command given")
	}

	store, _, closeKV, err := app.OpenKV(ctx, cfg, clock.WallClock)
	if err != nil {
		return err
	}
	defer closeKV()

	c := &cli{
		out:      stdout,
		clock:    clock.WallClock,
		grants:   access.NewStore(store, clock.WallClock),
		mapping:  aclsync.NewMapping(store),
		dms:      cfg.DMS,
		syncRetr: cfg.ACLSyncRetry,
	}
	c.workflow = requests.NewWorkflow(store, c.grants, clock.WallClock, audit.Noop{})
	return c.run(ctx, flags.Args())
}

func printUsage(w io.Writer, flags *pflag.FlagSet) {
	fmt.Fprintf(w, "Usage: coffrectl [global flags] <command> [flags] [args]\n\nCommands:\n")
	for _, name := range commandNames() {
		fmt.Fprintf(w, "  %-16s %s\n", name, commands[name].summary)
	}
	fmt.Fprintf(w, "\nGlobal flags:\n%s", flags.FlagUsages())
}
