// Package cli holds the exchangectl operator commands.
package cli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"github.com/olyamironova/trade-execution/internal/api/dto"
	"github.com/olyamironova/trade-execution/internal/app"
	"github.com/olyamironova/trade-execution/internal/config"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Env is shared by all commands. The app is built on first use.
type Env struct {
	Config config.Config
	Log    *zap.Logger
	Out    io.Writer

	app *app.App
}

func (e *Env) App(ctx context.Context) (*app.App, error) {
	if e.app != nil {
		return e.app, nil
	}
	a, err := app.New(ctx, e.Config, e.Log)
	if err != nil {
		return nil, err
	}
	e.app = a
	return a, nil
}

func (e *Env) Close() {
	if e.app != nil {
		e.app.Close()
		e.app = nil
	}
}

func (e *Env) print(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(e.Out, string(b))
	return err
}

func failure(err error) subcommands.ExitStatus {
	fmt.Fprintln(os.Stderr, err)
	return subcommands.ExitFailure
}

func Commands(env *Env) []subcommands.Command {
	return []subcommands.Command{
		&migrateCmd{env: env},
		&fundCmd{env: env},
		&grantCmd{env: env},
		&accountCmd{env: env},
		&bookCmd{env: env},
	}
}

type migrateCmd struct{ env *Env }

func (*migrateCmd) Name() string     { return "migrate" }
func (*migrateCmd) Synopsis() string { return "create or update the Postgres schema" }
func (*migrateCmd) Usage() string {
	return `exchangectl migrate

  Applies the schema when STORAGE_DRIVER=postgres. Other drivers need no migration.
`
}
func (*migrateCmd) SetFlags(*flag.FlagSet) {}

func (c *migrateCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.env.Config.Store.Driver != config.StoragePostgres {
		fmt.Fprintf(c.env.Out, "storage driver %q needs no migration\n", c.env.Config.Store.Driver)
		return subcommands.ExitSuccess
	}
	store := c.env.Config.Store
	store.AutoMigrate = true
	repo, err := app.OpenRepository(ctx, store, c.env.Log)
	if err != nil {
		return failure(err)
	}
	repo.Close(ctx)
	fmt.Fprintln(c.env.Out, "schema up to date")
	return subcommands.ExitSuccess
}

type fundCmd struct {
	env     *Env
	account string
	amount  string
}

func (*fundCmd) Name() string     { return "fund" }
func (*fundCmd) Synopsis() string { return "credit cash to an account, creating it if needed" }
func (*fundCmd) Usage() string {
	return `exchangectl fund -account <id> -amount <decimal>
`
}

func (c *fundCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.account, "account", "", "Account id.")
	f.StringVar(&c.amount, "amount", "", "Cash amount to add.")
}

func (c *fundCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	amount, err := decimal.NewFromString(c.amount)
	if err != nil {
		return failure(fmt.Errorf("invalid amount %q: %w", c.amount, err))
	}
	a, err := c.env.App(ctx)
	if err != nil {
		return failure(err)
	}
	acct, err := a.Engine.Fund(ctx, c.account, amount)
	if err != nil {
		return failure(err)
	}
	if err := c.env.print(dto.FromAccount(acct, nil)); err != nil {
		return failure(err)
	}
	return subcommands.ExitSuccess
}

type grantCmd struct {
	env        *Env
	account    string
	instrument string
	qty        int64
	cost       string
}

func (*grantCmd) Name() string     { return "grant" }
func (*grantCmd) Synopsis() string { return "deposit instrument units into an account at a given cost" }
func (*grantCmd) Usage() string {
	return `exchangectl grant -account <id> -instrument <code> -qty <n> [-cost <decimal>]

  Deposits units as if bought at cost, updating the weighted-average cost.
  Cash is unchanged.
`
}

func (c *grantCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.account, "account", "", "Account id.")
	f.StringVar(&c.instrument, "instrument", "", "Instrument code.")
	f.Int64Var(&c.qty, "qty", 0, "Units to deposit.")
	f.StringVar(&c.cost, "cost", "0", "Cost per unit.")
}

func (c *grantCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cost, err := decimal.NewFromString(c.cost)
	if err != nil {
		return failure(fmt.Errorf("invalid cost %q: %w", c.cost, err))
	}
	a, err := c.env.App(ctx)
	if err != nil {
		return failure(err)
	}
	acct, err := a.Engine.Grant(ctx, c.account, c.instrument, c.qty, cost)
	if err != nil {
		return failure(err)
	}
	if err := c.env.print(dto.FromAccount(acct, nil)); err != nil {
		return failure(err)
	}
	return subcommands.ExitSuccess
}

type accountCmd struct {
	env     *Env
	account string
	history int
}

func (*accountCmd) Name() string     { return "account" }
func (*accountCmd) Synopsis() string { return "show cash, holdings and recent history of an account" }
func (*accountCmd) Usage() string {
	return `exchangectl account -account <id> [-history <n>]
`
}

func (c *accountCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.account, "account", "", "Account id.")
	f.IntVar(&c.history, "history", 20, "Number of history entries to show.")
}

func (c *accountCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	a, err := c.env.App(ctx)
	if err != nil {
		return failure(err)
	}
	acct, err := a.Engine.GetAccount(ctx, c.account)
	if err != nil {
		return failure(err)
	}
	history, err := a.Engine.GetHistory(ctx, c.account, c.history)
	if err != nil {
		return failure(err)
	}
	if err := c.env.print(dto.FromAccount(acct, history)); err != nil {
		return failure(err)
	}
	return subcommands.ExitSuccess
}

type bookCmd struct {
	env        *Env
	instrument string
}

func (*bookCmd) Name() string     { return "book" }
func (*bookCmd) Synopsis() string { return "print aggregated depth for an instrument" }
func (*bookCmd) Usage() string {
	return `exchangectl book -instrument <code>
`
}

func (c *bookCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.instrument, "instrument", "", "Instrument code.")
}

func (c *bookCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	a, err := c.env.App(ctx)
	if err != nil {
		return failure(err)
	}
	ob, err := a.Engine.GetOrderbook(ctx, c.instrument)
	if err != nil {
		return failure(err)
	}
	if err := c.env.print(dto.FromSnapshot(ob)); err != nil {
		return failure(err)
	}
	return subcommands.ExitSuccess
}
