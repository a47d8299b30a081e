package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"testing"

	"github.com/google/subcommands"
	"github.com/olyamironova/trade-execution/internal/api/dto"
	"github.com/olyamironova/trade-execution/internal/config"
	"github.com/olyamironova/trade-execution/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func run(t *testing.T, env *Env, args ...string) subcommands.ExitStatus {
	t.Helper()
	fs := flag.NewFlagSet("exchangectl", flag.ContinueOnError)
	commander := subcommands.NewCommander(fs, "exchangectl")
	for _, c := range Commands(env) {
		commander.Register(c, "")
	}
	require.NoError(t, fs.Parse(args))
	return commander.Execute(context.Background())
}

func newEnv(t *testing.T) (*Env, *bytes.Buffer) {
	out := &bytes.Buffer{}
	env := &Env{Config: config.Default(), Log: zap.NewNop(), Out: out}
	t.Cleanup(env.Close)
	return env, out
}

func TestFundGrantAccount(t *testing.T) {
	env, out := newEnv(t)

	require.Equal(t, subcommands.ExitSuccess, run(t, env, "fund", "-account", "alice", "-amount", "250.5"))
	out.Reset()
	require.Equal(t, subcommands.ExitSuccess, run(t, env, "grant", "-account", "alice", "-instrument", "abc", "-qty", "7", "-cost", "3"))
	out.Reset()
	require.Equal(t, subcommands.ExitSuccess, run(t, env, "account", "-account", "alice"))

	var acct dto.Account
	require.NoError(t, json.Unmarshal(out.Bytes(), &acct))
	assert.Equal(t, "alice", acct.ID)
	assert.True(t, acct.Cash.Equal(decimal.RequireFromString("250.5")), acct.Cash.String())
	require.Len(t, acct.Holdings, 1)
	assert.Equal(t, "ABC", acct.Holdings[0].Instrument)
	assert.Equal(t, int64(7), acct.Holdings[0].Quantity)
}

func TestBookShowsDepth(t *testing.T) {
	env, out := newEnv(t)
	require.Equal(t, subcommands.ExitSuccess, run(t, env, "grant", "-account", "s", "-instrument", "ABC", "-qty", "10"))

	a, err := env.App(context.Background())
	require.NoError(t, err)
	_, err = a.Engine.SubmitOrder(context.Background(), domain.SubmitOrder{
		Instrument: "ABC", Side: domain.Sell, Price: decimal.NewFromInt(4), Quantity: 6, OwnerID: "s",
	})
	require.NoError(t, err)

	out.Reset()
	require.Equal(t, subcommands.ExitSuccess, run(t, env, "book", "-instrument", "abc"))
	var ob dto.Orderbook
	require.NoError(t, json.Unmarshal(out.Bytes(), &ob))
	require.Len(t, ob.Asks, 1)
	assert.Equal(t, int64(6), ob.Asks[0].Quantity)
}

func TestFailures(t *testing.T) {
	env, _ := newEnv(t)
	assert.Equal(t, subcommands.ExitFailure, run(t, env, "fund", "-account", "alice", "-amount", "lots"))
	assert.Equal(t, subcommands.ExitFailure, run(t, env, "fund", "-account", "alice", "-amount", "-5"))
	assert.Equal(t, subcommands.ExitFailure, run(t, env, "account", "-account", "nobody"))
	assert.Equal(t, subcommands.ExitSuccess, run(t, env, "migrate"))
}
