package main

import (
	"context"
	"flag"
	"log"
	"os"
	"path"

	"github.com/google/subcommands"
	"github.com/olyamironova/trade-execution/internal/cli"
	"github.com/olyamironova/trade-execution/internal/config"
	"github.com/olyamironova/trade-execution/internal/logger"
)

func main() {
	commander := subcommands.NewCommander(flag.CommandLine, path.Base(os.Args[0]))
	envFile := flag.String("env", "", "path to a .env file (defaults to ./.env)")

	cfg := config.Load("")
	env := &cli.Env{Config: cfg, Out: os.Stdout}
	for _, c := range cli.Commands(env) {
		commander.Register(c, "")
	}
	commander.Register(commander.HelpCommand(), "")
	commander.Register(commander.FlagsCommand(), "")

	flag.Parse()
	if *envFile != "" {
		env.Config = config.Load(*envFile)
	}
	lg, err := logger.New(env.Config.LogLevel)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	env.Log = lg

	status := commander.Execute(context.Background())
	env.Close()
	_ = lg.Sync()
	os.Exit(int(status))
}
