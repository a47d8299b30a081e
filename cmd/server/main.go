package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/olyamironova/trade-execution/internal/api/grpc"
	httpapi "github.com/olyamironova/trade-execution/internal/api/http"
	"github.com/olyamironova/trade-execution/internal/app"
	"github.com/olyamironova/trade-execution/internal/config"
	"github.com/olyamironova/trade-execution/internal/logger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	envFile := flag.String("env", "", "path to a .env file (defaults to ./.env)")
	flag.Parse()

	cfg := config.Load(*envFile)
	lg, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer lg.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, lg)
	if err != nil {
		lg.Fatal("failed to start", zap.Error(err))
	}
	defer a.Close()

	httpServer := httpapi.NewHTTPServer(a.Engine, a.Hub, lg, httpapi.Options{
		RateLimit:   cfg.Server.RateLimit,
		CORSOrigins: cfg.Server.CORSOrigins,
	})
	grpcServer := grpc.NewGRPCServer(a.Engine, lg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return httpServer.Run(gctx, cfg.Server.HTTPAddr) })
	if cfg.Server.GRPCAddr != "" {
		g.Go(func() error { return grpcServer.Run(gctx, cfg.Server.GRPCAddr) })
	}
	if err := g.Wait(); err != nil {
		lg.Error("server stopped", zap.Error(err))
		return
	}
	lg.Info("shutdown complete")
}
