package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/agorai/agorai/bridge"
	"github.com/agorai/agorai/internal/bridge/config"
	"github.com/agorai/agorai/internal/logging"
)

func runBridge(args []string) error {
	fs := flag.NewFlagSet("bridge", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config file (optional)")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if lvl, err := logging.ParseLevel(cfg.LogLevel); err == nil {
		logging.SetLevel(lvl)
	} else {
		slog.Warn("invalid log level, keeping default", "value", cfg.LogLevel)
	}

	logging.PrintBanner("bridge", version, cfg.Addr())

	server, err := bridge.NewServer(cfg, version)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return server.Serve(ctx)
}
