package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	lsmhttp "lsmkv/internal/http"
	"lsmkv/pkg/config"
	"lsmkv/pkg/engine"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	profile := flag.String("profile", "", "memory preset: test, benchmark or benchmark-small")
	dotenv := flag.String("dotenv", ".env", "comma separated .env files to load")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := initConfig(*configPath, *profile, strings.Split(*dotenv, ","))
	if err != nil {
		fmt.Fprintf(os.Stderr, "lsmkv: %v\n", err)
		os.Exit(1)
	}
	logger := initLogger(&cfg)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("lsmkv stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	container, err := buildContainer(ctx, cfg, logger)
	if err != nil {
		return err
	}

	return container.Invoke(func(e *engine.Engine, s *lsmhttp.Server) error {
		logger.Info("lsmkv starting", "data_dir", cfg.Engine.DataDir, "addr", cfg.Server.Addr)
		if err := s.Start(); err != nil {
			return errors.Join(err, e.Close())
		}

		<-ctx.Done()
		logger.Info("shutting down")
		return errors.Join(s.Stop(), e.Close())
	})
}
