package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"go.uber.org/dig"

	lsmhttp "lsmkv/internal/http"
	"lsmkv/pkg/config"
	"lsmkv/pkg/engine"
	"lsmkv/pkg/maps"
)

// initConfig builds the process config: .env files first, then the YAML
// file over the defaults, the profile flag and finally LSMKV_* variables.
func initConfig(path, profile string, dotenv []string) (config.Config, error) {
	if err := config.LoadDotEnv(dotenv...); err != nil {
		return config.Config{}, err
	}

	cfg, found, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if !found {
		slog.Info("config file not found, using default config", "path", path)
	}

	if err := cfg.ApplyProfile(profile); err != nil {
		return cfg, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// initLogger sets up the global slog.Logger (JSON or text).
func initLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToUpper(cfg.Logger.Level) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{AddSource: true, Level: level}
	var handler slog.Handler
	if cfg.Logger.JSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	slog.Info("logger initialized", "level", level.String(), "json", cfg.Logger.JSON)
	return logger
}

// buildContainer registers the process components. Resolution order gives
// the startup sequence: engine (catalog, scheduler, log replay, table
// counter), then the map directory, then the HTTP server.
func buildContainer(ctx context.Context, cfg config.Config, logger *slog.Logger) (*dig.Container, error) {
	container := dig.New()
	constructors := []interface{}{
		func() context.Context { return ctx },
		func() config.Config { return cfg },
		func() *slog.Logger { return logger },
		newEngine,
		newKeeper,
		newServer,
	}
	for _, constructor := range constructors {
		if err := container.Provide(constructor); err != nil {
			return nil, err
		}
	}
	return container, nil
}

func newEngine(ctx context.Context, cfg config.Config, logger *slog.Logger) (*engine.Engine, error) {
	return engine.Open(ctx, cfg.Engine, logger)
}

func newKeeper(e *engine.Engine, cfg config.Config, logger *slog.Logger) (*maps.Keeper, error) {
	return maps.New(e, cfg.Engine.BlindUpdate, logger)
}

func newServer(k *maps.Keeper, e *engine.Engine, cfg config.Config, logger *slog.Logger) *lsmhttp.Server {
	return lsmhttp.NewServer(cfg.Server, k, e, logger)
}
