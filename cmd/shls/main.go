package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/xonecas/shls/internal/config"
	"github.com/xonecas/shls/internal/server"
)

func main() {
	configPath := flag.String("config", config.DefaultPath(), "path to the TOML config file")
	logLevel := flag.String("log-level", "", "override log level (trace|debug|info|warn|error)")
	logFile := flag.String("log-file", "", "write logs to this file instead of stderr")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "shls: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFile != "" {
		cfg.Log.File = *logFile
	}

	closeLog, err := setupLogging(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "shls: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()

	// stdout is the protocol channel, so the server owns it exclusively.
	if err := server.New(cfg).RunStdio(context.Background()); err != nil {
		log.Error().Err(err).Msg("main: server stopped")
		os.Exit(1)
	}
}

func setupLogging(cfg *config.Config) (func(), error) {
	level, err := zerolog.ParseLevel(cfg.Log.LevelOrDefault())
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	zerolog.SetGlobalLevel(level)

	w := io.Writer(os.Stderr)
	cleanup := func() {}
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		w = f
		cleanup = func() { f.Close() }
	}
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
	return cleanup, nil
}
