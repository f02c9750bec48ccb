package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/zhangz-2018/cc-switch/internal/breaker"
	"github.com/zhangz-2018/cc-switch/internal/config"
	"github.com/zhangz-2018/cc-switch/internal/memory"
	"github.com/zhangz-2018/cc-switch/internal/monitoring"
	"github.com/zhangz-2018/cc-switch/internal/server"
	"github.com/zhangz-2018/cc-switch/internal/store"
)

func main() {
	var (
		configPath string
		port       int
		logLevel   string
	)
	flag.StringVar(&configPath, "config", "", "path to a YAML config file")
	flag.IntVar(&port, "port", 0, "listen port (overrides config)")
	flag.StringVar(&logLevel, "log-level", "", "zerolog level (overrides config)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if port != 0 {
		cfg.Server.Port = port
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	setupLogging(cfg.Logging)

	if err := run(cfg); err != nil {
		log.Error().Err(err).Msg("gateway exited with error")
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	st, err := store.OpenSQLite(cfg.Storage.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer st.Close()

	breakerCfg, err := st.BreakerConfig(context.Background())
	if err != nil {
		return fmt.Errorf("load breaker config: %w", err)
	}

	var metrics *monitoring.Metrics
	if cfg.Metrics.Enabled {
		metrics = monitoring.New()
	}

	srv := server.New(server.Options{
		Config:   cfg,
		Store:    st,
		Breakers: breaker.NewRegistry(breakerCfg, clock.New()),
		Metrics:  metrics,
		Memories: memory.NewSQLiteRecorder(st.DB()),
	})

	if err := srv.Start(); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.StopTimeout+time.Second)
	defer cancel()
	return srv.Stop(ctx)
}

func setupLogging(lc config.LoggingConfig) {
	level, err := zerolog.ParseLevel(lc.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if lc.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}
