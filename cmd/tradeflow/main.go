package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"tradeflow/internal/api"
	"tradeflow/internal/config"
	"tradeflow/internal/monitor"
	"tradeflow/internal/taskpool"
	"tradeflow/internal/tracing"
)

// snapshotKeep is how many stats snapshots the sqlite sink retains.
const snapshotKeep = 10_000

func main() {
	app := &cli.App{
		Name:  "tradeflow",
		Usage: "priority task pool for trading bot workloads",
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run workers, event ingestion and the HTTP API",
				Action: serve,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML config file"},
					&cli.StringFlag{Name: "env-file", Usage: "dotenv file loaded before TRADEFLOW_* variables are read"},
					&cli.StringFlag{Name: "addr", Usage: "HTTP bind address (overrides config)"},
					&cli.IntFlag{Name: "workers", Usage: "number of workers (overrides config)"},
					&cli.BoolFlag{Name: "debug", Usage: "expose /debug/pprof"},
				},
			},
			{
				Name:   "check-config",
				Usage:  "load and validate the configuration, then exit",
				Action: checkConfig,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "config", Aliases: []string{"c"}},
					&cli.StringFlag{Name: "env-file"},
				},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("tradeflow failed")
	}
}

func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load(c.String("env-file"), c.String("config"))
	if err != nil {
		return config.Config{}, err
	}
	if c.IsSet("addr") {
		cfg.HTTPAddr = c.String("addr")
	}
	if c.IsSet("workers") {
		cfg.Workers = c.Int("workers")
	}
	return cfg, cfg.Validate()
}

func setupLogging(cfg config.Config) {
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.LogFormat != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Str("log_level", cfg.LogLevel).Msg("unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func checkConfig(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	setupLogging(cfg)
	log.Info().
		Int("workers", cfg.Workers).
		Int("queue_capacity", cfg.QueueCapacity).
		Str("transport", cfg.Transport).
		Int("handlers", len(cfg.Handlers)).
		Int("schedules", len(cfg.Schedules)).
		Msg("config ok")
	return nil
}

func serve(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	setupLogging(cfg)

	shutdownTracing, err := tracing.Init("tradeflow", cfg.TraceExporter, os.Stdout)
	if err != nil {
		return err
	}

	registry, err := taskpool.BuildRegistry(cfg.Handlers)
	if err != nil {
		return err
	}
	transport, err := taskpool.NewTransport(cfg)
	if err != nil {
		return err
	}

	sinks := []monitor.Sink{monitor.LogSink{}}
	if cfg.SnapshotDB != "" {
		db, err := monitor.OpenSQLite(cfg.SnapshotDB)
		if err != nil {
			return err
		}
		defer db.Close()
		sinks = append(sinks, monitor.NewSQLiteSink(db, snapshotKeep))
	}

	opts := taskpool.Options{
		Registry:  registry,
		Transport: transport,
		Sinks:     sinks,
		Tracing:   shutdownTracing,
	}
	if sampler, err := monitor.NewProcessSampler(); err != nil {
		log.Warn().Err(err).Msg("process sampler unavailable, resource usage will not be reported")
	} else {
		opts.Sampler = sampler
	}

	svc, err := taskpool.New(cfg, opts)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: api.NewServer(svc, api.Options{
			Metrics:   svc.Collector().Handler(),
			Schedules: svc.Schedules(),
			Debug:     c.Bool("debug"),
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// Graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case s := <-sig:
		log.Info().Str("signal", s.String()).Msg("shutting down")
	case err := <-serveErr:
		log.Error().Err(err).Msg("http server")
	}

	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
	err = svc.Shutdown(ctxTimeout)
	cancel()
	return err
}
