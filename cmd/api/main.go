package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"threshold-tally/api"
	"threshold-tally/auth"
	"threshold-tally/registry"
	"threshold-tally/service"
	"threshold-tally/storage"
)

type Config struct {
	StorageDir     string
	RegistryFile   string
	Port           int
	ChallengeTTL   time.Duration
	ReplayWindow   time.Duration
	KeyBits        int
	QueueSize      int
	Workers        int
	LogLevel       string
	Pretty         bool
	ShutdownPeriod time.Duration
}

func main() {
	config := parseFlags()
	logger := setupLogger(config)

	store, err := storage.NewJSONStore(config.StorageDir)
	if err != nil {
		logger.Fatal().Err(err).Str("dir", config.StorageDir).Msg("failed to open storage")
	}

	reg, err := registry.NewFileRegistry(registry.RegistryConfig{
		AuthoritiesFilePath: config.RegistryFile,
		AutoSave:            true,
	})
	if err != nil {
		logger.Fatal().Err(err).Str("file", config.RegistryFile).Msg("failed to load authority registry")
	}

	svc := service.NewTallyService(store, reg, service.Options{
		DefaultKeyBits: config.KeyBits,
		Auth: auth.Config{
			ChallengeTTL: config.ChallengeTTL,
			ReplayWindow: config.ReplayWindow,
		},
	}, logger)
	queue := service.NewBallotQueue(svc, config.QueueSize, config.Workers, logger)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", config.Port),
		Handler:           api.NewServer(svc, queue, logger).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	serverChan := make(chan error, 1)
	go func() {
		logger.Info().Int("port", config.Port).Str("storage", config.StorageDir).Msg("starting tally server")
		serverChan <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverChan:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")

		ctx, cancel := context.WithTimeout(context.Background(), config.ShutdownPeriod)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Error().Err(err).Msg("http shutdown")
		}
		queue.Stop()
		logger.Info().Msg("server shutdown completed")
	}
}

func parseFlags() *Config {
	config := &Config{}

	flag.StringVar(&config.StorageDir, "storage", "data", "Directory for configs, shares, ballots and tallies")
	flag.StringVar(&config.RegistryFile, "registry", "", "Authority registry file (default <storage>/authorities.json)")
	flag.IntVar(&config.Port, "port", 8080, "Server port")
	flag.DurationVar(&config.ChallengeTTL, "challenge-ttl", auth.DefaultChallengeTTL, "Lifetime of an authority challenge")
	flag.DurationVar(&config.ReplayWindow, "replay-window", auth.DefaultReplayWindow, "Accepted clock skew of signed responses")
	flag.IntVar(&config.KeyBits, "key-bits", service.DefaultKeyBits, "Default Paillier modulus size")
	flag.IntVar(&config.QueueSize, "queue", 256, "Ballot queue capacity")
	flag.IntVar(&config.Workers, "workers", 4, "Ballot queue workers")
	flag.StringVar(&config.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.BoolVar(&config.Pretty, "pretty", false, "Human readable console logs")
	flag.DurationVar(&config.ShutdownPeriod, "shutdown-timeout", 15*time.Second, "Grace period for in-flight requests")

	flag.Parse()

	if config.KeyBits < service.MinKeyBits {
		fmt.Fprintf(os.Stderr, "key-bits must be at least %d\n", service.MinKeyBits)
		os.Exit(2)
	}
	if config.RegistryFile == "" {
		config.RegistryFile = filepath.Join(config.StorageDir, "authorities.json")
	}
	return config
}

func setupLogger(config *Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(config.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339

	var logger zerolog.Logger
	if config.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	logger = logger.Level(level).With().Timestamp().Logger()
	if err != nil {
		logger.Warn().Str("log_level", config.LogLevel).Msg("unknown log level, using info")
	}
	return logger
}
