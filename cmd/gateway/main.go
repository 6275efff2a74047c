package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nimbridge/nimbridge/internal/application"
	"github.com/nimbridge/nimbridge/internal/infrastructure/cliproc"
	"github.com/nimbridge/nimbridge/internal/infrastructure/config"
	"github.com/nimbridge/nimbridge/internal/infrastructure/logger"
)

const (
	appName    = "nimbridge"
	appVersion = "0.1.0"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   appName,
		Short: "Anthropic-compatible broker for OpenAI-style providers",
		Long: appName + " serves the Anthropic Messages API backed by an " +
			"OpenAI-compatible upstream, and can drive claude CLI sessions " +
			"from Telegram.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s v%s\n", appName, appVersion)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	log, err := logger.NewLogger(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		OutputPath: cfg.Log.File,
	})
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer log.Sync()

	log.Info("Starting nimbridge",
		zap.String("version", appVersion),
		zap.String("upstream_model", cfg.Upstream.Model),
	)

	app, err := application.NewApp(cfg, log)
	if err != nil {
		return fmt.Errorf("initialize application: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("start application: %w", err)
	}

	quit := make(chan os.Signal, 2)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	log.Info("Received shutdown signal", zap.String("signal", sig.String()))

	// A second signal aborts the graceful path: kill every CLI process
	// group and exit hard.
	go func() {
		<-quit
		killed := cliproc.KillAll()
		log.Warn("Forced shutdown", zap.Int("killed_processes", killed))
		os.Exit(130)
	}()

	app.Stop()
	log.Info("Application stopped")
	return nil
}
