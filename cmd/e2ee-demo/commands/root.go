package commands

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/arko-chat/e2ee/internal/config"
	"github.com/arko-chat/e2ee/internal/crypto/driver"
	"github.com/arko-chat/e2ee/internal/e2ee"
	"github.com/arko-chat/e2ee/internal/logger"

	_ "github.com/arko-chat/e2ee/internal/crypto/goolm"
)

var (
	configDir string
	backend   string
	logLevel  string
	logFormat string

	cfg *config.Config
	log *slog.Logger
	drv driver.Driver
)

func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return newRootCmd().ExecuteContext(ctx)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "e2ee-demo",
		Short:        "Olm and Megolm session engine demo",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if configDir != "" {
				cfg, err = config.LoadFrom(configDir)
			} else {
				cfg, err = config.Load()
			}
			if err != nil {
				return err
			}
			if backend != "" {
				cfg.Backend = backend
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			if logFormat != "" {
				cfg.LogFormat = logFormat
			}

			log, err = logger.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
			if err != nil {
				return err
			}
			drv, err = driver.Get(cfg.Backend)
			if err != nil {
				return err
			}
			log.Debug("loaded config", "backend", drv.Name(), "store", cfg.StorePath)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&configDir, "config-dir", "", "config dir (default <user config dir>/arko-e2ee)")
	root.PersistentFlags().StringVar(&backend, "backend", "", "crypto backend: goolm, or libolm when built with -tags libolm")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "trace, debug, info, warn or error")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "", "text or json")

	root.AddCommand(scenarioCmd(), loginCmd(), logoutCmd(), uploadCmd(), devicesCmd())
	return root
}

func rotationPolicy() e2ee.RotationPolicy {
	return e2ee.RotationPolicy{
		Period:   time.Duration(cfg.RotationPeriod),
		Messages: cfg.RotationMessages,
	}
}
