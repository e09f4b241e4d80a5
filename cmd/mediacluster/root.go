package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/t77yq/media-cluster/internal/config"
	"github.com/t77yq/media-cluster/internal/logging"
)

var (
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "mediacluster",
	Short: "Distributed media streaming cluster",
	Long: `mediacluster runs either the coordinating master or a streaming worker.
Workers register with the master, report their load and redirect clients
to a less loaded node when they are full.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level")
}

// runRole loads configuration, builds the logger and runs fn until SIGINT or SIGTERM
func runRole(name string, bind func(v *viper.Viper), fn func(ctx context.Context, cfg *config.Config, logger *zap.Logger) error) error {
	v := viper.New()
	if logLevel != "" {
		v.Set("log.level", logLevel)
	}
	if bind != nil {
		bind(v)
	}

	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if used := v.ConfigFileUsed(); used != "" {
		logger.Info("Using config file", zap.String("path", used))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := fn(ctx, cfg, logger); err != nil {
		logger.Error("Exited with error", zap.String("role", name), zap.Error(err))
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}
