package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/manpreetbhatti/codepair/internal/app"
	"github.com/manpreetbhatti/codepair/internal/config"
	"github.com/manpreetbhatti/codepair/internal/logging"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		addr       string
		logLevel   string
		driver     string
	)

	root := &cobra.Command{
		Use:          "codepair",
		Short:        "Real-time collaborative code rooms",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			overrides := map[string]any{}
			if cmd.Flags().Changed("addr") {
				overrides["addr"] = addr
			}
			if cmd.Flags().Changed("log-level") {
				overrides["log.level"] = logLevel
			}
			if cmd.Flags().Changed("store") {
				overrides["store.driver"] = driver
			}
			return serve(configPath, overrides)
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml (default ./config.yaml if present)")
	root.Flags().StringVar(&addr, "addr", "", "HTTP listen address")
	root.Flags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	root.Flags().StringVar(&driver, "store", "", "room store: sqlite, postgres, redis")

	root.AddCommand(newVersionCmd(), newConfigCmd())
	return root
}

func serve(configPath string, overrides map[string]any) error {
	cfg, loaded, err := config.Load(configPath, overrides)
	if err != nil {
		return err
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	if loaded != "" {
		logger.Info().Str("path", loaded).Msg("config loaded")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialize")
		return err
	}

	logger.Info().Str("addr", cfg.Addr).Str("version", version).Msg("starting codepair server")
	if err := application.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("server exited with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func newConfigCmd() *cobra.Command {
	cfgCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or generate configuration",
	}

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "config.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := config.WriteDefault(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	})

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			_, loaded, err := config.Load(configPath, nil)
			if err != nil {
				return err
			}
			if loaded == "" {
				loaded = "defaults"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok (%s)\n", loaded)
			return nil
		},
	})

	return cfgCmd
}
