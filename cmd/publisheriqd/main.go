package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/draknorr/publisheriq/internal/config"
	"github.com/draknorr/publisheriq/internal/daemon"
	"github.com/draknorr/publisheriq/internal/logging"
	"github.com/draknorr/publisheriq/internal/tools"
	"github.com/draknorr/publisheriq/internal/version"
)

func main() {
	var cfgPath string

	root := &cobra.Command{
		Use:     "publisheriqd",
		Short:   "PublisherIQ chat daemon",
		Version: version.Full(),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}

			logger, err := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck // best-effort

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			executor := tools.NewHTTPExecutor(cfg.Tools.BackendURL, time.Duration(cfg.Tools.ExecTimeoutSeconds)*time.Second)
			server, err := daemon.NewServer(cfg, logger, executor)
			if err != nil {
				return err
			}
			return server.Run(ctx)
		},
	}

	root.Flags().StringVar(&cfgPath, "config", "", "Path to config file (default: configs/config.yaml)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
