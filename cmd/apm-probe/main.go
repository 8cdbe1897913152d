// Command apm-probe runs an instrumented demo service and inspects the probe
// configuration.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	apm "github.com/fllarpy/elastic-apm-probe"
	"github.com/fllarpy/elastic-apm-probe/exporter"
	"github.com/fllarpy/elastic-apm-probe/internal/logging"
	"github.com/fllarpy/elastic-apm-probe/pkg/config"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "apm-probe",
		Short:        "Elastic APM probe for Go services",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config-dir", ".", "directory holding config.yaml")

	root.AddCommand(serveCmd())
	root.AddCommand(configCmd())
	root.AddCommand(versionCmd())

	return root
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	dir, err := cmd.Flags().GetString("config-dir")
	if err != nil {
		return nil, err
	}
	return config.LoadFile(dir)
}

func serveCmd() *cobra.Command {
	var (
		addr         string
		exporterName string
		nPlusOne     int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the instrumented demo server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("exporter") {
				cfg.Exporter = exporterName
			}
			if cmd.Flags().Changed("n-plus-one") {
				cfg.NPlusOneThreshold = nPlusOne
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVar(&exporterName, "exporter", "", "override the configured exporter (intake, otlp-http, otlp-grpc, stdout, memory)")
	cmd.Flags().IntVar(&nPlusOne, "n-plus-one", 5, "flag statements repeated this many times in one request")

	return cmd
}

func runServer(ctx context.Context, cfg *config.Config, addr string) error {
	logger, err := logging.New(cfg.LogLevel, true)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	probe, err := apm.NewProbe(ctx, cfg, apm.WithFramework("chi"), apm.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("initialize apm probe: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := probe.Shutdown(shutdownCtx); err != nil {
			logger.Error("probe shutdown failed", zap.Error(err))
		}
	}()

	db, err := openDemoDB(ctx, probe, demoDriverName)
	if err != nil {
		return err
	}
	defer db.Close()

	srv := &http.Server{
		Addr:              addr,
		Handler:           newDemoServer(probe, db),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("demo server listening",
			zap.String("addr", addr),
			zap.String("service", cfg.App.Name),
			zap.Bool("recording", probe.Enabled()))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func configCmd() *cobra.Command {
	var showSecrets bool

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if !showSecrets && cfg.Server.SecretToken != "" {
				cfg.Server.SecretToken = "********"
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			return enc.Close()
		},
	}
	cmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "print the secret token instead of masking it")

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the agent name and version",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", exporter.AgentName, exporter.AgentVersion)
		},
	}
}
