package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jo-hoe/imagelabeler/internal/common"
	appcfg "github.com/jo-hoe/imagelabeler/internal/config"
	"github.com/jo-hoe/imagelabeler/internal/detect"
	"github.com/jo-hoe/imagelabeler/internal/detect/mock"
	"github.com/jo-hoe/imagelabeler/internal/detect/vision"
	"github.com/jo-hoe/imagelabeler/internal/jobs"
	"github.com/jo-hoe/imagelabeler/internal/processor"
	"github.com/jo-hoe/imagelabeler/internal/server"
	"github.com/jo-hoe/imagelabeler/internal/storage"
)

// Version is set at build time.
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:           "imagelabeler",
	Short:         "Batch image labeling service",
	Long:          `Accepts batches of images over HTTP, labels each image with a detection provider in the background and exposes job progress for polling.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default $"+appcfg.EnvConfigPath+" or config.yaml)")
	rootCmd.AddCommand(serveCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := appcfg.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, closeLog := appcfg.SetupLogger(cfg.Server)
	defer func() { _ = closeLog() }()
	slog.SetDefault(logger)

	store, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("close store", "err", err)
		}
	}()

	detector, err := newDetector(cfg.Detector)
	if err != nil {
		return err
	}

	uploader := storage.NewUploader(cfg.Server.StorageDir)
	proc := processor.New(logger, uploader, detector)
	orch := jobs.NewOrchestrator(logger, store, proc)

	httpSrv := server.NewHTTPServer(&server.Service{
		Log:      logger,
		Cfg:      cfg,
		Jobs:     orch,
		Uploader: uploader,
	})

	rootCtx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting",
			"address", cfg.Server.Addr,
			"store", cfg.Store.Backend,
			"detector", cfg.Detector.Provider)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case serveErr = <-errCh:
		if serveErr != nil {
			logger.Error("server error", "err", serveErr)
		}
	}

	// Graceful shutdown: stop accepting requests, then drain in-flight batches.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancelShutdown()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	orch.Shutdown(cfg.Server.ShutdownGrace)
	logger.Info("server stopped")
	return serveErr
}

func openStore(cfg appcfg.StoreConfig) (jobs.Store, error) {
	switch cfg.Backend {
	case common.StoreBackendMemory:
		return jobs.NewMemoryStore(), nil
	case common.StoreBackendSQLite:
		s, err := jobs.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite open: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.Backend)
	}
}

func newDetector(cfg appcfg.DetectorConfig) (detect.Detector, error) {
	switch cfg.Provider {
	case common.DetectorMock:
		return mock.New(cfg.Mock), nil
	case common.DetectorVision:
		return vision.New(cfg.Vision), nil
	default:
		return nil, fmt.Errorf("unsupported detection provider %q", cfg.Provider)
	}
}
