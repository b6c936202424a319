package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/openperimeter/sdpc/internal/config"
	"github.com/openperimeter/sdpc/internal/credentials"
	"github.com/openperimeter/sdpc/internal/directory"
	"github.com/openperimeter/sdpc/internal/fanout"
	"github.com/openperimeter/sdpc/internal/logging"
	"github.com/openperimeter/sdpc/internal/monitor"
	"github.com/openperimeter/sdpc/internal/registry"
	"github.com/openperimeter/sdpc/internal/server"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the controller",
	Long: `Start the member-facing mTLS listener, the directory change
monitor, and (when admin_port is set) the status and metrics HTTP
listener.

Members present certificates signed by the configured CA; the
certificate common name carries the member's SDP id.`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(rootFlags.configPath)
	if err != nil {
		return err
	}

	store, err := directory.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open directory: %w", err)
	}
	defer store.Close()

	ca, err := credentials.NewLocalCA(cfg.CACert, cfg.CAKey)
	if err != nil {
		return fmt.Errorf("load CA: %w", err)
	}
	maker := credentials.NewMaker(ca, cfg.EncryptionKeyLen, cfg.HMACKeyLen,
		cfg.DaysToExpiration, logger.Named("credentials"))

	reg := registry.New()
	fan := fanout.NewSender(reg, store, cfg.LegacyAccessDetail, logger.Named("fanout"))
	srv := server.New(cfg, store, maker, fan, reg, logger.Named("server"))
	mon := monitor.New(store, fan, reg, cfg.CheckDBInterval, logger.Named("monitor"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var adminServer *http.Server
	if cfg.AdminPort > 0 {
		admin := &server.AdminServer{
			Registry:  reg,
			LastCheck: mon.LastCheck,
			Logger:    logger.Named("admin"),
		}
		adminErrLog, _ := zap.NewStdLogAt(logger.Named("admin"), zapcore.ErrorLevel)
		adminServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.AdminPort),
			Handler:           admin.Handler(),
			ErrorLog:          adminErrLog,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
		}
		go func() {
			logger.Info("starting admin server", logging.Port(cfg.AdminPort))
			if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("admin server error", zap.Error(err))
			}
		}()
	}

	go mon.Run(ctx)

	err = srv.ListenAndServe(ctx)

	logger.Info("shutting down")
	stop()

	if adminServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		adminServer.Shutdown(shutdownCtx)
		cancel()
	}
	srv.Wait()

	return err
}
