package cli

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

	"github.com/lazypower/clawsync/internal/app"
	"github.com/lazypower/clawsync/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync agent and the local API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := app.New(cfg, logger, app.Options{})
	if err := a.Init(ctx); err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer a.Shutdown()

	addr := cfg.ListenAddr()
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.New(a, VersionString(), logger.Named("server")),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return listenUntil(ctx, httpServer, logger, "clawsync serving", zap.String("db", a.DB.Path), zap.String("device", a.DeviceID))
}

// listenUntil serves until ctx is cancelled and then shuts down gracefully.
func listenUntil(ctx context.Context, srv *http.Server, logger *zap.Logger, msg string, fields ...zap.Field) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info(msg, append(fields, zap.String("addr", srv.Addr))...)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen %s: %w", srv.Addr, err)
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
